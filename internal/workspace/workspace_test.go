package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadOptionalMissingReturnsEmpty(t *testing.T) {
	w := New(t.TempDir())
	s, err := w.Soul()
	require.NoError(t, err)
	require.Empty(t, s)
}

func TestReadOptionalPresent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SOUL.md"), []byte("be helpful"), 0o644))
	w := New(dir)
	s, err := w.Soul()
	require.NoError(t, err)
	require.Equal(t, "be helpful", s)
}

func TestPathRejectsEscape(t *testing.T) {
	w := New(t.TempDir())
	_, err := w.Path("../../etc/passwd")
	require.Error(t, err)
}

func TestParseAgentsTolerantOfProse(t *testing.T) {
	md := `# Agents

Some intro prose that isn't a heading at all.

## default

A generalist assistant for everyday tasks.
Model: anthropic/claude-sonnet-4-20250514

## researcher
Digs through transcripts and memory search results.

Model: openai/gpt-4o

Trailing prose after the model line still counts as description.
`
	defs := ParseAgents(md)
	require.Len(t, defs, 2)

	require.Equal(t, "default", defs[0].ID)
	require.Equal(t, "anthropic/claude-sonnet-4-20250514", defs[0].ModelRef)
	require.Contains(t, defs[0].Description, "generalist")

	require.Equal(t, "researcher", defs[1].ID)
	require.Equal(t, "openai/gpt-4o", defs[1].ModelRef)
	require.Contains(t, defs[1].Description, "Digs through transcripts")
	require.Contains(t, defs[1].Description, "Trailing prose")
}

func TestParseAgentsEmptyWhenNoHeadings(t *testing.T) {
	require.Empty(t, ParseAgents("no headings here, just text"))
}
