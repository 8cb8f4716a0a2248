package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localfirst/assistantgw/internal/providers"
)

func TestCreateGetList(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	s, err := fs.Create("my session")
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	got, ok := fs.Get(s.ID)
	require.True(t, ok)
	require.Equal(t, "my session", got.Label)
	require.Len(t, fs.List(), 1)
}

func TestListSortsNewestFirstByCreated(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	oldest, err := fs.Create("oldest")
	require.NoError(t, err)
	middle, err := fs.Create("middle")
	require.NoError(t, err)
	newest, err := fs.Create("newest")
	require.NoError(t, err)

	// Backdate explicitly rather than relying on real clock gaps between
	// the Create calls above, which could land on the same instant.
	now := time.Now()
	oldest.Created = now.Add(-2 * time.Hour)
	middle.Created = now.Add(-1 * time.Hour)
	newest.Created = now

	list := fs.List()
	require.Len(t, list, 3)
	require.Equal(t, "newest", list[0].Label)
	require.Equal(t, "middle", list[1].Label)
	require.Equal(t, "oldest", list[2].Label)
}

func TestAppendAndHistoryRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	s, err := fs.Create("")
	require.NoError(t, err)

	msg := providers.Message{Role: providers.RoleUser, Content: []providers.Block{{Type: providers.BlockText, Text: "hi"}}}
	require.NoError(t, fs.AppendMessage(s.ID, msg))

	hist, err := fs.History(s.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, "hi", hist[0].Content[0].Text)
}

func TestHistoryDiscardsMalformedTrailingLine(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	s, err := fs.Create("")
	require.NoError(t, err)

	msg := providers.Message{Role: providers.RoleUser, Content: []providers.Block{{Type: providers.BlockText, Text: "complete"}}}
	require.NoError(t, fs.AppendMessage(s.ID, msg))

	// Simulate a process that died mid-write of the next line.
	f, err := os.OpenFile(fs.transcriptPath(s.ID), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"message","message":{"role":"user","content":[{"type":"text","t`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	hist, err := fs.History(s.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, "complete", hist[0].Content[0].Text)
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	s, err := fs.Create("x")
	require.NoError(t, err)

	require.NoError(t, fs.SetLabel(s.ID, "y"))

	entries, err := os.ReadDir(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp")
	}
}
