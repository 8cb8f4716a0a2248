package audit

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendWritesOneLinePerEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log := NewLog(path)

	require.NoError(t, log.Append(Entry{Kind: "tool_call", Detail: "shell"}))
	require.NoError(t, log.Append(Entry{Kind: "approval", Detail: "approved"}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		count++
	}
	require.Equal(t, 2, count)
}

func TestRedactorMasksAPIKeys(t *testing.T) {
	r := NewRedactor()
	key := "sk-ant-" + strings.Repeat("a1", 12)
	in := "here is my key: " + key + " and token=supersecretvalue123"
	out := r.Filter(in)
	require.NotContains(t, out, key)
	require.NotContains(t, out, "supersecretvalue123")
}

func TestRedactorIsIdempotent(t *testing.T) {
	r := NewRedactor()
	in := "Authorization: Bearer abcdef0123456789xyz and api_key=deadbeefcafef00d"
	once := r.Filter(in)
	twice := r.Filter(once)
	require.Equal(t, once, twice)
}
