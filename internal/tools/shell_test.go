package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShellToolRunsCommand(t *testing.T) {
	tool := NewShellTool(t.TempDir(), 5*time.Second, 1024, nil, nil)
	args, _ := json.Marshal(map[string]string{"command": "echo hello"})
	res, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Output, "hello")
}

func TestShellToolCapturesStderr(t *testing.T) {
	tool := NewShellTool(t.TempDir(), 5*time.Second, 1024, nil, nil)
	args, _ := json.Marshal(map[string]string{"command": "echo oops 1>&2; exit 3"})
	res, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, 3, res.ExitCode)
	require.Contains(t, res.Output, "STDERR:")
	require.Contains(t, res.Output, "oops")
}

func TestShellToolTruncatesOutput(t *testing.T) {
	tool := NewShellTool(t.TempDir(), 5*time.Second, 5, nil, nil)
	args, _ := json.Marshal(map[string]string{"command": "echo 0123456789"})
	res, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	require.True(t, res.Truncated)
	require.Len(t, res.Output, 5)
}

func TestShellToolKillsOnTimeout(t *testing.T) {
	tool := NewShellTool(t.TempDir(), 50*time.Millisecond, 1024, nil, nil)
	args, _ := json.Marshal(map[string]string{"command": "sleep 5"})
	start := time.Now()
	res, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, res.Output, "timed out")
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestShellToolRespectsApprovalDenial(t *testing.T) {
	coord := NewApprovalCoordinator()
	tool := NewShellTool(t.TempDir(), 5*time.Second, 1024, coord, nil)

	ctx := WithApprovalID(context.Background(), "approval-1")
	done := make(chan *Result, 1)
	go func() {
		args, _ := json.Marshal(map[string]string{"command": "echo should-not-run"})
		res, err := tool.Execute(ctx, args)
		require.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return coord.HasPending("approval-1") }, time.Second, time.Millisecond)
	require.NoError(t, coord.Deny("approval-1", "not allowed"))

	res := <-done
	require.True(t, res.IsError)
	require.Contains(t, res.Output, "not allowed")
}
