package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBrowserToolRejectsEmptyActions(t *testing.T) {
	tool := NewBrowserTool(true, 5*time.Second, nil)
	args, _ := json.Marshal(browserArgs{Actions: []browserAction{}})
	res, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, res.Output, "between 1 and")
}

func TestBrowserToolRejectsTooManyActions(t *testing.T) {
	tool := NewBrowserTool(true, 5*time.Second, nil)
	actions := make([]browserAction, maxBrowserActions+1)
	for i := range actions {
		actions[i] = browserAction{Type: "screenshot"}
	}
	args, _ := json.Marshal(browserArgs{Actions: actions})
	res, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, res.Output, "between 1 and")
}

func TestBrowserToolBlocksDisallowedScheme(t *testing.T) {
	tool := NewBrowserTool(true, 5*time.Second, nil)
	args, _ := json.Marshal(browserArgs{Actions: []browserAction{
		{Type: "navigate", URL: "file:///etc/passwd"},
	}})
	res, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, res.Output, "Blocked")
}

func TestBrowserToolStopsBatchOnUnknownAction(t *testing.T) {
	tool := NewBrowserTool(true, 5*time.Second, nil)
	args, _ := json.Marshal(browserArgs{Actions: []browserAction{
		{Type: "teleport"},
		{Type: "screenshot"},
	}})
	res, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, res.Output, "unknown action")
	require.NotContains(t, res.Output, "captured screenshot")
}

func TestBrowserToolOutputIdentifiesSession(t *testing.T) {
	tool := NewBrowserTool(true, 5*time.Second, nil)
	args, _ := json.Marshal(browserArgs{
		SessionID: "my-session",
		Actions:   []browserAction{{Type: "navigate", URL: "javascript:alert(1)"}},
	})
	res, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	require.Contains(t, res.Output, "sessionId: my-session")
}

func TestBrowserToolRequiresApproval(t *testing.T) {
	tool := NewBrowserTool(true, 5*time.Second, nil)
	require.True(t, tool.RequiresApproval())
}

func TestDescribeActionCoversAllTypes(t *testing.T) {
	require.Equal(t, "navigate to https://example.com", describeAction(browserAction{Type: "navigate", URL: "https://example.com"}))
	require.Equal(t, "click #submit", describeAction(browserAction{Type: "click", Selector: "#submit"}))
	require.Equal(t, "type into #search", describeAction(browserAction{Type: "type", Selector: "#search"}))
	require.Equal(t, "take screenshot", describeAction(browserAction{Type: "screenshot"}))
	require.Equal(t, "extract page text", describeAction(browserAction{Type: "extract"}))
	require.Equal(t, "extract text from #body", describeAction(browserAction{Type: "extract", Selector: "#body"}))
}
