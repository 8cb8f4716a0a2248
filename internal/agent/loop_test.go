package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localfirst/assistantgw/internal/providers"
	"github.com/localfirst/assistantgw/internal/tools"
)

// scriptedProvider replays a fixed sequence of event batches, one
// batch per call to Stream, so the turn loop can be driven
// deterministically without a live network call.
type scriptedProvider struct {
	batches [][]providers.ChatEvent
	call    int
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "scripted-1" }

func (p *scriptedProvider) Stream(providers.ChatRequest) (providers.EventStream, error) {
	batch := p.batches[p.call]
	p.call++
	return &sliceStream{events: batch}, nil
}

type sliceStream struct {
	events []providers.ChatEvent
	i      int
}

func (s *sliceStream) Next() (providers.ChatEvent, bool) {
	if s.i >= len(s.events) {
		return providers.ChatEvent{}, false
	}
	ev := s.events[s.i]
	s.i++
	return ev, true
}
func (s *sliceStream) Cancel() {}

type echoTool struct{ calls int }

func (t *echoTool) Name() string                  { return "echo_tool" }
func (t *echoTool) Description() string           { return "echoes input" }
func (t *echoTool) Parameters() json.RawMessage    { return json.RawMessage(`{}`) }
func (t *echoTool) RequiresApproval() bool         { return false }
func (t *echoTool) Execute(context.Context, json.RawMessage) (*tools.Result, error) {
	t.calls++
	return tools.NewResult("ok"), nil
}

func TestRunStopsWhenNoToolCalls(t *testing.T) {
	p := &scriptedProvider{batches: [][]providers.ChatEvent{
		{{Type: providers.EventDelta, TextDelta: "hi there"}, {Type: providers.EventFinal}},
	}}
	runner := New(p, tools.NewRegistry())

	var events []providers.ChatEvent
	res := runner.Run(context.Background(), RunRequest{RunID: "r1", UserText: "hello"}, func(e providers.ChatEvent) { events = append(events, e) })

	require.NoError(t, res.Err)
	require.Equal(t, "hi there", res.FinalText)
	require.Equal(t, providers.EventFinal, events[len(events)-1].Type)
}

func TestRunExecutesToolCallThenFinalizes(t *testing.T) {
	p := &scriptedProvider{batches: [][]providers.ChatEvent{
		{{Type: providers.EventToolCall, ToolCallID: "t1", ToolName: "echo_tool", Input: json.RawMessage(`{}`)}, {Type: providers.EventFinal}},
		{{Type: providers.EventDelta, TextDelta: "done"}, {Type: providers.EventFinal}},
	}}
	reg := tools.NewRegistry()
	et := &echoTool{}
	reg.Register(et)
	runner := New(p, reg)

	res := runner.Run(context.Background(), RunRequest{RunID: "r2", UserText: "do it", AutoApprove: true}, func(providers.ChatEvent) {})

	require.NoError(t, res.Err)
	require.Equal(t, "done", res.FinalText)
	require.Equal(t, 1, et.calls)
}

func TestRunAbortsOnRepeatedIdenticalToolCall(t *testing.T) {
	loopedCall := []providers.ChatEvent{
		{Type: providers.EventToolCall, ToolCallID: "t1", ToolName: "echo_tool", Input: json.RawMessage(`{"x":1}`)},
		{Type: providers.EventFinal},
	}
	p := &scriptedProvider{batches: [][]providers.ChatEvent{loopedCall, loopedCall, loopedCall, loopedCall, loopedCall}}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	runner := New(p, reg)

	res := runner.Run(context.Background(), RunRequest{RunID: "r3", UserText: "loop", AutoApprove: true}, func(providers.ChatEvent) {})
	require.Error(t, res.Err)

	// Every tool_use appended to the message history must still be
	// paired with a tool_result in the very next message, even on the
	// no-progress abort path.
	for i, m := range res.NewMessages {
		if m.Role != providers.RoleAssistant {
			continue
		}
		for _, b := range m.Content {
			if b.Type != providers.BlockToolUse {
				continue
			}
			require.Less(t, i+1, len(res.NewMessages), "tool_use %s has no following message", b.ToolUseID)
			next := res.NewMessages[i+1]
			found := false
			for _, nb := range next.Content {
				if nb.Type == providers.BlockToolResult && nb.ToolResultForID == b.ToolUseID {
					found = true
				}
			}
			require.True(t, found, "tool_use %s has no matching tool_result", b.ToolUseID)
		}
	}
}

func TestRunStopsImmediatelyWhenContextAlreadyCancelled(t *testing.T) {
	p := &scriptedProvider{batches: [][]providers.ChatEvent{
		{{Type: providers.EventDelta, TextDelta: "hi there"}, {Type: providers.EventFinal}},
	}}
	runner := New(p, tools.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var events []providers.ChatEvent
	res := runner.Run(ctx, RunRequest{RunID: "r5", UserText: "hello"}, func(e providers.ChatEvent) { events = append(events, e) })

	require.Error(t, res.Err)
	require.Empty(t, events, "a cancelled run must not emit any event, including a terminal one")
}

func TestRunSuppressesEventsOnceCancelledMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan providers.ChatEvent, 8)
	batch := []providers.ChatEvent{
		{Type: providers.EventDelta, TextDelta: "partial"},
		{Type: providers.EventDelta, TextDelta: "more"},
		{Type: providers.EventFinal},
	}
	p := &scriptedProvider{batches: [][]providers.ChatEvent{batch}}
	runner := New(p, tools.NewRegistry())

	// Cancel on the first delta so later events in the same batch are
	// observed by Run only after ctx is already done.
	first := true
	res := runner.Run(ctx, RunRequest{RunID: "r6", UserText: "hello"}, func(e providers.ChatEvent) {
		events <- e
		if first {
			first = false
			cancel()
		}
	})
	close(events)

	require.Error(t, res.Err)
	var seen []providers.ChatEvent
	for e := range events {
		seen = append(seen, e)
	}
	require.Len(t, seen, 1, "no event should be emitted past the point of cancellation")
}

func TestRunHitsIterationCap(t *testing.T) {
	var batches [][]providers.ChatEvent
	for i := 0; i < 12; i++ {
		batches = append(batches, []providers.ChatEvent{
			{Type: providers.EventToolCall, ToolCallID: "t1", ToolName: "echo_tool", Input: json.RawMessage(`{"i":` + string(rune('0'+i)) + `}`)},
			{Type: providers.EventFinal},
		})
	}
	p := &scriptedProvider{batches: batches}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	runner := New(p, reg)

	res := runner.Run(context.Background(), RunRequest{RunID: "r4", UserText: "loop forever", AutoApprove: true}, func(providers.ChatEvent) {})
	require.Error(t, res.Err)
}
