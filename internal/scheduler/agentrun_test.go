package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localfirst/assistantgw/internal/agent"
	"github.com/localfirst/assistantgw/internal/providers"
	"github.com/localfirst/assistantgw/internal/session"
	"github.com/localfirst/assistantgw/internal/workspace"
)

// scriptedProvider replays one fixed event batch per call to Stream,
// recording which model string it was asked for, so tests can assert
// on the resolved agent binding without a live network call.
type scriptedProvider struct {
	name     string
	model    string
	batches  [][]providers.ChatEvent
	call     int
	gotModel []string
}

func (p *scriptedProvider) Name() string         { return p.name }
func (p *scriptedProvider) DefaultModel() string { return p.model }

func (p *scriptedProvider) Stream(req providers.ChatRequest) (providers.EventStream, error) {
	p.gotModel = append(p.gotModel, req.Model)
	batch := p.batches[p.call]
	if p.call < len(p.batches)-1 {
		p.call++
	}
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

func TestAgentRunFuncResolvesAgentBinding(t *testing.T) {
	anthropic := &scriptedProvider{name: "anthropic", model: "claude-default", batches: [][]providers.ChatEvent{
		{{Type: providers.EventDelta, TextDelta: "done"}, {Type: providers.EventFinal}},
	}}
	openai := &scriptedProvider{name: "openai", model: "gpt-default", batches: [][]providers.ChatEvent{
		{{Type: providers.EventDelta, TextDelta: "done"}, {Type: providers.EventFinal}},
	}}
	reg := providers.NewRegistry()
	reg.Register(anthropic)
	reg.Register(openai)

	runner := agent.New(anthropic, nil)
	sessions, err := session.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sess, err := sessions.Create("")
	require.NoError(t, err)

	defs := []workspace.AgentDef{{ID: "researcher", ModelRef: "openai/gpt-4o-custom"}}
	runFn := NewAgentRunFunc(runner, sessions, nil, nil, "be helpful", "", reg, defs, []string{"anthropic", "openai"})

	_, err = runFn(context.Background(), Job{AgentID: "researcher", Prompt: "hi"}, sess.ID)
	require.NoError(t, err)

	require.Equal(t, []string{"gpt-4o-custom"}, openai.gotModel)
	require.Empty(t, anthropic.gotModel)
}

func TestAgentRunFuncRetriesOnApprovalLanguage(t *testing.T) {
	p := &scriptedProvider{name: "anthropic", model: "claude-default", batches: [][]providers.ChatEvent{
		{{Type: providers.EventDelta, TextDelta: "I need your approval before proceeding."}, {Type: providers.EventFinal}},
		{{Type: providers.EventDelta, TextDelta: "Done, completed the task."}, {Type: providers.EventFinal}},
	}}
	reg := providers.NewRegistry()
	reg.Register(p)

	runner := agent.New(p, nil)
	sessions, err := session.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sess, err := sessions.Create("")
	require.NoError(t, err)

	runFn := NewAgentRunFunc(runner, sessions, nil, nil, "be helpful", "", reg, nil, []string{"anthropic"})

	text, err := runFn(context.Background(), Job{AgentID: "default", Prompt: "do the thing"}, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "Done, completed the task.", text)
	require.Len(t, p.gotModel, 2, "expected a retried second provider call after approval-seeking text")
}
