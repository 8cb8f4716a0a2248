// Package agent implements the Think -> Act -> Observe turn loop: it
// drives a Provider until it stops requesting tool calls or a hard
// iteration cap is hit, dispatching tool calls through a tools.Registry
// with parallel execution for multi-call turns.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/localfirst/assistantgw/internal/providers"
	"github.com/localfirst/assistantgw/internal/tools"
	"github.com/localfirst/assistantgw/pkg/protocol"
)

// Repeating the exact same tool call this many times in a row without
// new information is treated as no-progress and logged at increasing
// severity; at the critical threshold the turn is aborted rather than
// burning the rest of the iteration cap on a stuck loop.
const (
	noProgressWarnThreshold     = 2
	noProgressCriticalThreshold = 4
)

// maxToolCallIterations is the hard cap on Think->Act->Observe
// iterations within a single turn, matching the spec's fixed limit.
const maxToolCallIterations = 10

// RunRequest starts one agent turn.
type RunRequest struct {
	RunID       string
	System      string
	Model       string
	History     []providers.Message
	UserText    string
	AutoApprove bool

	// Provider overrides the Runner's default provider for this one
	// turn, so a single Runner can serve every agent's own
	// provider/model binding (spec §6's AGENTS.md resolution) instead
	// of being locked to the provider it was constructed with. Nil
	// keeps the Runner's default.
	Provider providers.Provider

	// PreApprovalNote, when non-empty, is appended to the description
	// of every tool definition that requires approval before it is
	// passed to the provider — the scheduler's unattended path uses
	// this to tell the model those tools are pre-approved for this run
	// (spec §4.10 step 7), rather than silently executing them while
	// still describing them to the model as gated.
	PreApprovalNote string

	// PushEvent delivers approval-request/progress/attachment events
	// raised by a tool mid-execution, already correlated to RunID by
	// the caller. Nil in the scheduler's unattended path, matching the
	// spec's "no outbound events" contract for that context.
	PushEvent tools.EventFunc

	// Redact scrubs secrets out of tool output before it is fed back to
	// the model, matching the redaction boundary in spec §7. Nil is a
	// no-op passthrough.
	Redact func(string) string

	// AuditToolCall is invoked once per completed tool execution (not
	// called on a registry-miss or a Go-level execution error) so the
	// caller can append a tool_exec/tool_denied audit entry. Nil is a
	// no-op.
	AuditToolCall func(toolName string, res *tools.Result)
}

// RunResult is what the turn produced, for the caller to persist.
type RunResult struct {
	NewMessages []providers.Message
	FinalText   string
	Usage       providers.Usage
	Err         error
}

// Emit is called for every ChatEvent produced over the course of the
// turn — deltas as they stream, one event per tool call, and finally
// either a final or an error event.
type Emit func(providers.ChatEvent)

// Runner drives one provider against one tool registry.
type Runner struct {
	Provider providers.Provider
	Registry *tools.Registry
}

func New(p providers.Provider, r *tools.Registry) *Runner {
	return &Runner{Provider: p, Registry: r}
}

func (r *Runner) Run(ctx context.Context, req RunRequest, emit Emit) RunResult {
	messages := append(historyToMessages(req.History), textMessage(providers.RoleUser, req.UserText))
	var newMessages []providers.Message
	newMessages = append(newMessages, textMessage(providers.RoleUser, req.UserText))

	var totalUsage providers.Usage
	var lastToolSignature string
	repeatCount := 0

	provider := r.Provider
	if req.Provider != nil {
		provider = req.Provider
	}

	// emitIfLive drops every event, including the terminal final/error,
	// once the caller has cancelled ctx — the Cancellation contract is
	// that an aborted run produces no further output past the point of
	// cancellation.
	emitIfLive := func(ev providers.ChatEvent) {
		if ctx.Err() != nil {
			return
		}
		emit(ev)
	}

	for iter := 0; iter < maxToolCallIterations; iter++ {
		if ctx.Err() != nil {
			return RunResult{NewMessages: newMessages, Usage: totalUsage, Err: ctx.Err()}
		}

		stream, err := provider.Stream(providers.ChatRequest{
			Model:    req.Model,
			System:   req.System,
			Messages: messages,
			Tools:    toolDefinitions(r.Registry, req.PreApprovalNote),
		})
		if err != nil {
			emitIfLive(providers.ChatEvent{Type: providers.EventError, Err: err})
			return RunResult{NewMessages: newMessages, Err: err}
		}

		var text string
		var calls []providers.ChatEvent
		var streamErr error
		cancelled := false

		for {
			if ctx.Err() != nil {
				stream.Cancel()
				cancelled = true
				break
			}
			ev, ok := stream.Next()
			if !ok {
				break
			}
			switch ev.Type {
			case providers.EventDelta:
				text += ev.TextDelta
				emitIfLive(ev)
			case providers.EventToolCall:
				calls = append(calls, ev)
				emitIfLive(ev)
			case providers.EventFinal:
				if ev.Usage != nil {
					totalUsage.InputTokens += ev.Usage.InputTokens
					totalUsage.OutputTokens += ev.Usage.OutputTokens
				}
			case providers.EventError:
				streamErr = ev.Err
			}
		}

		// A cancelled iteration's partial assistant turn (possibly a
		// half-streamed tool_use) is discarded rather than appended, so a
		// cancelled run never leaves an orphaned tool_use with no paired
		// tool_result in the message history.
		if cancelled || ctx.Err() != nil {
			return RunResult{NewMessages: newMessages, Usage: totalUsage, Err: ctx.Err()}
		}

		if streamErr != nil {
			emitIfLive(providers.ChatEvent{Type: providers.EventError, Err: streamErr})
			return RunResult{NewMessages: newMessages, Usage: totalUsage, Err: streamErr}
		}

		assistantMsg := providers.Message{Role: providers.RoleAssistant}
		if text != "" {
			assistantMsg.Content = append(assistantMsg.Content, providers.Block{Type: providers.BlockText, Text: text})
		}
		for _, c := range calls {
			assistantMsg.Content = append(assistantMsg.Content, providers.Block{
				Type: providers.BlockToolUse, ToolUseID: c.ToolCallID, ToolName: c.ToolName, ToolInput: c.Input,
			})
		}

		if len(calls) == 0 {
			messages = append(messages, assistantMsg)
			newMessages = append(newMessages, assistantMsg)
			emitIfLive(providers.ChatEvent{Type: providers.EventFinal, Usage: &totalUsage})
			return RunResult{NewMessages: newMessages, FinalText: text, Usage: totalUsage}
		}

		sig := callSignature(calls)
		if sig == lastToolSignature {
			repeatCount++
		} else {
			repeatCount = 0
			lastToolSignature = sig
		}

		if repeatCount == noProgressWarnThreshold {
			slog.Warn("agent turn repeating identical tool call", "runId", req.RunID, "count", repeatCount)
		}
		if repeatCount >= noProgressCriticalThreshold {
			err := fmt.Errorf("aborted after %d identical tool calls with no progress", repeatCount+1)
			slog.Error("agent turn aborted for no progress", "runId", req.RunID, "err", err)

			// Every tool_use just appended to assistantMsg still needs a
			// matching tool_result even though none of them ran, so the
			// abort path can't leave the Message invariant (every tool_use
			// paired with exactly one tool_result in the next message)
			// broken for the next turn.
			resultMsg := providers.Message{Role: providers.RoleUser}
			for _, c := range calls {
				resultMsg.Content = append(resultMsg.Content, providers.Block{
					Type: providers.BlockToolResult, ToolResultForID: c.ToolCallID,
					Content: "turn aborted before this tool call executed: no-progress limit reached",
					IsError: true,
				})
			}
			messages = append(messages, assistantMsg, resultMsg)
			newMessages = append(newMessages, assistantMsg, resultMsg)

			emitIfLive(providers.ChatEvent{Type: providers.EventError, Err: err})
			return RunResult{NewMessages: newMessages, Usage: totalUsage, Err: err}
		}

		messages = append(messages, assistantMsg)
		newMessages = append(newMessages, assistantMsg)

		results := r.executeCalls(ctx, req, calls)

		resultMsg := providers.Message{Role: providers.RoleUser}
		for _, res := range results {
			resultMsg.Content = append(resultMsg.Content, res)
		}
		messages = append(messages, resultMsg)
		newMessages = append(newMessages, resultMsg)
	}

	// Turn-cap exceeded: per the spec's intentionally-ambiguous design,
	// this is reported as an untagged error event rather than a
	// distinctly-typed one.
	err := fmt.Errorf("turn exceeded %d tool-call iterations", maxToolCallIterations)
	emitIfLive(providers.ChatEvent{Type: providers.EventError, Err: err})
	return RunResult{NewMessages: newMessages, Usage: totalUsage, Err: err}
}

// executeCalls runs a turn's tool calls: sequentially if there is only
// one, in parallel (re-sorted back to call order) if there are
// several, matching the teacher's Loop.runLoop dispatch shape.
func (r *Runner) executeCalls(ctx context.Context, req RunRequest, calls []providers.ChatEvent) []providers.Block {
	if len(calls) == 1 {
		return []providers.Block{r.executeOne(ctx, req, calls[0])}
	}

	type indexed struct {
		idx int
		blk providers.Block
	}
	out := make(chan indexed, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func(i int, c providers.ChatEvent) {
			defer wg.Done()
			out <- indexed{idx: i, blk: r.executeOne(ctx, req, c)}
		}(i, c)
	}
	wg.Wait()
	close(out)

	results := make([]indexed, 0, len(calls))
	for v := range out {
		results = append(results, v)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].idx < results[j].idx })

	blocks := make([]providers.Block, len(results))
	for _, v := range results {
		blocks[v.idx] = v.blk
	}
	return blocks
}

func (r *Runner) executeOne(ctx context.Context, req RunRequest, call providers.ChatEvent) providers.Block {
	tool, ok := r.Registry.Get(call.ToolName)
	if !ok {
		return providers.Block{
			Type: providers.BlockToolResult, ToolResultForID: call.ToolCallID,
			Content: fmt.Sprintf("unknown tool: %s", call.ToolName), IsError: true,
		}
	}

	callCtx := ctx
	if req.PushEvent != nil {
		callCtx = tools.WithEmitter(callCtx, req.PushEvent)
	}
	if tool.RequiresApproval() && !req.AutoApprove {
		callCtx = tools.WithApprovalID(callCtx, uuid.NewString())
	}

	res, err := tool.Execute(callCtx, call.Input)
	if err != nil {
		return providers.Block{
			Type: providers.BlockToolResult, ToolResultForID: call.ToolCallID,
			Content: redact(req, err.Error()), IsError: true,
		}
	}
	if len(res.Attachments) > 0 && req.PushEvent != nil {
		req.PushEvent(protocol.EventToolAttachments, map[string]any{
			"tool":        call.ToolName,
			"attachments": res.Attachments,
		})
	}
	if req.AuditToolCall != nil {
		req.AuditToolCall(call.ToolName, res)
	}
	return providers.Block{
		Type: providers.BlockToolResult, ToolResultForID: call.ToolCallID,
		Content: redact(req, res.Output), IsError: res.IsError,
	}
}

func redact(req RunRequest, s string) string {
	if req.Redact == nil {
		return s
	}
	return req.Redact(s)
}

func toolDefinitions(reg *tools.Registry, preApprovalNote string) []providers.ToolDefinition {
	if reg == nil {
		return nil
	}
	list := reg.List()
	out := make([]providers.ToolDefinition, 0, len(list))
	for _, t := range list {
		desc := t.Description()
		if preApprovalNote != "" && t.RequiresApproval() {
			desc += preApprovalNote
		}
		out = append(out, providers.ToolDefinition{
			Name:        t.Name(),
			Description: desc,
			Parameters:  t.Parameters(),
		})
	}
	return out
}

func callSignature(calls []providers.ChatEvent) string {
	type sig struct {
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	sigs := make([]sig, 0, len(calls))
	for _, c := range calls {
		sigs = append(sigs, sig{Name: c.ToolName, Input: c.Input})
	}
	b, _ := json.Marshal(sigs)
	return string(b)
}
