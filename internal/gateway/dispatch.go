package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localfirst/assistantgw/internal/agent"
	"github.com/localfirst/assistantgw/internal/audit"
	"github.com/localfirst/assistantgw/internal/memory"
	"github.com/localfirst/assistantgw/internal/providers"
	"github.com/localfirst/assistantgw/internal/session"
	"github.com/localfirst/assistantgw/internal/tools"
	"github.com/localfirst/assistantgw/internal/workspace"
	"github.com/localfirst/assistantgw/pkg/protocol"
)

// validateUUID rejects a non-empty, non-UUID value for a field the
// spec types as UUID, naming the field in the error message per the
// testable boundary in spec §8.
func validateUUID(field, value string) *protocol.RPCError {
	if value == "" {
		return nil
	}
	if _, err := uuid.Parse(value); err != nil {
		return protocol.NewRPCError(protocol.ErrInvalidParams, field+" is not a valid UUID")
	}
	return nil
}

// EmitFunc delivers a push event correlated by runId back to the
// connection that is awaiting it.
type EmitFunc func(event, runID string, data any)

// Dispatcher routes RPC method calls to their handlers. Each
// connection owns its own Handle call site but shares the same
// underlying session store, agent runner, and tool registry.
type Dispatcher struct {
	sessions  session.Store
	approvals *tools.ApprovalCoordinator
	scheduler tools.SchedulerAPI
	searcher  *memory.Searcher
	runner    *agent.Runner
	audit     *audit.Log
	redactor  *audit.Redactor
	system    string
	// defaultAgentID names the agent a session with no explicit label
	// resolves to, and doubles as the standalone model string when no
	// agent roster has been wired via WithAgents (tests, mainly).
	defaultAgentID string
	startedAt      time.Time

	agentDefs     map[string]workspace.AgentDef
	agentOrder    []string
	registry      *providers.Registry
	fallbackOrder []string

	mu         sync.Mutex
	activeRuns map[string]context.CancelFunc
}

func NewDispatcher(sessions session.Store, approvals *tools.ApprovalCoordinator, scheduler tools.SchedulerAPI, searcher *memory.Searcher, runner *agent.Runner, system, defaultAgentID string) *Dispatcher {
	return &Dispatcher{
		sessions:       sessions,
		approvals:      approvals,
		scheduler:      scheduler,
		searcher:       searcher,
		runner:         runner,
		redactor:       audit.NewRedactor(),
		system:         system,
		defaultAgentID: defaultAgentID,
		startedAt:      time.Now(),
		activeRuns:     map[string]context.CancelFunc{},
	}
}

// WithAgents wires the parsed AGENTS.md roster and the provider
// registry/fallback order used to resolve each agent's binding (spec
// §6/§9). Without this call the dispatcher behaves as a single agent
// named defaultAgentID whose "model" is whatever the Runner's own
// default provider supplies — the shape the dispatcher tests exercise.
func (d *Dispatcher) WithAgents(defs []workspace.AgentDef, registry *providers.Registry, fallbackOrder []string) *Dispatcher {
	d.agentDefs = map[string]workspace.AgentDef{}
	for _, def := range defs {
		d.agentDefs[def.ID] = def
		d.agentOrder = append(d.agentOrder, def.ID)
	}
	d.registry = registry
	d.fallbackOrder = fallbackOrder
	return d
}

// resolveAgent picks the provider+model for agentID (defaultAgentID
// when agentID is empty). An id with no AGENTS.md entry, or no usable
// Model: line, resolves through the configured fallback order. When no
// roster/registry has been wired at all it returns (nil, ""), leaving
// the Runner's own default provider in place.
func (d *Dispatcher) resolveAgent(agentID string) (providers.Provider, string) {
	if d.registry == nil {
		return nil, ""
	}
	if agentID == "" {
		agentID = d.defaultAgentID
	}
	def := d.agentDefs[agentID]
	return d.registry.Resolve(def.ModelRef, d.fallbackOrder)
}

// WithAudit points the dispatcher's audit log at a real path and
// enables the redaction boundary for tool_exec/tool_denied entries.
// Separate from the constructor so tests can exercise the dispatcher
// without touching disk.
func (d *Dispatcher) WithAudit(log *audit.Log) *Dispatcher {
	d.audit = log
	return d
}

func (d *Dispatcher) Handle(method string, params json.RawMessage, emit EmitFunc) (any, *protocol.RPCError) {
	switch method {
	case protocol.MethodHealthCheck:
		return map[string]any{"status": "ok", "uptime": int(time.Since(d.startedAt).Seconds())}, nil
	case protocol.MethodChatSend:
		return d.handleChatSend(params, emit)
	case protocol.MethodChatAbort:
		return d.handleChatAbort(params)
	case protocol.MethodChatHistory:
		return d.handleChatHistory(params)
	case protocol.MethodSessionsCreate:
		return d.handleSessionsCreate(params)
	case protocol.MethodSessionsList:
		return d.handleSessionsList()
	case protocol.MethodSessionsGet:
		return d.handleSessionsGet(params)
	case protocol.MethodSessionsDelete:
		return d.handleSessionsDelete(params)
	case protocol.MethodSessionsLabel:
		return d.handleSessionsLabel(params)
	case protocol.MethodExecApprove:
		return d.handleExecApprove(params)
	case protocol.MethodExecDeny:
		return d.handleExecDeny(params)
	case protocol.MethodSchedulerList, protocol.MethodSchedulerCreate, protocol.MethodSchedulerUpdate, protocol.MethodSchedulerDelete, protocol.MethodSchedulerGet, protocol.MethodSchedulerRun, protocol.MethodSchedulerRuns:
		return d.handleScheduler(method, params)
	case protocol.MethodAgentsList:
		return map[string]any{"agents": d.handleAgentsList()}, nil
	case protocol.MethodMemorySearch:
		return d.handleMemorySearch(params)
	default:
		return nil, protocol.NewRPCError(protocol.ErrMethodNotFound, "unknown method: "+method)
	}
}

type agentSummary struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	Description string `json:"description,omitempty"`
}

// handleAgentsList reports the AGENTS.md roster with each agent's
// resolved model (honoring the same fallback order chat.send uses),
// or a single synthetic entry for defaultAgentID when no roster was
// ever wired (e.g. in tests).
func (d *Dispatcher) handleAgentsList() []agentSummary {
	if d.registry == nil {
		return []agentSummary{{ID: d.defaultAgentID, Model: d.defaultAgentID}}
	}
	out := make([]agentSummary, 0, len(d.agentOrder))
	for _, id := range d.agentOrder {
		def := d.agentDefs[id]
		_, model := d.registry.Resolve(def.ModelRef, d.fallbackOrder)
		out = append(out, agentSummary{ID: id, Model: model, Description: def.Description})
	}
	return out
}

func (d *Dispatcher) handleSessionsCreate(params json.RawMessage) (any, *protocol.RPCError) {
	var p struct {
		AgentID string `json:"agentId,omitempty"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewRPCError(protocol.ErrInvalidParams, err.Error())
		}
	}
	sess, err := d.sessions.Create(p.AgentID)
	if err != nil {
		return nil, protocol.NewRPCError(protocol.ErrInternal, err.Error())
	}
	return map[string]any{"sessionKey": sess.ID, "meta": sess}, nil
}

type chatSendParams struct {
	SessionID string `json:"sessionKey"`
	Text      string `json:"message"`
}

type chatSendResult struct {
	RunID string `json:"runId"`
}

func (d *Dispatcher) handleChatSend(params json.RawMessage, emit EmitFunc) (any, *protocol.RPCError) {
	var p chatSendParams
	if err := json.Unmarshal(params, &p); err != nil || p.Text == "" {
		return nil, protocol.NewRPCError(protocol.ErrInvalidParams, "message is required")
	}
	if rerr := validateUUID("sessionKey", p.SessionID); rerr != nil {
		return nil, rerr
	}

	sess, ok := d.sessions.Get(p.SessionID)
	if !ok {
		created, err := d.sessions.Create("")
		if err != nil {
			return nil, protocol.NewRPCError(protocol.ErrInternal, err.Error())
		}
		sess = created
	}

	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.activeRuns[runID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.activeRuns, runID)
		d.mu.Unlock()
	}()

	history, err := d.sessions.History(sess.ID)
	if err != nil {
		return nil, protocol.NewRPCError(protocol.ErrInternal, err.Error())
	}

	pushEvent := func(event string, data any) { emit(event, runID, data) }

	prov, model := d.resolveAgent(sess.Label)

	result := d.runner.Run(ctx, agent.RunRequest{
		RunID:     runID,
		System:    d.system,
		Model:     model,
		Provider:  prov,
		History:   history,
		UserText:  p.Text,
		PushEvent: pushEvent,
		Redact:    d.redactor.Filter,
		AuditToolCall: func(toolName string, res *tools.Result) {
			d.auditToolCall(sess.ID, runID, toolName, res)
		},
	}, func(ev providers.ChatEvent) {
		emitChatEvent(emit, runID, ev)
	})

	for _, m := range result.NewMessages {
		_ = d.sessions.AppendMessage(sess.ID, m)
	}
	if result.Err == nil {
		providerName := ""
		if prov != nil {
			providerName = prov.Name()
		}
		_ = d.sessions.Touch(sess.ID, result.Usage, model, providerName)
	}
	_ = d.sessions.AppendRunEvent(sess.ID, runID, runStatus(result.Err), errString(result.Err))

	return chatSendResult{RunID: runID}, nil
}

// auditToolCall records one audit entry per completed tool execution:
// kind tool_denied when the user rejected the approval request, kind
// tool_exec otherwise. Output passes through the redaction filter
// before it is persisted, per spec §7's redaction boundary.
func (d *Dispatcher) auditToolCall(sessionID, runID, toolName string, res *tools.Result) {
	if d.audit == nil || res == nil {
		return
	}
	kind := "tool_exec"
	if res.Denied {
		kind = "tool_denied"
	}
	_ = d.audit.Append(audit.Entry{
		Kind: kind, Detail: d.redactor.Filter(res.Output),
		RunID: runID, SessionID: sessionID, ToolName: toolName,
	})
}

func emitChatEvent(emit EmitFunc, runID string, ev providers.ChatEvent) {
	switch ev.Type {
	case providers.EventDelta:
		emit(protocol.EventChatDelta, runID, map[string]string{"text": ev.TextDelta})
	case providers.EventFinal:
		emit(protocol.EventChatFinal, runID, map[string]any{"usage": ev.Usage})
	case providers.EventError:
		emit(protocol.EventChatError, runID, map[string]string{"message": errString(ev.Err)})
	}
}

func runStatus(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type chatAbortParams struct {
	RunID string `json:"runId"`
}

func (d *Dispatcher) handleChatAbort(params json.RawMessage) (any, *protocol.RPCError) {
	var p chatAbortParams
	if err := json.Unmarshal(params, &p); err != nil || p.RunID == "" {
		return nil, protocol.NewRPCError(protocol.ErrInvalidParams, "runId is required")
	}
	if rerr := validateUUID("runId", p.RunID); rerr != nil {
		return nil, rerr
	}
	d.mu.Lock()
	cancel, ok := d.activeRuns[p.RunID]
	d.mu.Unlock()
	if !ok {
		return nil, protocol.NewRPCError(protocol.ErrInvalidParams, "no active run "+p.RunID)
	}
	cancel()
	return map[string]bool{"ok": true}, nil
}

type sessionIDParams struct {
	SessionID string `json:"sessionKey"`
	Limit     int    `json:"limit,omitempty"`
}

func (d *Dispatcher) handleChatHistory(params json.RawMessage) (any, *protocol.RPCError) {
	var p sessionIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, protocol.NewRPCError(protocol.ErrInvalidParams, "sessionKey is required")
	}
	if rerr := validateUUID("sessionKey", p.SessionID); rerr != nil {
		return nil, rerr
	}
	history, err := d.sessions.History(p.SessionID)
	if err != nil {
		return nil, protocol.NewRPCError(protocol.ErrInternal, err.Error())
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return map[string]any{"messages": history}, nil
}

func (d *Dispatcher) handleSessionsList() (any, *protocol.RPCError) {
	return map[string]any{"sessions": d.sessions.List()}, nil
}

func (d *Dispatcher) handleSessionsGet(params json.RawMessage) (any, *protocol.RPCError) {
	var p sessionIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, protocol.NewRPCError(protocol.ErrInvalidParams, "sessionKey is required")
	}
	if rerr := validateUUID("sessionKey", p.SessionID); rerr != nil {
		return nil, rerr
	}
	s, ok := d.sessions.Get(p.SessionID)
	if !ok {
		return nil, protocol.NewRPCError(protocol.ErrInvalidParams, "session not found")
	}
	messages, err := d.sessions.History(p.SessionID)
	if err != nil {
		return nil, protocol.NewRPCError(protocol.ErrInternal, err.Error())
	}
	return map[string]any{"session": s, "messages": messages}, nil
}

func (d *Dispatcher) handleSessionsDelete(params json.RawMessage) (any, *protocol.RPCError) {
	var p sessionIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, protocol.NewRPCError(protocol.ErrInvalidParams, "sessionKey is required")
	}
	if rerr := validateUUID("sessionKey", p.SessionID); rerr != nil {
		return nil, rerr
	}
	if err := d.sessions.Delete(p.SessionID); err != nil {
		return nil, protocol.NewRPCError(protocol.ErrInternal, err.Error())
	}
	return map[string]bool{"ok": true}, nil
}

type sessionsLabelParams struct {
	SessionID string `json:"sessionKey"`
	Label     string `json:"label"`
}

func (d *Dispatcher) handleSessionsLabel(params json.RawMessage) (any, *protocol.RPCError) {
	var p sessionsLabelParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, protocol.NewRPCError(protocol.ErrInvalidParams, "sessionKey is required")
	}
	if rerr := validateUUID("sessionKey", p.SessionID); rerr != nil {
		return nil, rerr
	}
	if err := d.sessions.SetLabel(p.SessionID, p.Label); err != nil {
		return nil, protocol.NewRPCError(protocol.ErrInternal, err.Error())
	}
	return map[string]bool{"ok": true}, nil
}

type execDecisionParams struct {
	ApprovalID string `json:"approvalId"`
	Reason     string `json:"reason,omitempty"`
}

func (d *Dispatcher) handleExecApprove(params json.RawMessage) (any, *protocol.RPCError) {
	var p execDecisionParams
	if err := json.Unmarshal(params, &p); err != nil || p.ApprovalID == "" {
		return nil, protocol.NewRPCError(protocol.ErrInvalidParams, "approvalId is required")
	}
	if rerr := validateUUID("approvalId", p.ApprovalID); rerr != nil {
		return nil, rerr
	}
	if err := d.approvals.Approve(p.ApprovalID); err != nil {
		return nil, protocol.NewRPCError(protocol.ErrInvalidParams, err.Error())
	}
	return map[string]bool{"ok": true}, nil
}

func (d *Dispatcher) handleExecDeny(params json.RawMessage) (any, *protocol.RPCError) {
	var p execDecisionParams
	if err := json.Unmarshal(params, &p); err != nil || p.ApprovalID == "" {
		return nil, protocol.NewRPCError(protocol.ErrInvalidParams, "approvalId is required")
	}
	if rerr := validateUUID("approvalId", p.ApprovalID); rerr != nil {
		return nil, rerr
	}
	if err := d.approvals.Deny(p.ApprovalID, p.Reason); err != nil {
		return nil, protocol.NewRPCError(protocol.ErrInvalidParams, err.Error())
	}
	return map[string]bool{"ok": true}, nil
}

func (d *Dispatcher) handleScheduler(method string, params json.RawMessage) (any, *protocol.RPCError) {
	var p struct {
		ID          string        `json:"id,omitempty"`
		Job         tools.JobSpec `json:"job,omitempty"`
		EnabledOnly bool          `json:"enabledOnly,omitempty"`
		JobID       string        `json:"jobId,omitempty"`
		Limit       int           `json:"limit,omitempty"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewRPCError(protocol.ErrInvalidParams, err.Error())
		}
	}

	switch method {
	case protocol.MethodSchedulerList:
		jobs := d.scheduler.ListJobs()
		if p.EnabledOnly {
			filtered := jobs[:0]
			for _, j := range jobs {
				if j.Enabled {
					filtered = append(filtered, j)
				}
			}
			jobs = filtered
		}
		return map[string]any{"jobs": jobs}, nil
	case protocol.MethodSchedulerCreate:
		job, err := d.scheduler.CreateJob(p.Job)
		if err != nil {
			return nil, protocol.NewRPCError(protocol.ErrInvalidParams, err.Error())
		}
		return map[string]any{"job": job}, nil
	case protocol.MethodSchedulerUpdate:
		p.Job.ID = p.ID
		job, err := d.scheduler.UpdateJob(p.Job)
		if err != nil {
			return nil, protocol.NewRPCError(protocol.ErrInvalidParams, err.Error())
		}
		return map[string]any{"job": job}, nil
	case protocol.MethodSchedulerDelete:
		if err := d.scheduler.DeleteJob(p.ID); err != nil {
			return nil, protocol.NewRPCError(protocol.ErrInvalidParams, err.Error())
		}
		return map[string]bool{"ok": true}, nil
	case protocol.MethodSchedulerGet:
		job, ok := d.scheduler.GetJob(p.ID)
		if !ok {
			return nil, protocol.NewRPCError(protocol.ErrInvalidParams, "job not found")
		}
		return map[string]any{"job": job}, nil
	case protocol.MethodSchedulerRun:
		if err := d.scheduler.RunNow(p.ID); err != nil {
			return nil, protocol.NewRPCError(protocol.ErrInvalidParams, err.Error())
		}
		return map[string]bool{"ok": true}, nil
	case protocol.MethodSchedulerRuns:
		jobID := p.JobID
		if jobID == "" {
			jobID = p.ID
		}
		// Runs applies the spec's 1..100/default-20 clamp itself.
		return map[string]any{"runs": d.scheduler.Runs(jobID, p.Limit)}, nil
	default:
		return nil, protocol.NewRPCError(protocol.ErrMethodNotFound, "unknown method: "+method)
	}
}

type memorySearchParams struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

func (d *Dispatcher) handleMemorySearch(params json.RawMessage) (any, *protocol.RPCError) {
	var p memorySearchParams
	if err := json.Unmarshal(params, &p); err != nil || p.Query == "" {
		return nil, protocol.NewRPCError(protocol.ErrInvalidParams, "query is required")
	}
	k := p.K
	if k <= 0 {
		k = 10
	}
	if k > 50 {
		k = 50
	}
	hits, err := d.searcher.Search(p.Query, k)
	if err != nil {
		return nil, protocol.NewRPCError(protocol.ErrInternal, err.Error())
	}
	return map[string]any{"results": hits}, nil
}
