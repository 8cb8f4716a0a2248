package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localfirst/assistantgw/internal/agent"
	"github.com/localfirst/assistantgw/internal/audit"
	"github.com/localfirst/assistantgw/internal/cron"
	"github.com/localfirst/assistantgw/internal/providers"
	"github.com/localfirst/assistantgw/internal/session"
	"github.com/localfirst/assistantgw/internal/tools"
	"github.com/localfirst/assistantgw/internal/workspace"
)

// schedulerPreamble is prepended to every unattended run's system
// prompt so the model knows it must not pause to ask for confirmation
// — tool approvals are pre-granted on this path (spec §4.10 step 6).
const schedulerPreamble = "You are running unattended on a schedule. All tool use on this run is pre-approved: do not ask for confirmation or permission before using a tool, and do not wait for a human response. Proceed directly."

// preApprovalNote is appended to the description of every
// approval-gated tool definition sent to the provider on this path
// (spec §4.10 step 7).
const preApprovalNote = " (pre-approved for this unattended scheduled run; do not ask for confirmation)"

// approvalLanguage is scanned (case-insensitively) in a run's final
// text to detect a model that asked for permission instead of acting,
// per spec §4.10 step 9.
var approvalLanguage = []string{"approve", "approval", "proceed", "permission", "confirm"}

func looksLikeApprovalRequest(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range approvalLanguage {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func madeToolCalls(msgs []providers.Message) bool {
	for _, m := range msgs {
		if m.Role != providers.RoleAssistant {
			continue
		}
		for _, b := range m.Content {
			if b.Type == providers.BlockToolUse {
				return true
			}
		}
	}
	return false
}

// maxSingleTimerDelay is the largest delay we hand to a single
// time.Timer. Delays beyond it are served by a chain of relay timers
// instead, each firing at most this far in the future and then
// re-arming for the remainder — a portability concession some timer
// implementations need even though Go's own time.Timer does not
// strictly require it, preserved here to match the documented design.
const maxSingleTimerDelay = 24*time.Hour*24 + 19*time.Hour // ~24.8 days

// RunFunc executes one job's prompt unattended against the session
// already minted for this run and returns the final text or an error.
// Bound to *agent.Runner in production; swappable in tests.
type RunFunc func(ctx context.Context, job Job, sessionKey string) (string, error)

// BroadcastFunc pushes an unsolicited event to every connected client,
// the scheduler.run_completed notification in particular. Bound to
// *gateway.Bus.Broadcast in production; nil is a no-op.
type BroadcastFunc func(event string, data any)

// Engine owns the timer pool and CRUD surface for scheduled jobs.
type Engine struct {
	store     *Store
	run       RunFunc
	sessions  session.Store
	audit     *audit.Log
	redactor  *audit.Redactor
	broadcast BroadcastFunc

	mu               sync.Mutex
	timers           map[string]*time.Timer
	activeExecutions map[string]bool
}

func NewEngine(store *Store, run RunFunc) *Engine {
	return &Engine{
		store:            store,
		run:              run,
		redactor:         audit.NewRedactor(),
		timers:           map[string]*time.Timer{},
		activeExecutions: map[string]bool{},
	}
}

// WithSessions wires the session store the engine uses to create a
// fresh session per run (spec §4.10 step 4: the run is owned by the
// job's agent-id and its key is persisted onto the run row).
func (e *Engine) WithSessions(s session.Store) *Engine {
	e.sessions = s
	return e
}

// WithAudit wires the append-only audit log the engine records each
// run outcome into (one scheduler_run entry per run). Tool calls made
// inside a run are audited by the RunFunc, not by the engine.
func (e *Engine) WithAudit(log *audit.Log) *Engine {
	e.audit = log
	return e
}

// WithBroadcast wires the scheduler.run_completed push, sent to every
// connected client once a run finishes (spec §6, invariant 8).
func (e *Engine) WithBroadcast(fn BroadcastFunc) *Engine {
	e.broadcast = fn
	return e
}

// NewAgentRunFunc builds a RunFunc backed by the shared agent turn
// runner, run with autoApprove=true and no outbound push events — the
// same reuse of the live-chat turn runner for unattended cron fires
// that the teacher's gateway_cron.go handler performs. Conversation
// history and the assistant's reply are persisted onto sessionKey the
// same way the live chat path does, so a scheduled job's transcript is
// readable through sessions.get like any other session.
//
// baseSystem is the project's base system prompt (SOUL.md); overlay is
// SCHEDULER.md's optional extra text, appended only on this path. The
// agent's provider/model binding is resolved the same way the live
// chat path resolves it (spec §9's configured fallback order), keyed
// by job.AgentID against agentDefs.
func NewAgentRunFunc(runner *agent.Runner, sessions session.Store, redactor *audit.Redactor, auditLog func(toolName string, res *tools.Result), baseSystem, overlay string, registry *providers.Registry, agentDefs []workspace.AgentDef, fallbackOrder []string) RunFunc {
	defsByID := map[string]workspace.AgentDef{}
	for _, def := range agentDefs {
		defsByID[def.ID] = def
	}

	system := schedulerPreamble + "\n\n" + baseSystem
	if overlay != "" {
		system += "\n\n" + overlay
	}

	return func(ctx context.Context, job Job, sessionKey string) (string, error) {
		var history []providers.Message
		if sessions != nil && sessionKey != "" {
			if h, err := sessions.History(sessionKey); err == nil {
				history = h
			}
		}

		var prov providers.Provider
		var model string
		if registry != nil {
			def := defsByID[job.AgentID]
			prov, model = registry.Resolve(def.ModelRef, fallbackOrder)
		}

		runOnce := func(runID string, userText string, extraHistory []providers.Message) agent.RunResult {
			return runner.Run(ctx, agent.RunRequest{
				RunID:           runID,
				System:          system,
				Model:           model,
				Provider:        prov,
				History:         append(append([]providers.Message{}, history...), extraHistory...),
				UserText:        userText,
				AutoApprove:     true,
				PreApprovalNote: preApprovalNote,
				Redact:          redactorFilter(redactor),
				AuditToolCall: func(toolName string, r *tools.Result) {
					if auditLog != nil {
						auditLog(toolName, r)
					}
				},
			}, func(providers.ChatEvent) {})
		}

		runID := uuid.NewString()
		res := runOnce(runID, job.Prompt, nil)

		// The model replied asking for confirmation instead of acting,
		// even though every tool is pre-approved on this path: retry
		// once with a reminder appended, rather than leaving the run's
		// summary as an unanswered permission request (spec §4.10 step 9).
		if res.Err == nil && !madeToolCalls(res.NewMessages) && looksLikeApprovalRequest(res.FinalText) {
			retryID := uuid.NewString()
			reminder := "Reminder: every tool on this run is pre-approved. Do not ask for confirmation — proceed with the original request directly: " + job.Prompt
			res = runOnce(retryID, reminder, res.NewMessages)
			runID = retryID
		}

		if sessions != nil && sessionKey != "" {
			for _, m := range res.NewMessages {
				_ = sessions.AppendMessage(sessionKey, m)
			}
			_ = sessions.AppendRunEvent(sessionKey, runID, runStatus(res.Err), errString(res.Err))
			if res.Err == nil {
				providerName := ""
				if prov != nil {
					providerName = prov.Name()
				}
				_ = sessions.Touch(sessionKey, res.Usage, model, providerName)
			}
		}
		return res.FinalText, res.Err
	}
}

func redactorFilter(r *audit.Redactor) func(string) string {
	if r == nil {
		return nil
	}
	return r.Filter
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

// Start loads every enabled job from the store and arms its timer.
func (e *Engine) Start(ctx context.Context) error {
	jobs, err := e.store.ListJobs()
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Enabled {
			e.arm(ctx, j)
		}
	}
	return nil
}

// ActiveTimerCount reports how many jobs currently have an armed timer,
// for tests to assert scheduling/rescheduling behavior without reaching
// into the engine's internals.
func (e *Engine) ActiveTimerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Stop cancels every armed timer.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) arm(ctx context.Context, job Job) {
	sched, err := cron.Parse(job.Cron)
	if err != nil {
		slog.Error("scheduler: invalid cron expression, job will not run", "job", job.ID, "cron", job.Cron, "err", err)
		return
	}
	next, err := sched.NextRun(time.Now())
	if err != nil {
		slog.Error("scheduler: could not compute next run", "job", job.ID, "err", err)
		return
	}
	e.scheduleAt(ctx, job, next)
}

func (e *Engine) scheduleAt(ctx context.Context, job Job, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.timers[job.ID]; ok {
		old.Stop()
	}

	delay := time.Until(at)
	if delay > maxSingleTimerDelay {
		e.timers[job.ID] = time.AfterFunc(maxSingleTimerDelay, func() {
			e.scheduleAt(ctx, job, at)
		})
		return
	}
	if delay < 0 {
		delay = 0
	}
	e.timers[job.ID] = time.AfterFunc(delay, func() {
		e.fire(ctx, job)
	})
}

// fire runs the job exactly once per scheduled instant: a job already
// executing is skipped rather than queued (singleflight), and the
// next run is computed and armed regardless of outcome.
func (e *Engine) fire(ctx context.Context, job Job) {
	e.mu.Lock()
	if e.activeExecutions[job.ID] {
		e.mu.Unlock()
		slog.Warn("scheduler: skipping fire, previous run still active", "job", job.ID)
		e.rearm(ctx, job)
		return
	}
	e.activeExecutions[job.ID] = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.activeExecutions, job.ID)
			e.mu.Unlock()
			e.rearm(ctx, job)
		}()
		e.executeJob(ctx, job)
	}()
}

func (e *Engine) rearm(ctx context.Context, job Job) {
	current, ok := e.store.GetJob(job.ID)
	if !ok || !current.Enabled {
		return
	}
	e.arm(ctx, current)
}

func (e *Engine) executeJob(ctx context.Context, job Job) {
	var sessionKey string
	if e.sessions != nil {
		sess, err := e.sessions.Create(job.AgentID)
		if err != nil {
			slog.Error("scheduler: failed to create run session", "job", job.ID, "err", err)
		} else {
			sessionKey = sess.ID
		}
	}

	run := Run{ID: uuid.NewString(), JobID: job.ID, Status: "running", SessionKey: sessionKey, StartedAt: time.Now()}
	if err := e.store.InsertRun(run); err != nil {
		slog.Error("scheduler: failed to record run start", "job", job.ID, "err", err)
	}

	output, err := e.run(ctx, job, sessionKey)

	status := "success"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}
	if ferr := e.store.FinishRun(run.ID, status, output, errMsg, time.Now()); ferr != nil {
		slog.Error("scheduler: failed to record run completion", "job", job.ID, "err", ferr)
	}

	if e.audit != nil {
		detail := output
		if e.redactor != nil {
			detail = e.redactor.Filter(detail)
		}
		_ = e.audit.Append(audit.Entry{Kind: "scheduler_run", Detail: detail, RunID: run.ID, SessionID: sessionKey})
	}

	if e.broadcast != nil {
		payload := map[string]any{
			"jobId":    job.ID,
			"jobName":  job.Name,
			"runId":    run.ID,
			"status":   status,
		}
		if sessionKey != "" {
			payload["sessionKey"] = sessionKey
		}
		if status == "success" {
			payload["summary"] = output
		} else {
			payload["error"] = errMsg
		}
		e.broadcast("scheduler.run_completed", payload)
	}
}

// --- tools.SchedulerAPI adapter ---

func (e *Engine) CreateJob(spec tools.JobSpec) (tools.JobSpec, error) {
	if !cron.IsValid(spec.Cron) {
		return tools.JobSpec{}, fmt.Errorf("invalid cron expression: %q", spec.Cron)
	}
	if _, err := cron.Parse(spec.Cron); err != nil {
		return tools.JobSpec{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	now := time.Now()
	job := Job{ID: uuid.NewString(), Name: spec.Name, Cron: spec.Cron, Prompt: spec.Prompt, AgentID: spec.AgentID, Enabled: true, Created: now, Updated: now}
	if err := e.store.CreateJob(job); err != nil {
		return tools.JobSpec{}, err
	}
	e.arm(context.Background(), job)
	return toJobSpec(job), nil
}

func (e *Engine) UpdateJob(spec tools.JobSpec) (tools.JobSpec, error) {
	existing, ok := e.store.GetJob(spec.ID)
	if !ok {
		return tools.JobSpec{}, fmt.Errorf("job %s not found", spec.ID)
	}
	if spec.Cron != "" {
		if !cron.IsValid(spec.Cron) {
			return tools.JobSpec{}, fmt.Errorf("invalid cron expression: %q", spec.Cron)
		}
		if _, err := cron.Parse(spec.Cron); err != nil {
			return tools.JobSpec{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		existing.Cron = spec.Cron
	}
	if spec.Name != "" {
		existing.Name = spec.Name
	}
	if spec.Prompt != "" {
		existing.Prompt = spec.Prompt
	}
	if spec.AgentID != "" {
		existing.AgentID = spec.AgentID
	}
	existing.Enabled = spec.Enabled
	existing.Updated = time.Now()

	if err := e.store.UpdateJob(existing); err != nil {
		return tools.JobSpec{}, err
	}
	if existing.Enabled {
		e.arm(context.Background(), existing)
	} else {
		e.mu.Lock()
		if t, ok := e.timers[existing.ID]; ok {
			t.Stop()
			delete(e.timers, existing.ID)
		}
		e.mu.Unlock()
	}
	return toJobSpec(existing), nil
}

func (e *Engine) DeleteJob(id string) error {
	e.mu.Lock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	return e.store.DeleteJob(id)
}

func (e *Engine) GetJob(id string) (tools.JobSpec, bool) {
	j, ok := e.store.GetJob(id)
	if !ok {
		return tools.JobSpec{}, false
	}
	return toJobSpec(j), true
}

func (e *Engine) ListJobs() []tools.JobSpec {
	jobs, err := e.store.ListJobs()
	if err != nil {
		return nil
	}
	out := make([]tools.JobSpec, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobSpec(j))
	}
	return out
}

func (e *Engine) RunNow(id string) error {
	job, ok := e.store.GetJob(id)
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	e.fire(context.Background(), job)
	return nil
}

// Runs returns id's most recent runs, newest first, trimmed to limit
// (spec §6's scheduler.runs contract: 1..100, default 20). limit<=0 is
// treated as the default.
func (e *Engine) Runs(id string, limit int) []tools.JobRunSummary {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	runs, err := e.store.RunsForJob(id, limit)
	if err != nil {
		return nil
	}
	out := make([]tools.JobRunSummary, 0, len(runs))
	for _, r := range runs {
		summary := r.Output
		if r.Status == "error" && r.Err != "" {
			summary = r.Err
		}
		out = append(out, tools.JobRunSummary{ID: r.ID, Status: r.Status, SessionKey: r.SessionKey, StartedAt: r.StartedAt.Format(time.RFC3339), Summary: summary})
	}
	return out
}

func toJobSpec(j Job) tools.JobSpec {
	return tools.JobSpec{ID: j.ID, Name: j.Name, Cron: j.Cron, Prompt: j.Prompt, AgentID: j.AgentID, Enabled: j.Enabled}
}
