package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// JobSpec is what the schedule tool hands the scheduler engine to
// create or update a job. Mirrors the scheduler package's own Job
// type closely enough to pass through without this package depending
// on it directly (avoids an import cycle: scheduler depends on tools
// for JobSpec, JobRunSummary, SchedulerAPI and Result).
type JobSpec struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Cron    string `json:"cron"`
	Prompt  string `json:"prompt"`
	AgentID string `json:"agentId,omitempty"`
	Enabled bool   `json:"enabled"`
}

// JobRunSummary is one row of a job's run history.
type JobRunSummary struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	SessionKey string `json:"sessionKey,omitempty"`
	StartedAt  string `json:"startedAt"`
	Summary    string `json:"summary,omitempty"`
}

// SchedulerAPI is the subset of the scheduler engine the schedule tool
// needs. Satisfied by *scheduler.Engine.
type SchedulerAPI interface {
	CreateJob(spec JobSpec) (JobSpec, error)
	UpdateJob(spec JobSpec) (JobSpec, error)
	DeleteJob(id string) error
	GetJob(id string) (JobSpec, bool)
	ListJobs() []JobSpec
	RunNow(id string) error
	Runs(id string, limit int) []JobRunSummary
}

// jobsGetRunCount is how many recent runs "get" includes alongside a
// job's full metadata (spec §4.8).
const jobsGetRunCount = 5

type scheduleArgs struct {
	Action string  `json:"action"` // list | create | get | update | delete
	Job    JobSpec `json:"job,omitempty"`
	ID     string  `json:"id,omitempty"`
}

// ScheduleTool manages cron jobs. Unlike shell/browser it never
// requires approval — creating a scheduled prompt carries no immediate
// side effect, only the eventual unattended run does (which itself
// runs with autoApprove=true per the scheduler engine's own contract).
type ScheduleTool struct {
	engine SchedulerAPI
}

func NewScheduleTool(engine SchedulerAPI) *ScheduleTool {
	return &ScheduleTool{engine: engine}
}

func (t *ScheduleTool) Name() string        { return "schedule" }
func (t *ScheduleTool) Description() string { return "Create, list, get, update, or delete scheduled cron jobs." }
func (t *ScheduleTool) RequiresApproval() bool { return false }

func (t *ScheduleTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["list", "create", "get", "update", "delete"]},
			"id": {"type": "string"},
			"job": {"type": "object"}
		},
		"required": ["action"]
	}`)
}

func (t *ScheduleTool) Execute(_ context.Context, rawArgs json.RawMessage) (*Result, error) {
	var args scheduleArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	switch args.Action {
	case "list":
		return NewResult(t.formatJobList(t.engine.ListJobs())), nil
	case "create":
		job, err := t.engine.CreateJob(args.Job)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		return jsonResult(job)
	case "get":
		job, ok := t.engine.GetJob(args.ID)
		if !ok {
			return ErrorResult("job not found: " + args.ID), nil
		}
		runs := t.engine.Runs(job.ID, jobsGetRunCount)
		return NewResult(formatJobDetail(job, runs)), nil
	case "update":
		args.Job.ID = args.ID
		job, err := t.engine.UpdateJob(args.Job)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		return jsonResult(job)
	case "delete":
		if err := t.engine.DeleteJob(args.ID); err != nil {
			return ErrorResult(err.Error()), nil
		}
		return NewResult("deleted"), nil
	default:
		return ErrorResult("unknown action: " + args.Action), nil
	}
}

// formatJobList renders one line per job — id, state, cron expression,
// last-run summary — for the model to relay (spec §4.8's "list" shape).
func (t *ScheduleTool) formatJobList(jobs []JobSpec) string {
	if len(jobs) == 0 {
		return "no scheduled jobs"
	}
	lines := make([]string, 0, len(jobs))
	for _, j := range jobs {
		lines = append(lines, fmt.Sprintf("%s  [%s]  %s  %s", j.ID, jobState(j), j.Cron, t.lastRunSummary(j.ID)))
	}
	return strings.Join(lines, "\n")
}

func (t *ScheduleTool) lastRunSummary(jobID string) string {
	runs := t.engine.Runs(jobID, 1)
	if len(runs) == 0 {
		return "last run: never"
	}
	return "last run: " + formatRunLine(runs[0])
}

// formatJobDetail renders a job's full metadata plus its most recent
// runs (spec §4.8's "get" shape).
func formatJobDetail(job JobSpec, runs []JobRunSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", job.ID)
	fmt.Fprintf(&b, "name: %s\n", job.Name)
	fmt.Fprintf(&b, "state: %s\n", jobState(job))
	fmt.Fprintf(&b, "cron: %s\n", job.Cron)
	fmt.Fprintf(&b, "agentId: %s\n", job.AgentID)
	fmt.Fprintf(&b, "prompt: %s\n", job.Prompt)
	if len(runs) == 0 {
		b.WriteString("runs: none yet")
		return b.String()
	}
	b.WriteString("runs:\n")
	for i, r := range runs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "  %s", formatRunLine(r))
	}
	return b.String()
}

func formatRunLine(r JobRunSummary) string {
	summary := r.Summary
	if summary == "" {
		summary = "(no output)"
	}
	return fmt.Sprintf("%s %s - %s", r.StartedAt, r.Status, summary)
}

func jobState(j JobSpec) string {
	if j.Enabled {
		return "enabled"
	}
	return "disabled"
}

func jsonResult(v any) (*Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	return NewResult(string(b)), nil
}
