package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// credentialEnvPattern matches environment variable names ending in a
// credential-shaped suffix (spec §4.6: `_(KEY|SECRET|TOKEN|PASSWORD|CREDENTIAL)$`),
// so they are stripped from the child process's environment before exec
// — the host has no sandbox boundary to rely on, unlike the teacher's
// Docker-isolated ExecTool. Anchored to the suffix rather than a bare
// substring so names like MONKEY_PATCH or TOKENIZER_PATH aren't
// needlessly stripped.
var credentialEnvPattern = regexp.MustCompile(`(?i)_(KEY|SECRET|TOKEN|PASSWORD|CREDENTIAL)$`)

type shellArgs struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

// ShellTool runs a single command via `sh -c`, the same shape as the
// teacher's internal/tools/shell.go ExecTool. Stdout and stderr are
// captured in two separate buffers and joined once the command exits
// (stderr after a "STDERR:" header); the joined text is then cut to
// maxOutput bytes. The buffers themselves are not capped while the
// command runs.
type ShellTool struct {
	workspaceRoot string
	timeout       time.Duration
	maxOutput     int
	approvals     *ApprovalCoordinator
	denyEnv       []string
	limiter       *rate.Limiter
}

func NewShellTool(workspaceRoot string, timeout time.Duration, maxOutput int, approvals *ApprovalCoordinator, denyEnv []string) *ShellTool {
	return &ShellTool{
		workspaceRoot: workspaceRoot,
		timeout:       timeout,
		maxOutput:     maxOutput,
		approvals:     approvals,
		denyEnv:       denyEnv,
		// Paces how fast we drain the child's output into our buffer so
		// a runaway command can't spike memory before the byte budget
		// truncation takes effect.
		limiter: rate.NewLimiter(rate.Limit(4*1024*1024), 256*1024),
	}
}

func (t *ShellTool) Name() string        { return "shell" }
func (t *ShellTool) Description() string { return "Run a shell command and return its combined output." }
func (t *ShellTool) RequiresApproval() bool { return true }

func (t *ShellTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to run"},
			"cwd": {"type": "string", "description": "Working directory, used as given (defaults to the workspace root)"}
		},
		"required": ["command"]
	}`)
}

// approvalIDKey is set by the agent turn runner so the tool
// can derive a stable per-call approval id without taking a dependency
// on the runner package.
type ctxKey string

const approvalIDKey ctxKey = "approvalID"

func WithApprovalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, approvalIDKey, id)
}

func approvalIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(approvalIDKey).(string); ok {
		return v
	}
	return ""
}

const maxSummaryLen = 80

// summarizeCommand is the one-line approval summary shown to the user;
// long commands are truncated so the approval UI stays scannable.
func summarizeCommand(cmd string) string {
	if len(cmd) <= maxSummaryLen {
		return cmd
	}
	return cmd[:maxSummaryLen-1] + "…"
}

func (t *ShellTool) Execute(ctx context.Context, rawArgs json.RawMessage) (*Result, error) {
	var args shellArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if strings.TrimSpace(args.Command) == "" {
		return ErrorResult("command must not be empty"), nil
	}

	if t.approvals != nil {
		if id := approvalIDFrom(ctx); id != "" {
			// Precreate the pending entry before emitting the event a
			// client will answer, so a decision that races ahead of our
			// own await below is never lost (spec §4.5/§9).
			await := t.approvals.Request(id)
			Emit(ctx, "exec.approval_request", map[string]any{
				"approvalId": id,
				"toolName":   t.Name(),
				"summary":    summarizeCommand(args.Command),
				"details":    map[string]string{"command": args.Command, "cwd": args.Cwd},
			})
			decision, err := await(ctx)
			if err != nil {
				return nil, err
			}
			if !decision.Approved {
				msg := "Command denied by user"
				if decision.Reason != "" {
					msg += ": " + decision.Reason
				}
				return &Result{Output: msg, ExitCode: 1, IsError: true, Denied: true}, nil
			}
		}
	}

	cwd := t.workspaceRoot
	if args.Cwd != "" {
		cwd = args.Cwd
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", args.Command)
	cmd.Dir = cwd
	cmd.Env = t.filteredEnv()
	// On deadline, send a polite SIGTERM first; exec's WaitDelay gives
	// the process 2s to exit before Go force-kills it, matching the
	// spec's two-stage shutdown instead of an immediate SIGKILL.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &rateLimitedWriter{ctx: runCtx, limiter: t.limiter, w: &stdout}
	cmd.Stderr = &rateLimitedWriter{ctx: runCtx, limiter: t.limiter, w: &stderr}

	err := cmd.Run()

	combined := stdout.String()
	if stderr.Len() > 0 {
		combined += "STDERR:\n" + stderr.String()
	}

	truncated := false
	if t.maxOutput > 0 && len(combined) > t.maxOutput {
		combined = combined[:t.maxOutput]
		truncated = true
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &Result{Output: combined + "\n[command timed out]", ExitCode: -1, Truncated: truncated, IsError: true}, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Result{Output: combined, ExitCode: exitErr.ExitCode(), Truncated: truncated, IsError: true}, nil
		}
		return ErrorResult(fmt.Sprintf("Failed to spawn process: %v", err)), nil
	}

	return &Result{Output: combined, ExitCode: 0, Truncated: truncated}, nil
}

// rateLimitedWriter paces how fast a child process's output is copied
// into our in-memory buffer, so a runaway command can't spike memory
// before the byte-budget truncation in Execute applies.
type rateLimitedWriter struct {
	ctx     context.Context
	limiter *rate.Limiter
	w       *bytes.Buffer
}

func (r *rateLimitedWriter) Write(p []byte) (int, error) {
	if err := r.limiter.WaitN(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.w.Write(p)
}

func (t *ShellTool) filteredEnv() []string {
	base := os.Environ()
	denySet := map[string]bool{}
	for _, k := range t.denyEnv {
		denySet[strings.ToUpper(k)] = true
	}
	out := make([]string, 0, len(base))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if denySet[strings.ToUpper(name)] || credentialEnvPattern.MatchString(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
