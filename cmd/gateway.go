package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/localfirst/assistantgw/internal/agent"
	"github.com/localfirst/assistantgw/internal/audit"
	"github.com/localfirst/assistantgw/internal/config"
	"github.com/localfirst/assistantgw/internal/gateway"
	"github.com/localfirst/assistantgw/internal/memory"
	"github.com/localfirst/assistantgw/internal/providers"
	"github.com/localfirst/assistantgw/internal/scheduler"
	"github.com/localfirst/assistantgw/internal/session"
	"github.com/localfirst/assistantgw/internal/tools"
	"github.com/localfirst/assistantgw/internal/workspace"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return runGateway()
	},
}

func runGateway() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ws := workspace.New(cfg.Agents.WorkspacePath)
	if err := ws.Ensure(); err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}

	soul, err := ws.Soul()
	if err != nil {
		return fmt.Errorf("read SOUL.md: %w", err)
	}
	schedulerOverlay, err := ws.Scheduler()
	if err != nil {
		return fmt.Errorf("read SCHEDULER.md: %w", err)
	}
	agentsMD, err := ws.Agents()
	if err != nil {
		return fmt.Errorf("read AGENTS.md: %w", err)
	}
	agentDefs := workspace.ParseAgents(agentsMD)
	if len(agentDefs) == 0 {
		agentDefs = []workspace.AgentDef{{ID: cfg.Agents.Default}}
	}

	sessions, err := session.NewFileStore(cfg.Agents.WorkspacePath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	approvals := tools.NewApprovalCoordinator()

	auditLog := audit.NewLog(cfg.Security.AuditLogPath)
	redactor := audit.NewRedactor()

	shellTool := tools.NewShellTool(cfg.Agents.WorkspacePath, cfg.Tools.ShellTimeout.Duration, cfg.Tools.ShellMaxOutput, approvals, cfg.Security.DenyShellEnv)
	browserTool := tools.NewBrowserTool(cfg.Tools.BrowserHeadless, cfg.Tools.BrowserTimeout.Duration, approvals)
	defer browserTool.CloseAll()

	registry := tools.NewRegistry()
	registry.Register(shellTool)
	registry.Register(browserTool)

	providerRegistry := buildProviderRegistry(cfg)
	provider, _ := providerRegistry.Resolve("", cfg.Agents.ModelFallbackOrder)
	if _, ok := provider.(providers.Echo); ok {
		slog.Warn("no provider API key configured in the environment; falling back to the echo provider")
	}

	runner := agent.New(provider, registry)

	store, err := scheduler.OpenStore(cfg.Scheduler.DBPath)
	if err != nil {
		return fmt.Errorf("open scheduler store: %w", err)
	}
	defer store.Close()

	// Unattended tool calls made by a scheduled job pass through the
	// same redaction boundary and land in the same audit log as the
	// live chat path, tagged tool_denied/tool_exec just as handleChatSend
	// tags them.
	auditSchedulerToolCall := func(toolName string, res *tools.Result) {
		if res == nil {
			return
		}
		kind := "tool_exec"
		if res.Denied {
			kind = "tool_denied"
		}
		if err := auditLog.Append(audit.Entry{Kind: kind, Detail: redactor.Filter(res.Output), ToolName: toolName}); err != nil {
			slog.Warn("audit log write failed", "err", err)
		}
	}

	runFunc := scheduler.NewAgentRunFunc(runner, sessions, redactor, auditSchedulerToolCall, soul, schedulerOverlay, providerRegistry, agentDefs, cfg.Agents.ModelFallbackOrder)
	engine := scheduler.NewEngine(store, runFunc).WithSessions(sessions).WithAudit(auditLog)
	registry.Register(tools.NewScheduleTool(engine))

	searcher := memory.NewSearcher(sessions)

	bus := gateway.NewBus()
	engine.WithBroadcast(func(event string, data any) { bus.Broadcast(event, "", data) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer engine.Stop()

	dispatcher := gateway.NewDispatcher(sessions, approvals, engine, searcher, runner, soul, cfg.Agents.Default).
		WithAudit(auditLog).
		WithAgents(agentDefs, providerRegistry, cfg.Agents.ModelFallbackOrder)
	server := gateway.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, cfg.AuthToken, cfg.Gateway.AllowedOrigins, dispatcher, bus)

	if err := auditLog.Append(audit.Entry{Kind: "startup", Detail: "gateway starting"}); err != nil {
		slog.Warn("audit log write failed", "err", err)
	}

	return server.Start()
}

// buildProviderRegistry registers every provider this process has an
// API key for, plus the dependency-free Echo provider as an always-
// available last resort, so Registry.Resolve never comes back empty
// even when no real provider is configured.
func buildProviderRegistry(cfg *config.Config) *providers.Registry {
	reg := providers.NewRegistry()
	if key := cfg.ProviderAPIKeys["anthropic"]; key != "" {
		reg.Register(providers.NewAnthropic(key, ""))
	}
	if key := cfg.ProviderAPIKeys["openai"]; key != "" {
		reg.Register(providers.NewOpenAI(key, ""))
	}
	reg.Register(providers.Echo{})
	return reg
}
