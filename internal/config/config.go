// Package config loads and holds the gateway's configuration. Provider
// API keys and the gateway auth token are secrets: they are read only
// from the environment, never persisted to or read from the config
// file, mirroring the teacher's handling of its Postgres DSN.
package config

import "time"

// Config is the root configuration tree.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Agents    AgentsConfig    `json:"agents"`
	Tools     ToolsConfig     `json:"tools"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Security  SecurityConfig  `json:"security"`

	// AuthToken is the loopback auth-frame token. Never read from the
	// config file; populated only by applyEnvOverrides.
	AuthToken string `json:"-"`
	// ProviderAPIKeys maps provider name -> API key. Never read from
	// the config file; populated only by applyEnvOverrides.
	ProviderAPIKeys map[string]string `json:"-"`
}

type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

type AgentsConfig struct {
	Default            string   `json:"default"`
	WorkspacePath      string   `json:"workspacePath"`
	ModelFallbackOrder []string `json:"modelFallbackOrder"`
	MaxToolCalls       int      `json:"maxToolCalls"`
}

type ToolsConfig struct {
	ShellTimeout     Duration `json:"shellTimeout"`
	ShellMaxOutput   int      `json:"shellMaxOutputBytes"`
	BrowserTimeout   Duration `json:"browserTimeout"`
	BrowserHeadless  bool     `json:"browserHeadless"`
}

type SchedulerConfig struct {
	DBPath        string `json:"dbPath"`
	MaxRetries    int    `json:"maxRetries"`
	RetryBaseMS   int    `json:"retryBaseDelayMs"`
	RetryMaxMS    int    `json:"retryMaxDelayMs"`
}

type SecurityConfig struct {
	AuditLogPath  string `json:"auditLogPath"`
	DenyShellEnv  []string `json:"denyShellEnv"`
}

// Duration wraps time.Duration so it can be written in config.json as
// a human string ("30s") via FlexibleStringSlice-style custom
// unmarshaling, the same convenience the teacher's config applies to
// its own string-slice fields.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns sane defaults for a fresh local install.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Agents: AgentsConfig{
			Default:            "default",
			WorkspacePath:      "./workspace",
			ModelFallbackOrder: []string{"anthropic", "openai"},
			MaxToolCalls:       10,
		},
		Tools: ToolsConfig{
			ShellTimeout:    Duration{30 * time.Second},
			ShellMaxOutput:  64 * 1024,
			BrowserTimeout:  Duration{20 * time.Second},
			BrowserHeadless: true,
		},
		Scheduler: SchedulerConfig{
			DBPath:      "./workspace/scheduler.db",
			MaxRetries:  3,
			RetryBaseMS: 1000,
			RetryMaxMS:  60000,
		},
		Security: SecurityConfig{
			AuditLogPath: "./workspace/audit.jsonl",
		},
		ProviderAPIKeys: map[string]string{},
	}
}
