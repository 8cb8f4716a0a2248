package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads a JSON5 config file, falling back to Default() values for
// anything unset, then applies environment overrides. Secrets
// (provider API keys, the gateway auth token) are never read from
// path; they come only from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides reads ASSISTANTGW_*-prefixed environment variables.
// Provider API keys and the auth token are ONLY ever set here, never
// from the config file, matching the teacher's env-only secret rule.
func applyEnvOverrides(cfg *Config) {
	envStr := func(key string, set func(string)) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			set(v)
		}
	}
	envInt := func(key string, set func(int)) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				set(n)
			}
		}
	}

	envStr("ASSISTANTGW_HOST", func(v string) { cfg.Gateway.Host = v })
	envInt("ASSISTANTGW_PORT", func(v int) { cfg.Gateway.Port = v })
	envStr("ASSISTANTGW_WORKSPACE", func(v string) { cfg.Agents.WorkspacePath = v })
	envStr("ASSISTANTGW_SCHEDULER_DB", func(v string) { cfg.Scheduler.DBPath = v })
	envStr("ASSISTANTGW_AUDIT_LOG", func(v string) { cfg.Security.AuditLogPath = v })

	envStr("ASSISTANTGW_AUTH_TOKEN", func(v string) { cfg.AuthToken = v })

	if cfg.ProviderAPIKeys == nil {
		cfg.ProviderAPIKeys = map[string]string{}
	}
	for _, name := range []string{"anthropic", "openai"} {
		key := "ASSISTANTGW_" + strings.ToUpper(name) + "_API_KEY"
		envStr(key, func(v string) { cfg.ProviderAPIKeys[name] = v })
	}
}
