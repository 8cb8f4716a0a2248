package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	require.NoError(t, err)
	require.Equal(t, 18790, cfg.Gateway.Port)
	require.Equal(t, "127.0.0.1", cfg.Gateway.Host)
}

func TestLoadParsesJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// comments are legal in json5
		gateway: { host: "0.0.0.0", port: 9000 },
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Gateway.Host)
	require.Equal(t, 9000, cfg.Gateway.Port)
}

func TestSecretsOnlyFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"authToken": "should-be-ignored"
	}`), 0o644))

	t.Setenv("ASSISTANTGW_AUTH_TOKEN", "from-env")
	t.Setenv("ASSISTANTGW_ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.AuthToken)
	require.Equal(t, "sk-ant-test", cfg.ProviderAPIKeys["anthropic"])
}
