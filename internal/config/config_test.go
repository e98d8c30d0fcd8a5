package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := Default()
	cfg.Executor.WorkspaceDir = t.TempDir()
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "ocx-bridge", cfg.AgentName)
	assert.Equal(t, "0.1.0", cfg.AgentVersion)
	assert.Equal(t, "claude", cfg.Executor.Command)
	assert.Contains(t, cfg.Executor.AllowedCommands, cfg.Executor.Command)
	assert.Equal(t, "base", cfg.X402.Network)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORS.Origins)
	assert.Equal(t, DefaultSyncTimeout, cfg.Limits.SyncTimeout)
	assert.Equal(t, DefaultResultTTL, cfg.Limits.ResultTTL)
	assert.False(t, cfg.Escrow.Enabled())
	assert.False(t, cfg.X402.Enabled())
}

func TestLoadOverlaysYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent_name: custom-agent
port: 9000
auth:
  api_token: from-yaml
executor:
  command: goose
  allowed_commands: [goose, claude]
skills:
  - id: review
    name: Code review
`), 0o600))

	t.Setenv("PORT", "9100")
	t.Setenv("OCX_API_TOKEN", "from-env")
	t.Setenv("OCX_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("OCX_TASK_TIMEOUT", "120")

	cfg, err := Load(path)
	require.NoError(t, err)

	// yaml over defaults
	assert.Equal(t, "custom-agent", cfg.AgentName)
	assert.Equal(t, "goose", cfg.Executor.Command)
	assert.Equal(t, []string{"goose", "claude"}, cfg.Executor.AllowedCommands)
	require.Len(t, cfg.Skills, 1)
	assert.Equal(t, "review", cfg.Skills[0].ID)

	// env over yaml
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "from-env", cfg.Auth.APIToken)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.Origins)
	assert.Equal(t, 120*time.Second, cfg.Limits.TaskTimeout)

	// untouched fields keep their defaults
	assert.Equal(t, "0.1.0", cfg.AgentVersion)
	assert.Equal(t, []string{"-p"}, cfg.Executor.ExtraArgs)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "open config")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("{{not yaml"), 0o600))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "parse config")
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port zero", func(c *Config) { c.Port = 0 }, "out of range"},
		{"port too high", func(c *Config) { c.Port = 70000 }, "out of range"},
		{"relative workspace", func(c *Config) { c.Executor.WorkspaceDir = "work" }, "absolute"},
		{"empty command", func(c *Config) { c.Executor.Command = "" }, "command is required"},
		{"command not allowed", func(c *Config) { c.Executor.Command = "bash" }, "not in allowed_commands"},
		{"escrow without wallet", func(c *Config) {
			c.Escrow.ContractAddr = "0x01"
			c.Escrow.RPCURL = "http://localhost:8545"
		}, "wallet_key is required"},
		{"escrow without provider did", func(c *Config) {
			c.Escrow.ContractAddr = "0x01"
			c.Escrow.RPCURL = "http://localhost:8545"
			c.WalletKey = "ab"
		}, "provider_did"},
		{"timeout too small", func(c *Config) { c.Limits.TaskTimeout = 500 * time.Millisecond }, "task_timeout"},
		{"timeout above cap", func(c *Config) {
			c.Limits.TaskTimeout = c.Executor.MaxTaskTimeout + time.Second
		}, "task_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestEnabledPredicates(t *testing.T) {
	assert.False(t, EscrowConfig{ContractAddr: "0x01"}.Enabled())
	assert.True(t, EscrowConfig{ContractAddr: "0x01", RPCURL: "http://localhost:8545"}.Enabled())

	assert.False(t, X402Config{Network: "base"}.Enabled())
	assert.True(t, X402Config{PriceUSDC: "0.10", USDCAddr: "0x02"}.Enabled())
}

func TestBaseURL(t *testing.T) {
	cfg := Default()
	cfg.AgentURL = "https://bridge.example.com/"
	assert.Equal(t, "https://bridge.example.com", cfg.BaseURL())

	cfg.AgentURL = ""
	cfg.Host = "127.0.0.1"
	cfg.Port = 8402
	assert.Equal(t, "http://127.0.0.1:8402", cfg.BaseURL())
}

func TestStatePaths(t *testing.T) {
	cfg := Default()
	cfg.StateDir = filepath.Join("/var", "lib", "bridge")
	assert.Equal(t, filepath.Join(cfg.StateDir, "rate-limits.json"), cfg.RateLimitsPath())
	assert.Equal(t, filepath.Join(cfg.StateDir, "trust-store.json"), cfg.TrustStorePath())
}
