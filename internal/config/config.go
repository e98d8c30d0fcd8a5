// Package config holds the full configuration surface of the bridge.
//
// Precedence: command-line flags > environment > yaml file > defaults.
// Optional subsystems (escrow, x402 receipts, rich capability card) are
// nested structs with an Enabled predicate rather than merged maps, so a
// zero value always means "feature off".
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults for tunables that are configurable but rarely changed.
const (
	DefaultPort           = 8402
	DefaultTaskTimeout    = 300 * time.Second
	DefaultMaxTaskTimeout = 3600 * time.Second
	DefaultSyncTimeout    = 55 * time.Second
	DefaultResultTTL      = time.Hour
	DefaultDrainTimeout   = 30 * time.Second
	DefaultBodyLimit      = 1 << 20 // 1 MiB
	DefaultSaveInterval   = 60 * time.Second
	DefaultSweepInterval  = 5 * time.Minute
	DefaultIPDailyLimit   = 20
	DefaultWSMessageRate  = 10 // messages per minute per connection
	DefaultWSMaxConns     = 100
	DefaultCardFileLimit  = 1 << 20 // rich capability card cap
)

// Config is the root configuration for the bridge process.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Agent self-description, used for the capability card and llms.txt.
	AgentName        string            `yaml:"agent_name"`
	AgentDescription string            `yaml:"agent_description"`
	AgentVersion     string            `yaml:"agent_version"`
	AgentURL         string            `yaml:"agent_url"`
	AgentDID         string            `yaml:"agent_did"`
	Provider         string            `yaml:"provider"`
	DocumentationURL string            `yaml:"documentation_url"`
	TermsURL         string            `yaml:"terms_url"`
	PrivacyURL       string            `yaml:"privacy_url"`
	PricePerTask     string            `yaml:"price_per_task"`
	Skills           []Skill           `yaml:"skills"`
	Metadata         map[string]string `yaml:"metadata"`
	CardFile         string            `yaml:"card_file"`

	// StateDir holds rate-limits.json and trust-store.json.
	// Defaults to ~/.ocx-bridge.
	StateDir string `yaml:"state_dir"`

	// WalletKey is the hex-encoded secp256k1 private key used to sign
	// escrow settlement transactions. Required unless the bridge runs
	// free-tier only (no escrow, no x402).
	WalletKey string `yaml:"wallet_key"`

	Auth      AuthConfig      `yaml:"auth"`
	Executor  ExecutorConfig  `yaml:"executor"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Escrow    EscrowConfig    `yaml:"escrow"`
	X402      X402Config      `yaml:"x402"`
	Node      NodeConfig      `yaml:"node"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// Skill is one advertised capability on the agent card.
type Skill struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
}

// AuthConfig controls the authentication pipeline.
type AuthConfig struct {
	// RequireAuth enforces authentication on the task routes. When false
	// the bridge still attaches identities when presented, but lets
	// anonymous requests through.
	RequireAuth bool `yaml:"require_auth"`

	// APIToken enables the static-token stage when non-empty.
	APIToken string `yaml:"api_token"`

	// WSAuthToken is checked at the WebSocket handshake. Falls back to
	// APIToken when empty.
	WSAuthToken string `yaml:"ws_auth_token"`
}

// ExecutorConfig constrains the worker subprocess.
type ExecutorConfig struct {
	// Command is the coding CLI spawned per task, e.g. "claude".
	Command string `yaml:"command"`
	// ExtraArgs are inserted before the prompt argument.
	ExtraArgs []string `yaml:"extra_args"`
	// AllowedCommands is the executor allowlist; Command must be a member.
	AllowedCommands []string `yaml:"allowed_commands"`
	// WorkspaceDir is the sandbox root for subprocess working directories.
	WorkspaceDir string `yaml:"workspace_dir"`
	// MaxTaskTimeout caps the per-task timeout.
	MaxTaskTimeout time.Duration `yaml:"max_task_timeout"`
}

// RateLimitConfig is the global per-IP HTTP limiter (the free-tier daily
// counters are separate and always on).
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Max      int           `yaml:"max"`
	WindowMS time.Duration `yaml:"window_ms"`
}

// CORSConfig lists allowed browser origins. Default locks to local dev.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// WebSocketConfig bounds the push surface.
type WebSocketConfig struct {
	// AllowedOrigins is the handshake origin allowlist; empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConns       int      `yaml:"max_conns"`
	// MessageRate is messages per minute per connection.
	MessageRate int `yaml:"message_rate"`
}

// EscrowConfig enables on-chain escrow validation and settlement.
type EscrowConfig struct {
	ContractAddr string `yaml:"contract_addr"`
	RPCURL       string `yaml:"rpc_url"`
	ChainID      int64  `yaml:"chain_id"`
	ProviderDID  string `yaml:"provider_did"`
}

// Enabled reports whether the escrow path is configured.
func (e EscrowConfig) Enabled() bool {
	return e.ContractAddr != "" && e.RPCURL != ""
}

// X402Config enables the on-chain payment-receipt stage.
type X402Config struct {
	PayTo          string        `yaml:"pay_to"`
	USDCAddr       string        `yaml:"usdc_addr"`
	PriceUSDC      string        `yaml:"price_usdc"`
	Network        string        `yaml:"network"`
	ValidityPeriod time.Duration `yaml:"validity_period"`
}

// Enabled reports whether receipt validation is configured.
func (x X402Config) Enabled() bool {
	return x.PriceUSDC != "" && x.USDCAddr != ""
}

// NodeConfig points at the upstream P2P discovery node.
type NodeConfig struct {
	URL string `yaml:"url"`
}

// LimitsConfig gathers the remaining bounded-resource knobs.
type LimitsConfig struct {
	TaskTimeout   time.Duration `yaml:"task_timeout"`   // default per-task timeout
	SyncTimeout   time.Duration `yaml:"sync_timeout"`   // ?wait=true bound
	ResultTTL     time.Duration `yaml:"result_ttl"`     // completed-task retention
	DrainTimeout  time.Duration `yaml:"drain_timeout"`  // shutdown watchdog
	BodyLimit     int64         `yaml:"body_limit"`     // JSON body cap, bytes
	SaveInterval  time.Duration `yaml:"save_interval"`  // rate-limit persistence
	SweepInterval time.Duration `yaml:"sweep_interval"` // registry eviction
	IPDailyLimit  int           `yaml:"ip_daily_limit"` // free-tier per-IP cap
}

// Default returns a Config with every tunable at its documented default.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Host:             "127.0.0.1",
		Port:             DefaultPort,
		AgentName:        "ocx-bridge",
		AgentDescription: "Bridge exposing a local coding agent to the OCX mesh",
		AgentVersion:     "0.1.0",
		StateDir:         filepath.Join(home, ".ocx-bridge"),
		Executor: ExecutorConfig{
			Command:         "claude",
			ExtraArgs:       []string{"-p"},
			AllowedCommands: []string{"claude"},
			WorkspaceDir:    filepath.Join(home, "ocx-workspace"),
			MaxTaskTimeout:  DefaultMaxTaskTimeout,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Max:      120,
			WindowMS: time.Minute,
		},
		CORS: CORSConfig{
			Origins: []string{"http://localhost:3000"},
		},
		WebSocket: WebSocketConfig{
			MaxConns:    DefaultWSMaxConns,
			MessageRate: DefaultWSMessageRate,
		},
		X402: X402Config{
			Network:        "base",
			ValidityPeriod: 5 * time.Minute,
		},
		Limits: LimitsConfig{
			TaskTimeout:   DefaultTaskTimeout,
			SyncTimeout:   DefaultSyncTimeout,
			ResultTTL:     DefaultResultTTL,
			DrainTimeout:  DefaultDrainTimeout,
			BodyLimit:     DefaultBodyLimit,
			SaveInterval:  DefaultSaveInterval,
			SweepInterval: DefaultSweepInterval,
			IPDailyLimit:  DefaultIPDailyLimit,
		},
	}
}

// Load reads the yaml file at path (when non-empty) over Default, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays OCX_* environment variables onto cfg.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" { // Cloud Run convention
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	setString(&c.Host, "OCX_HOST")
	setString(&c.AgentName, "OCX_AGENT_NAME")
	setString(&c.AgentDID, "OCX_AGENT_DID")
	setString(&c.WalletKey, "OCX_WALLET_KEY")
	setString(&c.StateDir, "OCX_STATE_DIR")
	setString(&c.CardFile, "OCX_CARD_FILE")
	setString(&c.Auth.APIToken, "OCX_API_TOKEN")
	setString(&c.Auth.WSAuthToken, "OCX_WS_AUTH_TOKEN")
	setBool(&c.Auth.RequireAuth, "OCX_REQUIRE_AUTH")
	setString(&c.Executor.Command, "OCX_AGENT_COMMAND")
	setString(&c.Executor.WorkspaceDir, "OCX_WORKSPACE_DIR")
	setList(&c.Executor.AllowedCommands, "OCX_ALLOWED_COMMANDS")
	setList(&c.CORS.Origins, "OCX_CORS_ORIGINS")
	setList(&c.WebSocket.AllowedOrigins, "OCX_ALLOWED_ORIGINS")
	setString(&c.Escrow.ContractAddr, "OCX_ESCROW_CONTRACT")
	setString(&c.Escrow.RPCURL, "OCX_ESCROW_RPC_URL")
	setInt64(&c.Escrow.ChainID, "OCX_ESCROW_CHAIN_ID")
	setString(&c.Escrow.ProviderDID, "OCX_ESCROW_PROVIDER_DID")
	setString(&c.X402.PayTo, "OCX_X402_PAY_TO")
	setString(&c.X402.USDCAddr, "OCX_X402_USDC_ADDR")
	setString(&c.X402.PriceUSDC, "OCX_X402_PRICE_USDC")
	setString(&c.X402.Network, "OCX_X402_NETWORK")
	setString(&c.Node.URL, "OCX_NODE_URL")
	if v := os.Getenv("OCX_TASK_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Limits.TaskTimeout = time.Duration(secs) * time.Second
		}
	}
}

// Validate reports the first fatal configuration problem.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Executor.WorkspaceDir == "" {
		return fmt.Errorf("workspace_dir is required")
	}
	if !filepath.IsAbs(c.Executor.WorkspaceDir) {
		return fmt.Errorf("workspace_dir must be absolute, got %q", c.Executor.WorkspaceDir)
	}
	if c.Executor.Command == "" {
		return fmt.Errorf("executor command is required")
	}
	if !contains(c.Executor.AllowedCommands, c.Executor.Command) {
		return fmt.Errorf("command %q is not in allowed_commands", c.Executor.Command)
	}
	if (c.Escrow.Enabled() || c.X402.Enabled()) && c.WalletKey == "" {
		return fmt.Errorf("wallet_key is required when escrow or x402 is configured")
	}
	if c.Escrow.Enabled() && c.Escrow.ProviderDID == "" {
		return fmt.Errorf("escrow.provider_did is required when escrow is configured")
	}
	if c.Limits.TaskTimeout < time.Second || c.Limits.TaskTimeout > c.Executor.MaxTaskTimeout {
		return fmt.Errorf("task_timeout must be within [1s, %s]", c.Executor.MaxTaskTimeout)
	}
	return nil
}

// RateLimitsPath is the persisted daily-counter file.
func (c *Config) RateLimitsPath() string {
	return filepath.Join(c.StateDir, "rate-limits.json")
}

// TrustStorePath is the persisted reputation-profile file.
func (c *Config) TrustStorePath() string {
	return filepath.Join(c.StateDir, "trust-store.json")
}

// BaseURL is the externally reachable root used in the card and llms.txt.
func (c *Config) BaseURL() string {
	if c.AgentURL != "" {
		return strings.TrimRight(c.AgentURL, "/")
	}
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
