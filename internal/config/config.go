// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the agent configuration.
type Config struct {
	Agent        AgentConfig        `toml:"agent"`
	LLM          LLMConfig          `toml:"llm"`       // Default LLM settings
	SmallLLM     LLMConfig          `toml:"small_llm"` // Fast/cheap model for summarization
	Embedding    EmbeddingConfig    `toml:"embedding"` // Embedding model for semantic memory
	Profiles     map[string]Profile `toml:"profiles"`  // Capability profiles
	Web          WebConfig          `toml:"web"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Storage      StorageConfig      `toml:"storage"`      // Persistent storage settings
	MCP          MCPConfig          `toml:"mcp"`          // MCP tool servers
	Skills       SkillsConfig       `toml:"skills"`       // Agent Skills
	Security     SecurityConfig     `toml:"security"`     // Security framework
	Orchestrator OrchestratorConfig `toml:"orchestrator"` // Orchestrator defaults
	Safety       SafetyConfig       `toml:"safety"`       // Safety controller thresholds
	WorkerPool   WorkerPoolConfig   `toml:"worker_pool"`  // Worker pool concurrency/budget defaults
	Autonomous   AutonomousConfig   `toml:"autonomous"`   // Autonomous loop scheduling
}

// OrchestratorConfig contains Orchestrator defaults (SPEC_FULL.md §2.1, §4.1).
type OrchestratorConfig struct {
	DefaultMaxWorkers     int     `toml:"default_max_workers"`     // default 5
	DefaultBudget         string  `toml:"default_budget"`          // "low"|"medium"|"high" or a dollar amount; default "medium"
	SkipClarifications    bool    `toml:"skip_clarifications"`     // default false; autonomy.Loop always overrides this to true
	SuccessRatioThreshold float64 `toml:"success_ratio_threshold"` // fraction of records that must succeed for the run to be reported as success; default 0.8
}

// SafetyConfig mirrors safety.DefaultConfig's tunables (SPEC_FULL.md §4.4).
type SafetyConfig struct {
	Level                string   `toml:"level"`                   // "low"|"medium"|"high"; default "medium"
	MaxChangeSize        int      `toml:"max_change_size"`         // 0 = use the level's default
	RequireTests         bool     `toml:"require_tests"`           // default true
	MaxOperationsPerHour int      `toml:"max_operations_per_hour"` // 0 = use the level's default
	CriticalFileGlobs    []string `toml:"critical_file_globs"`     // extra globs appended to the built-in set
	EmergencyStopFile    string   `toml:"emergency_stop_file"`     // defaults to <workspace>/.emergency_stop
}

// WorkerPoolConfig contains Worker pool defaults (SPEC_FULL.md §4.3).
type WorkerPoolConfig struct {
	MaxWorkers  int     `toml:"max_workers"`  // default 5, hard-capped at 50
	BudgetLimit float64 `toml:"budget_limit"` // dollars; 0 = unbounded
}

// AutonomousConfig contains Autonomous loop scheduling defaults (SPEC_FULL.md §4.6).
type AutonomousConfig struct {
	Enabled      bool   `toml:"enabled"`       // default false; must be opted into
	ScanRoot     string `toml:"scan_root"`     // defaults to agent.Workspace
	ScanInterval string `toml:"scan_interval"` // duration string, default "10m"
	TopK         int    `toml:"top_k"`         // opportunities selected per cycle; default 3
	Debounce     string `toml:"debounce"`      // fsnotify burst quiet period, default "2s"
}

// AgentConfig contains agent identification settings.
type AgentConfig struct {
	ID        string `toml:"id"`
	Workspace string `toml:"workspace"`
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`      // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	Thinking     string `toml:"thinking"`      // Thinking level: auto|off|low|medium|high
	MaxRetries   int    `toml:"max_retries"`   // Max retry attempts (default 5)
	RetryBackoff string `toml:"retry_backoff"` // Max backoff duration (default "60s")
}

// Profile represents a capability profile mapping to a specific LLM configuration.
type Profile struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens"`
	BaseURL   string `toml:"base_url"` // Custom API endpoint
	Thinking  string `toml:"thinking"` // Thinking level: auto|off|low|medium|high
}

// WebConfig contains Internet Gateway settings.
type WebConfig struct {
	GatewayURL      string `toml:"gateway_url"`
	GatewayTokenEnv string `toml:"gateway_token_env"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Protocol string `toml:"protocol"` // http, otlp, file, noop
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	Path          string `toml:"path"`           // Base directory for all persistent data
	PersistMemory bool   `toml:"persist_memory"` // true = memory survives across runs, false = in-memory only
}

// EmbeddingConfig contains embedding provider settings.
//
// Supported providers:
//   - openai:  text-embedding-3-small, text-embedding-3-large, text-embedding-ada-002
//   - google:  text-embedding-004, embedding-001
//   - mistral: mistral-embed
//   - cohere:  embed-english-v3.0, embed-multilingual-v3.0, embed-english-light-v3.0
//   - voyage:  voyage-2, voyage-large-2, voyage-code-2
//   - ollama:  nomic-embed-text, mxbai-embed-large, all-minilm (local)
//   - none:    Disables semantic memory (KV memory still works)
//
// NOT supported (no embedding endpoints):
//   - anthropic (Claude) - use voyage instead (Anthropic's recommended partner)
//   - openrouter - chat completions only
//   - groq - chat completions only
type EmbeddingConfig struct {
	Provider string `toml:"provider"` // openai, google, mistral, cohere, voyage, ollama, none
	Model    string `toml:"model"`    // Model name (e.g., nomic-embed-text, text-embedding-3-small)
	BaseURL  string `toml:"base_url"` // Base URL (for ollama or custom endpoint)
}

// MCPConfig contains MCP tool server configuration.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `toml:"servers"`
}

// MCPServerConfig configures an MCP server connection.
type MCPServerConfig struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args,omitempty"`
	Env     map[string]string `toml:"env,omitempty"`
}

// SkillsConfig contains Agent Skills configuration.
type SkillsConfig struct {
	Paths []string `toml:"paths"` // Directories to search for skills
}

// SecurityConfig contains security framework configuration.
type SecurityConfig struct {
	Mode      string `toml:"mode"`       // "default" or "paranoid"
	UserTrust string `toml:"user_trust"` // Trust level for user messages: "trusted", "vetted", "untrusted"
	TriageLLM string `toml:"triage_llm"` // Profile name for Tier 2 triage (cheap/fast model)
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Storage: StorageConfig{
			Path:          "~/.local/grid",
			PersistMemory: true,
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Orchestrator: OrchestratorConfig{
			DefaultMaxWorkers:     5,
			DefaultBudget:         "medium",
			SuccessRatioThreshold: 0.8,
		},
		Safety: SafetyConfig{
			Level:        "medium",
			RequireTests: true,
		},
		WorkerPool: WorkerPoolConfig{
			MaxWorkers: 5,
		},
		Autonomous: AutonomousConfig{
			ScanInterval: "10m",
			TopK:         3,
			Debounce:     "2s",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from agent.toml in the current directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	return LoadFile(filepath.Join(cwd, "agent.toml"))
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// GetGatewayToken returns the gateway token from the configured environment variable.
func (c *Config) GetGatewayToken() string {
	if c.Web.GatewayTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Web.GatewayTokenEnv)
}

// GetProfile returns the LLM config for a capability profile.
// Falls back to default LLM config if profile not found.
func (c *Config) GetProfile(name string) LLMConfig {
	if name == "" {
		return c.LLM
	}
	if profile, ok := c.Profiles[name]; ok {
		// Fill in defaults from main LLM config
		result := LLMConfig{
			Provider:  profile.Provider,
			Model:     profile.Model,
			APIKeyEnv: profile.APIKeyEnv,
			MaxTokens: profile.MaxTokens,
		}
		if result.Provider == "" {
			result.Provider = c.LLM.Provider
		}
		if result.APIKeyEnv == "" {
			result.APIKeyEnv = c.LLM.APIKeyEnv
		}
		if result.MaxTokens == 0 {
			result.MaxTokens = c.LLM.MaxTokens
		}
		return result
	}
	return c.LLM
}

// ScanInterval parses Autonomous.ScanInterval, falling back to 10 minutes on
// an empty or malformed value.
func (c *Config) ScanInterval() time.Duration {
	return parseDurationOr(c.Autonomous.ScanInterval, 10*time.Minute)
}

// Debounce parses Autonomous.Debounce, falling back to 2 seconds.
func (c *Config) Debounce() time.Duration {
	return parseDurationOr(c.Autonomous.Debounce, 2*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetProfileAPIKey returns the API key for a specific profile.
func (c *Config) GetProfileAPIKey(profileName string) string {
	llmCfg := c.GetProfile(profileName)
	if llmCfg.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(llmCfg.APIKeyEnv)
}
