// Package config loads and validates the arc configuration surface.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the execution core.
type Config struct {
	Executor    ExecutorConfig    `yaml:"executor"`
	Tools       ToolsConfig       `yaml:"tools"`
	Context     ContextConfig     `yaml:"context"`
	Backtrack   BacktrackConfig   `yaml:"backtrack"`
	Termination TerminationConfig `yaml:"termination"`
	HITL        HITLConfig        `yaml:"hitl"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Rollback    RollbackConfig    `yaml:"rollback"`
	LLM         LLMConfig         `yaml:"llm"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ExecutorConfig tunes the main loop.
type ExecutorConfig struct {
	MaxTurns        int           `yaml:"max_turns"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	EventBufferSize int           `yaml:"event_buffer_size"`
	FallbackSummary bool          `yaml:"fallback_summary"`
}

// ToolsConfig tunes tool dispatch.
type ToolsConfig struct {
	AllowParallel bool          `yaml:"allow_parallel"`
	MaxParallel   int           `yaml:"max_parallel"`
	SerialOnly    []string      `yaml:"serial_only"`
	ExecTimeout   time.Duration `yaml:"exec_timeout"`
}

// ContextConfig tunes the compactor.
type ContextConfig struct {
	TokenBudget         int  `yaml:"token_budget"`
	SafeThresholdMargin int  `yaml:"safe_threshold_margin"`
	PreserveFirst       int  `yaml:"preserve_first_messages"`
	PreserveLast        int  `yaml:"preserve_last_messages"`
	PreserveToolResults bool `yaml:"preserve_tool_results"`
	PreserveLastImages  int  `yaml:"preserve_last_images"`
}

// BacktrackConfig tunes the backtrack engine.
type BacktrackConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// TerminationConfig tunes the adaptive terminator.
type TerminationConfig struct {
	ConsecutiveFailureLimit      int     `yaml:"consecutive_failure_limit"`
	LongRunningConfirmAfterTurns int     `yaml:"long_running_confirm_after_turns"`
	CostWarnUSD                  float64 `yaml:"cost_warn_usd"`
	CostConfirmUSD               float64 `yaml:"cost_confirm_usd"`
	CostUrgentUSD                float64 `yaml:"cost_urgent_usd"`
}

// HITLConfig gates dangerous tool calls behind human confirmation.
type HITLConfig struct {
	Enabled             bool     `yaml:"enabled"`
	RequireConfirmation []string `yaml:"require_confirmation"`
	OnRejection         string   `yaml:"on_rejection"` // stop | rollback | ask_rollback
	ShowRollbackOnError bool     `yaml:"show_rollback_on_error"`
}

// SnapshotConfig tunes pre-task state capture.
type SnapshotConfig struct {
	StoragePath      string `yaml:"storage_path"`
	RetentionHours   int    `yaml:"retention_hours"`
	MaxSizeMB        int    `yaml:"max_size_mb"`
	CaptureCwd       bool   `yaml:"capture_cwd"`
	CaptureFiles     bool   `yaml:"capture_files"`
	CaptureClipboard bool   `yaml:"capture_clipboard"`
}

// RollbackConfig tunes rollback behavior.
type RollbackConfig struct {
	AutoOnConsecutiveFailures int           `yaml:"auto_rollback_on_consecutive_failures"`
	AutoOnCriticalError       bool          `yaml:"auto_rollback_on_critical_error"`
	Timeout                   time.Duration `yaml:"rollback_timeout"`
}

// LLMConfig selects and configures the provider.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // anthropic | openai
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// SessionsConfig selects the message store.
type SessionsConfig struct {
	Store        string `yaml:"store"` // memory | sqlite
	SQLitePath   string `yaml:"sqlite_path"`
	ResumeSecret string `yaml:"resume_secret"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OTLP export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Executor: ExecutorConfig{
			MaxTurns:        30,
			MaxDuration:     30 * time.Minute,
			IdleTimeout:     2 * time.Minute,
			EventBufferSize: 256,
			FallbackSummary: true,
		},
		Tools: ToolsConfig{
			AllowParallel: true,
			MaxParallel:   5,
			SerialOnly:    []string{"plan", "hitl"},
			ExecTimeout:   30 * time.Second,
		},
		Context: ContextConfig{
			TokenBudget:         180000,
			SafeThresholdMargin: 20000,
			PreserveFirst:       4,
			PreserveLast:        8,
			PreserveToolResults: true,
			PreserveLastImages:  2,
		},
		Backtrack: BacktrackConfig{MaxAttempts: 3},
		Termination: TerminationConfig{
			ConsecutiveFailureLimit:      5,
			LongRunningConfirmAfterTurns: 20,
			CostWarnUSD:                  0.50,
			CostConfirmUSD:               2.00,
			CostUrgentUSD:                10.00,
		},
		HITL: HITLConfig{
			Enabled:             true,
			RequireConfirmation: []string{"delete", "overwrite", "send_email", "publish", "payment"},
			OnRejection:         "ask_rollback",
			ShowRollbackOnError: true,
		},
		Snapshot: SnapshotConfig{
			StoragePath:    defaultSnapshotPath(),
			RetentionHours: 24,
			MaxSizeMB:      500,
			CaptureCwd:     true,
			CaptureFiles:   true,
		},
		Rollback: RollbackConfig{
			AutoOnConsecutiveFailures: 3,
			AutoOnCriticalError:       true,
			Timeout:                   60 * time.Second,
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			MaxTokens: 8192,
		},
		Sessions: SessionsConfig{Store: "memory"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Tracing:  TracingConfig{SamplingRate: 1.0},
	}
}

// Load reads a YAML config file, expands ${ENV} references, overlays it on
// the defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the usual env vars win over file values so the CLI
// works without a config file at all.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARC_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("ARC_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.Provider == "anthropic" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.Provider == "openai" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ARC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ARC_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.StoragePath = v
	}
}

// Validate rejects configurations the executor cannot run with. These are
// programming/deployment errors and fail fast at construction.
func (c *Config) Validate() error {
	if c.Tools.MaxParallel < 1 {
		return fmt.Errorf("tools.max_parallel must be >= 1, got %d", c.Tools.MaxParallel)
	}
	if c.Context.TokenBudget <= c.Context.SafeThresholdMargin {
		return fmt.Errorf("context.token_budget (%d) must exceed safe_threshold_margin (%d)",
			c.Context.TokenBudget, c.Context.SafeThresholdMargin)
	}
	if c.Backtrack.MaxAttempts < 0 {
		return fmt.Errorf("backtrack.max_attempts must be >= 0")
	}
	switch c.HITL.OnRejection {
	case "stop", "rollback", "ask_rollback":
	default:
		return fmt.Errorf("hitl.on_rejection must be stop|rollback|ask_rollback, got %q", c.HITL.OnRejection)
	}
	switch c.Sessions.Store {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("sessions.store must be memory|sqlite, got %q", c.Sessions.Store)
	}
	if c.Sessions.Store == "sqlite" && c.Sessions.SQLitePath == "" {
		return fmt.Errorf("sessions.sqlite_path is required for the sqlite store")
	}
	if c.Termination.CostWarnUSD > c.Termination.CostConfirmUSD ||
		c.Termination.CostConfirmUSD > c.Termination.CostUrgentUSD {
		return fmt.Errorf("cost thresholds must be warn <= confirm <= urgent")
	}
	return nil
}

// SafeThreshold is the compaction trigger: token_budget minus the margin.
func (c *ContextConfig) SafeThreshold() int {
	return c.TokenBudget - c.SafeThresholdMargin
}

func defaultSnapshotPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arc/snapshots"
	}
	return home + "/.arc/snapshots"
}
