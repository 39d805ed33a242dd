// Package config loads the daemon configuration from config.yaml under the
// gridmind home directory, with env overrides and defaults applied in Load.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LLMConfig holds provider settings for the streaming model.
type LLMConfig struct {
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	MaxTokens int    `yaml:"max_tokens"`
}

// ToolsConfig holds tool dispatch settings.
type ToolsConfig struct {
	// TimeoutSeconds bounds each dispatched tool call. Default 10.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// LimitsConfig holds the soft context limits per conversation.
type LimitsConfig struct {
	Tokens      int     `yaml:"tokens"`
	Messages    int     `yaml:"messages"`
	ToolCalls   int     `yaml:"tool_calls"`
	AgeDays     int     `yaml:"age_days"`
	MinMessages int     `yaml:"min_messages"`
	WarnRatio   float64 `yaml:"warn_ratio"`
}

// CompactConfig holds compaction settings.
type CompactConfig struct {
	// KeepRecent is the number of newest messages left out of a summary.
	KeepRecent int `yaml:"keep_recent"`
}

// OtelConfig holds OpenTelemetry settings.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout", "otlp-http", "none"
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`

	LLM     LLMConfig     `yaml:"llm"`
	Tools   ToolsConfig   `yaml:"tools"`
	Limits  LimitsConfig  `yaml:"limits"`
	Compact CompactConfig `yaml:"compact"`
	Otel    OtelConfig    `yaml:"otel"`

	// SystemPrompt is loaded from PROMPT.md, not from yaml.
	SystemPrompt string `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PromptPath returns the path to the system-prompt file within the home directory.
func PromptPath(homeDir string) string {
	return filepath.Join(homeDir, "PROMPT.md")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|db=%s|log=%s|model=%s|timeout=%d|limits=%d/%d/%d/%d",
		c.BindAddr, c.DBPath, c.LogLevel, c.LLM.Model, c.Tools.TimeoutSeconds,
		c.Limits.Tokens, c.Limits.Messages, c.Limits.ToolCalls, c.Limits.AgeDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18890",
		LogLevel: "info",
		LLM: LLMConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
		},
		Tools: ToolsConfig{TimeoutSeconds: 10},
		Limits: LimitsConfig{
			Tokens:      100_000,
			Messages:    200,
			ToolCalls:   100,
			AgeDays:     30,
			MinMessages: 10,
			WarnRatio:   0.8,
		},
		Compact: CompactConfig{KeepRecent: 5},
		Otel:    OtelConfig{Enabled: false, Exporter: "none"},
	}
}

// HomeDir resolves the gridmind home directory, honoring GRIDMIND_HOME.
func HomeDir() string {
	if override := os.Getenv("GRIDMIND_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gridmind")
}

// Load reads config.yaml from the home directory, applying defaults,
// env overrides and the system-prompt file. A missing config.yaml is not
// an error; defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gridmind home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadPrompt(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18890"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "gridmind.db")
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "claude-sonnet-4-5"
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.Tools.TimeoutSeconds <= 0 {
		cfg.Tools.TimeoutSeconds = 10
	}
	if cfg.Limits.Tokens <= 0 {
		cfg.Limits.Tokens = 100_000
	}
	if cfg.Limits.Messages <= 0 {
		cfg.Limits.Messages = 200
	}
	if cfg.Limits.ToolCalls <= 0 {
		cfg.Limits.ToolCalls = 100
	}
	if cfg.Limits.AgeDays <= 0 {
		cfg.Limits.AgeDays = 30
	}
	if cfg.Limits.MinMessages <= 0 {
		cfg.Limits.MinMessages = 10
	}
	if cfg.Limits.WarnRatio <= 0 || cfg.Limits.WarnRatio >= 1 {
		cfg.Limits.WarnRatio = 0.8
	}
	if cfg.Compact.KeepRecent <= 0 {
		cfg.Compact.KeepRecent = 5
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GRIDMIND_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GRIDMIND_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("GRIDMIND_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GRIDMIND_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" {
		cfg.LLM.APIKey = raw
	}
	if raw := os.Getenv("GRIDMIND_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("GRIDMIND_TOOL_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Tools.TimeoutSeconds = v
		}
	}
}

func loadPrompt(cfg *Config) {
	if b, err := os.ReadFile(PromptPath(cfg.HomeDir)); err == nil {
		cfg.SystemPrompt = string(b)
	}
}
