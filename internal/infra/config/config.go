package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quill/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Agent     AgentConfig      `yaml:"agent"`
	Providers []ProviderConfig `yaml:"providers"`
	Tools     ToolsConfig      `yaml:"tools"`
	Sandbox   SandboxConfig    `yaml:"sandbox"`
	Store     StoreConfig      `yaml:"store"`
	Audit     AuditConfig      `yaml:"audit"`
	Logger    LoggerConfig     `yaml:"logger"`
	Tracer    TracerConfig     `yaml:"tracer"`
}

// AgentConfig holds turn-loop settings.
type AgentConfig struct {
	DefaultModel string `yaml:"default_model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxRounds    int    `yaml:"max_rounds"`
	// PreauthorizeWrites skips the per-call approval gate for write_file.
	PreauthorizeWrites bool `yaml:"preauthorize_writes"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // "anthropic" or "openai"
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	Model       string        `yaml:"model"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// Permission values for per-tool gating.
const (
	PermAlways = "always"
	PermAsk    = "ask"
	PermNever  = "never"
)

// ToolsConfig holds tool permissions and limits.
type ToolsConfig struct {
	// Permissions maps tool name to "always", "ask" or "never".
	// Unlisted tools default to "always", except write_file which
	// defaults to "ask".
	Permissions map[string]string `yaml:"permissions"`
	// WebFetchPerMinute bounds outbound web_fetch calls. 0 = default (10).
	WebFetchPerMinute int `yaml:"web_fetch_per_minute"`
}

// Permission returns the effective permission for a tool.
func (t ToolsConfig) Permission(tool string) string {
	if p, ok := t.Permissions[tool]; ok {
		switch p {
		case PermAlways, PermAsk, PermNever:
			return p
		}
	}
	if tool == "write_file" {
		return PermAsk
	}
	return PermAlways
}

// SandboxConfig holds the workspace root. Empty means the process
// working directory.
type SandboxConfig struct {
	Root string `yaml:"root"`
}

// StoreConfig holds conversation persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig holds audit log settings.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stdout", "stderr", or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DefaultModel: "claude-sonnet-4-5",
			MaxRounds:    10,
		},
		Providers: []ProviderConfig{
			{Name: "anthropic", Type: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY", Model: "claude-sonnet-4-5"},
			{Name: "openai", Type: "openai", APIKeyEnv: "OPENAI_API_KEY", Model: "gpt-4o"},
		},
		Tools:  ToolsConfig{},
		Store:  StoreConfig{Path: "quill.db"},
		Audit:  AuditConfig{Path: "quill-audit.jsonl"},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
	}
}

// Load reads a YAML config file, applies defaults and resolves API keys
// from the environment. A missing file returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.resolveKeys()
				return cfg, nil
			}
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, fmt.Sprintf("read %s: %v", path, err))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, fmt.Sprintf("parse %s: %v", path, err))
		}
	}

	if cfg.Agent.MaxRounds <= 0 {
		cfg.Agent.MaxRounds = 10
	}
	cfg.resolveKeys()
	return cfg, nil
}

// resolveKeys fills empty provider API keys from their environment
// variables.
func (c *Config) resolveKeys() {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = strings.TrimSpace(os.Getenv(p.APIKeyEnv))
		}
	}
}
