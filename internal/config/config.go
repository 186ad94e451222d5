// Package config loads the loomd YAML configuration with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider LLM settings.
type ProviderConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"` // 0 = default 60s
}

// Timeout returns the provider call timeout.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// McpServerConfig declares one supervised tool-server process.
type McpServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Port    int               `yaml:"port"`
	Enabled bool              `yaml:"enabled"`
}

// McpConfig holds supervisor settings.
type McpConfig struct {
	Servers []McpServerConfig `yaml:"servers"`

	// ReconcileCron is the schedule for the reconciliation pass.
	// Empty uses "@every 30s".
	ReconcileCron string `yaml:"reconcile_cron"`
}

// ToolModelConfig is a per-tool model override: agent-level first, then the
// tool default.
type ToolModelConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// AgentConfig declares an agent the gateway can dispatch to.
type AgentConfig struct {
	Name           string                     `yaml:"name"`
	Provider       string                     `yaml:"provider"`
	Model          string                     `yaml:"model"`
	SystemPrompt   string                     `yaml:"system_prompt"`
	Tools          []string                   `yaml:"tools"`           // enabled tool names; empty = all
	ToolModels     map[string]ToolModelConfig `yaml:"tool_models"`     // per-tool override
	MaxOutputToken int                        `yaml:"max_output_tokens"`
}

// FanoutConfig holds webhook broadcast settings.
type FanoutConfig struct {
	BroadcastURL string `yaml:"broadcast_url"`
	ServiceToken string `yaml:"service_token"`
}

// OtelConfig mirrors internal/otel.Config in YAML.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the root loomd configuration.
type Config struct {
	BindAddr    string `yaml:"bind_addr"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`
	JWTSecret   string `yaml:"jwt_secret"`

	// TaskTimeoutSeconds bounds one task execution; abandoned working tasks
	// older than this are failed by the reaper.
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`

	// PendingTimeoutSeconds bounds the window between accepting a message and
	// the task row appearing. Default 30.
	PendingTimeoutSeconds int `yaml:"pending_timeout_seconds"`

	Providers map[string]ProviderConfig `yaml:"providers"`
	Agents    []AgentConfig             `yaml:"agents"`
	MCP       McpConfig                 `yaml:"mcp"`
	Fanout    FanoutConfig              `yaml:"fanout"`
	Otel      OtelConfig                `yaml:"otel"`

	Path string `yaml:"-"`
}

// Load reads the config file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		BindAddr:              ":8080",
		LogLevel:              "info",
		TaskTimeoutSeconds:    600,
		PendingTimeoutSeconds: 30,
		Path:                  path,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path
	cfg.applyEnv()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LOOM_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("LOOM_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("LOOM_BROADCAST_TOKEN"); v != "" {
		c.Fanout.ServiceToken = v
	}
	for name, pc := range c.Providers {
		envKey := "LOOM_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			pc.APIKey = v
			c.Providers[name] = pc
		}
	}
}

func (c *Config) validate() error {
	if c.TaskTimeoutSeconds <= 0 {
		c.TaskTimeoutSeconds = 600
	}
	if c.PendingTimeoutSeconds <= 0 {
		c.PendingTimeoutSeconds = 30
	}
	seen := map[string]bool{}
	for _, s := range c.MCP.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp server with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate mcp server name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Enabled && s.Port <= 0 {
			return fmt.Errorf("mcp server %q: port is required", s.Name)
		}
	}
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent with empty name")
		}
		if a.Provider == "" {
			return fmt.Errorf("agent %q: provider is required", a.Name)
		}
	}
	return nil
}

// Agent returns the agent config by name, nil if unknown.
func (c *Config) Agent(name string) *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i]
		}
	}
	return nil
}

// EnabledServerNames returns the names of all enabled MCP servers.
func (c *Config) EnabledServerNames() []string {
	var names []string
	for _, s := range c.MCP.Servers {
		if s.Enabled {
			names = append(names, s.Name)
		}
	}
	return names
}

// TaskTimeout returns the task execution budget.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// PendingTimeout returns the submit-to-task-created budget.
func (c *Config) PendingTimeout() time.Duration {
	return time.Duration(c.PendingTimeoutSeconds) * time.Second
}
