package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("bind addr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.TaskTimeoutSeconds != 600 {
		t.Fatalf("task timeout = %d, want 600", cfg.TaskTimeoutSeconds)
	}
	if cfg.PendingTimeoutSeconds != 30 {
		t.Fatalf("pending timeout = %d, want 30", cfg.PendingTimeoutSeconds)
	}
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
bind_addr: ":9090"
database_url: "postgres://localhost/loom"
providers:
  anthropic:
    api_key: key-a
    model: claude-sonnet-4-5
    timeout_seconds: 30
agents:
  - name: researcher
    provider: anthropic
    tools: [list_posts]
    tool_models:
      list_posts:
        provider: openai
        model: gpt-4o-mini
mcp:
  servers:
    - name: posts
      command: /usr/local/bin/posts-server
      port: 9301
      enabled: true
fanout:
  broadcast_url: http://localhost:7000/broadcast
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	agent := cfg.Agent("researcher")
	if agent == nil {
		t.Fatal("agent researcher not found")
	}
	if agent.ToolModels["list_posts"].Model != "gpt-4o-mini" {
		t.Fatalf("tool model override = %+v", agent.ToolModels["list_posts"])
	}
	if got := cfg.Providers["anthropic"].Timeout().Seconds(); got != 30 {
		t.Fatalf("provider timeout = %v, want 30s", got)
	}
	if names := cfg.EnabledServerNames(); len(names) != 1 || names[0] != "posts" {
		t.Fatalf("enabled servers = %v", names)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"duplicate server", `
mcp:
  servers:
    - {name: a, command: x, port: 1, enabled: true}
    - {name: a, command: y, port: 2, enabled: true}
`},
		{"missing port", `
mcp:
  servers:
    - {name: a, command: x, enabled: true}
`},
		{"agent without provider", `
agents:
  - name: a
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LOOM_DATABASE_URL", "postgres://env/loom")
	t.Setenv("LOOM_ANTHROPIC_API_KEY", "env-key")

	path := writeConfig(t, `
database_url: "postgres://file/loom"
providers:
  anthropic:
    api_key: file-key
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env/loom" {
		t.Fatalf("database url = %q, want env override", cfg.DatabaseURL)
	}
	if cfg.Providers["anthropic"].APIKey != "env-key" {
		t.Fatalf("api key = %q, want env override", cfg.Providers["anthropic"].APIKey)
	}
}
