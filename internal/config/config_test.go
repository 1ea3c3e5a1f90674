package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "flowd.yaml", `
server:
  address: ":9090"
storage:
  driver: sqlite
agents:
  catalog: playbooks.yaml
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Queue.Driver != "memory" || cfg.Events.Driver != "memory" {
		t.Fatalf("expected memory defaults, got queue=%s events=%s", cfg.Queue.Driver, cfg.Events.Driver)
	}
	if want := filepath.Join(dir, "data", "claudeflow.db"); cfg.Storage.DSN != want {
		t.Fatalf("unexpected sqlite dsn: %s want %s", cfg.Storage.DSN, want)
	}
	if want := filepath.Join(dir, "playbooks.yaml"); cfg.Agents.Catalog != want {
		t.Fatalf("catalog should be resolved against config dir: %s", cfg.Agents.Catalog)
	}
	if len(cfg.Agents.Roles) != 3 {
		t.Fatalf("expected default roles, got %v", cfg.Agents.Roles)
	}
}

func TestLoadJSONAndTOML(t *testing.T) {
	dir := t.TempDir()
	jsonPath := writeFile(t, dir, "flowd.json", `{"processor": {"workers": 9}}`)
	tomlPath := writeFile(t, dir, "flowd.toml", "[processor]\nworkers = 7\n")

	cfg, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if cfg.Processor.Workers != 9 {
		t.Fatalf("json workers: %d", cfg.Processor.Workers)
	}

	cfg, err = Load(tomlPath)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Processor.Workers != 7 {
		t.Fatalf("toml workers: %d", cfg.Processor.Workers)
	}
}

func TestEnvOverridesAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "CLAUDEFLOW_PROCESSOR_WORKERS=11\n")
	path := writeFile(t, dir, "flowd.yaml", "server:\n  address: \":1\"\n")
	t.Setenv("CLAUDEFLOW_SERVER_ADDRESS", ":7070")
	t.Cleanup(func() { _ = os.Unsetenv("CLAUDEFLOW_PROCESSOR_WORKERS") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Fatalf("env override not applied: %s", cfg.Server.Address)
	}
	if cfg.Processor.Workers != 11 {
		t.Fatalf(".env value not applied: %d", cfg.Processor.Workers)
	}
}

func TestValidateRejectsIncompleteDrivers(t *testing.T) {
	cases := map[string]func(*Config){
		"mysql without dsn":     func(c *Config) { c.Storage.Driver = "mysql"; c.Storage.DSN = "" },
		"unknown store":         func(c *Config) { c.Storage.Driver = "postgres" },
		"redis queue no addr":   func(c *Config) { c.Queue.Driver = "redis" },
		"rabbitmq without url":  func(c *Config) { c.Queue.Driver = "rabbitmq" },
		"nats without url":      func(c *Config) { c.Events.Driver = "nats" },
		"openai without key":    func(c *Config) { c.LLM.Provider = "openai" },
		"unknown events driver": func(c *Config) { c.Events.Driver = "kafka" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flowd.ini", "x=1")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestFormatsProduceSameConfig(t *testing.T) {
	dir := t.TempDir()
	yamlPath := writeFile(t, dir, "flowd.yaml", `
queue:
  driver: redis
  redis:
    address: "127.0.0.1:6379"
    block_wait_seconds: 2
agents:
  roles: [asistente, profesor]
  llm_roles: [profesor]
observability:
  metrics_enabled: true
`)
	jsonPath := writeFile(t, dir, "flowd.json", `{
  "queue": {"driver": "redis", "redis": {"address": "127.0.0.1:6379", "block_wait_seconds": 2}},
  "agents": {"roles": ["asistente", "profesor"], "llm_roles": ["profesor"]},
  "observability": {"metrics_enabled": true}
}`)
	tomlPath := writeFile(t, dir, "flowd.toml", `
[queue]
driver = "redis"
[queue.redis]
address = "127.0.0.1:6379"
block_wait_seconds = 2
[agents]
roles = ["asistente", "profesor"]
llm_roles = ["profesor"]
[observability]
metrics_enabled = true
`)

	want, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	for _, path := range []string{jsonPath, tomlPath} {
		got, err := Load(path)
		if err != nil {
			t.Fatalf("load %s: %v", filepath.Base(path), err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("%s differs from yaml (-want +got):\n%s", filepath.Base(path), diff)
		}
	}
}
