package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attache.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
server:
  public_url: https://attache.example.com
database:
  url: postgres://attache@localhost/attache
llm:
  api_key: sk-test
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("http_port = %d, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("llm defaults = %q/%q", cfg.LLM.Provider, cfg.LLM.Model)
	}
	if cfg.Sandbox.Role != "attache_agent" || cfg.Sandbox.Schema != "agent_sandbox" {
		t.Errorf("sandbox defaults = %q/%q", cfg.Sandbox.Role, cfg.Sandbox.Schema)
	}
	if cfg.Sandbox.StatementTimeout != 3*time.Second {
		t.Errorf("statement_timeout = %v, want 3s", cfg.Sandbox.StatementTimeout)
	}
	if cfg.Memory.MaxRecent != 10 || cfg.Memory.MaxRelevant != 5 || cfg.Memory.SimilarityThreshold != 0.7 {
		t.Errorf("memory defaults = %+v", cfg.Memory)
	}
	if cfg.Agent.MaxSteps != 8 {
		t.Errorf("max_steps = %d, want 8", cfg.Agent.MaxSteps)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_ATTACHE_KEY", "sk-from-env")

	cfg, err := Load(writeConfig(t, `
server:
  public_url: https://attache.example.com
database:
  url: postgres://attache@localhost/attache
llm:
  api_key: ${TEST_ATTACHE_KEY}
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want value from environment", cfg.LLM.APIKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() error = nil for missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Database.URL = "postgres://localhost/attache"
		cfg.LLM.APIKey = "sk-test"
		cfg.Server.PublicURL = "https://attache.example.com"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing database url", func(c *Config) { c.Database.URL = "" }, true},
		{"missing api key", func(c *Config) { c.LLM.APIKey = "" }, true},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "llama-at-home" }, true},
		{"anthropic provider", func(c *Config) { c.LLM.Provider = "anthropic" }, false},
		{"missing public url", func(c *Config) { c.Server.PublicURL = "" }, true},
		{"timeout too small", func(c *Config) { c.Sandbox.StatementTimeout = 50 * time.Millisecond }, true},
		{"timeout too large", func(c *Config) { c.Sandbox.StatementTimeout = time.Minute }, true},
		{"threshold above one", func(c *Config) { c.Memory.SimilarityThreshold = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
