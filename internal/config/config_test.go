package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Mode != "local" {
		t.Fatalf("expected default backend mode 'local', got %q", cfg.Backend.Mode)
	}
}

func TestLoadParsesModelsAndJobTypes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ratefleet.toml")
	content := `
[server]
label = "fleet-a"
escalation_order = ["small", "large"]

[backend]
mode = "redis"
redis_addr = "localhost:6379"

[[models]]
id = "small"
requests_per_minute = 100
input_cost_per_1m = 1.0

[[models]]
id = "large"
requests_per_minute = 10
input_cost_per_1m = 5.0

[jobtypes.batch]
estimated_tokens = 500
flexible = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Label != "fleet-a" {
		t.Fatalf("expected label 'fleet-a', got %q", cfg.Server.Label)
	}
	if cfg.Backend.Mode != "redis" || cfg.Backend.RedisAddr != "localhost:6379" {
		t.Fatalf("expected redis backend config, got %+v", cfg.Backend)
	}
	if len(cfg.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(cfg.Models))
	}
	models := cfg.DomainModels()
	if models[0].ID != "small" || models[0].Pricing.Input != 1.0 {
		t.Fatalf("unexpected first model: %+v", models[0])
	}
	jobTypes := cfg.DomainJobTypes()
	if len(jobTypes) != 1 || jobTypes[0].ID != "batch" || !jobTypes[0].Flexible {
		t.Fatalf("unexpected job types: %+v", jobTypes)
	}
}
