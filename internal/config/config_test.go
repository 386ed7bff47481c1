package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected default addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Engine.BaseURL != "http://localhost:3000" {
		t.Fatalf("expected localhost engine URL, got %s", cfg.Engine.BaseURL)
	}
	if cfg.Maintenance.EvictionInterval != 10*time.Minute {
		t.Fatalf("expected 10m eviction interval, got %s", cfg.Maintenance.EvictionInterval)
	}
	if cfg.Maintenance.WatchdogInterval != 30*time.Second {
		t.Fatalf("expected 30s watchdog interval, got %s", cfg.Maintenance.WatchdogInterval)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"server":{"addr":":9999"},"redis":{"addr":"redis:6379","db":2}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("expected :9999, got %s", cfg.Server.Addr)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("redis config not applied: %+v", cfg.Redis)
	}
	// untouched fields keep defaults
	if cfg.Engine.BaseURL != "http://localhost:3000" {
		t.Fatalf("expected default engine URL, got %s", cfg.Engine.BaseURL)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/config.json"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TIDERANK_ENGINE_URL", "http://engine.internal")
	t.Setenv("TIDERANK_REDIS_DB", "5")
	t.Setenv("TIDERANK_OTEL_ENDPOINT", "otel:4318")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Engine.BaseURL != "http://engine.internal" {
		t.Fatalf("engine URL override not applied: %s", cfg.Engine.BaseURL)
	}
	if cfg.Redis.DB != 5 {
		t.Fatalf("redis DB override not applied: %d", cfg.Redis.DB)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "otel:4318" {
		t.Fatalf("tracing override not applied: %+v", cfg.Tracing)
	}
}
