package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// RedisConfig holds Redis connection settings. Redis is optional: when Addr
// is empty the service runs with purely in-process cache and position state.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// PostgresConfig holds the position snapshot database settings.
type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// EngineConfig points at the external ranking computation endpoint.
type EngineConfig struct {
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`
}

// NotifyConfig points at the notification dispatch endpoint.
type NotifyConfig struct {
	BaseURL     string        `json:"base_url"`
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts"`
}

// CacheConfig holds page cache tuning knobs.
type CacheConfig struct {
	// L2 enables the shared Redis-backed byte cache layer under the local
	// page cache. Requires Redis.Addr to be set.
	L2    bool          `json:"l2"`
	L2TTL time.Duration `json:"l2_ttl"`
}

// MaintenanceConfig holds background job intervals.
type MaintenanceConfig struct {
	EvictionInterval time.Duration `json:"eviction_interval"`
	WatchdogInterval time.Duration `json:"watchdog_interval"`
	RecalcSchedule   string        `json:"recalc_schedule"` // cron expression
}

// ServerConfig holds the inbound HTTP listener settings.
type ServerConfig struct {
	Addr     string `json:"addr"`
	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Redis       RedisConfig       `json:"redis"`
	Postgres    PostgresConfig    `json:"postgres"`
	Engine      EngineConfig      `json:"engine"`
	Notify      NotifyConfig      `json:"notify"`
	Cache       CacheConfig       `json:"cache"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Tracing     TracingConfig     `json:"tracing"`
}

// DefaultConfig returns a Config with sensible defaults. The engine and
// notification endpoints default to the local marketplace app, matching the
// deployment this service was carved out of.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8080",
			LogLevel: "info",
		},
		Redis: RedisConfig{
			Addr:     "",
			Password: "",
			DB:       0,
		},
		Engine: EngineConfig{
			BaseURL: "http://localhost:3000",
			Timeout: 15 * time.Second,
		},
		Notify: NotifyConfig{
			BaseURL:     "http://localhost:3000",
			Timeout:     10 * time.Second,
			MaxAttempts: 3,
		},
		Cache: CacheConfig{
			L2:    false,
			L2TTL: 5 * time.Minute,
		},
		Maintenance: MaintenanceConfig{
			EvictionInterval: 10 * time.Minute,
			WatchdogInterval: 30 * time.Second,
			RecalcSchedule:   "@hourly",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "tiderank",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TIDERANK_HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TIDERANK_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("TIDERANK_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TIDERANK_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TIDERANK_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("TIDERANK_PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("TIDERANK_ENGINE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v := os.Getenv("TIDERANK_NOTIFY_URL"); v != "" {
		cfg.Notify.BaseURL = v
	}
	if v := os.Getenv("TIDERANK_RECALC_SCHEDULE"); v != "" {
		cfg.Maintenance.RecalcSchedule = v
	}
	if v := os.Getenv("TIDERANK_OTEL_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}
}
