package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadWithEnvFile(filepath.Join(t.TempDir(), "missing.yaml"), "")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Address() != "0.0.0.0:8080" {
		t.Fatalf("server address=%q, want 0.0.0.0:8080", cfg.Server.Address())
	}
	if cfg.Storage.Driver != DriverMongo {
		t.Fatalf("storage.driver=%q, want %q", cfg.Storage.Driver, DriverMongo)
	}
	if cfg.Storage.Mongo.Collection != "request_tracking" {
		t.Fatalf("storage.mongo.collection=%q, want request_tracking", cfg.Storage.Mongo.Collection)
	}
	if cfg.Storage.Mongo.ConnectTimeout() != 3*time.Second || cfg.Storage.Mongo.SocketTimeout() != 5*time.Second {
		t.Fatalf("mongo timeouts=%s/%s, want 3s/5s", cfg.Storage.Mongo.ConnectTimeout(), cfg.Storage.Mongo.SocketTimeout())
	}
	if !cfg.Tracking.Enabled || cfg.Tracking.Async {
		t.Fatalf("tracking enabled=%v async=%v, want true/false", cfg.Tracking.Enabled, cfg.Tracking.Async)
	}
	if cfg.Tracking.SaveTimeout() != 5*time.Second {
		t.Fatalf("tracking save timeout=%s, want 5s", cfg.Tracking.SaveTimeout())
	}
	if cfg.Tracking.Retention() != 30*24*time.Hour {
		t.Fatalf("tracking retention=%s, want 30 days", cfg.Tracking.Retention())
	}
	if cfg.Tracking.UserHeader != "X-User-ID" {
		t.Fatalf("tracking.user_header=%q, want X-User-ID", cfg.Tracking.UserHeader)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want false", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.ServiceName != "reqtrace" {
		t.Fatalf("observability.otel.service_name=%q, want reqtrace", cfg.Observability.OTel.ServiceName)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(defaults) error: %v", err)
	}
}

func TestLoadAppliesYAMLAndEnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "reqtrace.yaml")
	configYAML := `server:
  host: 127.0.0.1
  port: 9090
storage:
  driver: sqlite
  path: /tmp/custom.db
tracking:
  async: true
  queue_size: 64
  save_timeout_ms: 1500
  retention_days: 7
  user_header: X-Account
upstream:
  url: http://app.internal:8000
logging:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("REQTRACE_PORT", "9191")
	t.Setenv("REQTRACE_STORAGE_PATH", "/tmp/override.db")
	t.Setenv("REQTRACE_PRODUCTION", "true")

	cfg, err := LoadWithEnvFile(configPath, "")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("server.host=%q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 9191 {
		t.Fatalf("server.port=%d, want env override 9191", cfg.Server.Port)
	}
	if cfg.Storage.Driver != DriverSQLite || cfg.Storage.Path != "/tmp/override.db" {
		t.Fatalf("storage=%+v, want sqlite at /tmp/override.db", cfg.Storage)
	}
	if !cfg.Tracking.Async || cfg.Tracking.QueueSize != 64 {
		t.Fatalf("tracking async=%v queue=%d, want true/64", cfg.Tracking.Async, cfg.Tracking.QueueSize)
	}
	if cfg.Tracking.SaveTimeout() != 1500*time.Millisecond {
		t.Fatalf("tracking save timeout=%s, want 1.5s", cfg.Tracking.SaveTimeout())
	}
	if cfg.Tracking.RetentionDays != 7 || cfg.Tracking.UserHeader != "X-Account" {
		t.Fatalf("tracking=%+v, want retention 7 and X-Account", cfg.Tracking)
	}
	if !cfg.Tracking.Production {
		t.Fatalf("tracking.production=false, want env override true")
	}
	if cfg.Upstream.URL != "http://app.internal:8000" {
		t.Fatalf("upstream.url=%q, want http://app.internal:8000", cfg.Upstream.URL)
	}
	if cfg.Logging.SlogLevel() != slog.LevelDebug {
		t.Fatalf("log level=%v, want debug", cfg.Logging.SlogLevel())
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestLoadReadsEnvFileWithoutOverridingEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	envBody := "REQTRACE_MONGO_URI=mongodb://envfile:27017\nREQTRACE_MONGO_DATABASE=from_file\n"
	if err := os.WriteFile(envFile, []byte(envBody), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("REQTRACE_MONGO_DATABASE", "from_env")

	cfg, err := LoadWithEnvFile("", envFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Storage.Mongo.URI != "mongodb://envfile:27017" {
		t.Fatalf("mongo uri=%q, want value from env file", cfg.Storage.Mongo.URI)
	}
	if cfg.Storage.Mongo.Database != "from_env" {
		t.Fatalf("mongo database=%q, want process env to win", cfg.Storage.Mongo.Database)
	}
	if _, ok := os.LookupEnv("REQTRACE_MONGO_URI"); ok {
		t.Fatalf("env file leaked into the process environment")
	}
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(configPath, []byte("server: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := LoadWithEnvFile(configPath, "")
	if err == nil {
		t.Fatalf("Load() error=nil, want parse error")
	}
	if !strings.Contains(err.Error(), "parse yaml") {
		t.Fatalf("error=%q, want parse yaml message", err.Error())
	}
}

func TestLoadRejectsUnknownYAMLField(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "invalid-field.yaml")
	configYAML := `tracking:
  enabled: true
  unexpected_field: true
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := LoadWithEnvFile(configPath, "")
	if err == nil {
		t.Fatalf("Load() error=nil, want unknown-field parse error")
	}
	if !strings.Contains(err.Error(), "field unexpected_field not found") {
		t.Fatalf("error=%q, want unknown-field message", err.Error())
	}
}

func TestLoadRejectsMultiDocumentYAML(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "multi-doc.yaml")
	configYAML := `server:
  host: 127.0.0.1
---
tracking:
  enabled: false
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := LoadWithEnvFile(configPath, "")
	if err == nil {
		t.Fatalf("Load() error=nil, want multi-document parse error")
	}
	if !strings.Contains(err.Error(), "multiple yaml documents are not supported") {
		t.Fatalf("error=%q, want multi-document message", err.Error())
	}
}

func TestLoadInvalidEnvReturnsError(t *testing.T) {
	t.Setenv("REQTRACE_TRACKING_ASYNC", "sometimes")

	_, err := LoadWithEnvFile("", "")
	if err == nil {
		t.Fatalf("Load() error=nil, want invalid env error")
	}
	if !strings.Contains(err.Error(), "invalid REQTRACE_TRACKING_ASYNC") {
		t.Fatalf("error=%q, want REQTRACE_TRACKING_ASYNC validation message", err.Error())
	}
}

func TestLoadAppliesStandardOTELEnvOverrides(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://otel-collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "otel-service-name")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.35")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")

	cfg, err := LoadWithEnvFile("", "")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	otel := cfg.Observability.OTel
	if !otel.Enabled {
		t.Fatalf("otel enabled=false, want implicit enable from OTEL_* env")
	}
	if otel.Endpoint != "https://otel-collector:4318" || otel.ServiceName != "otel-service-name" {
		t.Fatalf("otel=%+v, want env endpoint and service name", otel)
	}
	if otel.SamplingRatio != 0.35 {
		t.Fatalf("sampling ratio=%f, want 0.35", otel.SamplingRatio)
	}
	if otel.MetricsEnabled {
		t.Fatalf("metrics enabled=true, want false from OTEL_METRICS_EXPORTER=none")
	}
}

func TestLoadAppliesOTELSDKDisabledOverride(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")
	t.Setenv("OTEL_SERVICE_NAME", "ignored-when-disabled")

	cfg, err := LoadWithEnvFile("", "")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatalf("otel enabled=true, want OTEL_SDK_DISABLED to win")
	}
}

func TestValidateRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "port",
			mutate: func(c *Config) { c.Server.Port = 70000 },
			want:   "server.port",
		},
		{
			name:   "driver",
			mutate: func(c *Config) { c.Storage.Driver = "redis" },
			want:   "storage.driver must be one of",
		},
		{
			name:   "mongo scheme",
			mutate: func(c *Config) { c.Storage.Mongo.URI = "http://localhost:27017" },
			want:   "storage.mongo.uri",
		},
		{
			name: "postgres dsn",
			mutate: func(c *Config) {
				c.Storage.Driver = DriverPostgres
				c.Storage.DSN = ""
			},
			want: "storage.dsn is required",
		},
		{
			name:   "save timeout",
			mutate: func(c *Config) { c.Tracking.SaveTimeoutMS = 0 },
			want:   "tracking.save_timeout_ms",
		},
		{
			name:   "retention",
			mutate: func(c *Config) { c.Tracking.RetentionDays = -1 },
			want:   "tracking.retention_days",
		},
		{
			name: "queue size",
			mutate: func(c *Config) {
				c.Tracking.Async = true
				c.Tracking.QueueSize = 0
			},
			want: "tracking.queue_size",
		},
		{
			name:   "upstream",
			mutate: func(c *Config) { c.Upstream.URL = "app.internal" },
			want:   "upstream.url must include scheme and host",
		},
		{
			name:   "log level",
			mutate: func(c *Config) { c.Logging.Level = "verbose" },
			want:   "logging.level",
		},
		{
			name: "otel sampling",
			mutate: func(c *Config) {
				c.Observability.OTel.Enabled = true
				c.Observability.OTel.SamplingRatio = 1.5
			},
			want: "sampling_ratio",
		},
		{
			name: "otel signals",
			mutate: func(c *Config) {
				c.Observability.OTel.Enabled = true
				c.Observability.OTel.TracesEnabled = false
				c.Observability.OTel.MetricsEnabled = false
			},
			want: "traces_enabled and/or metrics_enabled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error=%v, want %q", err, tt.want)
			}
		})
	}
}

func TestSlogLevelFallsBackToInfo(t *testing.T) {
	t.Parallel()

	if got := (LoggingConfig{Level: "bogus"}).SlogLevel(); got != slog.LevelInfo {
		t.Fatalf("SlogLevel()=%v, want info", got)
	}
	if got := (LoggingConfig{Level: "warn"}).SlogLevel(); got != slog.LevelWarn {
		t.Fatalf("SlogLevel()=%v, want warn", got)
	}
}
