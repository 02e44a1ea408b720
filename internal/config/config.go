package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverMongo    = "mongodb"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultEnvFile is read by Load when present. Its values never override
// variables already set in the process environment.
const DefaultEnvFile = ".env"

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Tracking      TrackingConfig      `yaml:"tracking"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	DSN    string      `yaml:"dsn"`
	Mongo  MongoConfig `yaml:"mongo"`
}

type MongoConfig struct {
	URI              string `yaml:"uri"`
	Database         string `yaml:"database"`
	Collection       string `yaml:"collection"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	SocketTimeoutMS  int    `yaml:"socket_timeout_ms"`
}

func (c MongoConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

func (c MongoConfig) SocketTimeout() time.Duration {
	return time.Duration(c.SocketTimeoutMS) * time.Millisecond
}

type TrackingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Async          bool   `yaml:"async"`
	QueueSize      int    `yaml:"queue_size"`
	SaveTimeoutMS  int    `yaml:"save_timeout_ms"`
	RetentionDays  int    `yaml:"retention_days"`
	BodyMaxSize    int    `yaml:"body_max_size"`
	UserHeader     string `yaml:"user_header"`
	DeadLetterPath string `yaml:"dead_letter_path"`
	// Production hides error messages and debug details from API responses.
	Production bool `yaml:"production"`
}

func (c TrackingConfig) SaveTimeout() time.Duration {
	return time.Duration(c.SaveTimeoutMS) * time.Millisecond
}

// Retention is how long traces are kept. Zero disables expiry.
func (c TrackingConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

type UpstreamConfig struct {
	URL string `yaml:"url"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel parses Level, falling back to info.
func (c LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Level))); err != nil {
		return slog.LevelInfo
	}
	return level
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "reqtrace"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: DriverMongo,
			Path:   "./data/reqtrace.db",
			Mongo: MongoConfig{
				URI:              "mongodb://localhost:27017",
				Database:         "reqtrace",
				Collection:       "request_tracking",
				ConnectTimeoutMS: 3000,
				SocketTimeoutMS:  5000,
			},
		},
		Tracking: TrackingConfig{
			Enabled:        true,
			QueueSize:      1024,
			SaveTimeoutMS:  5000,
			RetentionDays:  30,
			BodyMaxSize:    64 << 10,
			UserHeader:     "X-User-ID",
			DeadLetterPath: "./data/dead-letter.jsonl",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment. A missing file yields the defaults.
func Load(path string) (Config, error) {
	return LoadWithEnvFile(path, DefaultEnvFile)
}

// LoadWithEnvFile is Load with an explicit dotenv file. An empty envFile
// skips dotenv loading.
func LoadWithEnvFile(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	dotenv, err := readEnvFile(envFile)
	if err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg, envLookup(dotenv)); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func readEnvFile(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read env file %q: %w", path, err)
	}
	return values, nil
}

// envLookup prefers the process environment over dotenv values.
func envLookup(dotenv map[string]string) func(string) string {
	return func(key string) string {
		if value, ok := os.LookupEnv(key); ok {
			return value
		}
		return dotenv[key]
	}
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	switch driver := strings.TrimSpace(cfg.Storage.Driver); driver {
	case DriverMongo:
		if err := validateMongo(cfg.Storage.Mongo); err != nil {
			return err
		}
	case DriverSQLite:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case DriverPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of mongodb, sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if err := validateTracking(cfg.Tracking); err != nil {
		return err
	}

	if upstream := strings.TrimSpace(cfg.Upstream.URL); upstream != "" {
		parsed, err := url.Parse(upstream)
		if err != nil {
			return fmt.Errorf("parse upstream.url: %w", err)
		}
		if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
			return fmt.Errorf("upstream.url must include scheme and host (got %q)", cfg.Upstream.URL)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", cfg.Logging.Level)
	}

	return validateOTelConfig(cfg.Observability.OTel)
}

func validateMongo(cfg MongoConfig) error {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return errors.New("storage.mongo.uri is required when storage.driver=mongodb")
	}
	if !strings.HasPrefix(uri, "mongodb://") && !strings.HasPrefix(uri, "mongodb+srv://") {
		return fmt.Errorf("storage.mongo.uri must use the mongodb:// or mongodb+srv:// scheme (got %q)", cfg.URI)
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return errors.New("storage.mongo.database is required when storage.driver=mongodb")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return errors.New("storage.mongo.collection is required when storage.driver=mongodb")
	}
	if cfg.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("storage.mongo.connect_timeout_ms must be > 0 (got %d)", cfg.ConnectTimeoutMS)
	}
	if cfg.SocketTimeoutMS <= 0 {
		return fmt.Errorf("storage.mongo.socket_timeout_ms must be > 0 (got %d)", cfg.SocketTimeoutMS)
	}
	return nil
}

func validateTracking(cfg TrackingConfig) error {
	if cfg.SaveTimeoutMS <= 0 {
		return fmt.Errorf("tracking.save_timeout_ms must be > 0 (got %d)", cfg.SaveTimeoutMS)
	}
	if cfg.RetentionDays < 0 {
		return fmt.Errorf("tracking.retention_days must be >= 0 (got %d)", cfg.RetentionDays)
	}
	if cfg.BodyMaxSize <= 0 {
		return fmt.Errorf("tracking.body_max_size must be > 0 (got %d)", cfg.BodyMaxSize)
	}
	if cfg.Async && cfg.QueueSize <= 0 {
		return fmt.Errorf("tracking.queue_size must be > 0 when tracking.async=true (got %d)", cfg.QueueSize)
	}
	if strings.TrimSpace(cfg.UserHeader) == "" {
		return errors.New("tracking.user_header must not be empty")
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if host := getenv("REQTRACE_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if err := envInt(getenv, "REQTRACE_PORT", &cfg.Server.Port); err != nil {
		return err
	}

	if storageDriver := getenv("REQTRACE_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(storageDriver))
	}
	if storagePath := getenv("REQTRACE_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := getenv("REQTRACE_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}
	if mongoURI := getenv("REQTRACE_MONGO_URI"); mongoURI != "" {
		cfg.Storage.Mongo.URI = mongoURI
	}
	if mongoDatabase := getenv("REQTRACE_MONGO_DATABASE"); mongoDatabase != "" {
		cfg.Storage.Mongo.Database = mongoDatabase
	}
	if mongoCollection := getenv("REQTRACE_MONGO_COLLECTION"); mongoCollection != "" {
		cfg.Storage.Mongo.Collection = mongoCollection
	}

	if err := envBool(getenv, "REQTRACE_TRACKING_ENABLED", &cfg.Tracking.Enabled); err != nil {
		return err
	}
	if err := envBool(getenv, "REQTRACE_TRACKING_ASYNC", &cfg.Tracking.Async); err != nil {
		return err
	}
	if err := envInt(getenv, "REQTRACE_QUEUE_SIZE", &cfg.Tracking.QueueSize); err != nil {
		return err
	}
	if err := envInt(getenv, "REQTRACE_SAVE_TIMEOUT_MS", &cfg.Tracking.SaveTimeoutMS); err != nil {
		return err
	}
	if err := envInt(getenv, "REQTRACE_RETENTION_DAYS", &cfg.Tracking.RetentionDays); err != nil {
		return err
	}
	if err := envInt(getenv, "REQTRACE_BODY_MAX_SIZE", &cfg.Tracking.BodyMaxSize); err != nil {
		return err
	}
	if userHeader := getenv("REQTRACE_USER_HEADER"); userHeader != "" {
		cfg.Tracking.UserHeader = userHeader
	}
	if deadLetter := getenv("REQTRACE_DEAD_LETTER_PATH"); deadLetter != "" {
		cfg.Tracking.DeadLetterPath = deadLetter
	}
	if err := envBool(getenv, "REQTRACE_PRODUCTION", &cfg.Tracking.Production); err != nil {
		return err
	}

	if upstream := getenv("REQTRACE_UPSTREAM_URL"); upstream != "" {
		cfg.Upstream.URL = upstream
	}
	if level := getenv("REQTRACE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(level))
	}

	return applyOTelEnv(&cfg.Observability.OTel, getenv)
}

func applyOTelEnv(cfg *OTelConfig, getenv func(string) string) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func envInt(getenv func(string) string, key string, dst *int) error {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func envBool(getenv func(string) string, key string, dst *bool) error {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
