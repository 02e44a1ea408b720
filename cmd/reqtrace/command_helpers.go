package main

import (
	"fmt"
	"strings"

	"github.com/ongoingai/reqtrace/internal/config"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	return normalizeFormat(command, rawValue, defaultValue, "text", "json")
}

func normalizeFormat(command, rawValue, defaultValue string, allowed ...string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	for _, candidate := range allowed {
		if normalized == candidate {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("invalid %s format %q: expected %s", strings.TrimSpace(command), rawValue, joinAlternatives(allowed))
}

func joinAlternatives(values []string) string {
	switch len(values) {
	case 0:
		return ""
	case 1:
		return values[0]
	default:
		return strings.Join(values[:len(values)-1], ", ") + " or " + values[len(values)-1]
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// describeStorage names the backend without echoing credentials.
func describeStorage(cfg config.StorageConfig) string {
	switch driver := strings.TrimSpace(cfg.Driver); driver {
	case config.DriverSQLite:
		return fmt.Sprintf("sqlite at %s", cfg.Path)
	case config.DriverMongo:
		return fmt.Sprintf("mongodb %s.%s", cfg.Mongo.Database, cfg.Mongo.Collection)
	default:
		return driver
	}
}

func describeTracking(cfg config.TrackingConfig) string {
	if !cfg.Enabled {
		return "disabled"
	}
	mode := "sync"
	if cfg.Async {
		mode = fmt.Sprintf("async, queue %d", cfg.QueueSize)
	}
	deadLetter := valueOr(strings.TrimSpace(cfg.DeadLetterPath), "off")
	return fmt.Sprintf("%s, retention %dd, dead letter %s", mode, cfg.RetentionDays, deadLetter)
}
