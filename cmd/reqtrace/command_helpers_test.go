package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ongoingai/reqtrace/internal/trace"
)

func TestNormalizeTextJSONFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		command       string
		raw           string
		defaultValue  string
		want          string
		wantErrSubstr string
	}{
		{
			name:         "default text",
			command:      "doctor",
			raw:          "",
			defaultValue: "text",
			want:         "text",
		},
		{
			name:         "normalizes case and whitespace",
			command:      "doctor",
			raw:          " JSON ",
			defaultValue: "text",
			want:         "json",
		},
		{
			name:          "rejects unsupported format",
			command:       "doctor",
			raw:           "yaml",
			defaultValue:  "text",
			wantErrSubstr: `invalid doctor format "yaml": expected text or json`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := normalizeTextJSONFormat(tt.command, tt.raw, tt.defaultValue)
			if tt.wantErrSubstr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErrSubstr)
				}
				if !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Fatalf("error=%q, want substring %q", err.Error(), tt.wantErrSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeTextJSONFormat() error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("normalizeTextJSONFormat()=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeFormatListsEveryAlternative(t *testing.T) {
	t.Parallel()

	got, err := normalizeFormat("analyze", "Detailed", "table", "table", "json", "detailed")
	if err != nil || got != "detailed" {
		t.Fatalf("normalizeFormat()=%q err=%v, want detailed", got, err)
	}

	_, err = normalizeFormat("analyze", "csv", "table", "table", "json", "detailed")
	if err == nil {
		t.Fatal("expected error for csv format")
	}
	if want := `invalid analyze format "csv": expected table, json or detailed`; err.Error() != want {
		t.Fatalf("error=%q, want %q", err.Error(), want)
	}
}

func TestLoadAndValidateConfigStages(t *testing.T) {
	t.Parallel()

	t.Run("load stage", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), "invalid-syntax.yaml")
		if err := os.WriteFile(configPath, []byte("server: ["), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}

		_, stage, err := loadAndValidateConfig(configPath)
		if err == nil {
			t.Fatal("expected load error")
		}
		if stage != configStageLoad {
			t.Fatalf("stage=%q, want %q", stage, configStageLoad)
		}
	})

	t.Run("validate stage", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), "invalid.yaml")
		body := `server:
  host: 127.0.0.1
  port: 70000
storage:
  driver: sqlite
  path: ./data/reqtrace.db
`
		if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}

		_, stage, err := loadAndValidateConfig(configPath)
		if err == nil {
			t.Fatal("expected validate error")
		}
		if stage != configStageValidate {
			t.Fatalf("stage=%q, want %q", stage, configStageValidate)
		}
	})
}

// writeSQLiteConfig writes a config that stores traces in a temp SQLite
// database and returns the config and database paths. extra is appended
// verbatim.
func writeSQLiteConfig(t *testing.T, extra string) (string, string) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "traces.db")
	configPath := filepath.Join(dir, "reqtrace.yaml")
	body := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: 8080
storage:
  driver: sqlite
  path: %q
tracking:
  dead_letter_path: %q
`, dbPath, filepath.Join(dir, "dead-letter.jsonl")) + extra
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath, dbPath
}

func seedTraces(t *testing.T, dbPath string, traces ...*trace.Trace) {
	t.Helper()

	store, err := trace.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()
	if err := store.SaveBatch(context.Background(), traces); err != nil {
		t.Fatalf("seed traces: %v", err)
	}
}
