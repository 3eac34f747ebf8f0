package logging_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/eventwatcher/eventwatcher/internal/logging"
)

func TestFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"eventwatcher", "eventwatcher.log"},
		{"system logs", "system_logs.log"},
		{"etc/config", "etc_config.log"},
	}
	for _, tc := range tests {
		if got := logging.FileName(tc.in); got != tc.want {
			t.Errorf("FileName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNew_WritesJSONToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, err := logging.New(dir, "unit test", "info")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello", "key", "value")
	logger.Debug("filtered out")

	data, err := os.ReadFile(filepath.Join(dir, "unit_test.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, data)
	}
	if rec["msg"] != "hello" || rec["key"] != "value" {
		t.Errorf("record = %v", rec)
	}
	if rec["level"] != "INFO" {
		t.Errorf("level = %v", rec["level"])
	}
}

func TestParseLevel(t *testing.T) {
	if logging.ParseLevel("warn").String() != "WARN" {
		t.Error("warn not parsed")
	}
	if logging.ParseLevel("bogus").String() != "INFO" {
		t.Error("unknown level did not fall back to info")
	}
}
