package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eventwatcher/eventwatcher/internal/config"
)

// writeFile writes content to name inside dir and returns the full path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const validGroupsYAML = `
watch_groups:
  - name: system-logs
    watch_items:
      - /var/log/syslog
      - /var/log/*.log
    sample_rate: 120
    max_depth: 2
    pattern: "ERROR"
    retention_count: 5
    rules:
      - name: grew
        condition: "file.size > prev_file.size"
        severity: warning
      - name: pattern-appeared
        condition: "file.pattern_found and not prev_file.pattern_found"
        severity: critical
        event_type: error_logged
`

func TestLoad_Valid(t *testing.T) {
	dir := t.TempDir()
	groupsPath := writeFile(t, dir, "groups.yaml", validGroupsYAML)

	cfgPath := writeFile(t, dir, "config.yaml", `
database:
  driver: sqlite
  path: `+filepath.Join(dir, "events.db")+`
logging:
  dir: `+filepath.Join(dir, "logs")+`
  level: debug
watch_groups: `+groupsPath+`
status_addr: "127.0.0.1:9200"
prune_interval: 300
status_interval: 30
reload_interval: 15
`)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q", cfg.Database.Driver)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.StatusAddr != "127.0.0.1:9200" {
		t.Errorf("StatusAddr = %q", cfg.StatusAddr)
	}
	if cfg.PruneIntervalSeconds != 300 || cfg.StatusIntervalSeconds != 30 || cfg.ReloadIntervalSeconds != 15 {
		t.Errorf("intervals = %d/%d/%d", cfg.PruneIntervalSeconds, cfg.StatusIntervalSeconds, cfg.ReloadIntervalSeconds)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	groupsPath := writeFile(t, dir, "groups.yaml", validGroupsYAML)
	cfgPath := writeFile(t, dir, "config.yaml", "watch_groups: "+groupsPath+"\n")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("default driver = %q, want sqlite", cfg.Database.Driver)
	}
	if want := filepath.Join(dir, "eventwatcher.db"); cfg.Database.Path != want {
		t.Errorf("default sqlite path = %q, want %q", cfg.Database.Path, want)
	}
	if cfg.Logging.Dir != "logs" || cfg.Logging.Level != "info" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Dir, cfg.Logging.Level)
	}
	if cfg.StatusAddr != "127.0.0.1:9100" {
		t.Errorf("default StatusAddr = %q", cfg.StatusAddr)
	}
	if cfg.PruneIntervalSeconds != 600 || cfg.StatusIntervalSeconds != 60 || cfg.ReloadIntervalSeconds != 30 {
		t.Errorf("interval defaults = %d/%d/%d", cfg.PruneIntervalSeconds, cfg.StatusIntervalSeconds, cfg.ReloadIntervalSeconds)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", `
database:
  driver: postgres
logging:
  level: loud
`)

	_, err := config.Load(cfgPath)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	// errors.Join reports all problems at once.
	for _, want := range []string{"database.dsn", "logging.level", "watch_groups"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err.Error(), want)
		}
	}
}

func TestLoadWatchGroups_File(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "groups.yaml", validGroupsYAML)

	groups, err := config.LoadWatchGroups(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("len(groups) = %d, want 1", len(groups))
	}
	g := groups[0]
	if g.Name != "system-logs" || len(g.WatchItems) != 2 {
		t.Errorf("group = %+v", g)
	}
	if g.SampleRateSeconds != 120 || g.MaxDepth != 2 || g.RetentionCount != 5 {
		t.Errorf("group numbers = %d/%d/%d", g.SampleRateSeconds, g.MaxDepth, g.RetentionCount)
	}
	if len(g.Rules) != 2 {
		t.Fatalf("len(Rules) = %d, want 2", len(g.Rules))
	}
	if g.Rules[1].EventType != "error_logged" {
		t.Errorf("Rules[1].EventType = %q", g.Rules[1].EventType)
	}
}

// A sampling interval below the floor is clamped, never rejected.
func TestLoadWatchGroups_SampleRateFloor(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "groups.yaml", `
watch_groups:
  - name: fast
    watch_items: ["/tmp/x"]
    sample_rate: 5
`)

	groups, err := config.LoadWatchGroups(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if groups[0].SampleRateSeconds != config.MinSampleRate {
		t.Errorf("SampleRateSeconds = %d, want %d", groups[0].SampleRateSeconds, config.MinSampleRate)
	}
	if groups[0].MaxDepth != 1 || groups[0].RetentionCount != 1 {
		t.Errorf("defaults = depth %d retention %d", groups[0].MaxDepth, groups[0].RetentionCount)
	}
}

func TestLoadWatchGroups_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b-second.yaml", `
watch_groups:
  - name: second
    watch_items: ["/srv/b"]
`)
	writeFile(t, dir, "a-first.yml", `
watch_groups:
  - name: first
    watch_items: ["/srv/a"]
`)
	writeFile(t, dir, "ignored.txt", "not yaml\n")

	groups, err := config.LoadWatchGroups(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}
	// Aggregated in filename order.
	if groups[0].Name != "first" || groups[1].Name != "second" {
		t.Errorf("group order = %q, %q", groups[0].Name, groups[1].Name)
	}
}

func TestLoadWatchGroups_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "groups.yaml", `
watch_groups:
  - name: dup
    watch_items: ["/a"]
  - name: dup
    watch_items: ["/b"]
`)

	_, err := config.LoadWatchGroups(path)
	if err == nil {
		t.Fatal("expected error for duplicate group names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate group name") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestLoadWatchGroups_RuleValidation(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "groups.yaml", `
watch_groups:
  - name: g
    watch_items: ["/a"]
    rules:
      - severity: warning
`)

	_, err := config.LoadWatchGroups(path)
	if err == nil {
		t.Fatal("expected error for incomplete rule, got nil")
	}
	for _, want := range []string{"name is required", "condition is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err.Error(), want)
		}
	}
}

func TestWatchGroupSources(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", "watch_groups: []\n")
	b := writeFile(t, dir, "b.yml", "watch_groups: []\n")
	writeFile(t, dir, "notes.md", "n/a\n")

	sources, err := config.WatchGroupSources(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sources) != 2 || sources[0] != a || sources[1] != b {
		t.Errorf("sources = %v", sources)
	}

	// A plain file resolves to itself.
	single, err := config.WatchGroupSources(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(single) != 1 || single[0] != a {
		t.Errorf("single = %v", single)
	}
}
