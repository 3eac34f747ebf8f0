// Package config provides YAML configuration loading and validation for the
// EventWatcher daemon: one daemon-level settings file plus watch-group
// definitions loaded from a single YAML file or aggregated from a directory
// of YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MinSampleRate is the floor, in seconds, applied to every watch group's
// sampling interval.
const MinSampleRate = 60

// Config is the daemon-level configuration.
type Config struct {
	// Database selects and locates the persistence backend.
	Database DatabaseConfig `yaml:"database"`

	// Logging configures the log directory and minimum level.
	Logging LoggingConfig `yaml:"logging"`

	// WatchGroupsPath is a YAML file, or a directory of YAML files, holding
	// watch-group definitions. Required.
	WatchGroupsPath string `yaml:"watch_groups"`

	// StatusAddr is the listen address of the /healthz and /status HTTP
	// endpoints. Defaults to "127.0.0.1:9100" when omitted.
	StatusAddr string `yaml:"status_addr"`

	// PruneIntervalSeconds is how often the retention pruner runs.
	// Defaults to 600.
	PruneIntervalSeconds int `yaml:"prune_interval"`

	// StatusIntervalSeconds is how often the status reporter logs a
	// liveness snapshot of all managed units. Defaults to 60.
	StatusIntervalSeconds int `yaml:"status_interval"`

	// ReloadIntervalSeconds is how often the configuration poller checks
	// source modification times when running as a service. Defaults to 30.
	ReloadIntervalSeconds int `yaml:"reload_interval"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Defaults to "eventwatcher.db"
	// alongside the daemon config. Ignored for postgres.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string. Required when Driver is
	// "postgres"; ignored for sqlite.
	DSN string `yaml:"dsn"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Dir is the directory receiving the daemon log and one rotating log
	// file per watch group. Defaults to "logs".
	Dir string `yaml:"dir"`

	// Level is the minimum severity: "debug", "info", "warn", or "error".
	// Defaults to "info".
	Level string `yaml:"level"`
}

// Rule is one predicate attached to a watch group.
type Rule struct {
	// Name identifies the rule in events and logs. Required.
	Name string `yaml:"name"`

	// Condition is the predicate expression evaluated per changed path.
	// Required.
	Condition string `yaml:"condition"`

	// Severity is an optional free-form label copied onto events.
	Severity string `yaml:"severity"`

	// EventType optionally overrides the classified event type on events
	// this rule produces.
	EventType string `yaml:"event_type"`
}

// WatchGroup is one named bundle of watched paths, schedule, and rules.
type WatchGroup struct {
	// Name uniquely identifies the group within a run. Required.
	Name string `yaml:"name"`

	// WatchItems are literal paths or glob patterns. Required, non-empty.
	WatchItems []string `yaml:"watch_items"`

	// SampleRateSeconds is the interval between cycles, clamped to
	// MinSampleRate.
	SampleRateSeconds int `yaml:"sample_rate"`

	// MaxDepth bounds directory recursion. Defaults to 1.
	MaxDepth int `yaml:"max_depth"`

	// Pattern is an optional literal substring searched for inside files.
	Pattern string `yaml:"pattern"`

	// ExplodeDirectories switches directory sampling from one aggregate
	// record to one record per descendant.
	ExplodeDirectories bool `yaml:"explode_directories"`

	// RetentionCount is how many sample epochs survive pruning. Defaults
	// to 1 (only the most recent).
	RetentionCount int `yaml:"retention_count"`

	// Rules are evaluated in order each cycle.
	Rules []Rule `yaml:"rules"`
}

// watchGroupsFile is the top-level shape of a watch-group YAML source.
type watchGroupsFile struct {
	WatchGroups []WatchGroup `yaml:"watch_groups"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

// Load reads the daemon configuration at path, applies defaults, and
// validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg, filepath.Dir(path))

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config, baseDir string) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(baseDir, "eventwatcher.db")
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.StatusAddr == "" {
		cfg.StatusAddr = "127.0.0.1:9100"
	}
	if cfg.PruneIntervalSeconds <= 0 {
		cfg.PruneIntervalSeconds = 600
	}
	if cfg.StatusIntervalSeconds <= 0 {
		cfg.StatusIntervalSeconds = 60
	}
	if cfg.ReloadIntervalSeconds <= 0 {
		cfg.ReloadIntervalSeconds = 30
	}
}

func validate(cfg *Config) error {
	var errs []error

	if !validDrivers[cfg.Database.Driver] {
		errs = append(errs, fmt.Errorf("database.driver %q must be one of: sqlite, postgres", cfg.Database.Driver))
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required for the postgres driver"))
	}
	if !validLogLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Errorf("logging.level %q must be one of: debug, info, warn, error", cfg.Logging.Level))
	}
	if cfg.WatchGroupsPath == "" {
		errs = append(errs, errors.New("watch_groups is required"))
	}

	return errors.Join(errs...)
}

// LoadWatchGroups reads watch-group definitions from path. When path is a
// directory, every .yaml/.yml file in it is loaded and the groups are
// aggregated in filename order. Defaults and validation are applied to the
// combined result.
func LoadWatchGroups(path string) ([]WatchGroup, error) {
	sources, err := WatchGroupSources(path)
	if err != nil {
		return nil, err
	}

	var groups []WatchGroup
	for _, src := range sources {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", src, err)
		}
		var file watchGroupsFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", src, err)
		}
		groups = append(groups, file.WatchGroups...)
	}

	for i := range groups {
		applyGroupDefaults(&groups[i])
	}
	if err := validateGroups(groups); err != nil {
		return nil, fmt.Errorf("config: watch groups at %q: %w", path, err)
	}
	return groups, nil
}

// WatchGroupSources resolves path to the concrete list of YAML files backing
// the watch-group configuration, sorted by name. The daemon's reload poller
// tracks the modification time of each returned file.
func WatchGroupSources(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch groups path %q: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot list %q: %w", path, err)
	}
	var sources []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			sources = append(sources, filepath.Join(path, name))
		}
	}
	sort.Strings(sources)
	return sources, nil
}

func applyGroupDefaults(g *WatchGroup) {
	if g.SampleRateSeconds < MinSampleRate {
		g.SampleRateSeconds = MinSampleRate
	}
	if g.MaxDepth <= 0 {
		g.MaxDepth = 1
	}
	if g.RetentionCount <= 0 {
		g.RetentionCount = 1
	}
}

func validateGroups(groups []WatchGroup) error {
	var errs []error
	seen := make(map[string]bool)

	for i, g := range groups {
		prefix := fmt.Sprintf("watch_groups[%d]", i)
		if g.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[g.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate group name %q", prefix, g.Name))
		}
		seen[g.Name] = true

		if len(g.WatchItems) == 0 {
			errs = append(errs, fmt.Errorf("%s: watch_items must not be empty", prefix))
		}
		for j, r := range g.Rules {
			rp := fmt.Sprintf("%s.rules[%d]", prefix, j)
			if r.Name == "" {
				errs = append(errs, fmt.Errorf("%s: name is required", rp))
			}
			if r.Condition == "" {
				errs = append(errs, fmt.Errorf("%s: condition is required", rp))
			}
		}
	}

	return errors.Join(errs...)
}
