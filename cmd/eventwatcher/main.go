// Command eventwatcher is the EventWatcher daemon binary. It loads a YAML
// configuration file, runs one polling monitor loop per watch group plus the
// maintenance units, exposes /healthz and /status endpoints, and shuts down
// gracefully on SIGTERM or SIGINT.
//
// Subcommands:
//
//	show-config  – print the effective configuration and watch groups
//	init-db      – create the database schema and exit
//	once         – run a single monitoring cycle per watch group and exit
//	start        – run continuously as a service with live config reload
//	show-db      – dump stored events (and sample epoch counts) as JSON
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eventwatcher/eventwatcher/internal/config"
	"github.com/eventwatcher/eventwatcher/internal/daemon"
	"github.com/eventwatcher/eventwatcher/internal/logging"
	"github.com/eventwatcher/eventwatcher/internal/monitor"
	"github.com/eventwatcher/eventwatcher/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "/etc/eventwatcher/config.yaml", "path to the daemon YAML configuration file")
	_ = fs.Parse(os.Args[2:])

	var err error
	switch cmd {
	case "show-config":
		err = runShowConfig(*configPath)
	case "init-db":
		err = runInitDB(*configPath)
	case "once":
		err = runOnce(*configPath)
	case "start":
		err = runStart(*configPath)
	case "show-db":
		err = runShowDB(*configPath)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventwatcher %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: eventwatcher <show-config|init-db|once|start|show-db> [-config path]")
}

// loadAll loads the daemon configuration and the watch groups it points at.
func loadAll(configPath string) (*config.Config, []config.WatchGroup, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	groups, err := config.LoadWatchGroups(cfg.WatchGroupsPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, groups, nil
}

// openStore opens the configured persistence backend. Opening also applies
// the schema, so init-db is just open-and-close.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return storage.OpenPostgres(ctx, cfg.Database.DSN)
	default:
		return storage.OpenSQLite(cfg.Database.Path)
	}
}

// runShowConfig prints the effective daemon configuration and the resolved
// watch groups as YAML, after defaults and validation.
func runShowConfig(configPath string) error {
	cfg, groups, err := loadAll(configPath)
	if err != nil {
		return err
	}

	out := struct {
		Config      *config.Config      `yaml:"config"`
		WatchGroups []config.WatchGroup `yaml:"watch_groups"`
	}{cfg, groups}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(out)
}

// runInitDB creates the database schema and exits.
func runInitDB(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("database initialized (driver=%s)\n", cfg.Database.Driver)
	return nil
}

// runOnce executes one monitoring cycle per watch group synchronously and
// prints a summary of what was sampled and which events fired.
func runOnce(configPath string) error {
	cfg, groups, err := loadAll(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Dir, "eventwatcher", cfg.Logging.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, group := range groups {
		m := monitor.New(group, store, logger.With(slog.String("group", group.Name)))
		sample, events, err := m.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("group %q: %w", group.Name, err)
		}
		fmt.Printf("group %q: epoch=%d entries=%d events=%d\n",
			group.Name, sample.Epoch, len(sample.Entries), len(events))
		for _, ev := range events {
			fmt.Printf("  [%s] rule=%s type=%s files=%v\n",
				ev.Severity, ev.RuleName, ev.EventType, ev.AffectedFiles)
		}
	}
	return nil
}

// runStart runs the daemon until SIGTERM or SIGINT: the orchestrator with
// live configuration reload plus the HTTP status server.
func runStart(configPath string) error {
	cfg, groups, err := loadAll(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Dir, "eventwatcher", cfg.Logging.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", configPath),
		slog.String("watch_groups_path", cfg.WatchGroupsPath),
		slog.String("database_driver", cfg.Database.Driver),
		slog.String("status_addr", cfg.StatusAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	// Each watch group logs to its own rotating file in addition to the
	// daemon log.
	groupLogger := func(group string) *slog.Logger {
		gl, err := logging.New(cfg.Logging.Dir, group, cfg.Logging.Level)
		if err != nil {
			logger.Warn("cannot create group log file; using daemon logger",
				slog.String("group", group),
				slog.Any("error", err),
			)
			return logger.With(slog.String("group", group))
		}
		return gl.With(slog.String("group", group))
	}

	orch := daemon.New(cfg, configPath, store, logger, daemon.WithGroupLogger(groupLogger))
	if err := orch.Start(ctx, groups, true); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	statusServer := &http.Server{
		Addr:         cfg.StatusAddr,
		Handler:      daemon.NewRouter(orch),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server listening", slog.String("addr", cfg.StatusAddr))
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Graceful shutdown: stop the monitoring units first, then the HTTP
	// server.
	orch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown error", slog.Any("error", err))
	}

	logger.Info("eventwatcher exited cleanly")
	return nil
}

// runShowDB dumps the stored events as JSON, plus a per-group count of
// retained sample epochs.
func runShowDB(configPath string) error {
	cfg, groups, err := loadAll(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	epochs := make(map[string]int, len(groups))
	for _, g := range groups {
		n, err := store.CountSampleEpochs(ctx, g.Name)
		if err != nil {
			return fmt.Errorf("count sample epochs for %q: %w", g.Name, err)
		}
		epochs[g.Name] = n
	}

	events, err := store.Events(ctx, "")
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	if events == nil {
		events = []storage.EventRecord{}
	}

	out := struct {
		SampleEpochs map[string]int        `json:"sample_epochs"`
		Events       []storage.EventRecord `json:"events"`
	}{epochs, events}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
