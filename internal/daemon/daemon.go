// Package daemon contains the orchestrator that supervises one monitoring
// loop per watch group plus the fixed maintenance units: retention pruning,
// periodic status reporting, and live configuration reload. All units run as
// workers under a shared manager so they can be stopped cooperatively and
// inspected uniformly.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/eventwatcher/eventwatcher/internal/config"
	"github.com/eventwatcher/eventwatcher/internal/monitor"
	"github.com/eventwatcher/eventwatcher/internal/storage"
	"github.com/eventwatcher/eventwatcher/internal/worker"
)

// joinTimeout bounds how long shutdown and reload wait for loops to finish
// their current cycle. In-flight work is never forcibly interrupted; a loop
// that overruns is logged and left to die with the process context.
const joinTimeout = 30 * time.Second

// GroupLoggerFunc builds the logger used by one watch group's loop.
type GroupLoggerFunc func(group string) *slog.Logger

// Orchestrator owns the lifecycle of all monitoring and maintenance units.
type Orchestrator struct {
	cfg        *config.Config
	configPath string
	store      storage.Store
	logger     *slog.Logger
	manager    *worker.Manager

	groupLogger GroupLoggerFunc

	mu           sync.Mutex
	baseCtx      context.Context
	groups       []config.WatchGroup
	groupWorkers []*worker.Worker
	sourceTimes  map[string]time.Time
	running      bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGroupLogger overrides how per-group loggers are built; the default
// derives them from the orchestrator's own logger.
func WithGroupLogger(fn GroupLoggerFunc) Option {
	return func(o *Orchestrator) { o.groupLogger = fn }
}

// New creates an Orchestrator. configPath is the daemon configuration file
// whose modification time the reload poller tracks alongside the watch-group
// sources.
func New(cfg *config.Config, configPath string, store storage.Store, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		configPath: configPath,
		store:      store,
		logger:     logger,
		manager:    worker.NewManager(logger),
	}
	o.groupLogger = func(group string) *slog.Logger {
		return logger.With(slog.String("group", group))
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches one monitor loop per watch group plus the maintenance
// units. When service is true the configuration poller runs too, enabling
// live reload. ctx is the root lifetime: cancelling it stops everything.
func (o *Orchestrator) Start(ctx context.Context, groups []config.WatchGroup, service bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("daemon: orchestrator already running")
	}
	o.running = true
	o.baseCtx = ctx
	o.groups = groups

	o.logger.Info("starting orchestrator",
		slog.Int("watch_groups", len(groups)),
		slog.Bool("service", service),
	)

	if err := o.startGroupLoopsLocked(groups); err != nil {
		return err
	}

	pruner := worker.Periodic("retention-pruner", "pruner",
		time.Duration(o.cfg.PruneIntervalSeconds)*time.Second, o.pruneAll)
	reporter := worker.Periodic("status-reporter", "reporter",
		time.Duration(o.cfg.StatusIntervalSeconds)*time.Second, o.reportStatus)

	maintenance := []*worker.Worker{pruner, reporter}
	if service {
		o.sourceTimes = collectSourceTimes(o.configPath, o.cfg.WatchGroupsPath)
		reloader := worker.Periodic("config-reloader", "reloader",
			time.Duration(o.cfg.ReloadIntervalSeconds)*time.Second, o.checkReload)
		maintenance = append(maintenance, reloader)
	}

	for _, w := range maintenance {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("daemon: start %s: %w", w.Name(), err)
		}
		o.manager.Register(w)
	}

	o.logger.Info("orchestrator started")
	return nil
}

// startGroupLoopsLocked builds and starts one monitor worker per group.
// Callers hold o.mu.
func (o *Orchestrator) startGroupLoopsLocked(groups []config.WatchGroup) error {
	for _, group := range groups {
		m := monitor.New(group, o.store, o.groupLogger(group.Name))
		w := worker.New("monitor-"+group.Name, "monitor", m.Run)
		if err := w.Start(o.baseCtx); err != nil {
			return fmt.Errorf("daemon: start monitor for %q: %w", group.Name, err)
		}
		o.manager.Register(w)
		o.groupWorkers = append(o.groupWorkers, w)
	}
	return nil
}

// Stop cooperatively shuts down every unit and waits, bounded.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.logger.Info("stopping orchestrator")
	if !o.manager.StopAndJoinAll(joinTimeout) {
		o.logger.Warn("some workers did not exit before the shutdown deadline")
	}
	o.logger.Info("orchestrator stopped")
}

// Status returns the typed status of every managed unit.
func (o *Orchestrator) Status() []worker.Status {
	return o.manager.Statuses()
}

// pruneAll enforces each group's retention: samples older than the Nth most
// recent epoch are deleted. A failure for one group does not stop the rest.
func (o *Orchestrator) pruneAll(ctx context.Context) {
	o.mu.Lock()
	groups := make([]config.WatchGroup, len(o.groups))
	copy(groups, o.groups)
	o.mu.Unlock()

	for _, g := range groups {
		epochs, err := o.store.LastNSampleEpochs(ctx, g.Name, g.RetentionCount)
		if err != nil {
			o.logger.Error("retention: cannot list sample epochs",
				slog.String("group", g.Name),
				slog.Any("error", err),
			)
			continue
		}
		if len(epochs) < g.RetentionCount {
			continue
		}
		cutoff := epochs[len(epochs)-1]
		deleted, err := o.store.PruneSamples(ctx, g.Name, cutoff)
		if err != nil {
			o.logger.Error("retention: prune failed",
				slog.String("group", g.Name),
				slog.Any("error", err),
			)
			continue
		}
		if deleted > 0 {
			o.logger.Info("retention: pruned old samples",
				slog.String("group", g.Name),
				slog.Int64("rows", deleted),
				slog.Int64("cutoff_epoch", cutoff),
			)
		}
	}
}

// reportStatus logs a liveness snapshot of every managed unit and flags any
// unit that died without being asked to stop.
func (o *Orchestrator) reportStatus(context.Context) {
	statuses := o.manager.Statuses()
	alive := 0
	for _, s := range statuses {
		if s.Alive {
			alive++
		}
	}
	o.logger.Info("unit status",
		slog.Int("total", len(statuses)),
		slog.Int("alive", alive),
	)
	o.manager.ReportUnexpected()
}

// collectSourceTimes snapshots the modification times of the daemon config
// and every watch-group definition source. Missing files are simply absent
// from the map, so removing a definition file registers as a change.
func collectSourceTimes(configPath, groupsPath string) map[string]time.Time {
	times := make(map[string]time.Time)
	paths := []string{configPath}
	if sources, err := config.WatchGroupSources(groupsPath); err == nil {
		paths = append(paths, sources...)
	}
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			times[p] = info.ModTime()
		}
	}
	return times
}

// checkReload compares current source modification times against the
// snapshot taken at (re)start and triggers a reload when anything changed:
// a touched file, a new definition file, or a removed one.
func (o *Orchestrator) checkReload(ctx context.Context) {
	o.mu.Lock()
	previous := o.sourceTimes
	groupsPath := o.cfg.WatchGroupsPath
	o.mu.Unlock()

	current := collectSourceTimes(o.configPath, groupsPath)

	changed := len(current) != len(previous)
	if !changed {
		for path, mtime := range current {
			if prev, ok := previous[path]; !ok || !prev.Equal(mtime) {
				changed = true
				break
			}
		}
	}
	if !changed {
		return
	}

	o.logger.Info("configuration change detected, reloading")
	o.reload(ctx)
}

// reload cooperatively stops the per-group loops, waits (bounded) for their
// current cycles to finish, reloads configuration, and restarts loops with
// the new definitions. On any load failure the prior configuration stays in
// force and the stale modification-time snapshot makes the poller retry.
func (o *Orchestrator) reload(ctx context.Context) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		o.logger.Error("reload failed; retaining prior configuration", slog.Any("error", err))
		return
	}
	groups, err := config.LoadWatchGroups(cfg.WatchGroupsPath)
	if err != nil {
		o.logger.Error("reload failed; retaining prior configuration", slog.Any("error", err))
		return
	}

	o.mu.Lock()
	workers := o.groupWorkers
	o.groupWorkers = nil
	o.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	for _, w := range workers {
		if !w.Join(joinTimeout) {
			o.logger.Warn("monitor loop did not finish its cycle before the reload deadline",
				slog.String("worker", w.Name()),
			)
		}
		o.manager.Unregister(w)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
	o.groups = groups
	o.sourceTimes = collectSourceTimes(o.configPath, cfg.WatchGroupsPath)
	if err := o.startGroupLoopsLocked(groups); err != nil {
		o.logger.Error("reload: failed to restart monitor loops", slog.Any("error", err))
		return
	}
	o.logger.Info("configuration reloaded", slog.Int("watch_groups", len(groups)))
}
