package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eventwatcher/eventwatcher/internal/config"
	"github.com/eventwatcher/eventwatcher/internal/diff"
	"github.com/eventwatcher/eventwatcher/internal/rules"
	"github.com/eventwatcher/eventwatcher/internal/snapshot"
	"github.com/eventwatcher/eventwatcher/internal/storage"
)

// compiledRule pairs a rule's configuration with its parsed predicate. A
// rule whose condition failed to parse stays registered but never fires;
// the parse error is logged once at construction.
type compiledRule struct {
	cfg  config.Rule
	expr *rules.Expr
}

// Monitor drives the full cycle for one watch group: sample, persist, diff,
// evaluate, persist events, sleep. It holds no mutable state shared with
// other groups; the store is the only common resource.
type Monitor struct {
	group    config.WatchGroup
	store    storage.Store
	logger   *slog.Logger
	sampler  *Sampler
	rules    []compiledRule
	interval time.Duration
}

// New builds a Monitor for group. Rule conditions are compiled up front so
// that a malformed predicate is reported once instead of every cycle.
func New(group config.WatchGroup, store storage.Store, logger *slog.Logger) *Monitor {
	m := &Monitor{
		group:    group,
		store:    store,
		logger:   logger,
		sampler:  NewSampler(group, logger),
		interval: time.Duration(group.SampleRateSeconds) * time.Second,
	}

	for _, rc := range group.Rules {
		expr, err := rules.Parse(rc.Condition)
		if err != nil {
			logger.Error("rule condition failed to parse; rule will never fire",
				slog.String("rule", rc.Name),
				slog.Any("error", err),
			)
		}
		m.rules = append(m.rules, compiledRule{cfg: rc, expr: expr})
	}
	return m
}

// Group returns the watch group's name.
func (m *Monitor) Group() string { return m.group.Name }

// RunOnce performs a single synchronous cycle and returns the collected
// sample and the events that were persisted. On the very first cycle for the
// group (no prior sample exists) the sample is persisted and rule evaluation
// is skipped entirely.
func (m *Monitor) RunOnce(ctx context.Context) (snapshot.Sample, []storage.EventRecord, error) {
	m.logger.Info("starting monitoring cycle", slog.String("group", m.group.Name))

	sample := m.sampler.Collect(ctx)

	previous, err := m.store.LatestSample(ctx, m.group.Name)
	if err != nil {
		return sample, nil, err
	}

	// Persist the sample before computing the diff; events always reference
	// a sample that is already stored. One failed row does not stop the
	// remaining writes.
	for path, metrics := range sample.Entries {
		rec := storage.NewSampleRecord(m.group.Name, sample.Epoch, path, metrics)
		if err := m.store.InsertSample(ctx, rec); err != nil {
			m.logger.Error("failed to persist sample row",
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
	}

	if previous == nil {
		m.logger.Info("no previous sample; skipping rule evaluation",
			slog.String("group", m.group.Name),
		)
		return sample, nil, nil
	}

	d := diff.Compute(sample, *previous)
	if d.Empty() {
		m.logger.Debug("no differences found", slog.String("group", m.group.Name))
		return sample, nil, nil
	}
	if len(d.Removed) > 0 {
		m.logger.Info("detected removed paths",
			slog.String("group", m.group.Name),
			slog.Any("paths", d.Removed),
		)
	}

	events := m.evaluateRules(ctx, sample, *previous, d)

	m.logger.Info("monitoring cycle completed",
		slog.String("group", m.group.Name),
		slog.Int("entries", len(sample.Entries)),
		slog.Int("events", len(events)),
	)
	return sample, events, nil
}

// evaluateRules runs every rule against every changed path. Each predicate
// failure is confined to that rule/path pair.
func (m *Monitor) evaluateRules(ctx context.Context, sample, previous snapshot.Sample, d diff.Diff) []storage.EventRecord {
	now := float64(time.Now().Unix())
	history := func(pattern, metric string) (any, error) {
		return m.store.LastMetric(ctx, m.group.Name, pattern, metric)
	}

	var events []storage.EventRecord
	for _, rule := range m.rules {
		if rule.expr == nil {
			continue
		}

		for _, path := range d.New {
			if m.fires(rule, path, sample.Entries[path], snapshot.Metrics{}, sample, d, now, history) {
				events = m.emit(ctx, events, rule, path, sample, diff.EventCreated, nil)
			}
		}

		for path, changes := range d.Modified {
			cur := sample.Entries[path]
			if m.fires(rule, path, cur, previous.Entries[path], sample, d, now, history) {
				eventType := diff.EventType(changes, cur.Kind)
				events = m.emit(ctx, events, rule, path, sample, eventType, nil)
			}
		}

		for _, path := range d.Removed {
			// Removed paths are evaluated against their last-known metrics;
			// there is no current record by definition.
			last := previous.Entries[path]
			if m.fires(rule, path, last, snapshot.Metrics{}, sample, d, now, history) {
				events = m.emit(ctx, events, rule, path, sample, diff.EventRemoved, &last)
			}
		}
	}
	return events
}

// fires evaluates one predicate for one path. Paths reaching this point are
// known-changed (they came out of a diff bucket), so the change gate is
// already satisfied.
func (m *Monitor) fires(rule compiledRule, path string, file, prevFile snapshot.Metrics, sample snapshot.Sample, d diff.Diff, now float64, history rules.HistoryFunc) bool {
	env := &rules.Env{
		File:     file,
		PrevFile: prevFile,
		Data:     sample.Entries,
		Diff:     d,
		Now:      now,
		History:  history,
	}
	fired, err := rule.expr.Eval(env)
	if err != nil {
		m.logger.Error("rule evaluation failed",
			slog.String("rule", rule.cfg.Name),
			slog.String("path", path),
			slog.Any("error", err),
		)
		return false
	}
	return fired
}

// emit applies duplicate suppression and persists one event for path. The
// removedMetrics argument carries the last-known metrics for removed paths,
// whose identity cannot be read from the current sample.
func (m *Monitor) emit(ctx context.Context, events []storage.EventRecord, rule compiledRule, path string, sample snapshot.Sample, eventType string, removedMetrics *snapshot.Metrics) []storage.EventRecord {
	identity, ok := sample.Entries[path]
	if !ok && removedMetrics != nil {
		identity = *removedMetrics
	}

	if m.isDuplicate(ctx, rule.cfg.Name, path, identity) {
		m.logger.Debug("suppressing duplicate event",
			slog.String("rule", rule.cfg.Name),
			slog.String("path", path),
		)
		return events
	}

	if rule.cfg.EventType != "" {
		eventType = rule.cfg.EventType
	}

	rec := storage.EventRecord{
		UID:           uuid.NewString(),
		WatchGroup:    m.group.Name,
		RuleName:      rule.cfg.Name,
		EventType:     eventType,
		Severity:      rule.cfg.Severity,
		AffectedFiles: []string{path},
		SampleEpoch:   sample.Epoch,
		Timestamp:     time.Now().UTC(),
	}
	if err := m.store.InsertEvent(ctx, rec); err != nil {
		m.logger.Error("failed to persist event",
			slog.String("rule", rule.cfg.Name),
			slog.String("path", path),
			slog.Any("error", err),
		)
		return events
	}

	m.logger.Info("event triggered",
		slog.String("rule", rule.cfg.Name),
		slog.String("path", path),
		slog.String("event_type", eventType),
		slog.String("severity", rule.cfg.Severity),
	)
	return append(events, rec)
}

// isDuplicate looks up the most recent event for (rule, path) and suppresses
// when the metrics stored at that event's epoch share identity fields (hash,
// modification time) with the current metrics: a repeat notification of a
// state that already produced an event is not a new change.
func (m *Monitor) isDuplicate(ctx context.Context, ruleName, path string, current snapshot.Metrics) bool {
	last, err := m.store.LastEventForRule(ctx, m.group.Name, ruleName, path)
	if err != nil {
		m.logger.Warn("dedup lookup failed; event will not be suppressed",
			slog.String("rule", ruleName),
			slog.String("path", path),
			slog.Any("error", err),
		)
		return false
	}
	if last == nil {
		return false
	}

	rec, err := m.store.GetSampleRecord(ctx, m.group.Name, last.SampleEpoch, path)
	if err != nil || rec == nil {
		return false
	}
	return snapshot.SameIdentity(rec.Metrics(), current)
}

// Run executes cycles on the group's schedule until ctx is cancelled. The
// inter-cycle sleep is interruptible; a cycle that errors is logged and the
// loop continues with the next tick.
func (m *Monitor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, _, err := m.RunOnce(ctx); err != nil {
			m.logger.Error("monitoring cycle failed",
				slog.String("group", m.group.Name),
				slog.Any("error", err),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval):
		}
	}
}
