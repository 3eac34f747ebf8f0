package worker

import (
	"log/slog"
	"sync"
	"time"
)

// Manager tracks a set of Workers and offers collective operations: status
// snapshots, cooperative stop, bounded join, and detection of units that
// died without being told to stop.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	workers []*Worker
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds w to the managed set.
func (m *Manager) Register(w *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, w)
	m.logger.Debug("registered worker", slog.String("worker", w.Name()))
}

// Unregister removes w from the managed set.
func (m *Manager) Unregister(w *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.workers {
		if cur == w {
			m.workers = append(m.workers[:i], m.workers[i+1:]...)
			m.logger.Debug("unregistered worker", slog.String("worker", w.Name()))
			return
		}
	}
}

// snapshot returns a copy of the managed set.
func (m *Manager) snapshot() []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Worker, len(m.workers))
	copy(out, m.workers)
	return out
}

// Statuses returns the typed status of every managed unit.
func (m *Manager) Statuses() []Status {
	workers := m.snapshot()
	out := make([]Status, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Status())
	}
	return out
}

// StopAll signals every managed worker to stop. It does not wait.
func (m *Manager) StopAll() {
	for _, w := range m.snapshot() {
		m.logger.Debug("stopping worker", slog.String("worker", w.Name()))
		w.Stop()
	}
}

// JoinAll waits for every managed worker to exit, bounded by timeout per the
// whole set. It reports whether all workers exited in time.
func (m *Manager) JoinAll(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	all := true
	for _, w := range m.snapshot() {
		remaining := timeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				remaining = time.Millisecond
			}
		}
		if !w.Join(remaining) {
			m.logger.Warn("worker did not exit before deadline", slog.String("worker", w.Name()))
			all = false
		}
	}
	return all
}

// StopAndJoinAll signals every worker and then waits, bounded by timeout.
func (m *Manager) StopAndJoinAll(timeout time.Duration) bool {
	m.StopAll()
	return m.JoinAll(timeout)
}

// ReportUnexpected logs a warning for every unit that is no longer alive but
// was never asked to stop. Dead units are not restarted.
func (m *Manager) ReportUnexpected() {
	for _, w := range m.snapshot() {
		if !w.Alive() && !w.StopRequested() {
			m.logger.Warn("worker terminated unexpectedly",
				slog.String("worker", w.Name()),
				slog.String("kind", w.Status().Kind),
			)
		}
	}
}

// ClearFinished drops workers that have exited from the managed set and
// returns how many were removed.
func (m *Manager) ClearFinished() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.workers[:0]
	removed := 0
	for _, w := range m.workers {
		if w.Alive() {
			kept = append(kept, w)
		} else {
			removed++
		}
	}
	m.workers = kept
	return removed
}
