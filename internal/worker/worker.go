// Package worker provides the generic unit of concurrent execution managed
// by the orchestrator: start, cooperative stop, liveness/status query, and
// join-with-timeout. Every per-group loop and maintenance task runs inside a
// Worker so the orchestrator can supervise them uniformly.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the typed introspection value reported for one managed unit.
type Status struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Alive     bool      `json:"alive"`
	StartedAt time.Time `json:"started_at"`
}

// Worker runs one function in a goroutine under a cancellable context.
// Cancellation is cooperative: the function is expected to observe ctx at
// loop tops and sleep boundaries. Stop signals; Join waits.
type Worker struct {
	name string
	kind string
	fn   func(ctx context.Context)

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	stopRequested atomic.Bool
}

// New creates a Worker that will execute fn. Kind is a coarse label
// ("monitor", "pruner", "reporter", "reloader") used in status output.
func New(name, kind string, fn func(ctx context.Context)) *Worker {
	return &Worker{
		name: name,
		kind: kind,
		fn:   fn,
		done: make(chan struct{}),
	}
}

// Periodic wraps fn in a loop that runs it immediately and then every
// interval, with an interruptible sleep in between.
func Periodic(name, kind string, interval time.Duration, fn func(ctx context.Context)) *Worker {
	return New(name, kind, func(ctx context.Context) {
		for {
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	})
}

// Start launches the worker goroutine. A Worker runs at most once; calling
// Start again, or after Stop, returns an error.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("worker: %s already started", w.name)
	}
	if w.stopRequested.Load() {
		return fmt.Errorf("worker: %s already stopped", w.name)
	}
	w.started = true
	w.startedAt = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go func() {
		defer close(w.done)
		defer cancel()
		w.fn(ctx)
	}()
	return nil
}

// Stop requests cooperative termination. It returns immediately; use Join to
// wait. Safe to call multiple times and before Start.
func (w *Worker) Stop() {
	w.stopRequested.Store(true)
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Join waits until the worker goroutine exits or timeout elapses; zero or
// negative means wait indefinitely. It reports whether the worker exited.
func (w *Worker) Join(timeout time.Duration) bool {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return true
	}

	if timeout <= 0 {
		<-w.done
		return true
	}
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Alive reports whether the worker goroutine is still running.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// StopRequested reports whether Stop has been called. The supervisor uses it
// to tell an ordered shutdown from an unexpected death.
func (w *Worker) StopRequested() bool {
	return w.stopRequested.Load()
}

// Name returns the worker's name.
func (w *Worker) Name() string { return w.name }

// Status returns the typed status snapshot of this unit.
func (w *Worker) Status() Status {
	w.mu.Lock()
	startedAt := w.startedAt
	w.mu.Unlock()
	return Status{
		Name:      w.name,
		Kind:      w.kind,
		Alive:     w.Alive(),
		StartedAt: startedAt,
	}
}
