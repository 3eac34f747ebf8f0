package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eventwatcher/eventwatcher/internal/storage"
	"github.com/eventwatcher/eventwatcher/internal/worker"
)

// NewRouter returns the daemon's HTTP status surface.
//
// Route layout:
//
//	GET /healthz  – liveness probe
//	GET /status   – per-unit status of every managed worker
//	GET /events   – stored events, optionally filtered by ?group=
//
// The surface is informational only and binds to the configured status
// address, loopback by default.
func NewRouter(o *Orchestrator) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", o.handleHealthz)
	r.Get("/status", o.handleStatus)
	r.Get("/events", o.handleEvents)

	return r
}

func (o *Orchestrator) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStatus responds to GET /status with the typed status of every unit.
func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := o.Status()
	if statuses == nil {
		statuses = []worker.Status{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statuses)
}

// handleEvents responds to GET /events. An optional group query parameter
// restricts the result to one watch group; absent, all events are returned.
func (o *Orchestrator) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := o.store.Events(r.Context(), r.URL.Query().Get("group"))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "failed to query events"})
		return
	}
	if events == nil {
		events = []storage.EventRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(events)
}
