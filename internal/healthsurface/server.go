// Package healthsurface exposes the agent's liveness, readiness,
// Prometheus metrics, and detailed status over HTTP for container
// orchestrator probes and operator triage.
package healthsurface

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parikshanai/edge-agent/internal/metrics"
	"github.com/parikshanai/edge-agent/internal/streams"
)

// Status is a read-only snapshot of the agent's current state, produced
// fresh on every request by StatusProvider — the surface never caches it.
type Status struct {
	Version             string          `json:"version"`
	AgentID             string          `json:"agentId"`
	Running             bool            `json:"running"`
	UptimeSeconds       int64           `json:"uptimeSeconds"`
	ActiveCameras       int             `json:"activeCameras"`
	TotalCameras        int             `json:"totalCameras"`
	QueuePending        int             `json:"queuePending"`
	QueueProcessed      int             `json:"queueProcessed"`
	QueueFailed         int             `json:"queueFailed"`
	QueueTotalProcessed int64           `json:"queueTotalProcessed"`
	Cameras             []streams.Stats `json:"cameras"`
}

// StatusProvider produces a current status snapshot on demand. Using a
// closure rather than a back-reference to the orchestrator keeps this
// package free of a cyclic import.
type StatusProvider func() Status

// Server is the health/readiness/metrics/status HTTP surface.
type Server struct {
	provider StatusProvider
	mx       *metrics.Collector
	httpSrv  *http.Server
}

// New builds a Server bound to port 8080, matching the reference
// implementation's fixed health-check port.
func New(provider StatusProvider, mx *metrics.Collector) *Server {
	s := &Server{provider: provider, mx: mx}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/status", s.handleStatus)

	s.httpSrv = &http.Server{Addr: ":8080", Handler: r}
	return s
}

// ListenAndServe starts the HTTP surface and returns when ctx is
// cancelled or the listener fails. Returning on ctx cancellation does not
// stop the server; Shutdown does that. Intended to run in its own
// goroutine.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Shutdown gracefully stops the HTTP surface, bounded by a short timeout
// so agent shutdown never hangs on a stuck connection.
func (s *Server) Shutdown(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 5*time.Second)
	defer cancel()
	s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports 200 while the agent is running and 503 once it
// has started shutting down — readiness tracks the agent's own
// running flag, not camera counts, so a site with every camera
// unreachable at boot still reports ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.provider().Running {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mx.Handler().ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
