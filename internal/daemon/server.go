package daemon

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status    string     `json:"status"`
	Pipeline  string     `json:"pipeline"`
	Version   string     `json:"version"`
	Uptime    string     `json:"uptime"`
	Timestamp time.Time  `json:"timestamp"`
	LastRun   *RunStatus `json:"last_run,omitempty"`
}

// RunStatus summarizes the most recent pipeline run.
type RunStatus struct {
	RunID      string    `json:"run_id"`
	State      string    `json:"state"`
	Event      string    `json:"event"`
	Branch     string    `json:"branch,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// HTTPServer exposes health and metrics endpoints for the daemon.
type HTTPServer struct {
	server *http.Server
	daemon *Daemon
}

// NewHTTPServer creates the daemon's HTTP server. The Prometheus registry
// holds the pipeline metrics; Go runtime and process collectors are added
// alongside them.
func NewHTTPServer(listen string, d *Daemon, registry *prom.Registry) *HTTPServer {
	if registry == nil {
		registry = prom.NewRegistry()
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &HTTPServer{daemon: d}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the server in the background. Listen failures are reported on
// the returned channel.
func (s *HTTPServer) Start() <-chan error {
	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	return errChan
}

// Stop shuts the server down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error {
	slog.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.daemon.Health())
}

// handleRuns lists recent runs from the history store.
func (s *HTTPServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runs, err := s.daemon.RecentRuns(r.Context(), 50)
	if err != nil {
		slog.Error("Failed to list runs", "error", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
