// Package daemon runs the pipeline as a long-lived service: scheduled runs,
// configuration reload on file change, health and metrics endpoints, and
// run-completion notifications.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/shipyard/internal/config"
	"git.home.luguber.info/inful/shipyard/internal/history"
	"git.home.luguber.info/inful/shipyard/internal/pipeline"
	"git.home.luguber.info/inful/shipyard/internal/version"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, tc pipeline.TriggerContext) (*pipeline.Result, error)
}

// RunnerFactory assembles a Runner from a loaded configuration. The daemon
// calls it at startup and again after every configuration reload.
type RunnerFactory func(cfg *config.Config) (Runner, error)

// Daemon is the long-running pipeline service.
type Daemon struct {
	configPath string
	repoPath   string
	factory    RunnerFactory

	mu      sync.RWMutex
	cfg     *config.Config
	runner  Runner
	lastRun *RunStatus

	running   atomic.Bool
	startTime time.Time

	scheduler gocron.Scheduler
	watcher   *ConfigWatcher
	server    *HTTPServer
	notifier  Notifier
	history   *history.Store
	registry  *prom.Registry
}

// New creates a daemon for the given configuration.
func New(configPath string, cfg *config.Config, factory RunnerFactory) (*Daemon, error) {
	runner, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("assemble pipeline runner: %w", err)
	}
	return &Daemon{
		configPath: configPath,
		repoPath:   ".",
		factory:    factory,
		cfg:        cfg,
		runner:     runner,
		notifier:   NoopNotifier{},
	}, nil
}

// WithNotifier sets the run-completion notifier.
func (d *Daemon) WithNotifier(n Notifier) *Daemon { d.notifier = n; return d }

// WithHistory sets the run history store backing /api/runs.
func (d *Daemon) WithHistory(h *history.Store) *Daemon { d.history = h; return d }

// WithRegistry sets the Prometheus registry served at /metrics.
func (d *Daemon) WithRegistry(r *prom.Registry) *Daemon { d.registry = r; return d }

// WithRepoPath sets the repository path used to resolve trigger context.
func (d *Daemon) WithRepoPath(path string) *Daemon { d.repoPath = path; return d }

// Run starts the daemon and blocks until ctx is canceled or the HTTP server
// fails to listen.
func (d *Daemon) Run(ctx context.Context) error {
	d.startTime = time.Now()

	d.server = NewHTTPServer(d.cfg.Daemon.Listen, d, d.registry)
	serverErr := d.server.Start()

	watcher, err := NewConfigWatcher(d.configPath, d.reload)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	d.watcher = watcher
	if err := d.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}

	if err := d.startScheduler(ctx); err != nil {
		return err
	}

	slog.Info("Daemon started",
		"pipeline", d.cfg.Pipeline.Name,
		"listen", d.cfg.Daemon.Listen,
		"interval", d.cfg.Daemon.Interval.Std().String())

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		slog.Error("HTTP server failed", "error", err)
		runErr = err
	}

	d.shutdown()
	return runErr
}

func (d *Daemon) startScheduler(ctx context.Context) error {
	interval := d.cfg.Daemon.Interval.Std()
	if interval <= 0 {
		slog.Info("Scheduled runs disabled")
		return nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	d.scheduler = s

	// Interval changes in a reloaded configuration take effect on the
	// next daemon restart.
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { d.TriggerRun(ctx, pipeline.EventPush) }),
		gocron.WithName("scheduled-run"),
	)
	if err != nil {
		return fmt.Errorf("schedule periodic run: %w", err)
	}

	slog.Info("Starting scheduler", "interval", interval.String())
	s.Start()
	return nil
}

func (d *Daemon) shutdown() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.scheduler != nil {
		slog.Info("Stopping scheduler")
		if err := d.scheduler.Shutdown(); err != nil {
			slog.Error("Error stopping scheduler", "error", err)
		}
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.server != nil {
		if err := d.server.Stop(stopCtx); err != nil {
			slog.Error("Error stopping HTTP server", "error", err)
		}
	}
	d.notifier.Close()
	slog.Info("Daemon stopped")
}

// TriggerRun executes one pipeline run for the given event. Overlapping runs
// are rejected: if a run is already in progress the trigger is dropped.
func (d *Daemon) TriggerRun(ctx context.Context, event pipeline.EventKind) {
	if !d.running.CompareAndSwap(false, true) {
		slog.Warn("Skipping trigger, run already in progress", "event", string(event))
		return
	}
	defer d.running.Store(false)

	d.mu.RLock()
	runner := d.runner
	d.mu.RUnlock()

	tc := pipeline.ResolveTrigger(event, d.repoPath)
	slog.Info("Triggering pipeline run",
		"event", string(tc.Event),
		"branch", tc.Branch,
		"commit", tc.Commit)

	result, err := runner.Run(ctx, tc)
	if err != nil {
		slog.Error("Pipeline run failed", "error", err)
	}
	if result == nil {
		return
	}

	status := &RunStatus{
		RunID:      result.ID,
		State:      string(result.State),
		Event:      string(tc.Event),
		Branch:     tc.Branch,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	}
	d.mu.Lock()
	d.lastRun = status
	d.mu.Unlock()

	if err := d.notifier.Publish(ctx, RunNotification{
		RunID:      result.ID,
		Pipeline:   result.Pipeline,
		State:      string(result.State),
		ExitCode:   result.ExitCode(),
		Event:      string(tc.Event),
		Branch:     tc.Branch,
		Commit:     tc.Commit,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	}); err != nil {
		slog.Warn("Failed to publish run notification", "error", err)
	}
}

// reload re-reads the configuration file and swaps in a freshly assembled
// runner. A broken configuration keeps the previous one active.
func (d *Daemon) reload(_ context.Context) {
	slog.Info("Reloading configuration", "path", d.configPath)

	cfg, err := config.Load(d.configPath)
	if err != nil {
		slog.Error("Configuration reload failed, keeping previous configuration", "error", err)
		return
	}
	runner, err := d.factory(cfg)
	if err != nil {
		slog.Error("Runner assembly failed, keeping previous configuration", "error", err)
		return
	}

	d.mu.Lock()
	d.cfg = cfg
	d.runner = runner
	d.mu.Unlock()

	slog.Info("Configuration reloaded", "pipeline", cfg.Pipeline.Name)
}

// Health reports the daemon's current health. The daemon is degraded when
// the most recent run failed.
func (d *Daemon) Health() HealthResponse {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := "healthy"
	if d.lastRun != nil && d.lastRun.State == string(pipeline.StateFailed) {
		status = "degraded"
	}
	return HealthResponse{
		Status:    status,
		Pipeline:  d.cfg.Pipeline.Name,
		Version:   version.Version,
		Uptime:    time.Since(d.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
		LastRun:   d.lastRun,
	}
}

// RecentRuns lists recent runs from the history store.
func (d *Daemon) RecentRuns(ctx context.Context, limit int) ([]history.RunSummary, error) {
	if d.history == nil {
		return []history.RunSummary{}, nil
	}
	return d.history.ListRuns(ctx, limit)
}
