package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/mailcast/internal/api"
	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/ipfilter"
	"github.com/foxzi/mailcast/internal/jobs"
	"github.com/foxzi/mailcast/internal/maintenance"
	"github.com/foxzi/mailcast/internal/metrics"
)

// Mode selects which parts of the application run
type Mode int

const (
	// ModeServe runs the API, the scheduler and the job consumer
	ModeServe Mode = iota
	// ModeWorker only consumes campaign jobs from the broker
	ModeWorker
)

// App is the main application
type App struct {
	config *config.Config
	mode   Mode
	core   *Core
	logger *slog.Logger

	enqueuer  jobs.Enqueuer
	handler   *jobs.Handler
	broker    *jobs.Queue
	consumed  chan struct{}
	local     *jobs.Local
	scheduler *maintenance.Scheduler

	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	metricsDB     *bolt.DB
}

// New creates a new application
func New(cfg *config.Config, mode Mode, version string) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	if mode == ModeWorker && cfg.Queue.URL == "" {
		return nil, errors.New("worker mode needs queue.url")
	}

	core, err := Open(context.Background(), cfg, logger, OpenOptions{})
	if err != nil {
		return nil, err
	}

	a := &App{config: cfg, mode: mode, core: core, logger: logger}
	if err := a.setup(version); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) setup(version string) error {
	cfg := a.config
	logger := a.logger

	// Job queue: the broker when configured, otherwise in-process
	if cfg.Queue.URL != "" {
		q, err := jobs.Dial(cfg.Queue.URL, cfg.Queue.Name, logger)
		if err != nil {
			return err
		}
		a.broker = q
		a.enqueuer = q
		a.handler = jobs.NewHandler(a.core.Orchestrator, q, cfg.Queue.MaxAttempts, logger)
	} else {
		a.local = jobs.NewLocal()
		a.enqueuer = a.local
		a.handler = jobs.NewHandler(a.core.Orchestrator, a.local, cfg.Queue.MaxAttempts, logger)
		a.local.SetHandler(a.handler)
	}

	if cfg.Metrics.Enabled {
		if err := a.setupMetrics(); err != nil {
			return err
		}
	}

	if a.mode == ModeWorker {
		return nil
	}

	if !cfg.Maintenance.Disabled {
		a.scheduler = maintenance.NewScheduler(cfg.Location(), cfg.Maintenance.TaskTimeout, logger)
		if err := a.core.Tasks(a.startScheduled).Register(a.scheduler, cfg.Schedules()); err != nil {
			return fmt.Errorf("failed to register maintenance tasks: %w", err)
		}
	}

	if cfg.API.Enabled {
		filter, err := ipfilter.New(cfg.API.AllowedIPs, cfg.API.TrustProxy, logger)
		if err != nil {
			return fmt.Errorf("invalid api allowed_ips: %w", err)
		}
		deps := api.Deps{
			Providers:  a.core.Providers,
			Prober:     a.core.Selector,
			Sender:     a.core.Dispatcher,
			Campaigns:  a.core.Campaigns,
			Control:    a.core.Orchestrator,
			Jobs:       a.enqueuer,
			Deliveries: a.core.Deliveries,
			Events:     a.core.Events,
			Version:    version,
		}
		if a.core.Sandbox != nil {
			deps.Sandbox = a.core.Sandbox
		}
		a.apiServer = api.NewServer(deps, &cfg.API, filter, logger)
	}

	return nil
}

func (a *App) setupMetrics() error {
	cfg := a.config.Metrics

	m := metrics.New()
	metrics.SetGlobal(m)

	bdb, err := openBolt(cfg.StoragePath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to open metrics storage: %w", err)
	}
	a.metricsDB = bdb

	a.collector, err = metrics.NewCollector(bdb, m, a.core, cfg.StoragePath, cfg.FlushInterval)
	if err != nil {
		return err
	}

	filter, err := ipfilter.New(cfg.AllowedIPs, cfg.TrustProxy, a.logger)
	if err != nil {
		return fmt.Errorf("invalid metrics allowed_ips: %w", err)
	}
	a.metricsServer = metrics.NewServer(m, cfg.ListenAddr, cfg.Path, filter, a.logger)
	return nil
}

// startScheduled queues a run for a campaign whose schedule is due
func (a *App) startScheduled(campaignID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := a.enqueuer.Enqueue(ctx, jobs.Job{
		Kind:       jobs.KindStartSend,
		CampaignID: campaignID,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		a.logger.Error("failed to queue scheduled campaign", "campaign_id", campaignID, "error", err)
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailcast",
		"mode", a.modeName(),
		"api_addr", a.apiAddr(),
		"broker", a.broker != nil,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Channel to collect errors
	errCh := make(chan error, 3)

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.broker != nil {
		a.consumed = make(chan struct{})
		go func() {
			defer close(a.consumed)
			if err := a.broker.Consume(ctx, a.handler, a.config.Queue.Consumer); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("job consumer: %w", err)
			}
		}()
	}

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	// Graceful shutdown
	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components. Campaign runs in flight
// are interrupted and left paused.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting new work first
	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Error("scheduler stop error", "error", err)
		}
	}
	if a.local != nil {
		if err := a.local.Close(shutdownCtx); err != nil {
			a.logger.Error("job runner shutdown error", "error", err)
		}
	}
	if a.consumed != nil {
		// The consumer stops with the run context; wait for the job in hand
		select {
		case <-a.consumed:
		case <-shutdownCtx.Done():
			a.logger.Error("job consumer did not stop in time")
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

// close releases connections and storage
func (a *App) close() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Error("job queue close error", "error", err)
		}
	}
	if a.metricsDB != nil {
		if err := a.metricsDB.Close(); err != nil {
			a.logger.Error("metrics storage close error", "error", err)
		}
	}
	if err := a.core.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}
}

func (a *App) modeName() string {
	if a.mode == ModeWorker {
		return "worker"
	}
	return "serve"
}

func (a *App) apiAddr() string {
	if a.apiServer == nil {
		return ""
	}
	return a.config.API.ListenAddr
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
