package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/mailcast/internal/bounce"
	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/db"
	"github.com/foxzi/mailcast/internal/dispatch"
	"github.com/foxzi/mailcast/internal/dkim"
	"github.com/foxzi/mailcast/internal/maintenance"
	"github.com/foxzi/mailcast/internal/metrics"
	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/orchestrator"
	"github.com/foxzi/mailcast/internal/ratelimit"
	"github.com/foxzi/mailcast/internal/repository"
	"github.com/foxzi/mailcast/internal/sandbox"
	"github.com/foxzi/mailcast/internal/secrets"
	"github.com/foxzi/mailcast/internal/selector"
	"github.com/foxzi/mailcast/internal/transport"
)

// Core holds the delivery engine without any listeners. The CLI uses it
// directly; App adds the servers and the job consumer on top.
type Core struct {
	Config *config.Config
	Logger *slog.Logger

	DB         *db.DB
	Providers  *repository.ProviderRepository
	Campaigns  *repository.CampaignRepository
	Recipients *repository.RecipientRepository
	Deliveries *repository.DeliveryRepository

	Transports   *transport.Factory
	Limiter      *ratelimit.Limiter
	Selector     *selector.Selector
	Dispatcher   *dispatch.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Events       *bounce.Recorder

	// Sandbox is nil when the capture store could not be opened
	Sandbox *sandbox.Storage

	sandboxDB *bolt.DB
	redis     *redis.Client
}

// OpenOptions tunes Open
type OpenOptions struct {
	// SkipSeed leaves the provider registry as it is
	SkipSeed bool
}

// Open connects the database and builds every delivery component
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts OpenOptions) (*Core, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	c, err := build(ctx, cfg, logger, database, opts)
	if err != nil {
		database.Close()
		return nil, err
	}
	return c, nil
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, database *db.DB, opts OpenOptions) (*Core, error) {
	box, err := secrets.New(cfg.Secrets.Key)
	if err != nil {
		return nil, err
	}
	if box == nil {
		logger.Warn("no secret key configured, provider credentials are stored unsealed")
	}

	c := &Core{
		Config:     cfg,
		Logger:     logger,
		DB:         database,
		Providers:  repository.NewProviderRepository(database.DB, box),
		Campaigns:  repository.NewCampaignRepository(database.DB),
		Recipients: repository.NewRecipientRepository(database.DB),
		Deliveries: repository.NewDeliveryRepository(database.DB),
	}

	if !opts.SkipSeed && len(cfg.Providers) > 0 {
		n, err := SeedProviders(ctx, c.Providers, cfg.Providers, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("providers seeded from config", "count", n)
	}

	c.Transports = transport.NewFactory(transport.Options{
		Timeout:  cfg.Transport.Timeout,
		Hostname: cfg.Transport.Hostname,
		Retries:  cfg.Transport.Retries,
		Logger:   logger,
	}, dkim.NewKeyring())

	c.Sandbox, c.sandboxDB = openSandbox(cfg.Sandbox.Path, logger)
	c.Transports.Register(models.KindSandbox, sandbox.Constructor(c.Sandbox, sandbox.Options{
		ErrorRate: cfg.Sandbox.ErrorRate,
	}, logger))

	c.Limiter = ratelimit.NewLimiter(c.Deliveries, nil)
	c.Selector = selector.New(c.Providers, c.Limiter, c.Transports, selector.Options{
		ProbeTimeout: cfg.Transport.ProbeTimeout,
		Parallel:     cfg.Transport.ProbeParallel,
		Logger:       logger,
	})
	c.Dispatcher = dispatch.New(c.Deliveries, c.Providers, c.Campaigns, c.Transports, dispatch.Options{
		SendTimeout: cfg.Orchestrator.SendTimeout,
		Logger:      logger,
	})

	var buckets ratelimit.Buckets
	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		c.redis = redis.NewClient(ropts)
		buckets = ratelimit.NewRedisBuckets(c.redis, cfg.Redis.Prefix)
		logger.Info("throttle buckets shared through redis", "addr", ropts.Addr)
	}

	c.Orchestrator = orchestrator.New(orchestrator.Deps{
		Campaigns:  c.Campaigns,
		Recipients: c.Recipients,
		Providers:  c.Providers,
		Deliveries: c.Deliveries,
		Selector:   c.Selector,
		Limits:     c.Limiter,
		Dispatcher: c.Dispatcher,
		Throttle:   ratelimit.NewThrottle(cfg.Orchestrator.Throttle, buckets, nil, logger),
		Logger:     logger,
	}, cfg.Orchestrator.Config)

	c.Events = bounce.NewRecorder(c.Deliveries, c.Campaigns, c.Providers, c.Recipients, nil, logger)

	return c, nil
}

// openSandbox opens the capture store. The bbolt file is locked by one
// process at a time, so a second process runs without sandbox delivery.
func openSandbox(path string, logger *slog.Logger) (*sandbox.Storage, *bolt.DB) {
	if path == "" {
		return nil, nil
	}
	bdb, err := openBolt(path, time.Second)
	if err != nil {
		logger.Warn("sandbox storage unavailable, sandbox providers will fail", "path", path, "error", err)
		return nil, nil
	}
	storage, err := sandbox.NewStorage(bdb)
	if err != nil {
		bdb.Close()
		logger.Warn("sandbox storage unavailable, sandbox providers will fail", "path", path, "error", err)
		return nil, nil
	}
	return storage, bdb
}

// openBolt opens a bbolt file, creating its directory
func openBolt(path string, timeout time.Duration) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	bdb, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return bdb, nil
}

// Tasks returns the housekeeping tasks. start receives campaigns whose
// schedule is due.
func (c *Core) Tasks(start func(campaignID string)) *maintenance.Tasks {
	t := &maintenance.Tasks{
		Deliveries:    c.Deliveries,
		Providers:     c.Providers,
		Due:           c.Orchestrator,
		Start:         start,
		Bounces:       bounce.NoopSource{},
		Events:        c.Events,
		Retention:     c.Config.Retention.DeliveryLog,
		StaleAfter:    c.Config.Retention.StaleAfter,
		SandboxMaxAge: c.Config.Retention.Sandbox,
		Logger:        c.Logger,
	}
	if c.Sandbox != nil {
		t.Sandbox = c.Sandbox
	}
	return t
}

// LogStats implements metrics.LogStatsProvider
func (c *Core) LogStats(ctx context.Context) (*metrics.LogStats, error) {
	counts, err := c.Deliveries.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	active, err := c.Providers.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	stats := &metrics.LogStats{
		ByStatus:        make(map[string]int64, len(counts)),
		ActiveProviders: len(active),
	}
	for status, n := range counts {
		stats.ByStatus[string(status)] = n
	}
	return stats, nil
}

// Close releases the database, the sandbox store and the redis client
func (c *Core) Close() error {
	var errs []error
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.sandboxDB != nil {
		errs = append(errs, c.sandboxDB.Close())
	}
	errs = append(errs, c.DB.Close())
	return errors.Join(errs...)
}
