package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/upb/llm-relay/config"
	"github.com/upb/llm-relay/repositories"
	"github.com/upb/llm-relay/repositories/file"
	"github.com/upb/llm-relay/repositories/postgres"
	"github.com/upb/llm-relay/services/breaker"
	"github.com/upb/llm-relay/services/channels"
	"github.com/upb/llm-relay/services/events"
	"github.com/upb/llm-relay/services/health"
	"github.com/upb/llm-relay/services/providers"
	"github.com/upb/llm-relay/services/providers/builtin"
	"github.com/upb/llm-relay/services/queue"
	"github.com/upb/llm-relay/services/relay"
	"github.com/upb/llm-relay/services/routing"
	"github.com/upb/llm-relay/services/transport"
	"github.com/upb/llm-relay/services/usage"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	Clock  clock.Clock

	// DB and RepoFactory are nil unless a component is backed by PostgreSQL
	DB          *postgres.DB
	RepoFactory *postgres.RepositoryFactory

	// Stores
	ChannelStore repositories.ChannelRepository
	UsageStore   repositories.UsageRepository

	// Relay components
	Events     events.Sink
	Registry   *channels.Registry
	Breakers   *breaker.Manager
	Queues     *queue.Pool
	Selector   *routing.Selector
	Translator *providers.Translator
	Transport  *transport.Factory
	Usage      *usage.Service
	Health     *health.Checker
	Relay      *relay.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDependencies creates and wires up all application dependencies and
// performs the initial channel load
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		Clock:  clock.New(),
	}

	if cfg.NeedsDatabase() {
		if err := deps.initDatabase(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	if err := deps.initStores(cfg); err != nil {
		deps.closeDatabase()
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}

	if err := deps.initRelay(cfg); err != nil {
		deps.closeDatabase()
		return nil, fmt.Errorf("failed to initialize relay: %w", err)
	}

	result, err := deps.Relay.ReloadChannels(ctx)
	if err != nil {
		deps.closeDatabase()
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	logger.Info("channels loaded",
		zap.Int("added", len(result.Added)),
		zap.Int("invalid", len(result.Invalid)))

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase opens the PostgreSQL connection and optionally creates the schema
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.PingContext(ctx); err != nil {
		d.closeDatabase()
		return fmt.Errorf("database ping failed: %w", err)
	}

	if cfg.Database.InitSchema {
		if err := factory.InitSchema(ctx); err != nil {
			d.closeDatabase()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initStores picks the channel source and the usage sink
func (d *Dependencies) initStores(cfg *config.Config) error {
	var repos *repositories.Repositories
	if d.RepoFactory != nil {
		repos = d.RepoFactory.NewRepositories()
	}

	switch cfg.Channels.Source {
	case config.SourceFile:
		d.ChannelStore = file.NewChannelRepository(cfg.Channels.FilePath, d.Logger)
	case config.SourcePostgres:
		if repos == nil {
			return errors.New("postgres channel source requires a database")
		}
		d.ChannelStore = repos.Channels
	default:
		return fmt.Errorf("unknown channels source %q", cfg.Channels.Source)
	}

	switch cfg.Usage.Sink {
	case config.UsageSinkLog:
		d.UsageStore = usage.NewLogRepository(d.Logger, 0)
	case config.UsageSinkPostgres:
		if repos == nil {
			return errors.New("postgres usage sink requires a database")
		}
		d.UsageStore = repos.Usage
	default:
		return fmt.Errorf("unknown usage sink %q", cfg.Usage.Sink)
	}

	d.Logger.Info("stores initialized",
		zap.String("channels", cfg.Channels.Source),
		zap.String("usage", cfg.Usage.Sink))
	return nil
}

// initRelay builds the relay pipeline
func (d *Dependencies) initRelay(cfg *config.Config) error {
	algorithm, err := routing.ParseAlgorithm(cfg.Relay.LoadBalanceAlgorithm)
	if err != nil {
		return err
	}

	d.Events = events.NewLogSink(d.Logger)

	d.Breakers = breaker.NewManager(breaker.Config{
		Threshold:          cfg.Breaker.Threshold,
		OpenDuration:       cfg.Breaker.OpenDuration,
		HalfOpenSampleRate: cfg.Breaker.HalfOpenSampleRate,
		DecayOnSuccess:     cfg.Breaker.DecayOnSuccess,
	}, d.Logger,
		breaker.WithClock(d.Clock),
		breaker.WithTransitionHook(breakerEvents(d.Events, d.Clock)))

	d.Registry = channels.NewRegistry(channels.Config{
		LatencyAlpha:      cfg.Relay.LatencyAlpha,
		ErrorRateHalfLife: cfg.Relay.ErrorRateHalfLife,
	}, d.Clock, d.Logger)

	d.Queues = queue.NewPool(cfg.Relay.DefaultConcurrency, cfg.Relay.AdmissionTimeout)
	d.Selector = routing.NewSelector(algorithm, d.Registry, d.Breakers, d.Logger,
		routing.WithLoadReporter(d.Queues))
	d.Translator = builtin.NewTranslator()
	d.Transport = transport.NewFactory(cfg.Relay.UpstreamTimeout, d.Logger)

	d.Usage = usage.NewService(d.UsageStore, d.Logger, usage.Config{
		BufferSize:  cfg.Usage.BufferSize,
		WorkerCount: cfg.Usage.WorkerCount,
		BatchSize:   cfg.Usage.BatchSize,
	})

	d.Relay = relay.NewService(relay.Config{
		Retry: relay.RetryConfig{
			MaxRetries:           cfg.Relay.Retry.MaxRetries,
			BaseDelay:            cfg.Relay.Retry.BaseDelay,
			MaxDelay:             cfg.Relay.Retry.MaxDelay,
			BackoffMultiplier:    cfg.Relay.Retry.BackoffMultiplier,
			RetryableStatusCodes: cfg.Relay.Retry.RetryableStatusCodes,
		},
		MaxStreamEventSize: cfg.Relay.MaxStreamEventSize,
	}, relay.Dependencies{
		Registry:   d.Registry,
		Selector:   d.Selector,
		Breakers:   d.Breakers,
		Queues:     d.Queues,
		Translator: d.Translator,
		Clients:    d.Transport,
		Usage:      d.Usage,
		Store:      d.ChannelStore,
		Clock:      d.Clock,
		Logger:     d.Logger,
	})

	if cfg.Health.Enabled {
		d.Health = health.NewChecker(health.Config{
			Interval:     cfg.Health.Interval,
			ProbeTimeout: cfg.Health.ProbeTimeout,
		}, d.Registry, d.Breakers, d.Translator, d.Transport, d.Events, d.Clock, d.Logger)
	}

	d.Logger.Info("relay initialized",
		zap.String("load_balance", string(algorithm)),
		zap.Int("max_retries", cfg.Relay.Retry.MaxRetries),
		zap.Bool("health_checks", cfg.Health.Enabled))
	return nil
}

// breakerEvents turns breaker transitions into channel events
func breakerEvents(sink events.Sink, clk clock.Clock) breaker.TransitionFunc {
	return func(channelID string, from, to breaker.State) {
		switch {
		case to == breaker.StateOpen:
			sink.Publish(events.Event{
				Type:      events.ChannelDegraded,
				ChannelID: channelID,
				Reason:    fmt.Sprintf("circuit %s -> %s", from, to),
				At:        clk.Now(),
			})
		case from == breaker.StateHalfOpen && to == breaker.StateClosed:
			sink.Publish(events.Event{
				Type:      events.ChannelRecovered,
				ChannelID: channelID,
				Reason:    "circuit closed",
				At:        clk.Now(),
			})
		}
	}
}

// Start launches the background workers: usage writers, the health checker
// and the channel reloader
func (d *Dependencies) Start(ctx context.Context) error {
	if err := d.Usage.Start(); err != nil {
		return fmt.Errorf("failed to start usage service: %w", err)
	}

	ctx, d.cancel = context.WithCancel(ctx)

	if d.Health != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.Health.Run(ctx)
		}()
	}

	if interval := d.Config.Channels.ReloadInterval; interval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.Relay.RunReloader(ctx, interval)
		}()
	}

	return nil
}

// SQLDB returns the underlying database handle, or nil when no database is configured
func (d *Dependencies) SQLDB() *sql.DB {
	if d.DB == nil {
		return nil
	}
	return d.DB.DB
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if cancel := d.cancel; cancel != nil {
		d.cancel = nil
		cancel()
		d.wg.Wait()

		timeout := d.Config.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Usage.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop usage service: %w", err))
		}
	}

	if err := d.closeDatabase(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}

func (d *Dependencies) closeDatabase() error {
	if d.RepoFactory == nil {
		return nil
	}
	err := d.RepoFactory.Close()
	d.RepoFactory = nil
	d.DB = nil
	if err == nil {
		d.Logger.Info("database connection closed")
	}
	return err
}
