package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/handlers"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/jobs"
	"github.com/ternarybob/folio/internal/metrics"
	"github.com/ternarybob/folio/internal/models"
	"github.com/ternarybob/folio/internal/queue"
	cancelstore "github.com/ternarybob/folio/internal/services/cancel"
	"github.com/ternarybob/folio/internal/services/events"
	"github.com/ternarybob/folio/internal/services/export"
	"github.com/ternarybob/folio/internal/services/jobdirs"
	"github.com/ternarybob/folio/internal/services/pipeline"
	badgerstore "github.com/ternarybob/folio/internal/storage/badger"
	redisstore "github.com/ternarybob/folio/internal/storage/redis"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage and brokers. DB is nil when nothing is kept locally.
	DB    *badgerstore.BadgerDB
	Redis *redis.Client

	// Job plumbing
	Queue    interfaces.JobQueue
	EventBus interfaces.EventBus
	Cancels  interfaces.CancelStore
	JobDirs  *jobdirs.Manager
	Exporter *export.Service
	Pipeline interfaces.Pipeline

	// Background workers
	WorkerPool *queue.WorkerPool
	Janitor    *jobs.Janitor

	// Metrics
	Metrics         metrics.Sink
	MetricsRegistry *prometheus.Registry

	// HTTP handlers
	GenerateHandler *handlers.GenerateHandler
	SSEHandler      *handlers.SSEStreamHandler
	WSHandler       *handlers.WebSocketHandler
	ExportsHandler  *handlers.ExportsHandler
	HealthHandler   *handlers.HealthHandler

	queueStore handlers.Pinger
	stopOnce   sync.Once
}

// New initializes storage, services and handlers. Background workers start with Start.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Debug().
		Str("queue_backend", cfg.Queue.Backend).
		Str("events_backend", cfg.Events.Backend).
		Str("cancel_backend", cfg.Cancel.Backend).
		Str("pipeline", app.Pipeline.Name()).
		Msg("Application initialized")

	return app, nil
}

func (a *App) initStorage() error {
	// 1. Badger, when the queue or the flag store is local
	if a.Config.UsesBadger() {
		db, err := badgerstore.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
		if err != nil {
			return err
		}
		a.DB = db
	}

	// 2. Redis, when the queue, the bus or the flag store is shared
	if a.Config.UsesRedis() {
		opts, err := redis.ParseURL(a.Config.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
		}
		a.Logger.Debug().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Redis connected")
	}

	// 3. Job queue
	cfg := a.Config.Queue
	switch cfg.Backend {
	case "redis":
		q, err := redisstore.NewQueueStorage(a.Redis, a.Logger, cfg.Name, cfg.VisibilityTimeoutDuration(), cfg.MaxReceive)
		if err != nil {
			return fmt.Errorf("failed to create job queue: %w", err)
		}
		a.Queue = q
		a.queueStore = q
	default:
		q, err := badgerstore.NewQueueStorage(a.DB, a.Logger, cfg.Name, cfg.VisibilityTimeoutDuration(), cfg.MaxReceive)
		if err != nil {
			return fmt.Errorf("failed to create job queue: %w", err)
		}
		a.Queue = q
		a.queueStore = a.DB
	}

	a.Logger.Debug().
		Str("backend", cfg.Backend).
		Str("queue", cfg.Name).
		Msg("Queue storage initialized")
	return nil
}

func (a *App) initServices() error {
	// 1. Metrics
	if a.Config.Metrics.Enabled {
		a.MetricsRegistry = prometheus.NewRegistry()
		a.MetricsRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sink := metrics.NewPrometheusSink(a.MetricsRegistry, a.Logger)
		sink.WatchQueueDepth(a.MetricsRegistry, a.Queue.Depth)
		a.Metrics = sink
	} else {
		a.Metrics = metrics.NewNoopSink()
	}

	// 2. Event bus
	switch a.Config.Events.Backend {
	case "redis":
		a.EventBus = events.NewRedisBus(a.Redis, a.Logger)
	default:
		a.EventBus = events.NewMemoryBus(a.Logger, a.Config.Events.BufferSize)
	}

	// 3. Cancellation flags
	switch a.Config.Cancel.Backend {
	case "redis":
		a.Cancels = cancelstore.NewRedisStore(a.Redis, a.Logger, a.Config.Cancel.TTLDuration())
	default:
		a.Cancels = badgerstore.NewFlagStorage(a.DB, a.Logger, a.Config.Cancel.TTLDuration())
	}

	// 4. Job directories and exporters
	dirs, err := jobdirs.NewManager(a.Config.Storage.Jobs.Dir, a.Config.Server.APIPrefix, a.Logger)
	if err != nil {
		return err
	}
	a.JobDirs = dirs
	a.Exporter = export.NewService(a.Logger)

	// 5. Execution pipeline
	p, err := pipeline.New(a.Config.Pipeline.Strategy, a.Exporter, a.JobDirs, a.Config.Pipeline.PhaseDelayDuration(), a.Logger)
	if err != nil {
		return err
	}
	a.Pipeline = p

	// 6. Worker pool
	runner := jobs.NewGenerateRunner(a.Pipeline, a.JobDirs, a.Cancels, a.Logger)
	a.WorkerPool = queue.NewWorkerPool(a.Queue, queue.ConfigFromCommon(a.Config), a.newEmitter, a.Metrics, a.Logger)
	a.WorkerPool.RegisterHandler(models.TaskGenerate, runner.Handle)

	// 7. Retention janitor
	a.Janitor = jobs.NewJanitor(a.Queue, a.Config.Queue.RetentionSchedule, a.Metrics, a.Logger)

	return nil
}

// newEmitter binds a job's emitter to the bus. Publishing never depends on a request context.
func (a *App) newEmitter(jobID string) interfaces.JobEmitter {
	return events.NewEmitter(context.Background(), a.EventBus, jobID, a.Logger, a.Metrics)
}

func (a *App) initHandlers() {
	cfg := a.Config

	a.GenerateHandler = handlers.NewGenerateHandler(
		a.Queue,
		a.Cancels,
		a.JobDirs,
		handlers.NewTenantLimiter(cfg.Limits.SubmitRate, cfg.Limits.SubmitBurst),
		handlers.JobPolicy{
			JobTimeout: cfg.Queue.JobTimeoutDuration(),
			FailureTTL: cfg.Queue.FailureTTLDuration(),
			ResultTTL:  cfg.Queue.ResultTTLDuration(),
		},
		cfg.Server.APIPrefix,
		cfg.Server.DefaultTenant,
		a.Metrics,
		a.Logger,
	)
	a.SSEHandler = handlers.NewSSEStreamHandler(a.EventBus, cfg.Events.KeepaliveDuration(), a.Metrics, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventBus, cfg.Events.KeepaliveDuration(), cfg.Events.ProgressThrottleDuration(), a.Metrics, a.Logger)
	a.ExportsHandler = handlers.NewExportsHandler(a.JobDirs, cfg.Server.DefaultTenant, a.Logger)
	a.HealthHandler = handlers.NewHealthHandler(a.queueStore, a.EventBus, a.Queue, a.Logger)
}

// MetricsHandler serves the app's registry, or nil when metrics are disabled
func (a *App) MetricsHandler() http.Handler {
	if a.MetricsRegistry == nil {
		return nil
	}
	return promhttp.HandlerFor(a.MetricsRegistry, promhttp.HandlerOpts{})
}

// Start launches the worker pool and the retention janitor
func (a *App) Start() error {
	if err := a.WorkerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if err := a.Janitor.Start(); err != nil {
		return fmt.Errorf("failed to start retention janitor: %w", err)
	}
	return nil
}

// Stop drains the worker pool and stops the janitor. Safe to call more than once.
// In-flight jobs publish their terminal events here, which releases open streams.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		if a.WorkerPool != nil {
			if err := a.WorkerPool.Stop(); err != nil {
				a.Logger.Warn().Err(err).Msg("Failed to stop worker pool")
			}
		}
		if a.Janitor != nil {
			a.Janitor.Stop()
			a.Logger.Debug().Msg("Retention janitor stopped")
		}
	})
}

// Close stops background workers, then releases brokers and storage
func (a *App) Close() error {
	// Workers first: in-flight jobs still need the bus and the queue to finish
	a.Stop()

	if a.EventBus != nil {
		if err := a.EventBus.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event bus")
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close redis client")
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
