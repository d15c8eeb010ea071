// Package app builds the long-lived services of one process from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/fdd-retriever/internal/api"
	"github.com/JakeFAU/fdd-retriever/internal/browser"
	"github.com/JakeFAU/fdd-retriever/internal/clock/system"
	"github.com/JakeFAU/fdd-retriever/internal/config"
	"github.com/JakeFAU/fdd-retriever/internal/discovery"
	"github.com/JakeFAU/fdd-retriever/internal/dispatcher"
	"github.com/JakeFAU/fdd-retriever/internal/download"
	"github.com/JakeFAU/fdd-retriever/internal/filing"
	"github.com/JakeFAU/fdd-retriever/internal/hash/sha256"
	"github.com/JakeFAU/fdd-retriever/internal/id/uuid"
	"github.com/JakeFAU/fdd-retriever/internal/metrics"
	"github.com/JakeFAU/fdd-retriever/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/fdd-retriever/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/fdd-retriever/internal/publisher/pubsub"
	"github.com/JakeFAU/fdd-retriever/internal/retrieve"
	"github.com/JakeFAU/fdd-retriever/internal/retry"
	"github.com/JakeFAU/fdd-retriever/internal/session"
	"github.com/JakeFAU/fdd-retriever/internal/source"
	"github.com/JakeFAU/fdd-retriever/internal/storage/gcs"
	"github.com/JakeFAU/fdd-retriever/internal/storage/local"
	"github.com/JakeFAU/fdd-retriever/internal/storage/memory"
	"github.com/JakeFAU/fdd-retriever/internal/storage/postgres"
	"github.com/JakeFAU/fdd-retriever/internal/telemetry"
)

// App holds the shared services of a process.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Catalog    *source.Catalog
	Pipeline   *discovery.Pipeline
	Retriever  *retrieve.Retriever
	Blobs      filing.BlobStore
	Metadata   filing.MetadataStore
	Ledger     filing.RunLedger
	Publisher  filing.Publisher
	Checks     map[string]api.Check
	engine     browser.Engine
	ids        filing.IDGenerator
	clock      filing.Clock
	closers    []func()
}

// Option customizes NewApp.
type Option func(*options)

type options struct {
	engine browser.Engine
}

// WithEngine replaces the chromedp engine, e.g. with a fake in tests.
func WithEngine(e browser.Engine) Option {
	return func(o *options) { o.engine = e }
}

// NewApp initializes every service named by cfg. It fails fast; anything opened
// before the failure is closed again.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{engine: browser.NewChromedp()}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a := &App{
		Config: cfg,
		Logger: logger,
		Checks: make(map[string]api.Check),
		engine: o.engine,
		ids:    uuid.New(),
		clock:  system.New(),
	}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.TopicName != ""),
		zap.Strings("sources", a.Catalog.Names()))
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config
	logger := a.Logger

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	})

	a.Catalog = source.Default()
	if err := a.Catalog.Apply(cfg.SourceOverrides()); err != nil {
		return fmt.Errorf("apply source overrides: %w", err)
	}
	if err := a.initBlobs(ctx); err != nil {
		return err
	}
	if err := a.initMetadata(ctx); err != nil {
		return err
	}
	if err := a.initPublisher(ctx); err != nil {
		return err
	}

	executor := retry.New(logger.Named("retry"), retry.WithFailureHook(metrics.ObserveRetryFailure))
	limiter := ratelimit.New(cfg.HostLimit())
	sessions := session.NewManager(cfg.SessionSettings(), a.engine, logger.Named("session"))
	a.Pipeline = discovery.New(cfg.DiscoverySettings(), sessions, executor, logger.Named("discovery"),
		discovery.WithLimiter(limiter))
	a.Retriever = retrieve.New(retrieve.Deps{
		Validator: download.New(download.Config{MaxBytes: cfg.Download.MaxBytes, CountPages: cfg.Download.CountPages},
			sha256.New(), logger.Named("download")),
		Executor:  executor,
		Blobs:     a.Blobs,
		Metadata:  a.Metadata,
		Publisher: a.Publisher,
		Clock:     a.clock,
		Limiter:   limiter,
	}, retrieve.Config{
		ContentType: cfg.Storage.ContentType,
		BlobPrefix:  cfg.Storage.Prefix,
		Topic:       cfg.PubSub.TopicName,
		Download:    cfg.DownloadPolicy(),
	}, logger.Named("retrieve"))
	return nil
}

func (a *App) initBlobs(ctx context.Context) error {
	cfg := a.Config.Storage
	switch cfg.Backend {
	case config.BackendMemory:
		a.Blobs = memory.NewBlobStore()
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return fmt.Errorf("init local blob store: %w", err)
		}
		a.Blobs = store
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return fmt.Errorf("init gcs blob store: %w", err)
		}
		a.Blobs = store
		a.Checks["gcs"] = func(ctx context.Context) error {
			_, err := client.Bucket(cfg.GCSBucket).Attrs(ctx)
			return err
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	return nil
}

func (a *App) initMetadata(ctx context.Context) error {
	cfg := a.Config.DB
	if cfg.DSN == "" {
		a.Metadata = memory.NewFilingStore()
		a.Ledger = memory.NewRunStore()
		return nil
	}
	pool, err := postgres.Open(ctx, postgres.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pool.Close)
	if cfg.EnsureSchema {
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return err
		}
	}
	filings, err := postgres.NewFilingStore(pool, a.ids)
	if err != nil {
		return err
	}
	runs, err := postgres.NewRunStore(pool)
	if err != nil {
		return err
	}
	a.Metadata = filings
	a.Ledger = runs
	a.Checks["postgres"] = pool.Ping
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	cfg := a.Config.PubSub
	if cfg.TopicName == "" {
		a.Publisher = pubmemory.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	a.closers = append(a.closers, func() {
		pub.Stop()
		_ = client.Close()
	})
	a.Publisher = pub
	a.Checks["pubsub"] = func(ctx context.Context) error {
		ok, err := client.Topic(cfg.TopicName).Exists(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("topic does not exist")
		}
		return nil
	}
	return nil
}

// Dispatcher builds a dispatcher over the app's pipeline. discoverOnly skips retrieval.
func (a *App) Dispatcher(discoverOnly bool) (*dispatcher.Dispatcher, error) {
	return dispatcher.New(dispatcher.Config{
		Concurrency:  a.Config.Discovery.Concurrency,
		DiscoverOnly: discoverOnly,
	}, dispatcher.Deps{
		Runner:    a.Pipeline,
		Retriever: a.Retriever,
		Ledger:    a.Ledger,
		IDs:       a.ids,
		Clock:     a.clock,
	}, a.Logger.Named("dispatcher"))
}

// Close releases every client in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.Logger.Sync()
}
