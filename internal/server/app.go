// Package server builds the catalog sync application from configuration and
// runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-sync/internal/api"
	memorycache "github.com/JakeFAU/catalog-sync/internal/cache/memory"
	rediscache "github.com/JakeFAU/catalog-sync/internal/cache/redis"
	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/clock/system"
	"github.com/JakeFAU/catalog-sync/internal/config"
	"github.com/JakeFAU/catalog-sync/internal/crawler"
	collyfetcher "github.com/JakeFAU/catalog-sync/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/catalog-sync/internal/fetcher/headless"
	"github.com/JakeFAU/catalog-sync/internal/id/uuid"
	"github.com/JakeFAU/catalog-sync/internal/pipeline"
	"github.com/JakeFAU/catalog-sync/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/catalog-sync/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/catalog-sync/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-sync/internal/query"
	"github.com/JakeFAU/catalog-sync/internal/scheduler"
	gcsstorage "github.com/JakeFAU/catalog-sync/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-sync/internal/storage/local"
	memorystorage "github.com/JakeFAU/catalog-sync/internal/storage/memory"
	mongostore "github.com/JakeFAU/catalog-sync/internal/storage/mongo"
	pgstore "github.com/JakeFAU/catalog-sync/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/catalog-sync/internal/storage/sqlite"
	"github.com/JakeFAU/catalog-sync/internal/telemetry"
)

// Version is reported in traces; overridden at link time.
var Version = "dev"

type closer struct {
	name string
	fn   func(context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     catalog.Clock
	ids       catalog.IDGenerator
	store     *catalog.Store
	documents catalog.DocumentStore
	cache     catalog.Cache
	publisher catalog.Publisher
	renderer  catalog.Renderer
	syncer    *pipeline.Syncer
	query     *query.Service
	apiServer *api.Server
	closers   []closer
}

// Build creates the application's dependencies. On error everything opened
// so far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	if err := app.build(ctx); err != nil {
		_ = app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	logger.Info("building application dependencies",
		zap.String("catalog_url", cfg.Crawler.CatalogURL),
		zap.String("renderer", cfg.Crawler.Renderer),
		zap.String("snapshot_backend", cfg.Snapshot.Backend),
		zap.String("documents_backend", cfg.Documents.Backend),
		zap.String("cache_backend", cfg.Cache.Backend),
	)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
		ProjectID:   cfg.Tracing.ProjectID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.addCloser("tracing", func(ctx context.Context) error { return shutdownTracing(ctx) })

	blobs, err := a.setupSnapshot(ctx)
	if err != nil {
		return err
	}
	a.store = catalog.NewStore(blobs, cfg.Snapshot.Path, logger.Named("snapshot"))

	if err = a.setupDocuments(ctx); err != nil {
		return err
	}
	if err = a.setupCache(ctx); err != nil {
		return err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return err
	}
	if err = a.setupRenderer(); err != nil {
		return err
	}

	linkPolicy, err := catalog.ParseLinkPolicy(cfg.Crawler.LinkPolicy)
	if err != nil {
		return fmt.Errorf("link policy: %w", err)
	}
	opts := []crawler.Option{crawler.WithLinkPolicy(linkPolicy)}
	if cfg.Crawler.DomainQPS > 0 {
		opts = append(opts, crawler.WithPacer(ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Crawler.DomainQPS,
			DefaultBurst: 1,
		})))
	}
	orchestrator, err := crawler.New(crawler.Config{
		CatalogURL:  cfg.Crawler.CatalogURL,
		PageParam:   cfg.Crawler.PageParam,
		MaxPages:    cfg.Crawler.MaxPages,
		Concurrency: cfg.Crawler.Concurrency,
		PageTimeout: cfg.Crawler.PageTimeout(),
	}, a.renderer, a.ids, logger.Named("crawler"), opts...)
	if err != nil {
		return fmt.Errorf("crawler init failed: %w", err)
	}

	topic := ""
	if a.publisher != nil {
		topic = cfg.PubSub.TopicName
	}
	a.syncer, err = pipeline.New(pipeline.Config{
		CacheTTL:   cfg.Cache.TTL(),
		FullUpsert: cfg.Sync.FullUpsert,
		Topic:      topic,
	}, pipeline.Deps{
		Store:     a.store,
		Crawler:   orchestrator,
		Documents: a.documents,
		Cache:     a.cache,
		Publisher: a.publisher,
		IDs:       a.ids,
		Clock:     a.clock,
		Logger:    logger.Named("pipeline"),
	})
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}
	a.addCloser("syncer", func(context.Context) error {
		a.syncer.Close()
		return nil
	})

	a.query, err = query.New(a.store, a.cache, cfg.Cache.QueryTTL(), logger.Named("query"))
	if err != nil {
		return fmt.Errorf("query service init failed: %w", err)
	}
	a.apiServer = api.NewServer(a.query, a.syncer, a.clock, cfg, logger)
	return nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Syncer exposes the pipeline for one-shot runs.
func (a *App) Syncer() *pipeline.Syncer {
	return a.syncer
}

// Serve runs the HTTP server and the scheduler until ctx is canceled or one
// of them fails.
func (a *App) Serve(ctx context.Context) error {
	sched, err := scheduler.New(scheduler.Config{
		Schedule:   a.cfg.Sync.Schedule,
		RunOnStart: a.cfg.Sync.RunOnStart,
	}, a.syncer, a.logger)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases every backend in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupSnapshot(ctx context.Context) (catalog.BlobStore, error) {
	cfg := a.cfg.Snapshot
	switch cfg.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.addCloser("gcs", func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS snapshot backend", zap.String("bucket", cfg.GCSBucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local snapshot backend", zap.String("dir", cfg.Dir))
		return blobs, nil
	default:
		a.logger.Warn("using in-memory snapshot backend; the catalog will not survive restarts")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDocuments(ctx context.Context) error {
	cfg := a.cfg.Documents
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := pgstore.New(ctx, pgstore.Config{DSN: cfg.DSN, Table: cfg.Table, MaxConns: cfg.MaxConns}, a.logger.Named("postgres"))
		if err != nil {
			return fmt.Errorf("postgres document store init failed: %w", err)
		}
		a.addCloser("postgres", func(context.Context) error {
			store.Close()
			return nil
		})
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		a.documents = store
	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, cfg.SQLitePath, cfg.Table, a.logger.Named("sqlite"))
		if err != nil {
			return fmt.Errorf("sqlite document store init failed: %w", err)
		}
		a.addCloser("sqlite", func(context.Context) error { return store.Close() })
		a.documents = store
	case config.BackendMongo:
		store, err := mongostore.New(ctx, mongostore.Config{
			URI:        cfg.URI,
			Database:   cfg.Database,
			Collection: cfg.Collection,
		}, a.logger.Named("mongo"))
		if err != nil {
			return fmt.Errorf("mongo document store init failed: %w", err)
		}
		a.addCloser("mongo", store.Close)
		a.documents = store
	default:
		a.logger.Info("document store disabled")
		return nil
	}
	a.logger.Info("document store initialized", zap.String("backend", cfg.Backend))
	return nil
}

func (a *App) setupCache(ctx context.Context) error {
	cfg := a.cfg.Cache
	switch cfg.Backend {
	case config.BackendRedis:
		c, err := rediscache.New(ctx, rediscache.Config{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Prefix:   cfg.Prefix,
		})
		if err != nil {
			return fmt.Errorf("redis cache init failed: %w", err)
		}
		a.addCloser("redis", func(context.Context) error { return c.Close() })
		a.cache = c
		a.logger.Info("using redis cache", zap.String("addr", cfg.Addr))
	case config.BackendMemory:
		a.cache = memorycache.New(a.clock)
		a.logger.Info("using in-memory cache")
	default:
		a.logger.Info("cache disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	cfg := a.cfg.PubSub
	switch cfg.Backend {
	case config.BackendPubSub:
		pub, err := gcppublisher.New(ctx, cfg.ProjectID, cfg.TopicName, a.logger)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.addCloser("pubsub", func(context.Context) error { return pub.Close() })
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.TopicName),
		)
	case config.BackendMemory:
		a.publisher = memorypublisher.New()
	default:
		a.logger.Info("cycle notifications disabled")
	}
	return nil
}

func (a *App) setupRenderer() error {
	cfg := a.cfg.Crawler
	if cfg.Renderer == config.RendererHeadless {
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.HeadlessMaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.PageTimeout(),
			WaitSelector:      cfg.WaitSelector,
			Selectors:         cfg.Selectors,
			NoSandbox:         cfg.HeadlessNoSandbox,
		})
		if err != nil {
			return fmt.Errorf("headless renderer init failed: %w", err)
		}
		a.addCloser("headless", func(context.Context) error {
			f.Close()
			return nil
		})
		a.renderer = f
		a.logger.Info("using headless renderer", zap.Int("max_parallel", cfg.HeadlessMaxParallel))
		return nil
	}
	a.renderer = collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.UserAgent,
		RespectRobots: cfg.RespectRobots,
		Timeout:       cfg.PageTimeout(),
		Selectors:     cfg.Selectors,
	})
	a.logger.Info("using colly renderer", zap.String("user_agent", cfg.UserAgent))
	return nil
}
