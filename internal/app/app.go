// Package app builds the long-lived services once at startup and hands them
// to the commands. It is the only place that opens connections.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/ayudas-pipeline/internal/api"
	"github.com/JakeFAU/ayudas-pipeline/internal/config"
	"github.com/JakeFAU/ayudas-pipeline/internal/crawler"
	"github.com/JakeFAU/ayudas-pipeline/internal/embedding"
	"github.com/JakeFAU/ayudas-pipeline/internal/extract"
	collyfetcher "github.com/JakeFAU/ayudas-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/ayudas-pipeline/internal/lastupdate"
	"github.com/JakeFAU/ayudas-pipeline/internal/metrics"
	"github.com/JakeFAU/ayudas-pipeline/internal/ratelimit"
	"github.com/JakeFAU/ayudas-pipeline/internal/scheduler"
	gcsstorage "github.com/JakeFAU/ayudas-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/ayudas-pipeline/internal/storage/local"
	"github.com/JakeFAU/ayudas-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/ayudas-pipeline/internal/storage/postgres"
	redisstore "github.com/JakeFAU/ayudas-pipeline/internal/vectorstore/redis"
)

// Options adjust how the services are built.
type Options struct {
	// DryRun overrides pipeline.dry_run when true.
	DryRun bool
	// InMemory keeps resources, audits and vectors in process memory instead
	// of Postgres and Redis.
	InMemory bool
	// Seed preloads the in-memory store.
	Seed []crawler.Resource
}

// Stages exposes the per-item stages for single-URL inspection.
type Stages struct {
	Crawl  *crawler.CrawlStage
	Scrape *crawler.ScrapeStage
	// Embed is nil when the embedder is disabled.
	Embed *crawler.EmbedStage
}

// App holds the shared services.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool      *pgxpool.Pool
	redis     *redis.Client
	gcsClient *gcs.Client

	resources crawler.ResourceStore
	memory    *memory.Store
	vectors   *memory.VectorStore
	stages    Stages
	pipeline  *crawler.Pipeline
	checks    map[string]api.Checker
}

// New connects to the configured backends and wires the pipeline. Missing
// credentials fail here, before any stage runs.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DryRun {
		cfg.Pipeline.DryRun = true
	}
	if err := cfg.Require(config.Needs{
		Database: !opts.InMemory,
		Embedder: cfg.Embedder.Enabled && !opts.InMemory,
	}); err != nil {
		return nil, err
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, checks: map[string]api.Checker{}}
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("application services initialized",
		zap.Bool("dry_run", cfg.Pipeline.DryRun),
		zap.Bool("in_memory", opts.InMemory),
		zap.Bool("crawl", cfg.Crawler.Enabled),
		zap.Bool("scrape", cfg.Scraper.Enabled),
		zap.Bool("embed", cfg.Embedder.Enabled),
		zap.String("archive", cfg.Archive.Backend))
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.cfg
	clock := crawler.SystemClock{}
	dryRun := cfg.Pipeline.DryRun

	var audits crawler.AuditStore
	if opts.InMemory {
		a.memory = memory.NewStore(opts.Seed...)
		a.resources = a.memory
		audits = a.memory
	} else {
		pool, err := pgstore.NewPool(ctx, pgstore.Config{
			DSN:             cfg.Database.DSN,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return err
		}
		a.pool = pool
		a.checks["postgres"] = api.CheckerFunc(pool.Ping)
		resources, err := pgstore.NewResourceStore(pool, pgstore.DefaultTables())
		if err != nil {
			return err
		}
		auditStore, err := pgstore.NewAuditStore(pool, pgstore.DefaultTables())
		if err != nil {
			return err
		}
		a.resources = resources
		audits = auditStore
	}

	fetch := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.Crawler.Timeout,
		MaxBodyBytes: cfg.Crawler.MaxBodyBytes,
	})
	resolverOpts := lastupdate.Options{
		AJAXTimeout: cfg.LastUpdate.AJAXTimeout,
		AJAXBaseURL: cfg.LastUpdate.AJAXBaseURL,
		UserAgent:   cfg.Crawler.UserAgent,
	}
	if cfg.LastUpdate.AJAXEnabled {
		resolverOpts.Fetcher = fetch
	}

	archive, err := a.archive(ctx)
	if err != nil {
		return err
	}

	a.stages.Crawl = crawler.NewCrawlStage(cfg.CrawlSettings(), crawler.CrawlDeps{
		Fetcher:       fetch,
		Robots:        crawler.NewRobotsGate(cfg.RobotsSettings(), clock, a.logger),
		Limiter:       ratelimit.New(ratelimit.Config{RPS: cfg.Crawler.HostRPS, Burst: cfg.Crawler.HostBurst}),
		Resolver:      lastupdate.NewResolver(resolverOpts, a.logger),
		Resources:     a.resources,
		Audits:        audits,
		Archive:       archive,
		ArchivePrefix: cfg.Archive.Prefix,
		Clock:         clock,
		Logger:        a.logger,
	}, dryRun)

	a.stages.Scrape = crawler.NewScrapeStage(cfg.ScrapeSettings(), crawler.ScrapeDeps{
		Extractor: extract.New(),
		Resources: a.resources,
		Audits:    audits,
		Clock:     clock,
		Logger:    a.logger,
	}, dryRun)

	if cfg.Embedder.Enabled {
		embedder, err := embedding.NewClient(embedding.Config{
			Endpoint: cfg.Embedder.Endpoint,
			APIKey:   cfg.Embedder.APIKey,
			Model:    cfg.Embedder.Model,
			Timeout:  cfg.Embedder.Timeout,
		})
		if err != nil {
			return err
		}
		vectors, err := a.vectorStore(opts)
		if err != nil {
			return err
		}
		a.stages.Embed, err = crawler.NewEmbedStage(cfg.EmbedSettings(), crawler.EmbedDeps{
			Embedder:  embedder,
			Vectors:   vectors,
			Resources: a.resources,
			Audits:    audits,
			Clock:     clock,
			Logger:    a.logger,
		}, dryRun)
		if err != nil {
			return err
		}
	}

	pipeline, err := crawler.NewPipeline(cfg.PipelineSettings(), crawler.PipelineDeps{
		Resources: a.resources,
		Crawl:     a.stages.Crawl,
		Scrape:    a.stages.Scrape,
		Embed:     a.stages.Embed,
		Clock:     clock,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	a.pipeline = pipeline
	return nil
}

func (a *App) vectorStore(opts Options) (crawler.VectorStore, error) {
	if opts.InMemory {
		a.vectors = memory.NewVectorStore(a.cfg.Embedder.RedisPrefix)
		return a.vectors, nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Address,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	store, err := redisstore.New(a.redis, a.cfg.Embedder.RedisPrefix)
	if err != nil {
		return nil, err
	}
	a.checks["redis"] = store
	return store, nil
}

func (a *App) archive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.ArchiveLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil
	case config.ArchiveGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}

// Pipeline returns the wired pipeline.
func (a *App) Pipeline() *crawler.Pipeline { return a.pipeline }

// Stages returns the per-item stages.
func (a *App) Stages() Stages { return a.stages }

// Resources returns the resource store the stages write to.
func (a *App) Resources() crawler.ResourceStore { return a.resources }

// Memory returns the in-memory store, or nil when Postgres is used.
func (a *App) Memory() *memory.Store { return a.memory }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// RunOnce executes a single pipeline pass.
func (a *App) RunOnce(ctx context.Context) (crawler.RunSummary, error) {
	summary, err := a.pipeline.RunOnce(ctx)
	if err != nil {
		return summary, fmt.Errorf("pipeline run: %w", err)
	}
	return summary, nil
}

// RunScheduled runs the pipeline on pipeline.cron until ctx is canceled.
func (a *App) RunScheduled(ctx context.Context) error {
	s, err := scheduler.New(a.cfg.Pipeline.Cron, a.pipeline, a.logger)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

// Serve starts the HTTP server, plus the scheduler when pipeline.cron is set,
// and blocks until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	server := api.NewServer(a.pipeline, api.Options{
		AuthEnabled: a.cfg.Auth.Enabled,
		APIKey:      a.cfg.Auth.APIKey,
		Checks:      a.checks,
	}, a.logger)

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	schedDone := make(chan error, 1)
	if a.cfg.Pipeline.Cron != "" {
		go func() { schedDone <- a.RunScheduled(ctx) }()
	} else {
		schedDone <- nil
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return <-schedDone
}

// Close releases every connection opened by New.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}
