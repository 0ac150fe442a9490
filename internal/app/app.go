// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/api"
	"github.com/openpreprints/preprintd/internal/clock/system"
	"github.com/openpreprints/preprintd/internal/config"
	"github.com/openpreprints/preprintd/internal/convert"
	"github.com/openpreprints/preprintd/internal/corpus"
	"github.com/openpreprints/preprintd/internal/dispatcher"
	"github.com/openpreprints/preprintd/internal/extractor"
	"github.com/openpreprints/preprintd/internal/httpclient"
	idgen "github.com/openpreprints/preprintd/internal/id/uuid"
	"github.com/openpreprints/preprintd/internal/ingest"
	"github.com/openpreprints/preprintd/internal/logging"
	"github.com/openpreprints/preprintd/internal/metrics"
	"github.com/openpreprints/preprintd/internal/pipeline"
	memqueue "github.com/openpreprints/preprintd/internal/queue/memory"
	pubmemory "github.com/openpreprints/preprintd/internal/publisher/memory"
	"github.com/openpreprints/preprintd/internal/publisher/noop"
	pubgcp "github.com/openpreprints/preprintd/internal/publisher/pubsub"
	"github.com/openpreprints/preprintd/internal/registry"
	"github.com/openpreprints/preprintd/internal/scheduler"
	"github.com/openpreprints/preprintd/internal/storage/postgres"
	"github.com/openpreprints/preprintd/internal/worker"
)

// App holds the shared, long-lived services for the mirror. It is
// initialized once at startup and passed to the commands that need it.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Store      *postgres.Store
	Registry   *registry.Client
	Engine     *ingest.Engine
	Downloader *pipeline.Downloader
	Extractor  *pipeline.Extractor
	Dispatcher *dispatcher.Dispatcher
	Scheduler  *scheduler.Scheduler
	Server     *api.Server

	events corpus.Publisher
	queues []*memqueue.Queue
}

// New builds the full service graph from configuration. It fails fast
// when any critical dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	metrics.Init()

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	clk := system.New()

	store, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetime) * time.Minute,
	}, clk)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}

	registryHTTP := httpclient.New(httpclient.Config{
		UserAgent:      cfg.Registry.UserAgent,
		Token:          cfg.Registry.Token,
		Timeout:        cfg.RegistryTimeout(),
		RequestsPerSec: cfg.Registry.RequestsPerSec,
	}, logger)
	reg := registry.New(registryHTTP, cfg.Registry.BaseURL, cfg.Registry.PageSize, logger)

	events, err := buildPublisher(ctx, cfg.PubSub)
	if err != nil {
		store.Close()
		return nil, err
	}

	engine := ingest.New(ingest.NewRegistrySource(reg), store, events, ingest.Config{
		Subjects:      cfg.Sync.Subjects,
		OnlyPublished: cfg.Sync.OnlyPublished,
		LookbackDays:  cfg.Sync.LookbackDays,
		BatchSize:     cfg.Sync.BatchSize,
		Topic:         cfg.PubSub.TopicName,
	}, clk, logger)

	// Artifact fetches share neither the registry token nor its rate
	// limit; the file host is a separate service.
	fileHTTP := httpclient.New(httpclient.Config{
		UserAgent: cfg.Registry.UserAgent,
		Timeout:   cfg.RegistryTimeout(),
	}, logger)
	conv := convert.New(convert.Config{
		Binary:  cfg.Converter.Binary,
		Timeout: cfg.ConverterTimeout(),
	}, logger)
	downloader := pipeline.NewDownloader(reg, fileHTTP, conv, store, cfg.Data.Root, clk, logger)

	extractorHTTP := httpclient.New(httpclient.Config{
		UserAgent: cfg.Registry.UserAgent,
		Timeout:   time.Duration(cfg.Extractor.TimeoutSeconds) * time.Second,
	}, logger)
	fulltext := extractor.New(extractorHTTP, extractor.Config{
		BaseURL:           cfg.Extractor.BaseURL,
		ConsolidateHeader: cfg.Extractor.ConsolidateHeader,
	}, logger)
	extr := pipeline.NewExtractor(fulltext, store, cfg.Data.Root, clk, logger)

	disp := dispatcher.New(logger)
	chains := worker.NewChainRunner(
		corpus.NewRetryPolicy(cfg.Retry.MaxAttempts, cfg.RetryBackoffBase(), cfg.RetryBackoffMax()),
		logger,
	)
	sched := scheduler.New(engine, downloader, extr, store, disp, chains, idgen.New(), clk, scheduler.Config{
		SyncInterval:     time.Duration(cfg.Sync.IntervalMinutes) * time.Minute,
		DownloadInterval: time.Duration(cfg.Sync.DownloadIntervalMin) * time.Minute,
		ExtractInterval:  time.Duration(cfg.Sync.ExtractionIntervalMin) * time.Minute,
		DownloadLimit:    cfg.Sync.DownloadLimit,
		ExtractLimit:     cfg.Sync.ExtractionLimit,
	}, logger)

	a := &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Registry:   reg,
		Engine:     engine,
		Downloader: downloader,
		Extractor:  extr,
		Dispatcher: disp,
		Scheduler:  sched,
		Server:     api.NewServer(sched, store, logger),
		events:     events,
	}

	for kind, handler := range map[corpus.TaskKind]worker.Handler{
		corpus.TaskSync:     sched.HandleSync,
		corpus.TaskDownload: sched.HandleDownload,
		corpus.TaskExtract:  sched.HandleExtract,
	} {
		q := memqueue.NewQueue(cfg.Queue.Depth)
		a.queues = append(a.queues, q)
		disp.Register(kind, q, handler)
	}

	logger.Info("application services initialized",
		zap.String("registry", cfg.Registry.BaseURL),
		zap.String("data_root", cfg.Data.Root),
		zap.String("events", cfg.PubSub.Provider))
	return a, nil
}

func buildPublisher(ctx context.Context, cfg config.PubSubConfig) (corpus.Publisher, error) {
	switch cfg.Provider {
	case "", "noop":
		return noop.New(), nil
	case "memory":
		return pubmemory.New(), nil
	case "pubsub":
		pub, err := pubgcp.New(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown pubsub provider %q", cfg.Provider)
	}
}

// Close shuts services down in dependency order and flushes the logger.
func (a *App) Close() {
	a.Logger.Info("shutting down application services")
	for _, q := range a.queues {
		q.Close()
	}
	if closer, ok := a.events.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.Logger.Warn("close event publisher", zap.Error(err))
		}
	}
	a.Store.Close()
	_ = a.Logger.Sync()
}
