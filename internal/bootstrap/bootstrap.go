package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kirillkom/invoice-pipeline/internal/config"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
	"github.com/kirillkom/invoice-pipeline/internal/core/usecase"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/events"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/extractor/docintel"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/extractor/document"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/extractor/pdftext"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/extractor/sheet"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/llm/openai"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/progress"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/queue/nats"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/storage"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/storage/httpsource"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/storage/s3"
	"github.com/kirillkom/invoice-pipeline/internal/observability/metrics"
)

// QueueMode says how a process depends on NATS.
type QueueMode int

const (
	// QueueOptional connects when possible and runs without async jobs otherwise.
	QueueOptional QueueMode = iota
	QueueRequired
	QueueDisabled
)

type Options struct {
	Service string
	Queue   QueueMode
	Logger  *slog.Logger
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Batch    *usecase.ProcessBatchUseCase
	Enqueuer ports.JobEnqueuer
	Queue    ports.MessageQueue
	Status   *progress.Registry
	Broker   *events.Broker
	Outcomes ports.OutcomeReader

	PipelineMetrics *metrics.PipelineMetrics
	HTTPMetrics     *metrics.HTTPServerMetrics

	closers []func()
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	service := opts.Service
	if service == "" {
		service = "api"
	}
	app := &App{Config: cfg, Logger: logger}

	pipelineMetrics := metrics.NewPipelineMetrics(service, nil)
	app.PipelineMetrics = pipelineMetrics
	app.HTTPMetrics = metrics.NewHTTPServerMetrics(service, pipelineMetrics.Registry())

	resolver, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}
	analyzer, err := newAnalyzer(cfg, logger)
	if err != nil {
		return nil, err
	}
	var extractionExecutor *resilience.Executor
	if cfg.BreakerEnabled {
		extractionCfg := resilience.DefaultConfig()
		extractionCfg.RetryMaxAttempts = 1
		extractionCfg.BreakerHalfOpenMaxCalls = halfOpenCalls(cfg.BatchSize)
		extractionExecutor = resilience.NewExecutor(extractionCfg).WithLogger(logger)
	}
	extractor := document.NewExtractor(resolver, analyzer, cfg.ExtractionModel, extractionExecutor, logger)

	normalizationCfg := resilience.NormalizationConfig()
	normalizationCfg.RetryMaxAttempts = cfg.NormalizationMaxAttempts
	normalizationCfg.RetryInitialBackoff = cfg.NormalizationRetryBackoff
	normalizationCfg.BreakerEnabled = cfg.BreakerEnabled
	normalizationCfg.BreakerHalfOpenMaxCalls = halfOpenCalls(cfg.BatchSize)
	normalizationCfg.OnRetry = pipelineMetrics.RecordRetry
	normalizer, err := openai.New(openai.Config{
		BaseURL:        cfg.NormalizationBaseURL,
		APIKey:         cfg.NormalizationAPIKey,
		Model:          cfg.NormalizationModel,
		Temperature:    cfg.NormalizationTemperature,
		AttemptTimeout: cfg.NormalizationTimeout,
		PromptFile:     cfg.NormalizationPromptFile,
	}, resilience.NewExecutor(normalizationCfg).WithLogger(logger), logger)
	if err != nil {
		return nil, fmt.Errorf("init normalizer: %w", err)
	}

	app.Broker = events.NewBroker(cfg.EventsBuffer, events.WithDropHook(pipelineMetrics.RecordEventDropped))
	publishers := events.Multi{app.Broker, events.Logging{Logger: logger}}

	if opts.Queue != QueueDisabled {
		// Only a process that cannot work without NATS waits for it. An
		// optional queue that is down at startup disables async jobs.
		retryConnect := opts.Queue == QueueRequired
		queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSJobsSubject, nats.Options{
			RetryOnFailedConnect: &retryConnect,
			ResilienceExecutor:   resilience.NewExecutor(resilience.DefaultConfig()).WithLogger(logger),
			EventsSubject:        cfg.NATSEventsSubject,
			Logger:               logger,
		})
		if err == nil && !retryConnect && !queue.Connected() {
			queue.Close()
			err = fmt.Errorf("nats %s: not connected", cfg.NATSURL)
		}
		switch {
		case err == nil:
			app.Queue = queue
			app.closers = append(app.closers, queue.Close)
			if cfg.NATSEventsSubject != "" {
				publishers = append(publishers, queue)
			}
		case opts.Queue == QueueRequired:
			app.Close()
			return nil, fmt.Errorf("init message queue: %w", err)
		default:
			logger.Warn("queue.unavailable", "url", cfg.NATSURL, "error", err)
		}
	}

	var recorder ports.OutcomeRecorder
	if cfg.PostgresDSN != "" {
		repo, db, err := openOutcomeRepository(ctx, cfg.PostgresDSN)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = db.Close() })
		app.Outcomes = repo
		recorder = repo
	}

	batchOpts := usecase.BatchOptions{
		DefaultBatchSize: cfg.BatchSize,
		MaxRefs:          cfg.BatchMaxRefs,
		ExtractTimeout:   cfg.ExtractionTimeout,
		SettleDelay:      cfg.BatchSettleDelay,
	}
	app.Status = progress.NewRegistry(cfg.StatusJobHistory)
	app.Batch = usecase.NewProcessBatchUseCase(
		extractor,
		normalizer,
		publishers,
		app.Status,
		func() ports.StatusStore { return progress.NewStore() },
		batchOpts,
		usecase.WithLogger(logger),
		usecase.WithMetrics(pipelineMetrics),
		usecase.WithOutcomeRecorder(recorder),
	)
	if app.Queue != nil {
		app.Enqueuer = usecase.NewEnqueueJobUseCase(app.Queue, batchOpts, logger)
	}

	return app, nil
}

// halfOpenCalls lets one default-sized batch through a recovering breaker.
func halfOpenCalls(batchSize int) uint32 {
	if batchSize < 2 {
		return 2
	}
	return uint32(batchSize)
}

func newResolver(cfg config.Config) (*storage.Resolver, error) {
	local, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init local storage: %w", err)
	}
	web := httpsource.New(cfg.FetchTimeout, int64(cfg.FetchMaxMB)<<20)

	resolver := storage.NewResolver(local).
		Handle("file", local).
		Handle("http", web).
		Handle("https", web)

	if cfg.S3Endpoint != "" {
		objects, err := s3.New(s3.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			MaxBytes:  int64(cfg.FetchMaxMB) << 20,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 storage: %w", err)
		}
		resolver.Handle("s3", objects)
	}
	return resolver, nil
}

// newAnalyzer routes spreadsheets and plain text to local analyzers and
// everything else to the configured backend.
func newAnalyzer(cfg config.Config, logger *slog.Logger) (ports.DocumentAnalyzer, error) {
	var backend ports.DocumentAnalyzer
	switch cfg.ExtractionBackend {
	case "pdftext":
		backend = pdftext.NewAnalyzer()
	case "docintel", "":
		client, err := docintel.New(docintel.Config{
			Endpoint:     cfg.ExtractionEndpoint,
			APIKey:       cfg.ExtractionAPIKey,
			APIVersion:   cfg.ExtractionAPIVersion,
			PollInterval: cfg.ExtractionPollInterval,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init document analyzer: %w", err)
		}
		backend = client
	default:
		return nil, fmt.Errorf("unknown extraction backend %q", cfg.ExtractionBackend)
	}
	return document.NewRouter(backend, sheet.NewAnalyzer(), plaintext.NewAnalyzer()), nil
}

func openOutcomeRepository(ctx context.Context, dsn string) (*postgres.OutcomeRepository, *sql.DB, error) {
	db, err := postgres.OpenDB(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewOutcomeRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, db, nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
