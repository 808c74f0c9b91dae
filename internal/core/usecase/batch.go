package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

type BatchOptions struct {
	DefaultBatchSize int
	MaxRefs          int
	ExtractTimeout   time.Duration
	NormalizeTimeout time.Duration
	SettleDelay      time.Duration
}

// Job is one batch request together with the status store that belongs to it.
type Job struct {
	ID        string
	FileRefs  []string
	BatchSize int
	Store     ports.StatusStore
}

func (j *Job) TotalBatches() int {
	return domain.TotalBatches(len(j.FileRefs), j.BatchSize)
}

type Option func(*ProcessBatchUseCase)

func WithLogger(logger *slog.Logger) Option {
	return func(uc *ProcessBatchUseCase) {
		if logger != nil {
			uc.logger = logger
		}
	}
}

func WithMetrics(metrics ports.PipelineMetrics) Option {
	return func(uc *ProcessBatchUseCase) {
		if metrics != nil {
			uc.metrics = metrics
		}
	}
}

func WithOutcomeRecorder(recorder ports.OutcomeRecorder) Option {
	return func(uc *ProcessBatchUseCase) {
		uc.recorder = recorder
	}
}

// ProcessBatchUseCase drives a job through extraction and normalization one
// batch at a time. Items of a batch run concurrently; batches never overlap.
type ProcessBatchUseCase struct {
	extractor  ports.TextExtractor
	normalizer ports.TextNormalizer
	publisher  ports.EventPublisher
	registry   ports.JobRegistry
	newStore   func() ports.StatusStore
	recorder   ports.OutcomeRecorder
	metrics    ports.PipelineMetrics
	logger     *slog.Logger
	opts       BatchOptions
}

func NewProcessBatchUseCase(
	extractor ports.TextExtractor,
	normalizer ports.TextNormalizer,
	publisher ports.EventPublisher,
	registry ports.JobRegistry,
	newStore func() ports.StatusStore,
	opts BatchOptions,
	options ...Option,
) *ProcessBatchUseCase {
	if opts.DefaultBatchSize <= 0 {
		opts.DefaultBatchSize = 5
	}
	uc := &ProcessBatchUseCase{
		extractor:  extractor,
		normalizer: normalizer,
		publisher:  publisher,
		registry:   registry,
		newStore:   newStore,
		metrics:    noopMetrics{},
		logger:     slog.Default(),
		opts:       opts,
	}
	for _, o := range options {
		o(uc)
	}
	return uc
}

func (uc *ProcessBatchUseCase) Run(ctx context.Context, fileRefs []string, batchSize int) (*domain.BatchResult, error) {
	return uc.RunRequest(ctx, domain.JobRequest{FileRefs: fileRefs, BatchSize: batchSize})
}

func (uc *ProcessBatchUseCase) RunRequest(ctx context.Context, req domain.JobRequest) (*domain.BatchResult, error) {
	job, err := uc.NewJob(req)
	if err != nil {
		return nil, err
	}
	return uc.RunJob(ctx, job)
}

// NewJob validates a request and allocates a job with a fresh status store.
func (uc *ProcessBatchUseCase) NewJob(req domain.JobRequest) (*Job, error) {
	req, err := prepareRequest(req, uc.opts)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:        req.JobID,
		FileRefs:  req.FileRefs,
		BatchSize: req.BatchSize,
		Store:     uc.newStore(),
	}, nil
}

// prepareRequest validates req against opts, fills the default batch size
// and a job id, and copies the reference list.
func prepareRequest(req domain.JobRequest, opts BatchOptions) (domain.JobRequest, error) {
	if len(req.FileRefs) == 0 {
		return req, domain.WrapError(domain.ErrInvalidInput, "new job", errors.New("at least one file reference is required"))
	}
	if opts.MaxRefs > 0 && len(req.FileRefs) > opts.MaxRefs {
		return req, domain.WrapError(domain.ErrInvalidInput, "new job",
			fmt.Errorf("too many file references: %d > %d", len(req.FileRefs), opts.MaxRefs))
	}
	if req.BatchSize == 0 {
		req.BatchSize = opts.DefaultBatchSize
	}
	if req.BatchSize < 1 {
		return req, domain.WrapError(domain.ErrInvalidInput, "new job", fmt.Errorf("batch size must be positive, got %d", req.BatchSize))
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	refs := make([]string, len(req.FileRefs))
	copy(refs, req.FileRefs)
	req.FileRefs = refs
	return req, nil
}

// RunJob processes every batch of job and always returns a result, even when
// every item failed.
func (uc *ProcessBatchUseCase) RunJob(ctx context.Context, job *Job) (*domain.BatchResult, error) {
	if job == nil || len(job.FileRefs) == 0 || job.BatchSize < 1 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "run job", errors.New("job has no file references or invalid batch size"))
	}

	job.Store.Clear()
	if uc.registry != nil {
		uc.registry.Register(job.ID, job.Store)
	}

	chunks := domain.Partition(job.FileRefs, job.BatchSize)
	total := len(chunks)
	logger := uc.logger.With("job_id", job.ID)
	logger.Info("job.start", "items", len(job.FileRefs), "batch_size", job.BatchSize, "total_batches", total)

	batches := make([][]domain.ProcessingItem, total)
	index := 0
	for b, refs := range chunks {
		batches[b] = make([]domain.ProcessingItem, len(refs))
		for i, ref := range refs {
			batches[b][i] = domain.NewProcessingItem(job.ID, ref, index, b+1, total)
			uc.emitStatus(ctx, job, batches[b][i])
			index++
		}
	}

	result := &domain.BatchResult{
		JobID:        job.ID,
		Results:      make([]domain.ProcessedResult, 0, len(job.FileRefs)),
		FailedURLs:   make([]domain.FailedURL, 0),
		TotalBatches: total,
		BatchSize:    job.BatchSize,
	}

	for b := range batches {
		record := uc.runBatch(ctx, job, b+1, total, batches[b])
		result.Results = append(result.Results, record.Results...)
		result.FailedURLs = append(result.FailedURLs, record.Failed...)

		uc.publisher.Publish(ctx, domain.TopicBatch, domain.BatchEvent{
			JobID:        job.ID,
			BatchNumber:  record.BatchNumber,
			TotalBatches: total,
			Results:      record.Results,
			FailedURLs:   record.Failed,
		})

		if b < total-1 {
			uc.settle(ctx)
		}
	}

	uc.recordOutcomes(ctx, job.ID, batches)
	logger.Info("job.finish",
		"processed", len(result.Results),
		"failed", len(result.FailedURLs),
		"total_batches", total,
	)
	return result, nil
}

func (uc *ProcessBatchUseCase) runBatch(ctx context.Context, job *Job, batchNumber, total int, items []domain.ProcessingItem) domain.BatchRecord {
	start := time.Now()
	logger := uc.logger.With("job_id", job.ID, "batch", batchNumber, "total_batches", total)
	logger.Info("batch.start", "items", len(items))

	if err := uc.runStages(ctx, job, items); err != nil {
		batchErr := domain.WrapError(domain.ErrBatch, fmt.Sprintf("batch %d", batchNumber), err)
		logger.Error("batch.failed", "error", batchErr)
		now := time.Now()
		for i := range items {
			wasTerminal := items[i].Status.Terminal()
			items[i].Fail(domain.StatusFailed, batchErr.Error(), now)
			uc.emitStatus(ctx, job, items[i])
			if !wasTerminal {
				uc.metrics.FinishItem("", domain.StatusFailed, now.Sub(items[i].StartTime))
			}
		}
	}

	record := domain.BatchRecord{
		BatchNumber: batchNumber,
		Items:       items,
		Results:     make([]domain.ProcessedResult, 0, len(items)),
		Failed:      make([]domain.FailedURL, 0),
	}
	for i := range items {
		if !items[i].Status.Terminal() {
			items[i].Fail(domain.StatusError, "item did not settle", time.Now())
			uc.emitStatus(ctx, job, items[i])
		}
		if items[i].Status == domain.StatusProcessed && items[i].ExtractedData != nil {
			record.Results = append(record.Results, domain.ProcessedResult{
				FileRef:  items[i].ID,
				FileName: items[i].FileName,
				Data:     *items[i].ExtractedData,
			})
			continue
		}
		record.Failed = append(record.Failed, domain.FailedURL{
			URL:    items[i].ID,
			Error:  items[i].Error,
			Stage:  items[i].Stage,
			Status: items[i].Status,
		})
	}

	uc.metrics.ObserveBatch(len(items), len(record.Failed), time.Since(start))
	logger.Info("batch.finish",
		"processed", len(record.Results),
		"failed", len(record.Failed),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return record
}

// runStages performs the reading, extraction and normalization transitions
// of one batch. A returned error means something escaped item isolation.
func (uc *ProcessBatchUseCase) runStages(ctx context.Context, job *Job, items []domain.ProcessingItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	all := make([]int, 0, len(items))
	for i := range items {
		now := time.Now()
		if advErr := items[i].Advance(domain.StageReading, domain.ServiceExtraction, now); advErr != nil {
			return advErr
		}
		uc.metrics.StartItem()
		uc.emitStatus(ctx, job, items[i])
		all = append(all, i)
	}

	texts := make([]string, len(items))
	if err := uc.fanOut(ctx, all, func(ctx context.Context, i int) {
		text, extractErr := uc.extract(ctx, items[i].ID)
		if extractErr != nil {
			uc.failItem(ctx, job, &items[i], domain.ServiceExtraction, extractErr)
			return
		}
		texts[i] = text
		if advErr := items[i].Advance(domain.StageAnalyzing, domain.ServiceNormalization, time.Now()); advErr != nil {
			uc.failItem(ctx, job, &items[i], domain.ServiceExtraction, advErr)
			return
		}
		uc.emitStatus(ctx, job, items[i])
	}); err != nil {
		return err
	}

	extracted := make([]int, 0, len(items))
	for i := range items {
		if items[i].Status == domain.StatusProcessing && items[i].Stage == domain.StageAnalyzing {
			extracted = append(extracted, i)
		}
	}

	return uc.fanOut(ctx, extracted, func(ctx context.Context, i int) {
		data, normErr := uc.normalize(ctx, texts[i])
		if normErr != nil {
			uc.failItem(ctx, job, &items[i], domain.ServiceNormalization, normErr)
			return
		}
		if err := items[i].Complete(data, time.Now()); err != nil {
			uc.failItem(ctx, job, &items[i], domain.ServiceNormalization, err)
			return
		}
		uc.metrics.FinishItem(domain.ServiceNormalization, domain.StatusProcessed, items[i].EndTime.Sub(items[i].StartTime))
		uc.emitStatus(ctx, job, items[i])
	})
}

// fanOut runs fn for every index concurrently and waits for all of them to
// settle. fn never returns an error, so one failure cannot cancel siblings.
func (uc *ProcessBatchUseCase) fanOut(ctx context.Context, indices []int, fn func(context.Context, int)) error {
	if len(indices) == 0 {
		return nil
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		escaped error
	)
	g.SetLimit(len(indices))
	for _, idx := range indices {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					if escaped == nil {
						escaped = fmt.Errorf("panic while processing item %d: %v", idx, r)
					}
					mu.Unlock()
				}
			}()
			fn(ctx, idx)
			return nil
		})
	}
	_ = g.Wait()
	return escaped
}

func (uc *ProcessBatchUseCase) extract(ctx context.Context, fileRef string) (string, error) {
	if uc.opts.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.opts.ExtractTimeout)
		defer cancel()
	}
	text, err := uc.extractor.Extract(ctx, fileRef)
	if err != nil {
		if !domain.IsKind(err, domain.ErrDownload) && !domain.IsKind(err, domain.ErrExtraction) {
			err = domain.WrapError(domain.ErrExtraction, "extract text", err)
		}
		return "", err
	}
	return text, nil
}

func (uc *ProcessBatchUseCase) normalize(ctx context.Context, text string) (domain.InvoiceRecord, error) {
	if uc.opts.NormalizeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.opts.NormalizeTimeout)
		defer cancel()
	}
	record, err := uc.normalizer.Normalize(ctx, text)
	if err != nil {
		if !domain.IsKind(err, domain.ErrNormalization) {
			err = domain.WrapError(domain.ErrNormalization, "normalize invoice", err)
		}
		return domain.InvoiceRecord{}, err
	}
	return record, nil
}

func (uc *ProcessBatchUseCase) failItem(ctx context.Context, job *Job, item *domain.ProcessingItem, service domain.ServiceStage, cause error) {
	now := time.Now()
	item.Fail(domain.StatusError, cause.Error(), now)
	uc.metrics.FinishItem(service, domain.StatusError, now.Sub(item.StartTime))
	uc.logger.Warn("item.failed",
		"job_id", job.ID,
		"file_ref", item.ID,
		"batch", item.BatchNumber,
		"service", string(service),
		"error", cause,
	)
	uc.emitStatus(ctx, job, *item)
}

func (uc *ProcessBatchUseCase) emitStatus(ctx context.Context, job *Job, item domain.ProcessingItem) {
	job.Store.Set(item)
	uc.publisher.Publish(ctx, domain.TopicStatus, domain.StatusEvent{
		JobID:   job.ID,
		FileRef: item.ID,
		Status:  item,
	})
}

func (uc *ProcessBatchUseCase) settle(ctx context.Context) {
	if uc.opts.SettleDelay <= 0 {
		return
	}
	timer := time.NewTimer(uc.opts.SettleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (uc *ProcessBatchUseCase) recordOutcomes(ctx context.Context, jobID string, batches [][]domain.ProcessingItem) {
	if uc.recorder == nil {
		return
	}
	outcomes := make([]domain.Outcome, 0)
	for _, items := range batches {
		for _, item := range items {
			outcomes = append(outcomes, domain.Outcome{
				JobID:       jobID,
				FileRef:     item.ID,
				FileName:    item.FileName,
				Status:      item.Status,
				Stage:       item.Stage,
				BatchNumber: item.BatchNumber,
				Data:        item.ExtractedData,
				Error:       item.Error,
			})
		}
	}
	// The job result is already final; a recorder failure only loses history.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := uc.recorder.RecordOutcomes(recordCtx, outcomes); err != nil {
		uc.logger.Error("job.record_outcomes_failed", "job_id", jobID, "error", err)
	}
}

type noopMetrics struct{}

func (noopMetrics) StartItem() {}

func (noopMetrics) FinishItem(domain.ServiceStage, domain.ItemStatus, time.Duration) {}

func (noopMetrics) ObserveBatch(int, int, time.Duration) {}
