package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

// EnqueueJobUseCase validates a batch request and hands it to the worker
// through the message queue.
type EnqueueJobUseCase struct {
	queue  ports.MessageQueue
	opts   BatchOptions
	logger *slog.Logger
}

func NewEnqueueJobUseCase(queue ports.MessageQueue, opts BatchOptions, logger *slog.Logger) *EnqueueJobUseCase {
	if opts.DefaultBatchSize <= 0 {
		opts.DefaultBatchSize = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EnqueueJobUseCase{queue: queue, opts: opts, logger: logger}
}

func (uc *EnqueueJobUseCase) Enqueue(ctx context.Context, fileRefs []string, batchSize int) (string, error) {
	req, err := prepareRequest(domain.JobRequest{FileRefs: fileRefs, BatchSize: batchSize}, uc.opts)
	if err != nil {
		return "", err
	}
	if err := uc.queue.PublishJobRequested(ctx, req); err != nil {
		return "", fmt.Errorf("publish job request: %w", err)
	}
	uc.logger.Info("job.enqueued", "job_id", req.JobID, "refs", len(req.FileRefs), "batch_size", req.BatchSize)
	return req.JobID, nil
}
