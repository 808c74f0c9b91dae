package ports

import (
	"context"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// BatchProcessor is the inbound contract for running an invoice batch job.
type BatchProcessor interface {
	Run(ctx context.Context, fileRefs []string, batchSize int) (*domain.BatchResult, error)
	RunRequest(ctx context.Context, req domain.JobRequest) (*domain.BatchResult, error)
}

// JobEnqueuer hands a batch request to the asynchronous worker.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, fileRefs []string, batchSize int) (string, error)
}

// StatusReader exposes job status snapshots to observers.
type StatusReader interface {
	Snapshot(jobID string) (map[string]domain.ProcessingItem, error)
	Clear(jobID string) error
}

// OutcomeReader lists persisted outcomes of a finished job.
type OutcomeReader interface {
	ListOutcomes(ctx context.Context, jobID string) ([]domain.Outcome, error)
}
