package ports

import (
	"context"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// FileResolver returns the raw bytes behind a stable file reference.
type FileResolver interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// DocumentAnalyzer submits raw bytes to the document-extraction service and
// waits for the analysis to finish.
type DocumentAnalyzer interface {
	Analyze(ctx context.Context, data []byte, profile string) (domain.AnalyzedDocument, error)
}

// TextExtractor turns a file reference into recognized text.
type TextExtractor interface {
	Extract(ctx context.Context, fileRef string) (string, error)
}

// TextNormalizer maps extracted text to the invoice schema.
type TextNormalizer interface {
	Normalize(ctx context.Context, text string) (domain.InvoiceRecord, error)
}

// StatusStore keeps the current state of every item of one job.
type StatusStore interface {
	Set(item domain.ProcessingItem)
	Get(id string) (domain.ProcessingItem, bool)
	Clear()
	Snapshot() map[string]domain.ProcessingItem
}

// JobRegistry tracks the status stores of recent jobs.
type JobRegistry interface {
	Register(jobID string, store StatusStore)
	Get(jobID string) (StatusStore, bool)
	Latest() (string, StatusStore, bool)
}

// EventPublisher broadcasts progress to passive observers. Delivery is
// best effort and never blocks the caller on a slow observer.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any)
}

// MessageQueue carries batch requests between the API and the worker.
type MessageQueue interface {
	PublishJobRequested(ctx context.Context, req domain.JobRequest) error
	SubscribeJobRequested(ctx context.Context, handler func(context.Context, domain.JobRequest) error) error
}

// OutcomeRecorder persists terminal per-item outcomes of a job.
type OutcomeRecorder interface {
	RecordOutcomes(ctx context.Context, outcomes []domain.Outcome) error
}

// PipelineMetrics observes item and batch processing.
type PipelineMetrics interface {
	StartItem()
	FinishItem(stage domain.ServiceStage, status domain.ItemStatus, duration time.Duration)
	ObserveBatch(size int, failed int, duration time.Duration)
}
