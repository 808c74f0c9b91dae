package domain

const (
	TopicStatus = "status"
	TopicBatch  = "batch"
)

type StatusEvent struct {
	JobID   string         `json:"jobId"`
	FileRef string         `json:"fileRef"`
	Status  ProcessingItem `json:"status"`
}

type BatchEvent struct {
	JobID        string            `json:"jobId"`
	BatchNumber  int               `json:"batchNumber"`
	TotalBatches int               `json:"totalBatches"`
	Results      []ProcessedResult `json:"results"`
	FailedURLs   []FailedURL       `json:"failedUrls"`
}

// Event is the envelope delivered to observers.
type Event struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// AnalyzedPage is one page returned by the document-extraction service.
type AnalyzedPage struct {
	Number int      `json:"number"`
	Lines  []string `json:"lines"`
}

type AnalyzedDocument struct {
	Pages []AnalyzedPage `json:"pages"`
}

// JobRequest is the queued form of a batch request.
type JobRequest struct {
	JobID     string   `json:"jobId"`
	FileRefs  []string `json:"fileRefs"`
	BatchSize int      `json:"batchSize"`
}

// Outcome is a persisted per-item terminal state.
type Outcome struct {
	JobID       string         `json:"jobId"`
	FileRef     string         `json:"fileRef"`
	FileName    string         `json:"fileName"`
	Status      ItemStatus     `json:"status"`
	Stage       Stage          `json:"stage"`
	BatchNumber int            `json:"batchNumber"`
	Data        *InvoiceRecord `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
}
