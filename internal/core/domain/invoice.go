package domain

import (
	"fmt"
	"math"
	"net/url"
	"path"
	"strings"
	"time"
)

type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusProcessed  ItemStatus = "processed"
	StatusError      ItemStatus = "error"
	StatusFailed     ItemStatus = "failed"
)

func (s ItemStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusError || s == StatusFailed
}

type Stage string

const (
	StageReading   Stage = "reading"
	StageAnalyzing Stage = "analyzing"
	StageCompleted Stage = "completed"
	StageError     Stage = "error"
)

func (s Stage) rank() int {
	switch s {
	case StageReading:
		return 1
	case StageAnalyzing:
		return 2
	case StageCompleted, StageError:
		return 3
	default:
		return 0
	}
}

// ServiceStage names the external service an item is waiting on.
type ServiceStage string

const (
	ServiceExtraction    ServiceStage = "extraction"
	ServiceNormalization ServiceStage = "normalization"
)

// InvoiceRecord is the normalized invoice schema. Unrecognized fields stay nil.
type InvoiceRecord struct {
	InvoiceYear    *int     `json:"invoice_year"`
	InvoiceQuarter *int     `json:"invoice_quarter"`
	InvoiceMonth   *int     `json:"invoice_month"`
	InvoiceDay     *int     `json:"invoice_day"`
	InvoiceNumber  *string  `json:"invoice_number"`
	Category       *string  `json:"category"`
	Supplier       *string  `json:"supplier"`
	Description    *string  `json:"description"`
	VATRegion      *string  `json:"vat_region"`
	Currency       *string  `json:"currency"`
	AmountExclVAT  *float64 `json:"amount_excl_vat"`
	VATAmount      *float64 `json:"vat_amount"`
	AmountInclVAT  *float64 `json:"amount_incl_vat"`
}

// FillDerived completes values that follow from other fields: the quarter
// from the month and one missing amount from the other two.
func (r *InvoiceRecord) FillDerived() {
	if r.InvoiceQuarter == nil && r.InvoiceMonth != nil && *r.InvoiceMonth >= 1 && *r.InvoiceMonth <= 12 {
		q := (*r.InvoiceMonth-1)/3 + 1
		r.InvoiceQuarter = &q
	}
	switch {
	case r.AmountInclVAT == nil && r.AmountExclVAT != nil && r.VATAmount != nil:
		v := round2(*r.AmountExclVAT + *r.VATAmount)
		r.AmountInclVAT = &v
	case r.VATAmount == nil && r.AmountExclVAT != nil && r.AmountInclVAT != nil:
		v := round2(*r.AmountInclVAT - *r.AmountExclVAT)
		r.VATAmount = &v
	case r.AmountExclVAT == nil && r.VATAmount != nil && r.AmountInclVAT != nil:
		v := round2(*r.AmountInclVAT - *r.VATAmount)
		r.AmountExclVAT = &v
	}
	if r.Currency != nil {
		c := strings.ToUpper(strings.TrimSpace(*r.Currency))
		r.Currency = &c
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type ProcessingItem struct {
	ID            string         `json:"id"`
	JobID         string         `json:"jobId"`
	FileName      string         `json:"fileName"`
	Status        ItemStatus     `json:"status"`
	Stage         Stage          `json:"stage,omitempty"`
	CurrentStage  ServiceStage   `json:"currentStage,omitempty"`
	BatchNumber   int            `json:"batchNumber"`
	TotalBatches  int            `json:"totalBatches"`
	StartTime     time.Time      `json:"startTime,omitempty"`
	EndTime       time.Time      `json:"endTime,omitempty"`
	ExtractedData *InvoiceRecord `json:"extractedData,omitempty"`
	Error         string         `json:"error,omitempty"`
}

func NewProcessingItem(jobID, ref string, index, batchNumber, totalBatches int) ProcessingItem {
	return ProcessingItem{
		ID:           ref,
		JobID:        jobID,
		FileName:     FileNameFromRef(ref, index),
		Status:       StatusPending,
		BatchNumber:  batchNumber,
		TotalBatches: totalBatches,
	}
}

// Advance moves the item to a processing stage. Stages never regress and
// terminal items cannot be advanced.
func (it *ProcessingItem) Advance(stage Stage, service ServiceStage, now time.Time) error {
	if it.Status.Terminal() {
		return fmt.Errorf("item %s already terminal (%s)", it.ID, it.Status)
	}
	if stage == StageCompleted || stage == StageError {
		return fmt.Errorf("stage %s is terminal, use Complete or Fail", stage)
	}
	if stage.rank() < it.Stage.rank() {
		return fmt.Errorf("item %s: stage %s would regress from %s", it.ID, stage, it.Stage)
	}
	if it.Status != StatusProcessing {
		it.StartTime = now
	}
	it.Status = StatusProcessing
	it.Stage = stage
	it.CurrentStage = service
	return nil
}

func (it *ProcessingItem) Complete(data InvoiceRecord, now time.Time) error {
	if it.Status.Terminal() {
		return fmt.Errorf("item %s already terminal (%s)", it.ID, it.Status)
	}
	record := data
	it.Status = StatusProcessed
	it.Stage = StageCompleted
	it.CurrentStage = ""
	it.ExtractedData = &record
	it.Error = ""
	it.EndTime = now
	return nil
}

// Fail records a terminal failure. status must be StatusError or StatusFailed.
// A processed item may still be failed by a batch-level error.
func (it *ProcessingItem) Fail(status ItemStatus, reason string, now time.Time) {
	if status != StatusFailed {
		status = StatusError
	}
	if reason == "" {
		reason = "unknown error"
	}
	it.Status = status
	it.Stage = StageError
	it.CurrentStage = ""
	it.ExtractedData = nil
	it.Error = reason
	it.EndTime = now
}

type ProcessedResult struct {
	FileRef  string        `json:"fileRef"`
	FileName string        `json:"fileName"`
	Data     InvoiceRecord `json:"data"`
}

type FailedURL struct {
	URL    string     `json:"url"`
	Error  string     `json:"error"`
	Stage  Stage      `json:"stage"`
	Status ItemStatus `json:"status"`
}

type BatchRecord struct {
	BatchNumber int               `json:"batchNumber"`
	Items       []ProcessingItem  `json:"items"`
	Results     []ProcessedResult `json:"results"`
	Failed      []FailedURL       `json:"failedUrls"`
}

type BatchResult struct {
	JobID        string            `json:"jobId"`
	Results      []ProcessedResult `json:"results"`
	FailedURLs   []FailedURL       `json:"failedUrls"`
	TotalBatches int               `json:"totalBatches"`
	BatchSize    int               `json:"batchSize"`
}

func (r *BatchResult) Success() bool {
	return len(r.FailedURLs) == 0
}

// TotalBatches returns ceil(n / size).
func TotalBatches(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Partition splits refs into consecutive chunks of size; the last chunk may be shorter.
func Partition(refs []string, size int) [][]string {
	if size <= 0 {
		return nil
	}
	out := make([][]string, 0, TotalBatches(len(refs), size))
	for start := 0; start < len(refs); start += size {
		end := start + size
		if end > len(refs) {
			end = len(refs)
		}
		out = append(out, refs[start:end])
	}
	return out
}

// FileNameFromRef derives a display name from the last path segment of a
// reference, dropping query strings.
func FileNameFromRef(ref string, index int) string {
	fallback := fmt.Sprintf("file_%d", index)
	raw := strings.TrimSpace(ref)
	if raw == "" {
		return fallback
	}

	p := raw
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		p = u.Path
		if u.Scheme == "s3" && p == "" {
			p = u.Host
		}
	} else if i := strings.IndexAny(raw, "?#"); i >= 0 {
		p = raw[:i]
	}

	name := path.Base(strings.TrimRight(p, "/"))
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if name == "" || name == "." || name == "/" {
		return fallback
	}
	return name
}
