package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/invoice-pipeline/internal/config"
	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/progress"
)

type processorFake struct {
	result    *domain.BatchResult
	err       error
	refs      []string
	batchSize int
}

func (f *processorFake) Run(_ context.Context, refs []string, batchSize int) (*domain.BatchResult, error) {
	f.refs = refs
	f.batchSize = batchSize
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *processorFake) RunRequest(ctx context.Context, req domain.JobRequest) (*domain.BatchResult, error) {
	return f.Run(ctx, req.FileRefs, req.BatchSize)
}

type enqueuerFake struct {
	jobID string
	err   error
	refs  []string
}

func (f *enqueuerFake) Enqueue(_ context.Context, refs []string, _ int) (string, error) {
	f.refs = refs
	return f.jobID, f.err
}

type outcomesFake struct {
	outcomes []domain.Outcome
	err      error
}

func (f outcomesFake) ListOutcomes(context.Context, string) ([]domain.Outcome, error) {
	return f.outcomes, f.err
}

func newTestHandler(cfg config.Config, services Services) http.Handler {
	if services.Processor == nil {
		services.Processor = &processorFake{result: &domain.BatchResult{JobID: "job-1", TotalBatches: 1, BatchSize: 5}}
	}
	if services.Status == nil {
		services.Status = progress.NewRegistry(4)
	}
	return NewRouter(cfg, services, nil, nil).Handler()
}

func postJSONRequest(t *testing.T, path string, payload any) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestRunBatchReturnsAggregatedResponse(t *testing.T) {
	invoiceNumber := "INV-7"
	processor := &processorFake{result: &domain.BatchResult{
		JobID: "job-42",
		Results: []domain.ProcessedResult{
			{FileRef: "https://files/a.pdf", FileName: "a.pdf", Data: domain.InvoiceRecord{InvoiceNumber: &invoiceNumber}},
		},
		FailedURLs: []domain.FailedURL{
			{URL: "https://files/b.pdf", Error: "download failed: 404", Stage: domain.StageError, Status: domain.StatusError},
		},
		TotalBatches: 1,
		BatchSize:    2,
	}}
	handler := newTestHandler(config.Config{}, Services{Processor: processor})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, postJSONRequest(t, "/v1/invoices/batches", map[string]any{
		"fileRefs":  []string{"https://files/a.pdf", " ", "https://files/b.pdf"},
		"batchSize": 2,
	}))

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if len(processor.refs) != 2 || processor.batchSize != 2 {
		t.Fatalf("expected blank refs dropped and batch size passed, got %v / %d", processor.refs, processor.batchSize)
	}

	var body batchResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Success {
		t.Fatalf("expected success=false with a failed item")
	}
	if body.JobID != "job-42" || body.TotalProcessed != 1 || body.TotalFailed != 1 || body.TotalInvoices != 2 {
		t.Fatalf("unexpected totals: %+v", body)
	}
	if body.TotalBatches != 1 || body.BatchSize != 2 {
		t.Fatalf("unexpected batch info: %+v", body)
	}
	if body.FailedURLs[0].Error != "download failed: 404" {
		t.Fatalf("unexpected failed entry: %+v", body.FailedURLs[0])
	}
}

func TestRunBatchEmptyListsAreArrays(t *testing.T) {
	handler := newTestHandler(config.Config{}, Services{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, postJSONRequest(t, "/v1/invoices/batches", map[string]any{"fileRefs": []string{"a"}}))

	if !strings.Contains(res.Body.String(), `"failedUrls":[]`) || !strings.Contains(res.Body.String(), `"success":true`) {
		t.Fatalf("expected empty arrays and success, got %s", res.Body.String())
	}
}

func TestRunBatchRejectsInvalidRequests(t *testing.T) {
	handler := newTestHandler(config.Config{}, Services{})

	cases := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "{"},
		{name: "missing refs", body: `{"batchSize": 2}`},
		{name: "blank refs", body: `{"fileRefs": ["  "]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/invoices/batches", strings.NewReader(tc.body))
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			if res.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", res.Code)
			}
		})
	}
}

func TestRunBatchMapsDomainInvalidInputTo400(t *testing.T) {
	processor := &processorFake{err: domain.WrapError(domain.ErrInvalidInput, "run batch", errors.New("too many refs"))}
	handler := newTestHandler(config.Config{}, Services{Processor: processor})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, postJSONRequest(t, "/v1/invoices/batches", map[string]any{"fileRefs": []string{"a"}}))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestRunBatchHidesInternalErrors(t *testing.T) {
	processor := &processorFake{err: errors.New("pq: connection refused at 10.0.0.3")}
	handler := newTestHandler(config.Config{}, Services{Processor: processor})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, postJSONRequest(t, "/v1/invoices/batches", map[string]any{"fileRefs": []string{"a"}}))
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "10.0.0.3") {
		t.Fatalf("internal error leaked: %s", res.Body.String())
	}
}

func TestEnqueueBatchReturns202(t *testing.T) {
	enqueuer := &enqueuerFake{jobID: "job-async"}
	handler := newTestHandler(config.Config{}, Services{Enqueuer: enqueuer})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, postJSONRequest(t, "/v1/invoices/batches:async", map[string]any{"fileRefs": []string{"s3://bucket/a.pdf"}}))

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "job-async") {
		t.Fatalf("expected job id in body, got %s", res.Body.String())
	}
}

func TestEnqueueBatchWithoutQueueReturns503(t *testing.T) {
	handler := newTestHandler(config.Config{}, Services{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, postJSONRequest(t, "/v1/invoices/batches:async", map[string]any{"fileRefs": []string{"a"}}))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestEnqueueBatchMapsTemporaryTo503(t *testing.T) {
	enqueuer := &enqueuerFake{err: domain.WrapError(domain.ErrTemporary, "publish job", errors.New("nats: timeout"))}
	handler := newTestHandler(config.Config{}, Services{Enqueuer: enqueuer})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, postJSONRequest(t, "/v1/invoices/batches:async", map[string]any{"fileRefs": []string{"a"}}))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestStatusSnapshotAndClear(t *testing.T) {
	registry := progress.NewRegistry(4)
	store := progress.NewStore()
	store.Set(domain.NewProcessingItem("job-1", "a.pdf", 0, 1, 1))
	registry.Register("job-1", store)
	handler := newTestHandler(config.Config{}, Services{Status: registry})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/invoices/status", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var snapshot map[string]domain.ProcessingItem
	if err := json.NewDecoder(res.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot["a.pdf"].Status != domain.StatusPending {
		t.Fatalf("expected pending item in snapshot, got %+v", snapshot)
	}

	for i := 0; i < 2; i++ {
		res = httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodDelete, "/v1/invoices/status?jobId=job-1", nil))
		if res.Code != http.StatusNoContent {
			t.Fatalf("clear #%d expected 204, got %d", i+1, res.Code)
		}
	}
	if store.Len() != 0 {
		t.Fatalf("expected cleared store")
	}
}

func TestStatusUnknownJobReturns404(t *testing.T) {
	handler := newTestHandler(config.Config{}, Services{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/invoices/status?jobId=missing", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestClearUnknownJobSucceeds(t *testing.T) {
	handler := newTestHandler(config.Config{}, Services{Status: progress.NewRegistry(2)})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodDelete, "/v1/invoices/status?jobId=missing", nil))
	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.Code)
	}
}

func TestListOutcomes(t *testing.T) {
	outcomes := outcomesFake{outcomes: []domain.Outcome{{JobID: "job-1", FileRef: "a", Status: domain.StatusProcessed}}}
	handler := newTestHandler(config.Config{}, Services{Outcomes: outcomes})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/outcomes", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `"file_ref":"a"`) {
		t.Fatalf("unexpected body: %s", res.Body.String())
	}

	missing := newTestHandler(config.Config{}, Services{Outcomes: outcomesFake{
		err: domain.WrapError(domain.ErrJobNotFound, "list outcomes", errors.New("job-2")),
	}})
	res = httptest.NewRecorder()
	missing.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-2/outcomes", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestWrongMethodIsRejected(t *testing.T) {
	handler := newTestHandler(config.Config{}, Services{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/invoices/batches", nil))
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	handler := newTestHandler(config.Config{}, Services{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-123")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Header().Get(requestIDHeader) != "req-123" {
		t.Fatalf("expected request id echoed, got %q", res.Header().Get(requestIDHeader))
	}
}

var _ ports.BatchProcessor = (*processorFake)(nil)
