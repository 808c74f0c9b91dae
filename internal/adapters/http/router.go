package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/config"
	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/events"
	"github.com/kirillkom/invoice-pipeline/internal/observability/metrics"
)

// EventSource hands out live subscriptions to pipeline events.
type EventSource interface {
	Subscribe() *events.Subscription
}

// Services groups the use cases the router exposes. Enqueuer, Events and
// Outcomes are optional; their routes answer 503 when missing.
type Services struct {
	Processor ports.BatchProcessor
	Enqueuer  ports.JobEnqueuer
	Status    ports.StatusReader
	Events    EventSource
	Outcomes  ports.OutcomeReader
}

type Router struct {
	services    Services
	auth        *Authenticator
	metrics     *metrics.HTTPServerMetrics
	serviceName string
	logger      *slog.Logger

	rateLimitRPS     float64
	rateLimitBurst   int
	maxInFlight      int
	backpressureWait time.Duration
}

func NewRouter(cfg config.Config, services Services, httpMetrics *metrics.HTTPServerMetrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		services:         services,
		auth:             NewAuthenticator(cfg.AuthAPIKey, cfg.AuthJWTSecret),
		metrics:          httpMetrics,
		serviceName:      "api",
		logger:           logger,
		rateLimitRPS:     cfg.APIRateLimitRPS,
		rateLimitBurst:   cfg.APIRateLimitBurst,
		maxInFlight:      cfg.APIMaxInFlight,
		backpressureWait: cfg.APIBackpressureWait,
	}
}

func (rt *Router) Handler() http.Handler {
	v1 := http.NewServeMux()
	v1.HandleFunc("POST /v1/invoices/batches", rt.runBatch)
	v1.HandleFunc("POST /v1/invoices/batches:async", rt.enqueueBatch)
	v1.HandleFunc("GET /v1/invoices/status", rt.getStatus)
	v1.HandleFunc("DELETE /v1/invoices/status", rt.clearStatus)
	v1.HandleFunc("GET "+eventsPath, rt.streamEvents)
	v1.HandleFunc("GET /v1/jobs/{jobId}/outcomes", rt.listOutcomes)

	authed := rt.auth.Middleware(v1)
	bounded := backpressureMiddleware(authed, rt.maxInFlight, rt.backpressureWait)
	// Event streams are long lived and must not hold in-flight slots.
	var api http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == eventsPath {
			authed.ServeHTTP(w, r)
			return
		}
		bounded.ServeHTTP(w, r)
	})
	api = rateLimitMiddleware(api, rt.rateLimitRPS, rt.rateLimitBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
	mux.Handle("/v1/", api)

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(rt.serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type batchRequest struct {
	FileRefs  []string `json:"fileRefs"`
	BatchSize int      `json:"batchSize"`
}

type batchResponse struct {
	Success        bool                     `json:"success"`
	JobID          string                   `json:"jobId"`
	Results        []domain.ProcessedResult `json:"results"`
	FailedURLs     []domain.FailedURL       `json:"failedUrls"`
	TotalProcessed int                      `json:"totalProcessed"`
	TotalFailed    int                      `json:"totalFailed"`
	TotalInvoices  int                      `json:"totalInvoices"`
	TotalBatches   int                      `json:"totalBatches"`
	BatchSize      int                      `json:"batchSize"`
}

func newBatchResponse(result *domain.BatchResult) batchResponse {
	results := result.Results
	if results == nil {
		results = []domain.ProcessedResult{}
	}
	failed := result.FailedURLs
	if failed == nil {
		failed = []domain.FailedURL{}
	}
	return batchResponse{
		Success:        result.Success(),
		JobID:          result.JobID,
		Results:        results,
		FailedURLs:     failed,
		TotalProcessed: len(results),
		TotalFailed:    len(failed),
		TotalInvoices:  len(results) + len(failed),
		TotalBatches:   result.TotalBatches,
		BatchSize:      result.BatchSize,
	}
}

func decodeBatchRequest(r *http.Request) (batchRequest, error) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, domain.WrapError(domain.ErrInvalidInput, "decode batch request", errors.New("invalid json"))
	}
	refs := make([]string, 0, len(req.FileRefs))
	for _, ref := range req.FileRefs {
		if ref = strings.TrimSpace(ref); ref != "" {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return req, domain.WrapError(domain.ErrInvalidInput, "decode batch request", errors.New("fileRefs is required"))
	}
	req.FileRefs = refs
	return req, nil
}

func (rt *Router) runBatch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBatchRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := rt.services.Processor.Run(r.Context(), req.FileRefs, req.BatchSize)
	if err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordJob(rt.serviceName, "sync", result.Success())
	}
	writeJSON(w, http.StatusOK, newBatchResponse(result))
}

func (rt *Router) enqueueBatch(w http.ResponseWriter, r *http.Request) {
	if rt.services.Enqueuer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "async processing is not configured"})
		return
	}
	req, err := decodeBatchRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	jobID, err := rt.services.Enqueuer.Enqueue(r.Context(), req.FileRefs, req.BatchSize)
	if err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordJob(rt.serviceName, "async", true)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (rt *Router) getStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := rt.services.Status.Snapshot(strings.TrimSpace(r.URL.Query().Get("jobId")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (rt *Router) clearStatus(w http.ResponseWriter, r *http.Request) {
	if err := rt.services.Status.Clear(strings.TrimSpace(r.URL.Query().Get("jobId"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) listOutcomes(w http.ResponseWriter, r *http.Request) {
	if rt.services.Outcomes == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "outcome persistence is not configured"})
		return
	}
	jobID := strings.TrimSpace(r.PathValue("jobId"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id is required"})
		return
	}

	outcomes, err := rt.services.Outcomes.ListOutcomes(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "outcomes": outcomes})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		slog.Error("http_handler_failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": publicMessage(status, err)})
}
