package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

func TestPipelineMetricsCountItemsAndBatches(t *testing.T) {
	m := NewPipelineMetrics("api", nil)

	m.StartItem()
	m.StartItem()
	m.FinishItem(domain.ServiceNormalization, domain.StatusProcessed, time.Second)
	m.FinishItem(domain.ServiceExtraction, domain.StatusError, time.Second)
	m.ObserveBatch(2, 1, 3*time.Second)
	m.RecordRetry("normalize_invoice", 1, nil)
	m.RecordEventDropped(domain.TopicStatus)

	if got := testutil.ToFloat64(m.itemsInFlight); got != 0 {
		t.Fatalf("expected no items in flight, got %v", got)
	}
	if got := testutil.ToFloat64(m.itemsTotal.WithLabelValues("api", "extraction", "error")); got != 1 {
		t.Fatalf("expected one extraction error, got %v", got)
	}
	if got := testutil.ToFloat64(m.batchesTotal.WithLabelValues("api", "partial")); got != 1 {
		t.Fatalf("expected one partial batch, got %v", got)
	}
	if got := testutil.ToFloat64(m.retriesTotal.WithLabelValues("api", "normalize_invoice")); got != 1 {
		t.Fatalf("expected one retry, got %v", got)
	}
}

func TestSharedRegistryServesBothCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	p := NewPipelineMetrics("api", registry)
	h := NewHTTPServerMetrics("api", registry)

	handler := h.Middleware("api", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/jobs/abc/outcomes", nil))
	p.ObserveBatch(1, 0, time.Second)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`invoice_http_requests_total{method="GET",path="/v1/jobs/{job_id}/outcomes",service="api",status="202"} 1`,
		`invoice_pipeline_batches_total{outcome="success",service="api"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}
