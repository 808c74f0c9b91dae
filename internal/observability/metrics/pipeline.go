package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

type PipelineMetrics struct {
	registry *prometheus.Registry
	service  string

	itemsTotal    *prometheus.CounterVec
	itemDuration  *prometheus.HistogramVec
	itemsInFlight prometheus.Gauge
	batchesTotal  *prometheus.CounterVec
	batchSize     *prometheus.HistogramVec
	batchDuration *prometheus.HistogramVec
	retriesTotal  *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
}

// NewPipelineMetrics registers the pipeline collectors on registry, or on a
// fresh registry when registry is nil.
func NewPipelineMetrics(service string, registry *prometheus.Registry) *PipelineMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	itemsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invoice",
			Subsystem: "pipeline",
			Name:      "items_total",
			Help:      "Total finished items by the service stage they ended in and status.",
		},
		[]string{"service", "stage", "status"},
	)
	itemDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "invoice",
			Subsystem: "pipeline",
			Name:      "item_duration_seconds",
			Help:      "Item processing duration in seconds by status.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"service", "status"},
	)
	itemsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "invoice",
			Subsystem: "pipeline",
			Name:      "items_in_flight",
			Help:      "Number of items currently being processed.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	batchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invoice",
			Subsystem: "pipeline",
			Name:      "batches_total",
			Help:      "Total processed batches by outcome.",
		},
		[]string{"service", "outcome"},
	)
	batchSize := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "invoice",
			Subsystem: "pipeline",
			Name:      "batch_size",
			Help:      "Distribution of items per batch.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		},
		[]string{"service"},
	)
	batchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "invoice",
			Subsystem: "pipeline",
			Name:      "batch_duration_seconds",
			Help:      "Batch processing duration in seconds.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	retriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invoice",
			Subsystem: "pipeline",
			Name:      "retries_total",
			Help:      "Total retried external calls by operation.",
		},
		[]string{"service", "operation"},
	)
	eventsDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invoice",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Progress events dropped because an observer fell behind.",
		},
		[]string{"service", "topic"},
	)

	registry.MustRegister(itemsTotal, itemDuration, itemsInFlight, batchesTotal, batchSize, batchDuration, retriesTotal, eventsDropped)

	return &PipelineMetrics{
		registry:      registry,
		service:       service,
		itemsTotal:    itemsTotal,
		itemDuration:  itemDuration,
		itemsInFlight: itemsInFlight,
		batchesTotal:  batchesTotal,
		batchSize:     batchSize,
		batchDuration: batchDuration,
		retriesTotal:  retriesTotal,
		eventsDropped: eventsDropped,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PipelineMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PipelineMetrics) StartItem() {
	m.itemsInFlight.Inc()
}

func (m *PipelineMetrics) FinishItem(stage domain.ServiceStage, status domain.ItemStatus, duration time.Duration) {
	m.itemsInFlight.Dec()

	stageLabel := string(stage)
	if stageLabel == "" {
		stageLabel = "batch"
	}
	m.itemsTotal.WithLabelValues(m.service, stageLabel, string(status)).Inc()
	if duration > 0 {
		m.itemDuration.WithLabelValues(m.service, string(status)).Observe(duration.Seconds())
	}
}

func (m *PipelineMetrics) ObserveBatch(size int, failed int, duration time.Duration) {
	outcome := "success"
	switch {
	case failed == size && size > 0:
		outcome = "failed"
	case failed > 0:
		outcome = "partial"
	}
	m.batchesTotal.WithLabelValues(m.service, outcome).Inc()
	m.batchSize.WithLabelValues(m.service).Observe(float64(size))
	m.batchDuration.WithLabelValues(m.service).Observe(duration.Seconds())
}

// RecordRetry matches the resilience OnRetry hook.
func (m *PipelineMetrics) RecordRetry(operation string, _ int, _ error) {
	m.retriesTotal.WithLabelValues(m.service, operation).Inc()
}

// RecordEventDropped matches the event broker drop hook.
func (m *PipelineMetrics) RecordEventDropped(topic string) {
	m.eventsDropped.WithLabelValues(m.service, topic).Inc()
}
