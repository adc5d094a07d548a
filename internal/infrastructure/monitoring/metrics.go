package monitoring

import (
	"customer-import/internal/pkg/apperrors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	importRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "customer_import_records_total",
		Help: "Processed import records by outcome.",
	}, []string{"outcome"})

	importRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "customer_import_runs_total",
		Help: "Finished import runs by status.",
	}, []string{"status"})

	remoteCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "square_api_calls_total",
		Help: "Square API calls by operation and result.",
	}, []string{"operation", "result"})

	remoteCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "square_api_call_duration_seconds",
		Help:    "Duration of Square API calls in seconds, retries included.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// ImportMetrics records import activity in the default prometheus registry.
type ImportMetrics struct{}

func NewImportMetrics() *ImportMetrics {
	return &ImportMetrics{}
}

func (m *ImportMetrics) RecordOutcome(outcome string) {
	importRecordsTotal.WithLabelValues(outcome).Inc()
}

func (m *ImportMetrics) RunFinished(status string) {
	importRunsTotal.WithLabelValues(status).Inc()
}

func (m *ImportMetrics) ObserveCall(operation string, kind apperrors.FailureKind, elapsed time.Duration) {
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	remoteCallsTotal.WithLabelValues(operation, result).Inc()
	remoteCallDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}
