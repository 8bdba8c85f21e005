package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "articlesearch", Name: "operations_total", Help: "Number of index and query operations by component, operation and outcome."},
		[]string{"component", "op", "outcome"},
	)
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "articlesearch", Name: "operation_duration_seconds", Help: "Latency of index and query operations.", Buckets: prometheus.DefBuckets},
		[]string{"component", "op"},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(Operations)
	reg.MustRegister(OperationDuration)
}

// Observe records one completed operation.
func Observe(component, op string, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	Operations.WithLabelValues(component, op, outcome).Inc()
	OperationDuration.WithLabelValues(component, op).Observe(took.Seconds())
}
