package messaging

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics instruments coordinator operations. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	operations     *prometheus.CounterVec
	inFlight       *prometheus.GaugeVec
	duration       *prometheus.HistogramVec
	settleFailures *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "widgetchat",
			Name:      "operations_total",
			Help:      "Coordinator operations by outcome.",
		}, []string{"op", "outcome"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "widgetchat",
			Name:      "operations_in_flight",
			Help:      "Coordinator operations waiting on the network.",
		}, []string{"op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "widgetchat",
			Name:      "operation_duration_seconds",
			Help:      "Coordinator operation latency including reconciliation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		settleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "widgetchat",
			Name:      "settle_failures_total",
			Help:      "Transient status flags that could not be cleared.",
		}, []string{"entity"}),
	}
	if reg == nil {
		return m, nil
	}

	for _, collector := range []prometheus.Collector{m.operations, m.inFlight, m.duration, m.settleFailures} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register messaging metrics: %w", err)
		}
	}
	return m, nil
}

// begin marks op in flight and returns the func that records its outcome.
func (m *Metrics) begin(op Op) func(err error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()
	m.inFlight.WithLabelValues(string(op)).Inc()
	return func(err error) {
		m.inFlight.WithLabelValues(string(op)).Dec()
		m.duration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
		outcome := outcomeSuccess
		if err != nil {
			outcome = outcomeFailure
		}
		m.operations.WithLabelValues(string(op), outcome).Inc()
	}
}

func (m *Metrics) settleFailed(entity string) {
	if m == nil {
		return
	}
	m.settleFailures.WithLabelValues(entity).Inc()
}
