// Package metrics exposes dispatch counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dispatcher's collectors. A nil *Metrics is valid
// and records nothing, so tests don't need a registry.
type Metrics struct {
	attempts    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	acquireWait *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec
	batchSize   prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sms_dispatch_attempts_total",
			Help: "Delivery attempts by carrier and outcome.",
		}, []string{"carrier", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sms_dispatch_latency_seconds",
			Help:    "Gateway round-trip latency by carrier.",
			Buckets: prometheus.DefBuckets,
		}, []string{"carrier"}),
		acquireWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sms_dispatch_throttle_wait_seconds",
			Help:    "Time spent waiting on the per-carrier rate limiter.",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 15, 60},
		}, []string{"carrier"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sms_queue_depth",
			Help: "Queue items by state.",
		}, []string{"state"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sms_dispatch_batch_size",
			Help:    "Items processed per queue pass.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		}),
	}
	reg.MustRegister(m.attempts, m.latency, m.acquireWait, m.queueDepth, m.batchSize)
	return m
}

func (m *Metrics) ObserveAttempt(carrier, outcome string, latencySec float64) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(carrier, outcome).Inc()
	if latencySec > 0 {
		m.latency.WithLabelValues(carrier).Observe(latencySec)
	}
}

func (m *Metrics) ObserveThrottleWait(carrier string, waitSec float64) {
	if m == nil {
		return
	}
	m.acquireWait.WithLabelValues(carrier).Observe(waitSec)
}

func (m *Metrics) SetQueueDepth(state string, n int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(state).Set(float64(n))
}

func (m *Metrics) ObserveBatch(n int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}
