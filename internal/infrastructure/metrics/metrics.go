// Package metrics provides Prometheus metrics for the allocation engine.
// Labels stay low-cardinality: no sequence, block or entity IDs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"consecutive/internal/domain/sequence"
)

const namespace = "consecutive"

// Observer records engine events. It implements sequence.Observer.
type Observer struct {
	leaseWait     *prometheus.HistogramVec
	leaseAttempts prometheus.Histogram
	allocated     *prometheus.CounterVec
	allocations   *prometheus.CounterVec
	exhausted     prometheus.Counter
	expired       *prometheus.CounterVec
}

// NewObserver registers the engine metrics on reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		leaseWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lease_wait_seconds",
			Help:      "Time spent acquiring a sequence lease, by result.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"result"}),
		leaseAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lease_attempts",
			Help:      "Acquisition attempts per lease request.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
		allocated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "values_allocated_total",
			Help:      "Total number of values handed out, by operation kind.",
		}, []string{"kind"}),
		allocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Total number of successful allocation requests, by operation kind.",
		}, []string{"kind"}),
		exhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exhaustions_total",
			Help:      "Total number of requests rejected because a sequence reached its maximum.",
		}),
		expired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_expired_total",
			Help:      "Total number of reservations expired by the sweeper, by kind (block/single).",
		}, []string{"kind"}),
	}
}

// LeaseWait implements sequence.Observer.
func (o *Observer) LeaseWait(_ string, attempts int, acquired bool, wait time.Duration) {
	result := "acquired"
	if !acquired {
		result = "busy"
	}
	o.leaseWait.WithLabelValues(result).Observe(wait.Seconds())
	o.leaseAttempts.Observe(float64(attempts))
}

// Allocated implements sequence.Observer.
func (o *Observer) Allocated(_ string, quantity int64, kind string) {
	o.allocations.WithLabelValues(kind).Inc()
	o.allocated.WithLabelValues(kind).Add(float64(quantity))
}

// Exhausted implements sequence.Observer.
func (o *Observer) Exhausted(string) {
	o.exhausted.Inc()
}

// Expired implements sequence.Observer.
func (o *Observer) Expired(kind string, n int) {
	o.expired.WithLabelValues(kind).Add(float64(n))
}

var _ sequence.Observer = (*Observer)(nil)
