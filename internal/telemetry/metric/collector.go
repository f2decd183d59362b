// Package metric provides Prometheus metrics for TokenVault.
//
// It exposes operation counts, eviction and cleanup activity, and
// tracked record gauges. A nil *Collector is a valid no-op so callers
// never need to guard their instrumentation.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// namespace prefixes every metric name.
const namespace = "tokenvault"

// Record kind label values.
const (
	KindSession    = "session"
	KindResetToken = "reset_token"
)

// Operation outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Collector holds the application metrics.
type Collector struct {
	ops            *prometheus.CounterVec
	evictions      prometheus.Counter
	cleanupRuns    *prometheus.CounterVec
	cleanupRemoved *prometheus.CounterVec
	tracked        *prometheus.GaugeVec
	live           *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Store operations by record kind, operation and outcome.",
		}, []string{"kind", "op", "outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_evictions_total",
			Help:      "Sessions evicted by the per-owner cap.",
		}),
		cleanupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_runs_total",
			Help:      "Completed cleanup passes by record kind.",
		}, []string{"kind"}),
		cleanupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_total",
			Help:      "Records removed by cleanup passes by record kind.",
		}, []string{"kind"}),
		tracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_tracked",
			Help:      "Physically tracked records by kind, expired included.",
		}, []string{"kind"}),
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_live",
			Help:      "Tracked records not yet expired by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(c.ops, c.evictions, c.cleanupRuns, c.cleanupRemoved, c.tracked, c.live)
	return c
}

// ObserveOp records one store operation.
func (c *Collector) ObserveOp(kind, op, outcome string) {
	if c == nil {
		return
	}
	c.ops.WithLabelValues(kind, op, outcome).Inc()
}

// AddEvictions records sessions evicted by the per-owner cap.
func (c *Collector) AddEvictions(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.evictions.Add(float64(n))
}

// ObserveCleanup records one completed cleanup pass.
func (c *Collector) ObserveCleanup(kind string, removed int) {
	if c == nil {
		return
	}
	c.cleanupRuns.WithLabelValues(kind).Inc()
	c.cleanupRemoved.WithLabelValues(kind).Add(float64(removed))
}

// SetTracked updates the tracked record gauge for a kind.
func (c *Collector) SetTracked(kind string, n int) {
	if c == nil {
		return
	}
	c.tracked.WithLabelValues(kind).Set(float64(n))
}

// SetLive updates the live record gauge for a kind.
func (c *Collector) SetLive(kind string, n int) {
	if c == nil {
		return
	}
	c.live.WithLabelValues(kind).Set(float64(n))
}
