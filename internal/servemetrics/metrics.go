// Package servemetrics exposes Prometheus instrumentation for the serve
// loop, modeled on the teacher's top-level metrics package: package-level
// promauto-registered vectors, labeled coarsely enough to avoid unbounded
// cardinality (no key or table-uuid labels on the hot path).
package servemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons recorded by RecordDrop.
const (
	DropExpired      = "expired"
	DropUnknownTable = "unknown_table"
	DropMalformed    = "malformed"
	DropTTLExhausted = "ttl_exhausted"
	DropWriteFailed  = "write_failed"
)

var lookupsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jetx_lookups_total",
		Help: "Lookup datagrams processed, by outcome.",
	},
	[]string{"outcome"},
)

var dropsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jetx_drops_total",
		Help: "Lookup datagrams dropped before producing a response, by reason.",
	},
	[]string{"reason"},
)

var lookupLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "jetx_lookup_latency_seconds",
		Help:    "Time from datagram receipt to response write.",
		Buckets: prometheus.ExponentialBuckets(0.000001, 4, 14),
	},
)

// Recorder decouples internal/serve from a hard Prometheus dependency: the
// serve loop depends only on this interface, and NewPrometheusRecorder (or
// a test double) satisfies it.
type Recorder interface {
	RecordHit()
	RecordMiss()
	RecordDrop(reason string)
	ObserveLatency(seconds float64)
}

type prometheusRecorder struct{}

// NewPrometheusRecorder returns a Recorder backed by the package's
// globally-registered Prometheus vectors.
func NewPrometheusRecorder() Recorder { return prometheusRecorder{} }

func (prometheusRecorder) RecordHit()  { lookupsTotal.WithLabelValues("hit").Inc() }
func (prometheusRecorder) RecordMiss() { lookupsTotal.WithLabelValues("miss").Inc() }

func (prometheusRecorder) RecordDrop(reason string) {
	dropsTotal.WithLabelValues(reason).Inc()
}

func (prometheusRecorder) ObserveLatency(seconds float64) {
	lookupLatency.Observe(seconds)
}

// Noop is a Recorder that discards everything, useful in tests.
type Noop struct{}

func (Noop) RecordHit()               {}
func (Noop) RecordMiss()              {}
func (Noop) RecordDrop(reason string) {}
func (Noop) ObserveLatency(seconds float64) {}
