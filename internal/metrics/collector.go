// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the scheduler's prometheus instruments.
type Collector struct {
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	roundsTotal   *prometheus.CounterVec
	roundLength   prometheus.Histogram
	generation    *prometheus.HistogramVec
	previewsTotal prometheus.Counter
	reapedTotal   prometheus.Counter
	eventsTotal   *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the scheduler instruments under the given
// namespace on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs reaching a terminal status",
		},
		[]string{"status", "trigger"},
	)

	c.runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from claim to terminal transition",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	c.roundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Rounds reaching a terminal status",
		},
		[]string{"status"},
	)

	c.roundLength = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_queue_length",
			Help:      "Number of slots in newly created rounds",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	c.generation = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Provider call latency",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "outcome"},
	)

	c.previewsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_previews_total",
			Help:      "Calls to the queue preview operation",
		},
	)

	c.reapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_runs_total",
			Help:      "Stuck runs failed by the timeout sweep",
		},
	)

	c.eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Domain events handed to the sink",
		},
		[]string{"kind"},
	)

	return c
}

// RunFinished records a terminal run transition.
func (c *Collector) RunFinished(status, trigger string, dur time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status, trigger).Inc()
	c.runDuration.WithLabelValues(status).Observe(dur.Seconds())
}

// RoundCreated records a new round and its queue length.
func (c *Collector) RoundCreated(slots int) {
	if c == nil {
		return
	}
	c.roundLength.Observe(float64(slots))
}

// RoundFinished records a terminal round transition.
func (c *Collector) RoundFinished(status string) {
	if c == nil {
		return
	}
	c.roundsTotal.WithLabelValues(status).Inc()
}

// Generation records one provider call.
func (c *Collector) Generation(provider, outcome string, dur time.Duration) {
	if c == nil {
		return
	}
	c.generation.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// Preview counts a queue preview call.
func (c *Collector) Preview() {
	if c == nil {
		return
	}
	c.previewsTotal.Inc()
}

// Reaped counts runs terminated by the sweep.
func (c *Collector) Reaped(n int) {
	if c == nil {
		return
	}
	c.reapedTotal.Add(float64(n))
}

// EventPublished counts an event handed to the sink.
func (c *Collector) EventPublished(kind string) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(kind).Inc()
}
