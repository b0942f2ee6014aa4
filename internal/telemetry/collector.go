// Package telemetry exports search activity as Prometheus metrics.
package telemetry

import (
	"strconv"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/optimization"
	"github.com/atlas-desktop/paramsearch/internal/workers"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "paramsearch"

// Collector implements optimization.Observer on top of Prometheus metrics.
type Collector struct {
	evaluations    *prometheus.CounterVec
	evalDuration   prometheus.Histogram
	searchesActive *prometheus.GaugeVec
	searches       *prometheus.CounterVec
	windowsSkipped *prometheus.CounterVec
	reg            prometheus.Registerer
}

var _ optimization.Observer = (*Collector)(nil)

// NewCollector registers the search metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		evaluations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Candidate evaluations by outcome",
			},
			[]string{"outcome"},
		),
		evalDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Time to simulate and score one candidate",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
		searchesActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "searches_in_flight",
				Help:      "Searches currently running",
			},
			[]string{"mode"},
		),
		searches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "searches_total",
				Help:      "Finished searches by mode and whether the budget ran out",
			},
			[]string{"mode", "exhausted"},
		),
		windowsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "walkforward_windows_skipped_total",
				Help:      "Walk-forward windows skipped",
			},
			[]string{"reason"},
		),
	}
}

// EvaluationDone counts one candidate evaluation.
func (c *Collector) EvaluationDone(outcome string, elapsed time.Duration) {
	c.evaluations.WithLabelValues(outcome).Inc()
	if outcome == optimization.OutcomeOK {
		c.evalDuration.Observe(elapsed.Seconds())
	}
}

func (c *Collector) SearchStarted(mode types.SearchMode) {
	c.searchesActive.WithLabelValues(string(mode)).Inc()
}

func (c *Collector) SearchFinished(mode types.SearchMode, exhausted bool) {
	c.searchesActive.WithLabelValues(string(mode)).Dec()
	c.searches.WithLabelValues(string(mode), strconv.FormatBool(exhausted)).Inc()
}

func (c *Collector) WindowSkipped(reason string) {
	c.windowsSkipped.WithLabelValues(reason).Inc()
}

// WatchPool exports the queue depth, worker usage and task counters of an
// evaluation pool.
func (c *Collector) WatchPool(pool *workers.Pool) {
	labels := prometheus.Labels{"pool": pool.Name()}
	f := promauto.With(c.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "pool_queue_depth",
		Help:        "Tasks waiting for a worker",
		ConstLabels: labels,
	}, func() float64 { return float64(pool.QueueLength()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "pool_workers",
		Help:        "Evaluation workers",
		ConstLabels: labels,
	}, func() float64 { return float64(pool.Workers()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "pool_busy_workers",
		Help:        "Workers currently evaluating a candidate",
		ConstLabels: labels,
	}, func() float64 { return float64(pool.Busy()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "pool_tasks_failed_total",
		Help:        "Tasks that returned an error or panicked",
		ConstLabels: labels,
	}, func() float64 { return float64(pool.Stats().TasksFailed) })
}
