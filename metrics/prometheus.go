package metrics

import (
	"openbt/communication"
	"openbt/meta"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = meta.Name

// PrometheusCollector forwards to another Collector and mirrors every move and sweep into
// Prometheus metrics.
type PrometheusCollector struct {
	next Collector

	Proposals *prometheus.CounterVec
	Accepts   *prometheus.CounterVec
	Sweeps    prometheus.Counter
	SSE       prometheus.Gauge
	Depth     *prometheus.GaugeVec
	Duration  prometheus.Histogram
}

func NewPrometheusCollector(registerer prometheus.Registerer, next Collector) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		next: next,
		Proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "moves",
			Name:      "proposed_total",
			Help:      "Proposals by move kind.",
		}, []string{"move"}),
		Accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "moves",
			Name:      "accepted_total",
			Help:      "Accepted proposals by move kind.",
		}, []string{"move"}),
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed sweeps over the ensemble.",
		}),
		SSE: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "residual_sse",
			Help:      "Residual sum of squares after the last sweep.",
		}),
		Depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leaf_depth",
			Help:      "Leaf depth summary after the last sweep.",
		}, []string{"stat"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time per sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	for _, metric := range []prometheus.Collector{c.Proposals, c.Accepts, c.Sweeps, c.SSE, c.Depth, c.Duration} {
		if err := registerer.Register(metric); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PrometheusCollector) Start(sweep int) {
	c.next.Start(sweep)
}

func (c *PrometheusCollector) AddMove(kind communication.Kind, accepted bool) {
	c.Proposals.WithLabelValues(kind.String()).Inc()
	if accepted {
		c.Accepts.WithLabelValues(kind.String()).Inc()
	}
	c.next.AddMove(kind, accepted)
}

func (c *PrometheusCollector) Complete(stats *MoveStatistics, sse float64, rows int) SweepMetric {
	metric := c.next.Complete(stats, sse, rows)
	c.Sweeps.Inc()
	c.SSE.Set(sse)
	c.Depth.WithLabelValues("avg").Set(stats.DepthAvg)
	c.Depth.WithLabelValues("min").Set(float64(stats.DepthMin))
	c.Depth.WithLabelValues("max").Set(float64(stats.DepthMax))
	c.Duration.Observe(metric.Duration.Seconds())
	return metric
}
