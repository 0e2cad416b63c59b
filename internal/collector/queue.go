package collector

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QueueStats is the view of a delivery queue needed for metrics.
type QueueStats interface {
	Len() int
	Dropped() int
}

// QueueCollector exposes the depth of the downstream delivery queue and how
// many emissions it dropped.
type QueueCollector struct {
	queue QueueStats

	depth   *prometheus.Desc
	dropped *prometheus.Desc
}

// compile-time interface check
var _ Collector = (*QueueCollector)(nil)

// NewQueueCollector creates a QueueCollector. A nil queue disables it.
func NewQueueCollector(queue QueueStats) *QueueCollector {
	return &QueueCollector{
		queue: queue,
		depth: prometheus.NewDesc(
			"everywhere_relay_delivery_queue_depth",
			"Emissions waiting for downstream delivery.",
			nil, nil),
		dropped: prometheus.NewDesc(
			"everywhere_relay_delivery_queue_dropped_total",
			"Emissions dropped because the delivery queue was full.",
			nil, nil),
	}
}

func (c *QueueCollector) Name() string  { return "delivery_queue" }
func (c *QueueCollector) Enabled() bool { return c.queue != nil }

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
	ch <- c.dropped
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(c.queue.Len()))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(c.queue.Dropped()))
}
