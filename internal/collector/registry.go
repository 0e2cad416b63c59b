// Package collector provides Prometheus collectors that read the relay's
// current state at scrape time.
package collector

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Collector is the interface all scrape-time collectors implement.
type Collector interface {
	// Name returns the human-readable name of the collector (e.g. "devices").
	Name() string
	// Enabled reports whether this collector is active per configuration.
	Enabled() bool
	// Describe sends the super-set of all possible metric descriptors.
	Describe(ch chan<- *prometheus.Desc)
	// Collect sends the current metric values.
	Collect(ch chan<- prometheus.Metric)
}

// Registry holds all registered collectors and implements the
// prometheus.Collector interface so it can be registered with a
// prometheus.Registerer directly.
type Registry struct {
	collectors []Collector
	mu         sync.RWMutex
	logger     *logrus.Entry
}

// compile-time check
var _ prometheus.Collector = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry(logger *logrus.Entry) *Registry {
	return &Registry{
		logger: logger.WithField("component", "collectors"),
	}
}

// Register adds a collector to the registry.
func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors = append(r.collectors, c)
	r.logger.WithFields(logrus.Fields{
		"collector": c.Name(),
		"enabled":   c.Enabled(),
	}).Info("registered collector")
}

// Collectors returns a snapshot of all registered collectors.
func (r *Registry) Collectors() []Collector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Collector, len(r.collectors))
	copy(out, r.collectors)
	return out
}

// Describe implements prometheus.Collector. Disabled collectors still
// describe their metrics.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.collectors {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector for enabled collectors only.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.collectors {
		if c.Enabled() {
			c.Collect(ch)
		}
	}
}
