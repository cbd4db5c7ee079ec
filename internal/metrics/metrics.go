// Package metrics exports PipeScope's Prometheus series.
//
// A nil *Collector is valid and records nothing, so components take one unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pipescope"

// Collector holds the registered series
type Collector struct {
	registryEntries     prometheus.Gauge
	registryOperations  *prometheus.CounterVec
	overrideResolutions *prometheus.CounterVec
	statusTransitions   *prometheus.CounterVec
	constructionErrors  *prometheus.CounterVec
}

// New registers the series on reg. Pass prometheus.NewRegistry() in tests to keep them
// isolated from the default registerer.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		registryEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "entries",
			Help:      "Number of players with a registered pipeline",
		}),
		registryOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Registry mutations by operation",
		}, []string{"op"}),
		overrideResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "override",
			Name:      "resolutions_total",
			Help:      "Stage resolutions by outcome (default, override, error)",
		}, []string{"stage", "result"}),
		statusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "player",
			Name:      "status_transitions_total",
			Help:      "Media status transitions by target status",
		}, []string{"status"}),
		constructionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "construction_errors_total",
			Help:      "Failed stage constructions by stage",
		}, []string{"stage"}),
	}
}

// RegistryChanged records a registry mutation and the resulting size
func (c *Collector) RegistryChanged(op string, entries int) {
	if c == nil {
		return
	}
	c.registryOperations.WithLabelValues(op).Inc()
	c.registryEntries.Set(float64(entries))
}

// OverrideResolved records one stage resolution
func (c *Collector) OverrideResolved(stage, result string) {
	if c == nil {
		return
	}
	c.overrideResolutions.WithLabelValues(stage, result).Inc()
}

// StatusChanged records a media status transition
func (c *Collector) StatusChanged(status string) {
	if c == nil {
		return
	}
	c.statusTransitions.WithLabelValues(status).Inc()
}

// ConstructionFailed records a stage that could not be built
func (c *Collector) ConstructionFailed(stage string) {
	if c == nil {
		return
	}
	c.constructionErrors.WithLabelValues(stage).Inc()
}
