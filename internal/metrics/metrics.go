// Package metrics registers the Prometheus collectors the supervisor
// exposes over HTTP for operational visibility: cache hit/error counts,
// the per-port skip set size (the slaves a port worker currently skips,
// spec §4.2), interlock cascade count, and environment controller step
// transitions. The methods below update them; no component of the core
// calls them, so only the registry itself is served.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tankwanghow/poucon/internal/model"
)

// Metrics holds one isolated registry and its collectors. A fresh
// instance never collides with another test's or process's default
// registry.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits   *prometheus.CounterVec
	cacheErrors *prometheus.CounterVec
	skipSetSize *prometheus.GaugeVec
	cascades    prometheus.Counter
	stepChanges prometheus.Counter
}

// New builds a Metrics bound to a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poucon_cache_hits_total",
			Help: "Successful data-point reads published to the cache, by point name.",
		}, []string{"point"}),
		cacheErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poucon_cache_errors_total",
			Help: "Failed data-point reads, by point name and error kind.",
		}, []string{"point", "kind"}),
		skipSetSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "poucon_port_skip_set_size",
			Help: "Number of slaves currently in a port worker's skip set.",
		}, []string{"port"}),
		cascades: factory.NewCounter(prometheus.CounterOpts{
			Name: "poucon_interlock_cascades_total",
			Help: "Downstream equipment turned off by an interlock cascade.",
		}),
		stepChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "poucon_environment_step_transitions_total",
			Help: "Committed staircase step changes in the environment controller.",
		}),
	}
}

// Registry returns the registry an HTTP handler should expose.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordCacheHit counts one successful read of point.
func (m *Metrics) RecordCacheHit(point string) {
	m.cacheHits.WithLabelValues(point).Inc()
}

// RecordCacheError counts one failed read of point, tagged with its
// failure kind (spec §4.1's tag set: timeout, disconnected, crc,
// exception, encoding_failed, unknown_cmd).
func (m *Metrics) RecordCacheError(point string, kind model.ErrorKind) {
	m.cacheErrors.WithLabelValues(point, string(kind)).Inc()
}

// SetPortSkipSetSize reports how many slaves on port are currently in
// the port worker's skip set.
func (m *Metrics) SetPortSkipSetSize(port string, n int) {
	m.skipSetSize.WithLabelValues(port).Set(float64(n))
}

// IncInterlockCascade counts one cascade-triggered turn_off.
func (m *Metrics) IncInterlockCascade() {
	m.cascades.Inc()
}

// IncStepTransition counts one committed staircase step change.
func (m *Metrics) IncStepTransition() {
	m.stepChanges.Inc()
}
