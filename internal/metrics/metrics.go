// Package metrics exposes the palisade Prometheus registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all palisade metrics.
type Registry struct {
	// Policy store mutations, labeled by operation
	// (upsert/update/rename/block/delete/purge).
	MutationsTotal *prometheus.CounterVec

	// Driver pushes, labeled by kind (entry/snapshot/flags) and
	// outcome (ok/error).
	DriverSyncTotal *prometheus.CounterVec

	// Scheduled-block expirations processed.
	ExpiryFiresTotal prometheus.Counter

	// Rules auto-created from blocked-connection alerts.
	AlertRulesTotal prometheus.Counter

	// Rules removed by the purge-on-start pass.
	PurgedRulesTotal prometheus.Counter
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palisade_policy_mutations_total",
		Help: "Policy store mutations by operation",
	}, []string{"op"})

	r.DriverSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palisade_driver_sync_total",
		Help: "Buffers pushed to the kernel filter by kind and outcome",
	}, []string{"kind", "outcome"})

	r.ExpiryFiresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palisade_expiry_fires_total",
		Help: "Scheduled-block expirations processed",
	})

	r.AlertRulesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palisade_alert_rules_total",
		Help: "Rules auto-created from blocked-connection alerts",
	})

	r.PurgedRulesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palisade_purged_rules_total",
		Help: "Obsolete rules removed by the purge-on-start pass",
	})

	return r
}

// RecordSync tracks one driver push outcome.
func (r *Registry) RecordSync(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.DriverSyncTotal.WithLabelValues(kind, outcome).Inc()
}
