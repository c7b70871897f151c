package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	pollTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcfleet",
			Subsystem: "worker",
			Name:      "poll_ticks_total",
			Help:      "Number of control document poll ticks.",
		}, []string{"server"},
	)
	commandsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcfleet",
			Subsystem: "worker",
			Name:      "commands_delivered_total",
			Help:      "Number of pending commands forwarded to the game server.",
		}, []string{"server"},
	)
	backups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcfleet",
			Subsystem: "worker",
			Name:      "backups_total",
			Help:      "Number of backups taken, by trigger reason.",
		}, []string{"server", "reason"},
	)
	workerActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mcfleet",
			Subsystem: "worker",
			Name:      "active",
			Help:      "Whether a worker currently supervises this server (1) or not (0).",
		}, []string{"server"},
	)
	poolAllocations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mcfleet",
			Subsystem: "pool",
			Name:      "allocations_total",
			Help:      "Number of identity pool allocations.",
		},
	)
	poolReleases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mcfleet",
			Subsystem: "pool",
			Name:      "releases_total",
			Help:      "Number of identity pool releases.",
		},
	)
	reconcileCorrections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mcfleet",
			Subsystem: "reconcile",
			Name:      "corrections_total",
			Help:      "Number of tunnel mappings healed from DNS.",
		},
	)
	storeConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mcfleet",
			Subsystem: "store",
			Name:      "publish_conflicts_total",
			Help:      "Number of publish attempts rejected and retried after a pull-rebase.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{pollTicks, commandsDelivered, backups, workerActive, poolAllocations, poolReleases, reconcileCorrections, storeConflicts}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op until Register
// has been called.

func IncPollTick(server string) {
	if regOK.Load() {
		pollTicks.WithLabelValues(server).Inc()
	}
}

func IncCommandDelivered(server string) {
	if regOK.Load() {
		commandsDelivered.WithLabelValues(server).Inc()
	}
}

func IncBackup(server, reason string) {
	if regOK.Load() {
		backups.WithLabelValues(server, reason).Inc()
	}
}

func SetWorkerActive(server string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1
		}
		workerActive.WithLabelValues(server).Set(v)
	}
}

func IncPoolAllocation() {
	if regOK.Load() {
		poolAllocations.Inc()
	}
}

func IncPoolRelease() {
	if regOK.Load() {
		poolReleases.Inc()
	}
}

func IncReconcileCorrection() {
	if regOK.Load() {
		reconcileCorrections.Inc()
	}
}

func IncStoreConflict() {
	if regOK.Load() {
		storeConflicts.Inc()
	}
}
