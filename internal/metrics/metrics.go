// Package metrics exposes bridge activity as Prometheus collectors.
package metrics

import (
	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/runner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bridgeState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "omb_bridge_state",
		Help: "Current bridge lifecycle state (1 for the active state, 0 for the others)",
	}, []string{"state"})

	bridgeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omb_bridge_transitions_total",
		Help: "Total number of bridge lifecycle transitions",
	}, []string{"to"})

	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omb_ticks_total",
		Help: "Total number of synchronization ticks",
	})

	tickOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omb_tick_overruns_total",
		Help: "Ticks that exceeded the step budget",
	})

	degradedTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omb_ticks_degraded_total",
		Help: "Ticks during which the PLC session was lost",
	})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "omb_tick_duration_seconds",
		Help:    "Duration of one synchronization tick",
		Buckets: []float64{.0005, .001, .002, .004, .008, .016, .032, .064, .128},
	})

	bindingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omb_binding_failures_total",
		Help: "Failed tag reads and writes by binding role",
	}, []string{"role"})

	spawnRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omb_spawn_requests_total",
		Help: "Spawn decisions by policy",
	}, []string{"policy"})

	productsSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omb_products_spawned_total",
		Help: "Products added to the cell",
	})
)

var states = []bridge.State{bridge.StateDisconnected, bridge.StateConnecting, bridge.StateActive, bridge.StateError}

func SetBridgeState(state bridge.State) {
	for _, s := range states {
		value := 0.0
		if s == state {
			value = 1.0
		}
		bridgeState.WithLabelValues(s.String()).Set(value)
	}
}

func RecordTick(report bridge.TickReport) {
	ticksTotal.Inc()
	tickDuration.Observe(report.Duration.Seconds())
	if report.Overrun {
		tickOverruns.Inc()
	}
	if report.Degraded {
		degradedTicks.Inc()
	}
	for _, res := range report.Failures() {
		bindingFailures.WithLabelValues(string(res.Role)).Inc()
	}
	if report.SpawnRequested {
		spawnRequests.WithLabelValues(report.Policy).Inc()
	}
}

// Observer feeds the collectors from runner events.
type Observer struct{}

func (Observer) OnStateChange(change runner.StateChange) {
	bridgeTransitions.WithLabelValues(change.To.String()).Inc()
	SetBridgeState(change.To)
}

func (Observer) OnTick(report bridge.TickReport) { RecordTick(report) }

func (Observer) OnSpawn(runner.SpawnEvent) { productsSpawned.Inc() }
