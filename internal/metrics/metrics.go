// Package metrics holds the Prometheus collectors of the streamer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chainstream"

// ============ Engine ============

// TicksProcessed counts ticks applied by the engine loop, by mode.
var TicksProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "ticks_processed_total",
		Help:      "Total number of ticks applied to engine state",
	},
	[]string{"mode"},
)

// RecomputeDuration is the wall time of one metrics recompute pass.
var RecomputeDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "recompute_duration_ms",
		Help:      "Time to recompute all live option chain entries in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
	},
)

// EntriesSkipped counts entries skipped in a recompute pass, by reason.
var EntriesSkipped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "entries_skipped_total",
		Help:      "Option chain entries skipped during recompute",
	},
	[]string{"reason"},
)

// SelectionSize is the number of live option tokens per underlying.
var SelectionSize = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "selection_size",
		Help:      "Number of selected option contracts",
	},
	[]string{"underlying"},
)

// Resubscribes counts selection cycles, by trigger.
var Resubscribes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "resubscribes_total",
		Help:      "Strike selection cycles",
	},
	[]string{"trigger"},
)

// ============ Volatility ============

// VolatilityPollFailures counts failed volatility polls per underlying.
var VolatilityPollFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "volatility",
		Name:      "poll_failures_total",
		Help:      "Volatility polls that kept the last known good sample",
	},
	[]string{"underlying"},
)

// AnnualizedVolatility is the latest annualized volatility per underlying.
var AnnualizedVolatility = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "volatility",
		Name:      "annualized",
		Help:      "Latest annualized volatility in percent points",
	},
	[]string{"underlying"},
)

// ============ Margin ============

// MarginResolved counts symbols whose margin was resolved.
var MarginResolved = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "margin",
		Name:      "resolved_total",
		Help:      "Symbols whose order margin was resolved",
	},
)

// MarginUnresolved counts symbols left unresolved after all attempts.
var MarginUnresolved = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "margin",
		Name:      "unresolved_total",
		Help:      "Symbols left unresolved after the final attempt",
	},
)

// MarginCyclesSkipped counts fetch ticks skipped because a run was active.
var MarginCyclesSkipped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "margin",
		Name:      "cycles_skipped_total",
		Help:      "Margin fetch cycles skipped by the reentrancy guard",
	},
)

// ============ Shard ============

// WorkersReady is the number of workers that reported ready.
var WorkersReady = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "shard",
		Name:      "workers_ready",
		Help:      "Worker processes that reported ready",
	},
)

// ProtocolErrors counts malformed IPC or client messages, by channel.
var ProtocolErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shard",
		Name:      "protocol_errors_total",
		Help:      "Malformed messages ignored",
	},
	[]string{"channel"},
)

// ============ Transport ============

// SnapshotsPublished counts snapshots handed to the transport hub.
var SnapshotsPublished = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "snapshots_published_total",
		Help:      "Snapshots published to clients",
	},
)

// ConnectedClients is the number of connected dashboard clients.
var ConnectedClients = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "connected_clients",
		Help:      "Connected WebSocket clients",
	},
)

// ClientsDropped counts clients disconnected for falling behind.
var ClientsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "clients_dropped_total",
		Help:      "Clients dropped because their send buffer was full",
	},
)

// ============ Resilience ============

// CircuitState is the state of each circuit breaker: 0 closed, 1 half-open, 2 open.
var CircuitState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "resilience",
		Name:      "circuit_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	},
	[]string{"name"},
)

// CircuitRejected counts calls rejected by an open circuit.
var CircuitRejected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resilience",
		Name:      "circuit_rejected_total",
		Help:      "Calls rejected without reaching the broker",
	},
	[]string{"name"},
)
