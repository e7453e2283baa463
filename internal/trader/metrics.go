package trader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventsIngested counts trade events by kind and outcome
// (applied, duplicate, ignored, failed, invalid).
var EventsIngested = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Trade events received, by kind and outcome",
	},
	[]string{"kind", "outcome"},
)

// ReconcileRounds counts reconciliation rounds by result (ok, snapshot_error).
var ReconcileRounds = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "reconcile",
		Name:      "rounds_total",
		Help:      "Reconciliation rounds",
	},
	[]string{"result"},
)

// VerifyOutcomes counts verified candidates by outcome.
var VerifyOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "reconcile",
		Name:      "verdicts_total",
		Help:      "Missing-position verdicts by outcome",
	},
	[]string{"outcome"},
)

// PositionsClosed counts closed records by source and reason.
var PositionsClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "positions",
		Name:      "closed_total",
		Help:      "Closed positions by source (event, reconcile) and reason",
	},
	[]string{"source", "reason"},
)

// LiquidationsDetected counts closes attributed to a forced liquidation.
var LiquidationsDetected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "risk",
		Name:      "liquidations_detected_total",
		Help:      "Number of liquidations detected",
	},
	[]string{"symbol"},
)

// OpenPositions is the number of open (symbol, side) positions.
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tracker",
		Subsystem: "positions",
		Name:      "open",
		Help:      "Open positions",
	},
)

// RealizedPnL is the realized PnL summed over the closed-trade registry.
var RealizedPnL = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tracker",
		Subsystem: "positions",
		Name:      "realized_pnl_usdt",
		Help:      "Realized PnL of the closed-trade registry in USDT",
	},
)

// EventLatency observes how long the actor spent on one envelope.
var EventLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tracker",
		Subsystem: "actor",
		Name:      "event_seconds",
		Help:      "Time spent handling one actor event",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	},
	[]string{"type"},
)
