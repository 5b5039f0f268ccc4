// Package metrics exposes the control plane's Prometheus gauges and
// counters. One flat package of promauto vars, following the pack's own
// metrics-package shape rather than threading a registry handle through
// every component constructor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Command pipeline (C5) ──────────────────────────────────────────────────

var IntentsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "autovolt",
	Name:      "intents_executed_total",
	Help:      "Total intents executed, by outcome status.",
}, []string{"status"})

var CommandAckLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "autovolt",
	Name:      "command_ack_latency_seconds",
	Help:      "Time from command publish to device-reported state ack.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
})

// ─── Telemetry ingestion (C6) ───────────────────────────────────────────────

var TelemetryIngested = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "autovolt",
	Name:      "telemetry_ingested_total",
	Help:      "Total telemetry events ingested, by result.",
}, []string{"result"})

var ReviewTicketsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "autovolt",
	Name:      "review_tickets_created_total",
	Help:      "Total review tickets created, by kind.",
}, []string{"kind"})

// ─── Device sessions (C4) ───────────────────────────────────────────────────

var DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "autovolt",
	Name:      "devices_online",
	Help:      "Current count of devices in the online state.",
})

// ─── Realtime fan-out (C9) ──────────────────────────────────────────────────

var RealtimeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "autovolt",
	Name:      "realtime_subscribers",
	Help:      "Current count of connected websocket subscribers.",
})

// ─── Scheduler (C10) ────────────────────────────────────────────────────────

var ScheduledIntentsFired = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "autovolt",
	Name:      "scheduled_intents_fired_total",
	Help:      "Total intents fired by the scheduler, by trigger kind (cron, oneshot, catchup).",
}, []string{"trigger"})
