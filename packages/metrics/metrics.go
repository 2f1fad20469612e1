// Package metrics exposes the scaler's Prometheus collectors: ledger
// depth, spawn/despawn counters, ban count, and stage latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerDeadlines tracks pending+running demand per (group, pipeline,
	// stage, user), mirroring §6's stats snapshot.
	LedgerDeadlines = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "thorium_ledger_deadlines",
		Help: "Pending plus running demand per ledger key",
	}, []string{"group", "pipeline", "stage", "user"})

	LedgerRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "thorium_ledger_running",
		Help: "Currently running workers per ledger key",
	}, []string{"group", "pipeline", "stage", "user"})

	// SpawnsTotal counts spawn outcomes by backend and result.
	SpawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thorium_spawns_total",
		Help: "Total spawn attempts by backend and outcome",
	}, []string{"backend", "outcome"})

	// DespawnsTotal counts despawns by backend and reason.
	DespawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thorium_despawns_total",
		Help: "Total despawns by backend and reason",
	}, []string{"backend", "reason"})

	// BansActive is the live ban count.
	BansActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thorium_bans_active",
		Help: "Currently active bans across images and pipelines",
	})

	// StageLatencySeconds measures time from Created to a terminal
	// per-image state (§4.4).
	StageLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "thorium_stage_latency_seconds",
		Help:    "Stage image latency from claim to terminal state",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"outcome"})

	// TickDurationSeconds measures one scheduler Tick's wall time.
	TickDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "thorium_tick_duration_seconds",
		Help:    "Scheduler tick duration",
		Buckets: prometheus.DefBuckets,
	})
)

// ObserveStageLatency records the duration between start and end under
// outcome ("completed", "failed", ...).
func ObserveStageLatency(outcome string, start, end time.Time) {
	StageLatencySeconds.WithLabelValues(outcome).Observe(end.Sub(start).Seconds())
}
