// Package metrics registers the engine's prometheus instrumentation:
// recompute throughput/latency, active-blocker gauges by severity,
// verification-lift counters by tier, and action-intake counters by type.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sawpanic/scoreengine/internal/domain"
)

// Metrics bundles every collector the engine exports. Construct once with
// NewMetrics and pass it down to SnapshotStore/VerificationOrchestrator
// call sites, or leave nil (all methods below are nil-safe no-ops) when a
// caller doesn't want metrics wired.
type Metrics struct {
	RecomputeTotal    *prometheus.CounterVec
	RecomputeDuration *prometheus.HistogramVec
	ActiveBlockers    *prometheus.GaugeVec
	VerificationLifts *prometheus.CounterVec
	ActionIntake      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecomputeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoreengine",
			Name:      "recompute_total",
			Help:      "Number of SnapshotStore.recompute calls, by trigger.",
		}, []string{"trigger"}),
		RecomputeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scoreengine",
			Name:      "recompute_duration_seconds",
			Help:      "Latency of SnapshotStore.recompute, by trigger.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),
		ActiveBlockers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scoreengine",
			Name:      "active_blockers",
			Help:      "Current active blockers, by severity.",
		}, []string{"severity"}),
		VerificationLifts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoreengine",
			Name:      "verification_lifts_total",
			Help:      "Provisional and verified lifts applied, by kind and resulting tier.",
		}, []string{"kind", "tier"}),
		ActionIntake: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoreengine",
			Name:      "action_intake_total",
			Help:      "Actions submitted, by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.RecomputeTotal, m.RecomputeDuration, m.ActiveBlockers, m.VerificationLifts, m.ActionIntake)
	return m
}

func (m *Metrics) ObserveRecompute(trigger domain.Trigger, seconds float64) {
	if m == nil {
		return
	}
	m.RecomputeTotal.WithLabelValues(string(trigger)).Inc()
	m.RecomputeDuration.WithLabelValues(string(trigger)).Observe(seconds)
}

func (m *Metrics) SetActiveBlockerGauge(severity domain.Severity, count float64) {
	if m == nil {
		return
	}
	m.ActiveBlockers.WithLabelValues(string(severity)).Set(count)
}

func (m *Metrics) CountLift(kind string, tier domain.VerificationTier) {
	if m == nil {
		return
	}
	m.VerificationLifts.WithLabelValues(kind, string(tier)).Inc()
}

func (m *Metrics) CountActionIntake(actionType domain.ActionType) {
	if m == nil {
		return
	}
	m.ActionIntake.WithLabelValues(string(actionType)).Inc()
}
