package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/sawpanic/scoreengine/internal/domain"
	"github.com/sawpanic/scoreengine/internal/metrics"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics
	m.ObserveRecompute(domain.TriggerSystem, 0.1)
	m.SetActiveBlockerGauge(domain.SeverityHard, 1)
	m.CountLift("provisional", domain.TierUnverified)
	m.CountActionIntake(domain.ActionRevenue)
}

func TestMetrics_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	m.CountActionIntake(domain.ActionRevenue)
	m.CountActionIntake(domain.ActionRevenue)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var found bool
	for _, mf := range families {
		if mf.GetName() != "scoreengine_action_intake_total" {
			continue
		}
		for _, metric := range mf.Metric {
			if labelsMatch(metric, "type", "revenue") && metric.GetCounter().GetValue() == 2 {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected action_intake_total{type=revenue}=2, got %+v", families)
	}
}

func labelsMatch(m *dto.Metric, name, value string) bool {
	for _, lp := range m.Label {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}
