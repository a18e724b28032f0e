package blockers

import (
	"testing"

	"github.com/sawpanic/scoreengine/internal/config"
	"github.com/sawpanic/scoreengine/internal/domain"
)

func TestEvaluate_IdentityNotVerified(t *testing.T) {
	cfg := config.Default()
	features := map[domain.FeatureID]domain.Feature{
		domain.FeatureTraction:        {FeatureID: domain.FeatureTraction, Verification: 0.1, Weight: 1},
		domain.FeatureFounderVelocity: {FeatureID: domain.FeatureFounderVelocity, Verification: 0.2, Weight: 1},
	}
	out := NewEngine(cfg).Evaluate(features, nil, map[domain.FeatureID]float64{})

	if len(out) != 1 || out[0].ID != domain.BlockerIdentityNotVerified {
		t.Fatalf("expected identity_not_verified, got %+v", out)
	}
	if out[0].Severity != domain.SeverityHard {
		t.Fatalf("expected hard severity")
	}
}

func TestEvaluate_IdentityVerifiedNoBlocker(t *testing.T) {
	cfg := config.Default()
	features := map[domain.FeatureID]domain.Feature{
		domain.FeatureTraction:        {FeatureID: domain.FeatureTraction, Verification: 0.9, Weight: 1},
		domain.FeatureFounderVelocity: {FeatureID: domain.FeatureFounderVelocity, Verification: 0.9, Weight: 1},
	}
	out := NewEngine(cfg).Evaluate(features, nil, map[domain.FeatureID]float64{})
	for _, bf := range out {
		if bf.ID == domain.BlockerIdentityNotVerified {
			t.Fatalf("did not expect identity_not_verified, got %+v", out)
		}
	}
}

func TestEvaluate_EvidenceInsufficient(t *testing.T) {
	cfg := config.Default()
	features := map[domain.FeatureID]domain.Feature{
		domain.FeatureTraction:        {FeatureID: domain.FeatureTraction, Verification: 0.9, Weight: 1},
		domain.FeatureFounderVelocity: {FeatureID: domain.FeatureFounderVelocity, Verification: 0.9, Weight: 1},
	}
	topMovers := []domain.FeatureContribution{
		{
			FeatureID: domain.FeatureMarketSize,
			Next:      domain.FeatureParts{Verification: 0.30},
			Delta:     2.0,
		},
	}
	out := NewEngine(cfg).Evaluate(features, topMovers, map[domain.FeatureID]float64{})
	if len(out) != 1 || out[0].ID != domain.BlockerEvidenceInsufficient {
		t.Fatalf("expected evidence_insufficient, got %+v", out)
	}
	if out[0].Severity != domain.SeveritySoft {
		t.Fatalf("expected soft severity")
	}
}

func TestEvaluate_RecencyGapRequiresHeavyWeight(t *testing.T) {
	cfg := config.Default()
	features := map[domain.FeatureID]domain.Feature{
		domain.FeatureTraction:        {FeatureID: domain.FeatureTraction, Verification: 0.9, Weight: 1},
		domain.FeatureFounderVelocity: {FeatureID: domain.FeatureFounderVelocity, Verification: 0.9, Weight: 1},
		domain.FeatureMarketSize:      {FeatureID: domain.FeatureMarketSize, Weight: 0.5},
	}
	freshness := map[domain.FeatureID]float64{domain.FeatureMarketSize: 0.1}

	out := NewEngine(cfg).Evaluate(features, nil, freshness)
	for _, bf := range out {
		if bf.ID == domain.BlockerRecencyGap {
			t.Fatalf("light-weight stale feature should not fire recency_gap, got %+v", out)
		}
	}

	features[domain.FeatureMarketSize] = domain.Feature{FeatureID: domain.FeatureMarketSize, Weight: 2.0}
	out = NewEngine(cfg).Evaluate(features, nil, freshness)
	found := false
	for _, bf := range out {
		if bf.ID == domain.BlockerRecencyGap {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected recency_gap once a stale feature has weight >= 2, got %+v", out)
	}
}

func TestEvaluate_InconsistencyAndMissingConnectorFlags(t *testing.T) {
	cfg := config.Default()
	features := map[domain.FeatureID]domain.Feature{
		domain.FeatureTraction:        {FeatureID: domain.FeatureTraction, Verification: 0.9, Weight: 1},
		domain.FeatureFounderVelocity: {FeatureID: domain.FeatureFounderVelocity, Verification: 0.9, Weight: 1},
		domain.FeatureMarketSize: {
			FeatureID: domain.FeatureMarketSize,
			Weight:    1,
			Raw:       domain.RawBlob{Flags: []string{"inconsistent_claims"}},
		},
		domain.FeatureTeamStrength: {
			FeatureID: domain.FeatureTeamStrength,
			Weight:    1,
			Raw:       domain.RawBlob{Flags: []string{"missing_required_connector"}},
		},
	}
	out := NewEngine(cfg).Evaluate(features, nil, map[domain.FeatureID]float64{})

	var ids []domain.BlockerID
	for _, bf := range out {
		ids = append(ids, bf.ID)
	}
	if !containsID(ids, domain.BlockerInconsistencyDetected) {
		t.Fatalf("expected inconsistency_detected, got %+v", ids)
	}
	if !containsID(ids, domain.BlockerMissingRequiredConnectors) {
		t.Fatalf("expected missing_required_connectors, got %+v", ids)
	}
}

func TestEvaluate_DeclarationOrder(t *testing.T) {
	cfg := config.Default()
	features := map[domain.FeatureID]domain.Feature{
		domain.FeatureTraction:        {FeatureID: domain.FeatureTraction, Verification: 0.1, Weight: 1},
		domain.FeatureFounderVelocity: {FeatureID: domain.FeatureFounderVelocity, Verification: 0.1, Weight: 1},
		domain.FeatureMarketSize: {
			FeatureID: domain.FeatureMarketSize,
			Weight:    1,
			Raw:       domain.RawBlob{Flags: []string{"inconsistent_claims", "missing_required_connector"}},
		},
	}
	topMovers := []domain.FeatureContribution{
		{FeatureID: domain.FeatureMarketSize, Next: domain.FeatureParts{Verification: 0.1}, Delta: 2.0},
	}
	freshness := map[domain.FeatureID]float64{domain.FeatureTeamStrength: 0.1}

	out := NewEngine(cfg).Evaluate(features, topMovers, freshness)
	want := []domain.BlockerID{
		domain.BlockerIdentityNotVerified,
		domain.BlockerEvidenceInsufficient,
		domain.BlockerInconsistencyDetected,
		domain.BlockerMissingRequiredConnectors,
	}
	if len(out) != len(want) {
		t.Fatalf("expected %d blockers in declaration order, got %+v", len(want), out)
	}
	for i, id := range want {
		if out[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, out[i].ID)
		}
	}
}

func containsID(ids []domain.BlockerID, want domain.BlockerID) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}
