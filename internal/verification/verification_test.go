package verification_test

import (
	"context"
	"testing"
	"time"

	"github.com/sawpanic/scoreengine/internal/apperr"
	"github.com/sawpanic/scoreengine/internal/clock"
	"github.com/sawpanic/scoreengine/internal/config"
	"github.com/sawpanic/scoreengine/internal/domain"
	"github.com/sawpanic/scoreengine/internal/extractor"
	"github.com/sawpanic/scoreengine/internal/resilience"
	"github.com/sawpanic/scoreengine/internal/store"
	"github.com/sawpanic/scoreengine/internal/store/memory"
	"github.com/sawpanic/scoreengine/internal/verification"
)

func newOrchestrator(clk clock.Clock) (*verification.Orchestrator, store.Backend, *store.SnapshotStore) {
	cfg := config.Default()
	backend := memory.New()
	snapshots := store.NewSnapshotStore(backend, cfg, clk, nil)
	orch := verification.NewOrchestrator(backend, snapshots, extractor.Noop{}, clk, cfg, nil, nil)
	return orch, backend, snapshots
}

// Seed scenario 1: empty -> first snapshot on a hiring action.
func TestSubmitAction_EmptyToFirstSnapshot(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	orch, _, _ := newOrchestrator(clk)

	result, err := orch.SubmitAction(context.Background(), verification.SubmitActionInput{
		Subject:     "sub-1",
		Type:        domain.ActionHiring,
		Title:       "Hired VP Eng",
		OccurredAt:  now,
		ImpactGuess: domain.ImpactMedium,
	})
	if err != nil {
		t.Fatalf("SubmitAction: %v", err)
	}

	if result.Action.Status != domain.StatusProvisionalApplied {
		t.Fatalf("status = %s, want provisional_applied", result.Action.Status)
	}
	if result.Snapshot.SignalTotal <= 0 {
		t.Fatalf("signal_total = %f, want > 0", result.Snapshot.SignalTotal)
	}
	if result.Snapshot.CanonicalTotal != 0 {
		t.Fatalf("canonical_total = %f, want 0", result.Snapshot.CanonicalTotal)
	}

	found := false
	for _, bf := range result.Snapshot.Blockers {
		if bf.ID == domain.BlockerIdentityNotVerified {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected identity_not_verified blocker, got %+v", result.Snapshot.Blockers)
	}
}

// Seed scenario 2: provisional -> verified path via two evidence submissions.
func TestSubmitEvidence_ProvisionalToVerifiedPath(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	orch, _, _ := newOrchestrator(clk)

	actionResult, err := orch.SubmitAction(context.Background(), verification.SubmitActionInput{
		Subject:     "sub-2",
		Type:        domain.ActionHiring,
		OccurredAt:  now,
		ImpactGuess: domain.ImpactMedium,
	})
	if err != nil {
		t.Fatalf("SubmitAction: %v", err)
	}
	actionID := actionResult.Action.ID

	ev1, err := orch.SubmitEvidence(context.Background(), verification.SubmitEvidenceInput{
		Subject:  "sub-2",
		ActionID: &actionID,
		Type:     domain.EvidenceOAuthConnector,
		Ref:      "linkedin",
	})
	if err != nil {
		t.Fatalf("SubmitEvidence (1): %v", err)
	}
	if len(ev1.VerificationUpdates) != 1 {
		t.Fatalf("expected 1 verification update, got %d", len(ev1.VerificationUpdates))
	}
	st1 := ev1.VerificationUpdates[0]
	if diff := absDiff(st1.CurrentVerification, 0.50); diff > 1e-9 {
		t.Fatalf("verification after oauth boost = %f, want ~0.50", st1.CurrentVerification)
	}
	if st1.Tier != domain.TierSoftVerified {
		t.Fatalf("tier = %s, want soft_verified", st1.Tier)
	}
	if st1.Satisfied {
		t.Fatalf("expected satisfied=false after first evidence")
	}

	ev2, err := orch.SubmitEvidence(context.Background(), verification.SubmitEvidenceInput{
		Subject:  "sub-2",
		ActionID: &actionID,
		Type:     domain.EvidenceDocumentUpload,
		Ref:      "offer_letter.pdf",
	})
	if err != nil {
		t.Fatalf("SubmitEvidence (2): %v", err)
	}
	st2 := ev2.VerificationUpdates[0]
	if diff := absDiff(st2.CurrentVerification, 0.70); diff > 1e-9 {
		t.Fatalf("verification after second boost = %f, want ~0.70", st2.CurrentVerification)
	}
	if st2.Tier != domain.TierSoftVerified {
		t.Fatalf("tier = %s, want soft_verified", st2.Tier)
	}
}

// Seed scenario 5: impact + amount auto-plan.
func TestSubmitAction_ImpactAndAmountAutoPlan(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	orch, _, _ := newOrchestrator(clk)

	mrrDelta := 25000.0
	result, err := orch.SubmitAction(context.Background(), verification.SubmitActionInput{
		Subject:     "sub-5",
		Type:        domain.ActionRevenue,
		OccurredAt:  now,
		ImpactGuess: domain.ImpactHigh,
		Fields:      domain.ActionFields{MRRDeltaUSD: &mrrDelta},
	})
	if err != nil {
		t.Fatalf("SubmitAction: %v", err)
	}

	plan := result.Action.VerificationPlan
	if plan.TargetVerification != 0.90 {
		t.Fatalf("target_verification = %f, want 0.90", plan.TargetVerification)
	}
	if plan.VerificationWindowDays != 7 {
		t.Fatalf("verification_window_days = %d, want 7", plan.VerificationWindowDays)
	}
	if !hasReq(plan.Requirements, "review", "standard") {
		t.Fatalf("requirements missing review:standard: %+v", plan.Requirements)
	}
	if !hasReq(plan.Requirements, "connect", "plaid") {
		t.Fatalf("requirements missing connect:plaid: %+v", plan.Requirements)
	}
}

// Seed scenario 6: with inconsistency_detected active, resolution applies
// the +0.20 verification boost.
func TestResolveInconsistency_AppliesVerificationBoost(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	orch, backend, snapshots := newOrchestrator(clk)

	actionResult, err := orch.SubmitAction(context.Background(), verification.SubmitActionInput{
		Subject:     "sub-6",
		Type:        domain.ActionPress,
		OccurredAt:  now,
		ImpactGuess: domain.ImpactLow,
	})
	if err != nil {
		t.Fatalf("SubmitAction: %v", err)
	}
	actionID := actionResult.Action.ID

	clk.Advance(time.Hour)
	flaggedAt := clk.Now()
	flagged := domain.Feature{
		SubjectID:        "sub-6",
		FeatureID:        domain.FeatureMarketBeliefShift,
		MeasuredAt:       flaggedAt,
		Raw:              domain.RawBlob{Flags: []string{"inconsistent_claims"}},
		Norm:             0.5,
		Weight:           1.0,
		Confidence:       0.5,
		Verification:     0.2,
		VerificationTier: domain.TierUnverified,
	}
	if err := backend.UpsertFeature(context.Background(), flagged); err != nil {
		t.Fatalf("UpsertFeature: %v", err)
	}

	snap, err := snapshots.Recompute(context.Background(), "sub-6", domain.TriggerSystem, nil)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	before := false
	for _, bf := range snap.Blockers {
		if bf.ID == domain.BlockerInconsistencyDetected {
			before = true
		}
	}
	if !before {
		t.Fatalf("expected inconsistency_detected to be active before resolution")
	}

	stateBefore, err := backend.GetVerificationState(context.Background(), actionID)
	if err != nil {
		t.Fatalf("GetVerificationState: %v", err)
	}

	result, err := orch.ResolveInconsistency(context.Background(), "sub-6", actionID, "verified claim manually", nil, nil)
	if err != nil {
		t.Fatalf("ResolveInconsistency: %v", err)
	}

	wantVerification := stateBefore.CurrentVerification + 0.20
	if diff := absDiff(result.State.CurrentVerification, wantVerification); diff > 1e-9 {
		t.Fatalf("verification after resolution = %f, want %f", result.State.CurrentVerification, wantVerification)
	}
}

// A generic oauth_connector evidence for the wrong provider must not strike
// a connect:<provider> requirement for a different provider.
func TestSubmitEvidence_ConnectRequirementNeedsMatchingProvider(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	orch, _, _ := newOrchestrator(clk)

	actionResult, err := orch.SubmitAction(context.Background(), verification.SubmitActionInput{
		Subject:     "sub-7",
		Type:        domain.ActionFunding,
		OccurredAt:  now,
		ImpactGuess: domain.ImpactLow,
	})
	if err != nil {
		t.Fatalf("SubmitAction: %v", err)
	}
	actionID := actionResult.Action.ID
	if !hasReq(actionResult.Action.VerificationPlan.Requirements, "connect", "plaid") {
		t.Fatalf("expected connect:plaid requirement: %+v", actionResult.Action.VerificationPlan.Requirements)
	}

	wrongProvider, err := orch.SubmitEvidence(context.Background(), verification.SubmitEvidenceInput{
		Subject:  "sub-7",
		ActionID: &actionID,
		Type:     domain.EvidenceOAuthConnector,
		Ref:      "stripe",
	})
	if err != nil {
		t.Fatalf("SubmitEvidence (wrong provider): %v", err)
	}
	st := wrongProvider.VerificationUpdates[0]
	if !hasReq(st.Missing, "connect", "plaid") {
		t.Fatalf("expected connect:plaid to remain outstanding after a stripe connection, got %+v", st.Missing)
	}

	rightProvider, err := orch.SubmitEvidence(context.Background(), verification.SubmitEvidenceInput{
		Subject:  "sub-7",
		ActionID: &actionID,
		Type:     domain.EvidenceOAuthConnector,
		Ref:      "plaid",
	})
	if err != nil {
		t.Fatalf("SubmitEvidence (right provider): %v", err)
	}
	st2 := rightProvider.VerificationUpdates[0]
	if hasReq(st2.Missing, "connect", "plaid") {
		t.Fatalf("expected connect:plaid to be struck after a plaid connection, got %+v", st2.Missing)
	}
}

// submitAction is rejected once a subject exhausts its rate-limit burst.
func TestSubmitAction_RateLimited(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	cfg := config.Default()
	backend := memory.New()
	snapshots := store.NewSnapshotStore(backend, cfg, clk, nil)
	limiter := resilience.NewSubjectLimiter(0.001, 1)
	orch := verification.NewOrchestrator(backend, snapshots, extractor.Noop{}, clk, cfg, nil, limiter)

	in := verification.SubmitActionInput{
		Subject:     "sub-8",
		Type:        domain.ActionHiring,
		OccurredAt:  now,
		ImpactGuess: domain.ImpactMedium,
	}
	if _, err := orch.SubmitAction(context.Background(), in); err != nil {
		t.Fatalf("first SubmitAction: %v", err)
	}
	_, err := orch.SubmitAction(context.Background(), in)
	if err == nil {
		t.Fatalf("expected second SubmitAction to be rate-limited")
	}
	if !apperr.Is(err, apperr.CategoryRateLimited) {
		t.Fatalf("expected rate_limited category, got %v", err)
	}
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func hasReq(reqs []domain.Requirement, kind, value string) bool {
	for _, r := range reqs {
		if r.Kind == kind && r.Value == value {
			return true
		}
	}
	return false
}
