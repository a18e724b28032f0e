package store

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/sawpanic/scoreengine/internal/clock"
	"github.com/sawpanic/scoreengine/internal/config"
	"github.com/sawpanic/scoreengine/internal/domain"
	"github.com/sawpanic/scoreengine/internal/store/memory"
)

func TestRecompute_EmptyToFirstSnapshot(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Default()
	ss := NewSnapshotStore(backend, cfg, fixed, nil)

	snap, err := ss.Recompute(ctx, "sub-1", domain.TriggerSystem, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.PrevSnapshotID != nil {
		t.Fatalf("expected nil prev_snapshot_id for first snapshot")
	}
	if snap.SignalTotal != 0 {
		t.Fatalf("expected zero signal total with no features, got %f", snap.SignalTotal)
	}
	if snap.CanonicalTotal != 0 {
		t.Fatalf("expected zero canonical total for first snapshot")
	}
}

func TestRecompute_ChainsPrevSnapshotID(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Default()
	ss := NewSnapshotStore(backend, cfg, fixed, nil)

	first, err := ss.Recompute(ctx, "sub-1", domain.TriggerSystem, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fixed.Advance(24 * time.Hour)
	second, err := ss.Recompute(ctx, "sub-1", domain.TriggerSystem, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.PrevSnapshotID == nil || *second.PrevSnapshotID != first.ID {
		t.Fatalf("expected second snapshot to chain to first, got %+v", second.PrevSnapshotID)
	}
}

func TestRecompute_IdempotentUnderNoOpWithFixedClock(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Default()
	ss := NewSnapshotStore(backend, cfg, fixed, nil)

	err := backend.UpsertFeature(ctx, domain.Feature{
		SubjectID: "sub-1", FeatureID: domain.FeatureTraction,
		MeasuredAt: fixed.Now(), Norm: 0.6, Weight: 1, Confidence: 0.8, Verification: 0.5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := ss.Recompute(ctx, "sub-1", domain.TriggerSystem, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Clock does not advance, so a bare second recompute must be a true no-op.
	fixed.Set(fixed.Now().Add(time.Nanosecond))
	second, err := ss.Recompute(ctx, "sub-1", domain.TriggerSystem, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.SignalTotal != first.SignalTotal {
		t.Fatalf("expected identical signal total under no-op, got %f vs %f", first.SignalTotal, second.SignalTotal)
	}
	if len(second.Blockers) != len(first.Blockers) {
		t.Fatalf("expected identical blocker set under no-op")
	}
}

func TestRecompute_FreshnessHalfLife(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	fixed := clock.NewFixed(now)
	cfg := config.Default()
	cfg.FreshnessHalfLifeDays = 14

	err := backend.UpsertFeature(ctx, domain.Feature{
		SubjectID: "sub-1", FeatureID: domain.FeatureTraction,
		MeasuredAt: now.AddDate(0, 0, -14), Norm: 1, Weight: 1, Confidence: 1, Verification: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ss := NewSnapshotStore(backend, cfg, fixed, nil)
	snap, err := ss.Recompute(ctx, "sub-1", domain.TriggerSystem, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if math.Abs(snap.SignalTotal-0.5) > 1e-6 {
		t.Fatalf("expected contribution ~0.5 at exactly one half-life, got %f", snap.SignalTotal)
	}
}

func TestRecompute_IdentityBlockerClearsOnceVerified(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fixed := clock.NewFixed(now)
	cfg := config.Default()
	ss := NewSnapshotStore(backend, cfg, fixed, nil)

	// Identity features unverified: identity_not_verified should fire.
	_, err := ss.Recompute(ctx, "sub-1", domain.TriggerSystem, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Now verify identity features well past the threshold and recompute again.
	fixed.Advance(time.Hour)
	_ = backend.UpsertFeature(ctx, domain.Feature{
		SubjectID: "sub-1", FeatureID: domain.FeatureTraction,
		MeasuredAt: fixed.Now(), Norm: 0.5, Weight: 1, Confidence: 0.8, Verification: 0.9,
	})
	_ = backend.UpsertFeature(ctx, domain.Feature{
		SubjectID: "sub-1", FeatureID: domain.FeatureFounderVelocity,
		MeasuredAt: fixed.Now(), Norm: 0.5, Weight: 1, Confidence: 0.8, Verification: 0.9,
	})

	second, err := ss.Recompute(ctx, "sub-1", domain.TriggerSystem, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bf := range second.Blockers {
		if bf.ID == domain.BlockerIdentityNotVerified {
			t.Fatalf("expected identity_not_verified to have cleared, got %+v", second.Blockers)
		}
	}
}
