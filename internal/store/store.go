// Package store defines the Store consumed interface (§6.1) and implements
// SnapshotStore (§4.4): recompute orchestration over DeltaComputer and
// BlockerEngine, plus the active-blocker projection refresh. Concrete
// backends (postgres, memory) satisfy Backend; SnapshotStore itself holds no
// I/O.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/scoreengine/internal/algebra"
	"github.com/sawpanic/scoreengine/internal/apperr"
	"github.com/sawpanic/scoreengine/internal/blockers"
	"github.com/sawpanic/scoreengine/internal/clock"
	"github.com/sawpanic/scoreengine/internal/config"
	"github.com/sawpanic/scoreengine/internal/delta"
	"github.com/sawpanic/scoreengine/internal/domain"
	"github.com/sawpanic/scoreengine/internal/metrics"
)

// Backend is the transactional table store §6.1 requires: append, point
// read, range read ordered by time per subject, upsert keyed on a
// composite, conditional delete/update, plus the per-subject serialization
// primitive of §5.
//
// Every method that mutates is expected to run inside the transaction
// established by WithSubjectLock when called from within its fn.
type Backend interface {
	// WithSubjectLock serializes all mutation to subject for the duration of
	// fn, per §5's per-subject serialization requirement. Implementations
	// may use an in-process mutex (memory) or a store-level advisory lock
	// (postgres). fn receives a context scoped to one logical transaction.
	WithSubjectLock(ctx context.Context, subject string, fn func(ctx context.Context) error) error

	// LatestFeatures resolves, for each feature_id recorded for subject, the
	// row with the maximum measured_at <= asOf (§4.4 step 1).
	LatestFeatures(ctx context.Context, subject string, asOf time.Time) (map[domain.FeatureID]domain.Feature, error)

	// UpsertFeature appends (or, for the append-only model, inserts) a new
	// feature row at f.MeasuredAt.
	UpsertFeature(ctx context.Context, f domain.Feature) error

	// LatestSnapshot returns the most recent snapshot for subject, or nil if
	// none exists yet.
	LatestSnapshot(ctx context.Context, subject string) (*domain.ScoreSnapshot, error)

	// AppendSnapshot appends an immutable snapshot. Implementations must
	// reject (apperr.Concurrency) if snap.PrevSnapshotID does not match the
	// subject's current latest snapshot id at commit time.
	AppendSnapshot(ctx context.Context, snap domain.ScoreSnapshot) error

	// UpsertActiveBlockers refreshes the (subject, blocker_id)-keyed
	// projection: marks previously-active blockers not in current as
	// resolved, upserts every blocker in current. Idempotent.
	UpsertActiveBlockers(ctx context.Context, subject string, current []domain.BlockingFactor, now time.Time) error

	// DeactivateBlocker marks one specific active blocker resolved, used by
	// resolveInconsistency (§4.5.4) outside the normal recompute refresh.
	DeactivateBlocker(ctx context.Context, subject string, id domain.BlockerID, now time.Time) error

	InsertAction(ctx context.Context, a domain.ActionEvent) error
	GetAction(ctx context.Context, subject, actionID string) (*domain.ActionEvent, error)
	UpdateAction(ctx context.Context, a domain.ActionEvent) error

	InsertVerificationState(ctx context.Context, s domain.VerificationState) error
	GetVerificationState(ctx context.Context, actionID string) (*domain.VerificationState, error)
	UpdateVerificationState(ctx context.Context, s domain.VerificationState) error

	InsertEvidence(ctx context.Context, e domain.EvidenceArtifact) error

	// CandidateActions returns subject's actions eligible for evidence
	// matching per §4.5.1: status in {pending, provisional_applied} and
	// occurred_at >= now-30d.
	CandidateActions(ctx context.Context, subject string, now time.Time) ([]domain.ActionEvent, error)
}

// SnapshotStore is the §4.4 component: it owns the recompute algorithm,
// delegating pure computation to DeltaComputer and BlockerEngine and
// persistence to a Backend.
type SnapshotStore struct {
	backend  Backend
	delta    *delta.Computer
	blockers *blockers.Engine
	clock    clock.Clock
	cfg      *config.EngineConfig
	metrics  *metrics.Metrics
}

func NewSnapshotStore(backend Backend, cfg *config.EngineConfig, clk clock.Clock, m *metrics.Metrics) *SnapshotStore {
	return &SnapshotStore{
		backend:  backend,
		delta:    delta.NewComputer(),
		blockers: blockers.NewEngine(cfg),
		clock:    clk,
		cfg:      cfg,
		metrics:  m,
	}
}

// Recompute runs the §4.4 seven-step algorithm for subject and appends
// exactly one new snapshot. Callers already hold (or are establishing) the
// per-subject lock; Recompute itself does not call WithSubjectLock so it can
// be composed inside a larger locked section (submitAction, submitEvidence).
//
// The Canonical total is carried over from the predecessor unchanged, per
// §4.5's "provisional lifts move Signal only". Use RecomputeWithCanonical
// when a caller (the verified lift) needs to adjust it in the same
// transaction as the snapshot it is justified by.
func (s *SnapshotStore) Recompute(
	ctx context.Context,
	subject string,
	trigger domain.Trigger,
	triggerRef *string,
) (*domain.ScoreSnapshot, error) {
	return s.RecomputeWithCanonical(ctx, subject, trigger, triggerRef, carryOverCanonical)
}

func carryOverCanonical(prevCanonical float64, _ domain.DeltaResult) float64 { return prevCanonical }

// RecomputeWithCanonical is Recompute generalized to let the caller compute
// the new Canonical total from the predecessor's value and this
// recomputation's DeltaResult, in the same snapshot-append transaction.
func (s *SnapshotStore) RecomputeWithCanonical(
	ctx context.Context,
	subject string,
	trigger domain.Trigger,
	triggerRef *string,
	canonicalFn func(prevCanonical float64, delta domain.DeltaResult) float64,
) (*domain.ScoreSnapshot, error) {
	start := time.Now()
	now := s.clock.Now()

	// Step 1: current feature set, freshness resolved against now.
	currentFeatures, err := s.backend.LatestFeatures(ctx, subject, now)
	if err != nil {
		return nil, apperr.Store("features_read_failed", "failed to read current features", err)
	}

	// Step 2: predecessor snapshot, or a synthesized empty one.
	prev, err := s.backend.LatestSnapshot(ctx, subject)
	if err != nil {
		return nil, apperr.Store("snapshot_read_failed", "failed to read latest snapshot", err)
	}
	var prevFeatures map[domain.FeatureID]domain.Feature
	var prevSnapshotID *string
	var prevCanonical float64
	if prev == nil {
		prevFeatures = map[domain.FeatureID]domain.Feature{}
	} else {
		prevFeatures = prev.Features
		id := prev.ID
		prevSnapshotID = &id
		prevCanonical = prev.CanonicalTotal
	}

	// Step 3: DeltaComputer.
	deltaResult := s.delta.Compute(prevFeatures, currentFeatures, s.cfg, now)

	// Step 4: BlockerEngine, against current features and topMovers.
	freshness := make(map[domain.FeatureID]float64, len(currentFeatures))
	for id, f := range currentFeatures {
		freshness[id] = algebra.Resolve(&f, s.cfg, now).Freshness
	}
	firedBlockers := s.blockers.Evaluate(currentFeatures, deltaResult.TopMovers, freshness)

	// Step 5: aggregate means.
	means := aggregateMeans(currentFeatures, freshness)

	// Step 6: append the immutable snapshot.
	snap := domain.ScoreSnapshot{
		ID:             uuid.NewString(),
		SubjectID:      subject,
		AsOf:           now,
		Features:       currentFeatures,
		SignalTotal:    deltaResult.NextTotal,
		CanonicalTotal: canonicalFn(prevCanonical, deltaResult),
		Means:          means,
		Delta:          deltaResult,
		Blockers:       firedBlockers,
		Trigger:        trigger,
		TriggerRefID:   triggerRef,
		PrevSnapshotID: prevSnapshotID,
	}

	if err := s.backend.AppendSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	// Step 7: refresh the active-blocker projection, idempotently.
	if err := s.backend.UpsertActiveBlockers(ctx, subject, firedBlockers, now); err != nil {
		return nil, apperr.Store("blocker_projection_failed", "failed to refresh active blockers", err)
	}

	s.metrics.ObserveRecompute(trigger, time.Since(start).Seconds())
	s.metrics.SetActiveBlockerGauge(domain.SeverityHard, float64(countBySeverity(firedBlockers, domain.SeverityHard)))
	s.metrics.SetActiveBlockerGauge(domain.SeveritySoft, float64(countBySeverity(firedBlockers, domain.SeveritySoft)))

	return &snap, nil
}

func countBySeverity(blockers []domain.BlockingFactor, severity domain.Severity) int {
	n := 0
	for _, bf := range blockers {
		if bf.Severity == severity {
			n++
		}
	}
	return n
}

func aggregateMeans(features map[domain.FeatureID]domain.Feature, freshness map[domain.FeatureID]float64) domain.AggregateMeans {
	if len(features) == 0 {
		return domain.DefaultAggregateMeans()
	}
	var confSum, verSum, freshSum float64
	n := float64(len(features))
	for id, f := range features {
		confSum += f.Confidence
		verSum += f.Verification
		freshSum += freshness[id]
	}
	return domain.AggregateMeans{
		AvgConfidence:   confSum / n,
		AvgVerification: verSum / n,
		AvgFreshness:    freshSum / n,
	}
}
