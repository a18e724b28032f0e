// Package verification implements VerificationOrchestrator (§4.5), the
// system's state machine: intake, evidence matching, provisional and
// verified lifts, and inconsistency resolution. It is the only writer of
// ActionEvent, EvidenceArtifact, and VerificationState.
package verification

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/scoreengine/internal/algebra"
	"github.com/sawpanic/scoreengine/internal/apperr"
	"github.com/sawpanic/scoreengine/internal/clock"
	"github.com/sawpanic/scoreengine/internal/config"
	"github.com/sawpanic/scoreengine/internal/domain"
	"github.com/sawpanic/scoreengine/internal/extractor"
	"github.com/sawpanic/scoreengine/internal/metrics"
	"github.com/sawpanic/scoreengine/internal/resilience"
	"github.com/sawpanic/scoreengine/internal/store"
)

// seedVerification, seedTier are the §4.5 intake step 3 defaults for a
// freshly-submitted action's VerificationState.
const (
	seedVerification        = 0.2
	inconsistencyBoost      = 0.20
	provisionalVerifCap     = 0.35
	provisionalVerifDelta   = 0.05
)

var seedTier = domain.TierUnverified

// Orchestrator is VerificationOrchestrator.
type Orchestrator struct {
	backend     store.Backend
	snapshots   *store.SnapshotStore
	extractor   extractor.Extractor
	clock       clock.Clock
	cfg         *config.EngineConfig
	metrics     *metrics.Metrics
	limiter     *resilience.SubjectLimiter
	retryPolicy backoff.BackOff
}

func NewOrchestrator(
	backend store.Backend,
	snapshots *store.SnapshotStore,
	ext extractor.Extractor,
	clk clock.Clock,
	cfg *config.EngineConfig,
	m *metrics.Metrics,
	limiter *resilience.SubjectLimiter,
) *Orchestrator {
	return &Orchestrator{
		backend:     backend,
		snapshots:   snapshots,
		extractor:   ext,
		clock:       clk,
		cfg:         cfg,
		metrics:     m,
		limiter:     limiter,
		retryPolicy: backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3),
	}
}

// checkRateLimit rejects submitAction/submitEvidence calls that exceed the
// configured per-subject intake rate (§9's rate-limiting note). A nil
// limiter means unbounded, matching the rest of the engine's nil-safe
// optional-dependency convention.
func (o *Orchestrator) checkRateLimit(subject string) error {
	if o.limiter == nil {
		return nil
	}
	if !o.limiter.Allow(subject) {
		return apperr.RateLimited("subject_rate_limited", "too many submissions for subject "+subject)
	}
	return nil
}

// SubmitActionInput is submitAction's request per §6.2.
type SubmitActionInput struct {
	Subject     string
	Actor       string
	Type        domain.ActionType
	Title       string
	Details     string
	OccurredAt  time.Time
	ImpactGuess domain.ImpactGuess
	Fields      domain.ActionFields
}

// NextSteps is the founder-facing remainder of a verification plan.
type NextSteps struct {
	Requirements []domain.Requirement
	Deadline     time.Time
}

type SubmitActionResult struct {
	Action    domain.ActionEvent
	Snapshot  *domain.ScoreSnapshot
	NextSteps NextSteps
}

// SubmitAction implements §4.5's intake algorithm end to end.
func (o *Orchestrator) SubmitAction(ctx context.Context, in SubmitActionInput) (*SubmitActionResult, error) {
	if !domain.IsKnownActionType(in.Type) {
		return nil, apperr.Validation("unknown_action_type", "unknown action type: "+string(in.Type))
	}
	if !domain.IsKnownImpactGuess(in.ImpactGuess) {
		return nil, apperr.Validation("unknown_impact_guess", "unknown impact guess: "+string(in.ImpactGuess))
	}
	if err := o.checkRateLimit(in.Subject); err != nil {
		return nil, err
	}

	var result *SubmitActionResult
	err := o.backend.WithSubjectLock(ctx, in.Subject, func(ctx context.Context) error {
		now := o.clock.Now()
		plan := ComputeVerificationPlan(in.Type, in.ImpactGuess, in.Fields)

		action := domain.ActionEvent{
			ID:               uuid.NewString(),
			SubjectID:        in.Subject,
			Actor:            in.Actor,
			Type:             in.Type,
			Title:            in.Title,
			Details:          in.Details,
			OccurredAt:       in.OccurredAt,
			SubmittedAt:      now,
			ImpactGuess:      in.ImpactGuess,
			Fields:           in.Fields,
			VerificationPlan: plan,
			Status:           domain.StatusPending,
		}
		if err := o.backend.InsertAction(ctx, action); err != nil {
			return err
		}

		state := domain.VerificationState{
			ActionID:            action.ID,
			CurrentVerification: seedVerification,
			Tier:                seedTier,
			Satisfied:           false,
			Missing:             append([]domain.Requirement{}, plan.Requirements...),
		}
		if err := o.backend.InsertVerificationState(ctx, state); err != nil {
			return err
		}

		snap, err := o.applyProvisionalLift(ctx, action)
		if err != nil {
			// §4.5 failure semantics: leave the action pending, no
			// provisional delta id, retryable.
			log.Warn().Err(err).Str("action_id", action.ID).Msg("provisional lift failed, action left pending")
			return err
		}

		action.Status = domain.StatusProvisionalApplied
		action.ProvisionalDeltaID = &snap.ID
		if err := o.backend.UpdateAction(ctx, action); err != nil {
			return err
		}

		if o.metrics != nil {
			o.metrics.CountActionIntake(in.Type)
		}

		result = &SubmitActionResult{
			Action:   action,
			Snapshot: snap,
			NextSteps: NextSteps{
				Requirements: plan.Requirements,
				Deadline:     now.AddDate(0, 0, plan.VerificationWindowDays),
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyProvisionalLift is §4.5 intake step 4-5: a capped feature nudge on
// each mapped feature, followed by SnapshotStore.recompute.
func (o *Orchestrator) applyProvisionalLift(ctx context.Context, action domain.ActionEvent) (*domain.ScoreSnapshot, error) {
	now := o.clock.Now()
	current, err := o.backend.LatestFeatures(ctx, action.SubjectID, now)
	if err != nil {
		return nil, apperr.Store("features_read_failed", "failed to read current features for provisional lift", err)
	}

	multiplier := provisionalImpactMultiplier(action.ImpactGuess)
	lift := 0.05 * multiplier

	for _, id := range actionFeatures(action.Type) {
		prev, ok := current[id]
		if !ok {
			prev = domain.DefaultFeature(action.SubjectID, id)
		}
		newVerification := prev.Verification + provisionalVerifDelta
		if newVerification > provisionalVerifCap {
			newVerification = provisionalVerifCap
		}
		next := domain.Feature{
			SubjectID:        action.SubjectID,
			FeatureID:        id,
			MeasuredAt:       now,
			Raw:              prev.Raw,
			Norm:             algebra.Clamp(prev.Norm+lift, 0, 1),
			Weight:           prev.Weight,
			Confidence:       prev.Confidence,
			Verification:     newVerification,
			VerificationTier: algebra.TierFromVerification(newVerification),
			EvidenceRefs:     prev.EvidenceRefs,
		}
		if err := o.backend.UpsertFeature(ctx, next); err != nil {
			return nil, apperr.Store("feature_upsert_failed", "failed to apply provisional lift", err)
		}
	}

	ref := action.ID
	snap, err := o.snapshots.Recompute(ctx, action.SubjectID, domain.TriggerActionEvent, &ref)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.CountLift("provisional", seedTier)
	}
	return snap, nil
}

// SubmitEvidenceInput is submitEvidence's request per §6.2.
type SubmitEvidenceInput struct {
	Subject  string
	ActionID *string
	Type     domain.EvidenceType
	Ref      string
	Extracted *domain.Extracted // pre-extracted, if the caller already has it
}

type SubmitEvidenceResult struct {
	Evidence           domain.EvidenceArtifact
	MatchedActions     []domain.ActionEvent
	VerificationUpdates []domain.VerificationState
}

// SubmitEvidence implements §4.5's evidence-intake algorithm.
func (o *Orchestrator) SubmitEvidence(ctx context.Context, in SubmitEvidenceInput) (*SubmitEvidenceResult, error) {
	if !domain.IsKnownEvidenceType(in.Type) {
		return nil, apperr.Validation("unknown_evidence_type", "unknown evidence type: "+string(in.Type))
	}
	if err := o.checkRateLimit(in.Subject); err != nil {
		return nil, err
	}

	var result *SubmitEvidenceResult
	err := o.backend.WithSubjectLock(ctx, in.Subject, func(ctx context.Context) error {
		now := o.clock.Now()

		extracted := in.Extracted
		draft := domain.EvidenceArtifact{
			ID: uuid.NewString(), SubjectID: in.Subject, ActionID: in.ActionID,
			Type: in.Type, Ref: in.Ref, CreatedAt: now,
		}
		if extracted == nil && o.extractor != nil {
			got, extractErr := o.extractor.Extract(ctx, draft)
			if extractErr != nil {
				// §7e: extraction failure doesn't fail submitEvidence; the
				// row is persisted with extracted=nil.
				log.Warn().Err(extractErr).Str("evidence_id", draft.ID).Msg("evidence extraction failed, proceeding with type-based matching only")
			} else {
				extracted = got
			}
		}

		evidence := draft
		evidence.Extracted = extracted
		evidence.Tier = domain.TierUnverified
		evidence.Confidence = 0.5
		if extracted != nil {
			evidence.Confidence = 1.0
		}
		if err := o.backend.InsertEvidence(ctx, evidence); err != nil {
			return err
		}

		var matched []domain.ActionEvent
		if in.ActionID != nil {
			a, err := o.backend.GetAction(ctx, in.Subject, *in.ActionID)
			if err != nil {
				return err
			}
			matched = []domain.ActionEvent{*a}
		} else {
			candidates, err := o.backend.CandidateActions(ctx, in.Subject, now)
			if err != nil {
				return apperr.Store("candidates_read_failed", "failed to read candidate actions", err)
			}
			matched = MatchEvidence(candidates, now, in.Type, in.Ref, extracted)
		}

		var updates []domain.VerificationState
		for _, a := range matched {
			updated, err := o.updateVerificationState(ctx, a, evidence.ID, in.Type, in.Ref)
			if err != nil {
				return err
			}
			updates = append(updates, *updated)

			if updated.Satisfied {
				if _, err := o.applyVerifiedLift(ctx, a, *updated); err != nil {
					return err
				}
			}
		}

		result = &SubmitEvidenceResult{Evidence: evidence, MatchedActions: matched, VerificationUpdates: updates}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// updateVerificationState is §4.5.2.
func (o *Orchestrator) updateVerificationState(ctx context.Context, action domain.ActionEvent, evidenceID string, evType domain.EvidenceType, ref string) (*domain.VerificationState, error) {
	state, err := o.backend.GetVerificationState(ctx, action.ID)
	if err != nil {
		return nil, err
	}

	boost := domain.VerificationBoost[evType]
	newVerification := algebra.Clamp(state.CurrentVerification+boost, 0, 1)
	newTier := algebra.TierFromVerification(newVerification)

	// connect requirements are provider-specific (§4.5.1: "oauth_connector
	// satisfies connect:<provider> with matching provider"), so only the
	// provider-aware exactMatch can strike them; requirementFamilySatisfies
	// is provider-blind and would let any connector evidence strike every
	// outstanding connect:* requirement regardless of which provider it
	// names. Other kinds have no provider concept, so family match still
	// applies as a fallback for them.
	var remaining []domain.Requirement
	for _, req := range state.Missing {
		if exactMatch(evType, ref, req) {
			continue
		}
		if req.Kind != "connect" && requirementFamilySatisfies(evType, req) {
			continue
		}
		remaining = append(remaining, req)
	}

	satisfied := newVerification >= action.VerificationPlan.TargetVerification && len(remaining) == 0

	updated := domain.VerificationState{
		ActionID:            action.ID,
		CurrentVerification: newVerification,
		Tier:                newTier,
		Satisfied:           satisfied,
		Missing:             remaining,
		MatchedEvidenceIDs:  append(append([]string{}, state.MatchedEvidenceIDs...), evidenceID),
		Notes:               state.Notes,
	}
	if err := o.backend.UpdateVerificationState(ctx, updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// applyVerifiedLift is §4.5.3.
func (o *Orchestrator) applyVerifiedLift(ctx context.Context, action domain.ActionEvent, state domain.VerificationState) (*domain.ScoreSnapshot, error) {
	now := o.clock.Now()
	current, err := o.backend.LatestFeatures(ctx, action.SubjectID, now)
	if err != nil {
		return nil, apperr.Store("features_read_failed", "failed to read current features for verified lift", err)
	}

	impactMultiplier := verifiedImpactMultiplier(action.ImpactGuess)
	verMult := algebra.VerificationMultiplier(o.cfg, state.Tier)
	baseLift := 0.10 * impactMultiplier * verMult

	for _, id := range actionFeatures(action.Type) {
		prev, ok := current[id]
		if !ok {
			prev = domain.DefaultFeature(action.SubjectID, id)
		}
		next := domain.Feature{
			SubjectID:        action.SubjectID,
			FeatureID:        id,
			MeasuredAt:       now,
			Raw:              prev.Raw,
			Norm:             algebra.Clamp(prev.Norm+baseLift, 0, 1),
			Weight:           prev.Weight,
			Confidence:       prev.Confidence,
			Verification:     verMult,
			VerificationTier: state.Tier,
			EvidenceRefs:     prev.EvidenceRefs,
		}
		if err := o.backend.UpsertFeature(ctx, next); err != nil {
			return nil, apperr.Store("feature_upsert_failed", "failed to apply verified lift", err)
		}
	}

	ref := action.ID
	var snap *domain.ScoreSnapshot
	retryErr := backoff.Retry(func() error {
		s, err := o.snapshots.RecomputeWithCanonical(ctx, action.SubjectID, domain.TriggerVerificationUpgrade, &ref, o.godAdjustment)
		if err != nil {
			if apperr.Is(err, apperr.CategoryConcurrency) {
				return err
			}
			return backoff.Permanent(err)
		}
		snap = s
		return nil
	}, o.retryPolicy)
	if retryErr != nil {
		// §4.5 failure semantics: action stays provisional_applied, retry
		// is safe because the lift is deterministic for (action, state).
		return nil, retryErr
	}

	action.Status = domain.StatusVerified
	action.VerifiedDeltaID = &snap.ID
	if err := o.backend.UpdateAction(ctx, action); err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.CountLift("verified", state.Tier)
	}
	return snap, nil
}

// godAdjustment is §4.5.3's Canonical adjustment formula, used as the
// canonicalFn passed to SnapshotStore.RecomputeWithCanonical.
func (o *Orchestrator) godAdjustment(prevCanonical float64, delta domain.DeltaResult) float64 {
	w := o.cfg.GodWeights
	adjustment := w.Signal*delta.DeltaTotal +
		w.Traction*contributionDelta(delta, domain.FeatureTraction) +
		w.InvestorIntent*contributionDelta(delta, domain.FeatureInvestorIntent)
	return algebra.Clamp(prevCanonical+adjustment, o.cfg.ClampMin, o.cfg.ClampMax)
}

func contributionDelta(delta domain.DeltaResult, id domain.FeatureID) float64 {
	for _, c := range delta.Contributions {
		if c.FeatureID == id {
			return c.Delta
		}
	}
	return 0
}

// UpgradeVerification implements the §6.2 upgradeVerification operation: an
// explicit tier grant (e.g. a curator marking an action trusted) that skips
// the organic evidence-boost path but still runs the verified lift.
func (o *Orchestrator) UpgradeVerification(ctx context.Context, subject, actionID string, newTier domain.VerificationTier) (*domain.ScoreSnapshot, error) {
	if !domain.IsKnownTier(newTier) {
		return nil, apperr.Validation("unknown_verification_tier", "unknown verification tier: "+string(newTier))
	}

	var snap *domain.ScoreSnapshot
	err := o.backend.WithSubjectLock(ctx, subject, func(ctx context.Context) error {
		action, err := o.backend.GetAction(ctx, subject, actionID)
		if err != nil {
			return err
		}
		state, err := o.backend.GetVerificationState(ctx, actionID)
		if err != nil {
			return err
		}

		state.Tier = newTier
		state.CurrentVerification = algebra.VerificationMultiplier(o.cfg, newTier)
		state.Satisfied = true
		state.Missing = nil
		if err := o.backend.UpdateVerificationState(ctx, *state); err != nil {
			return err
		}

		s, err := o.applyVerifiedLift(ctx, *action, *state)
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

type ResolveInconsistencyResult struct {
	Action   domain.ActionEvent
	State    domain.VerificationState
	Snapshot *domain.ScoreSnapshot
}

// ResolveInconsistency implements §4.5.4.
func (o *Orchestrator) ResolveInconsistency(
	ctx context.Context,
	subject, actionID, explanation string,
	evidenceID *string,
	verifierNotes []string,
) (*ResolveInconsistencyResult, error) {
	var result *ResolveInconsistencyResult
	err := o.backend.WithSubjectLock(ctx, subject, func(ctx context.Context) error {
		now := o.clock.Now()
		action, err := o.backend.GetAction(ctx, subject, actionID)
		if err != nil {
			return err
		}
		state, err := o.backend.GetVerificationState(ctx, actionID)
		if err != nil {
			return err
		}

		matched := append([]string{}, state.MatchedEvidenceIDs...)
		if evidenceID != nil {
			matched = append(matched, *evidenceID)
		}

		newVerification := algebra.Clamp(state.CurrentVerification+inconsistencyBoost, 0, 1)
		notes := append(append([]string{}, state.Notes...), "resolved: "+explanation)
		notes = append(notes, verifierNotes...)

		updated := domain.VerificationState{
			ActionID:            state.ActionID,
			CurrentVerification: newVerification,
			Tier:                algebra.TierFromVerification(newVerification),
			Satisfied:           newVerification >= action.VerificationPlan.TargetVerification && len(state.Missing) == 0,
			Missing:             state.Missing,
			MatchedEvidenceIDs:  matched,
			Notes:               notes,
		}
		if err := o.backend.UpdateVerificationState(ctx, updated); err != nil {
			return err
		}
		if err := o.backend.DeactivateBlocker(ctx, subject, domain.BlockerInconsistencyDetected, now); err != nil {
			return err
		}

		var snap *domain.ScoreSnapshot
		if updated.Satisfied {
			snap, err = o.applyVerifiedLift(ctx, *action, updated)
			if err != nil {
				return err
			}
		}

		refreshedAction, err := o.backend.GetAction(ctx, subject, actionID)
		if err != nil {
			return err
		}
		result = &ResolveInconsistencyResult{Action: *refreshedAction, State: updated, Snapshot: snap}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
