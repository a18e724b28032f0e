// Package memory is an in-process Backend (store.Backend) used by tests and
// local development: plain Go maps guarded by per-subject mutexes, with the
// exact same optimistic-concurrency and projection semantics the postgres
// backend provides.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/scoreengine/internal/apperr"
	"github.com/sawpanic/scoreengine/internal/domain"
)

type activeBlockerRecord struct {
	domain.BlockingFactor
	IsActive   bool
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// Store is an in-memory store.Backend.
type Store struct {
	mu sync.Mutex

	subjectLocks map[string]*sync.Mutex

	features            map[string][]domain.Feature
	snapshots           map[string][]domain.ScoreSnapshot
	actions             map[string]map[string]domain.ActionEvent
	verificationStates  map[string]domain.VerificationState
	evidence            map[string][]domain.EvidenceArtifact
	activeBlockers      map[string]map[domain.BlockerID]activeBlockerRecord
}

func New() *Store {
	return &Store{
		subjectLocks:       make(map[string]*sync.Mutex),
		features:           make(map[string][]domain.Feature),
		snapshots:          make(map[string][]domain.ScoreSnapshot),
		actions:            make(map[string]map[string]domain.ActionEvent),
		verificationStates: make(map[string]domain.VerificationState),
		evidence:           make(map[string][]domain.EvidenceArtifact),
		activeBlockers:     make(map[string]map[domain.BlockerID]activeBlockerRecord),
	}
}

func (s *Store) lockFor(subject string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.subjectLocks[subject]
	if !ok {
		l = &sync.Mutex{}
		s.subjectLocks[subject] = l
	}
	return l
}

func (s *Store) WithSubjectLock(ctx context.Context, subject string, fn func(ctx context.Context) error) error {
	l := s.lockFor(subject)
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

func (s *Store) LatestFeatures(ctx context.Context, subject string, asOf time.Time) (map[domain.FeatureID]domain.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[domain.FeatureID]domain.Feature)
	for _, f := range s.features[subject] {
		if f.MeasuredAt.After(asOf) {
			continue
		}
		cur, ok := out[f.FeatureID]
		if !ok || f.MeasuredAt.After(cur.MeasuredAt) {
			out[f.FeatureID] = f
		}
	}
	return out, nil
}

func (s *Store) UpsertFeature(ctx context.Context, f domain.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[f.SubjectID] = append(s.features[f.SubjectID], f)
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, subject string) (*domain.ScoreSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[subject]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[len(snaps)-1]
	return &latest, nil
}

func (s *Store) AppendSnapshot(ctx context.Context, snap domain.ScoreSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.snapshots[snap.SubjectID]
	var currentLatestID *string
	if len(existing) > 0 {
		id := existing[len(existing)-1].ID
		currentLatestID = &id
	}
	if !sameOptionalString(currentLatestID, snap.PrevSnapshotID) {
		return apperr.Concurrency("snapshot_conflict", "prev_snapshot_id does not match current latest", nil)
	}
	if len(existing) > 0 && !snap.AsOf.After(existing[len(existing)-1].AsOf) {
		return apperr.Concurrency("snapshot_conflict", "as_of must be strictly increasing", nil)
	}

	s.snapshots[snap.SubjectID] = append(existing, snap)
	return nil
}

func sameOptionalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Store) UpsertActiveBlockers(ctx context.Context, subject string, current []domain.BlockingFactor, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySubject, ok := s.activeBlockers[subject]
	if !ok {
		bySubject = make(map[domain.BlockerID]activeBlockerRecord)
		s.activeBlockers[subject] = bySubject
	}

	currentIDs := make(map[domain.BlockerID]struct{}, len(current))
	for _, bf := range current {
		currentIDs[bf.ID] = struct{}{}
		bySubject[bf.ID] = activeBlockerRecord{BlockingFactor: bf, IsActive: true, UpdatedAt: now}
	}
	for id, rec := range bySubject {
		if _, stillActive := currentIDs[id]; !stillActive && rec.IsActive {
			rec.IsActive = false
			resolvedAt := now
			rec.ResolvedAt = &resolvedAt
			rec.UpdatedAt = now
			bySubject[id] = rec
		}
	}
	return nil
}

func (s *Store) DeactivateBlocker(ctx context.Context, subject string, id domain.BlockerID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySubject, ok := s.activeBlockers[subject]
	if !ok {
		return nil
	}
	rec, ok := bySubject[id]
	if !ok || !rec.IsActive {
		return nil
	}
	rec.IsActive = false
	resolvedAt := now
	rec.ResolvedAt = &resolvedAt
	rec.UpdatedAt = now
	bySubject[id] = rec
	return nil
}

func (s *Store) InsertAction(ctx context.Context, a domain.ActionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySubject, ok := s.actions[a.SubjectID]
	if !ok {
		bySubject = make(map[string]domain.ActionEvent)
		s.actions[a.SubjectID] = bySubject
	}
	bySubject[a.ID] = a
	return nil
}

func (s *Store) GetAction(ctx context.Context, subject, actionID string) (*domain.ActionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySubject, ok := s.actions[subject]
	if !ok {
		return nil, apperr.NotFound("action_not_found", "action not found: "+actionID)
	}
	a, ok := bySubject[actionID]
	if !ok {
		return nil, apperr.NotFound("action_not_found", "action not found: "+actionID)
	}
	return &a, nil
}

func (s *Store) UpdateAction(ctx context.Context, a domain.ActionEvent) error {
	return s.InsertAction(ctx, a)
}

func (s *Store) InsertVerificationState(ctx context.Context, st domain.VerificationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verificationStates[st.ActionID] = st
	return nil
}

func (s *Store) GetVerificationState(ctx context.Context, actionID string) (*domain.VerificationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.verificationStates[actionID]
	if !ok {
		return nil, apperr.NotFound("verification_state_not_found", "verification state not found: "+actionID)
	}
	return &st, nil
}

func (s *Store) UpdateVerificationState(ctx context.Context, st domain.VerificationState) error {
	return s.InsertVerificationState(ctx, st)
}

func (s *Store) InsertEvidence(ctx context.Context, e domain.EvidenceArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence[e.SubjectID] = append(s.evidence[e.SubjectID], e)
	return nil
}

func (s *Store) CandidateActions(ctx context.Context, subject string, now time.Time) ([]domain.ActionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.AddDate(0, 0, -30)
	var out []domain.ActionEvent
	for _, a := range s.actions[subject] {
		if a.Status != domain.StatusPending && a.Status != domain.StatusProvisionalApplied {
			continue
		}
		if a.OccurredAt.Before(cutoff) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
