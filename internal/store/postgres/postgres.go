// Package postgres is the production store.Backend: sqlx over lib/pq,
// append-only tables per §6.3, and pg_advisory_xact_lock for the per-subject
// serialization §5 requires. Upsert shape (INSERT ... ON CONFLICT ... DO
// UPDATE ... RETURNING) follows the teacher's persistence/postgres upsert
// pattern.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sawpanic/scoreengine/internal/apperr"
	"github.com/sawpanic/scoreengine/internal/domain"
)

// Store is a store.Backend backed by Postgres.
type Store struct {
	db *sqlx.DB
}

// Config mirrors the teacher's infrastructure/db connection-pool knobs.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func Open(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, apperr.Store("db_connect_failed", "failed to connect to postgres", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the §6.3 table shapes if they don't already exist. Real
// deployments would drive this from a migration tool; a single idempotent
// DDL script is enough to ground the schema here.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaDDL)
	if err != nil {
		return apperr.Store("migrate_failed", "failed to apply schema", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS features (
	subject_id        TEXT NOT NULL,
	feature_id        TEXT NOT NULL,
	measured_at       TIMESTAMPTZ NOT NULL,
	raw               JSONB NOT NULL DEFAULT '{}',
	norm              DOUBLE PRECISION NOT NULL,
	weight            DOUBLE PRECISION NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL,
	verification      DOUBLE PRECISION NOT NULL,
	verification_tier TEXT NOT NULL,
	evidence_refs     JSONB NOT NULL DEFAULT '[]',
	PRIMARY KEY (subject_id, feature_id, measured_at)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id                     TEXT PRIMARY KEY,
	subject_id             TEXT NOT NULL,
	as_of                  TIMESTAMPTZ NOT NULL,
	features_blob          JSONB NOT NULL,
	signal_total           DOUBLE PRECISION NOT NULL,
	canonical_total        DOUBLE PRECISION NOT NULL,
	avg_confidence         DOUBLE PRECISION NOT NULL,
	avg_verification       DOUBLE PRECISION NOT NULL,
	avg_freshness          DOUBLE PRECISION NOT NULL,
	delta_total            DOUBLE PRECISION NOT NULL,
	delta_contributions_blob JSONB NOT NULL,
	top_movers_blob        JSONB NOT NULL,
	blockers_blob          JSONB NOT NULL,
	prev_snapshot_id       TEXT,
	trigger                TEXT NOT NULL,
	trigger_ref_id         TEXT
);
CREATE INDEX IF NOT EXISTS snapshots_subject_asof_idx ON snapshots (subject_id, as_of);

CREATE TABLE IF NOT EXISTS actions (
	id                   TEXT PRIMARY KEY,
	subject_id           TEXT NOT NULL,
	actor                TEXT,
	type                 TEXT NOT NULL,
	title                TEXT NOT NULL,
	details              TEXT NOT NULL,
	occurred_at          TIMESTAMPTZ NOT NULL,
	submitted_at         TIMESTAMPTZ NOT NULL,
	impact_guess         TEXT NOT NULL,
	fields               JSONB NOT NULL DEFAULT '{}',
	verification_plan    JSONB NOT NULL,
	status               TEXT NOT NULL,
	provisional_delta_id TEXT,
	verified_delta_id    TEXT
);
CREATE INDEX IF NOT EXISTS actions_subject_idx ON actions (subject_id, status, occurred_at);

CREATE TABLE IF NOT EXISTS verification_states (
	action_id            TEXT PRIMARY KEY REFERENCES actions(id),
	current_verification DOUBLE PRECISION NOT NULL,
	tier                 TEXT NOT NULL,
	satisfied            BOOLEAN NOT NULL,
	missing              JSONB NOT NULL DEFAULT '[]',
	matched_evidence_ids JSONB NOT NULL DEFAULT '[]',
	notes                JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS evidence (
	id         TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	action_id  TEXT REFERENCES actions(id),
	type       TEXT NOT NULL,
	ref        TEXT NOT NULL,
	extracted  JSONB,
	tier       TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS active_blockers (
	subject_id        TEXT NOT NULL,
	blocker_id        TEXT NOT NULL,
	severity          TEXT NOT NULL,
	message           TEXT NOT NULL,
	fix_path          TEXT NOT NULL,
	affected_features JSONB NOT NULL DEFAULT '[]',
	is_active         BOOLEAN NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	resolved_at       TIMESTAMPTZ,
	PRIMARY KEY (subject_id, blocker_id)
);
`

// WithSubjectLock takes a Postgres transaction-scoped advisory lock
// keyed on hashtext(subject), matching §5's "store-level single-row locks
// plus advisory ordering" option: pg_advisory_xact_lock auto-releases at
// transaction end, so fn's work and the lock release are atomic.
func (s *Store) WithSubjectLock(ctx context.Context, subject string, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Store("tx_begin_failed", "failed to begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, subject); err != nil {
		return apperr.Store("advisory_lock_failed", "failed to acquire subject lock", err)
	}

	txCtx := withTx(ctx, tx)
	if err := fn(txCtx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperr.Store("tx_commit_failed", "failed to commit transaction", err)
	}
	committed = true
	return nil
}

type txKey struct{}

func withTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// dbOrTx is the subset of *sqlx.DB and *sqlx.Tx every query below needs.
// Both types implement it with identical signatures, so execer can hand
// back whichever scope the caller is in without sqlx needing a named
// context-aware interface that covers QueryRowxContext too.
type dbOrTx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
}

// execer abstracts over *sqlx.DB and *sqlx.Tx so every method below runs
// against whichever scope the caller is in: inside WithSubjectLock's
// transaction if present, or a bare connection otherwise (read-only paths
// like LatestFeatures don't require the subject lock).
func (s *Store) execer(ctx context.Context) dbOrTx {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

func (s *Store) LatestFeatures(ctx context.Context, subject string, asOf time.Time) (map[domain.FeatureID]domain.Feature, error) {
	rows, err := s.execer(ctx).QueryxContext(ctx, `
		SELECT DISTINCT ON (feature_id)
			subject_id, feature_id, measured_at, raw, norm, weight, confidence, verification, verification_tier, evidence_refs
		FROM features
		WHERE subject_id = $1 AND measured_at <= $2
		ORDER BY feature_id, measured_at DESC
	`, subject, asOf)
	if err != nil {
		return nil, apperr.Store("features_query_failed", "failed to query latest features", err)
	}
	defer rows.Close()

	out := make(map[domain.FeatureID]domain.Feature)
	for rows.Next() {
		var row featureRow
		if err := rows.StructScan(&row); err != nil {
			return nil, apperr.Store("features_scan_failed", "failed to scan feature row", err)
		}
		f, err := row.toDomain()
		if err != nil {
			return nil, apperr.Store("features_decode_failed", "failed to decode feature row", err)
		}
		out[f.FeatureID] = f
	}
	return out, rows.Err()
}

type featureRow struct {
	SubjectID        string         `db:"subject_id"`
	FeatureID        string         `db:"feature_id"`
	MeasuredAt       time.Time      `db:"measured_at"`
	Raw              []byte         `db:"raw"`
	Norm             float64        `db:"norm"`
	Weight           float64        `db:"weight"`
	Confidence       float64        `db:"confidence"`
	Verification     float64        `db:"verification"`
	VerificationTier string         `db:"verification_tier"`
	EvidenceRefs     []byte         `db:"evidence_refs"`
}

func (r featureRow) toDomain() (domain.Feature, error) {
	var raw domain.RawBlob
	if len(r.Raw) > 0 {
		if err := json.Unmarshal(r.Raw, &raw); err != nil {
			return domain.Feature{}, err
		}
	}
	var refs []string
	if len(r.EvidenceRefs) > 0 {
		if err := json.Unmarshal(r.EvidenceRefs, &refs); err != nil {
			return domain.Feature{}, err
		}
	}
	return domain.Feature{
		SubjectID:        r.SubjectID,
		FeatureID:        domain.FeatureID(r.FeatureID),
		MeasuredAt:       r.MeasuredAt,
		Raw:              raw,
		Norm:             r.Norm,
		Weight:           r.Weight,
		Confidence:       r.Confidence,
		Verification:     r.Verification,
		VerificationTier: domain.VerificationTier(r.VerificationTier),
		EvidenceRefs:     refs,
	}, nil
}

func (s *Store) UpsertFeature(ctx context.Context, f domain.Feature) error {
	raw, err := json.Marshal(f.Raw)
	if err != nil {
		return apperr.Store("feature_encode_failed", "failed to encode raw blob", err)
	}
	refs, err := json.Marshal(f.EvidenceRefs)
	if err != nil {
		return apperr.Store("feature_encode_failed", "failed to encode evidence refs", err)
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO features (subject_id, feature_id, measured_at, raw, norm, weight, confidence, verification, verification_tier, evidence_refs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (subject_id, feature_id, measured_at) DO UPDATE SET
			raw = EXCLUDED.raw, norm = EXCLUDED.norm, weight = EXCLUDED.weight,
			confidence = EXCLUDED.confidence, verification = EXCLUDED.verification,
			verification_tier = EXCLUDED.verification_tier, evidence_refs = EXCLUDED.evidence_refs
	`, f.SubjectID, string(f.FeatureID), f.MeasuredAt, raw, f.Norm, f.Weight, f.Confidence, f.Verification, string(f.VerificationTier), refs)
	if err != nil {
		return apperr.Store("feature_upsert_failed", "failed to upsert feature row", err)
	}
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, subject string) (*domain.ScoreSnapshot, error) {
	var row snapshotRow
	err := s.execer(ctx).QueryRowxContext(ctx, `
		SELECT id, subject_id, as_of, features_blob, signal_total, canonical_total,
			avg_confidence, avg_verification, avg_freshness, delta_total,
			delta_contributions_blob, top_movers_blob, blockers_blob,
			prev_snapshot_id, trigger, trigger_ref_id
		FROM snapshots WHERE subject_id = $1 ORDER BY as_of DESC LIMIT 1
	`, subject).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("snapshot_query_failed", "failed to query latest snapshot", err)
	}
	snap, err := row.toDomain()
	if err != nil {
		return nil, apperr.Store("snapshot_decode_failed", "failed to decode snapshot row", err)
	}
	return &snap, nil
}

type snapshotRow struct {
	ID                     string         `db:"id"`
	SubjectID              string         `db:"subject_id"`
	AsOf                   time.Time      `db:"as_of"`
	FeaturesBlob           []byte         `db:"features_blob"`
	SignalTotal            float64        `db:"signal_total"`
	CanonicalTotal         float64        `db:"canonical_total"`
	AvgConfidence          float64        `db:"avg_confidence"`
	AvgVerification        float64        `db:"avg_verification"`
	AvgFreshness           float64        `db:"avg_freshness"`
	DeltaTotal             float64        `db:"delta_total"`
	DeltaContributionsBlob []byte         `db:"delta_contributions_blob"`
	TopMoversBlob          []byte         `db:"top_movers_blob"`
	BlockersBlob           []byte         `db:"blockers_blob"`
	PrevSnapshotID         sql.NullString `db:"prev_snapshot_id"`
	Trigger                string         `db:"trigger"`
	TriggerRefID           sql.NullString `db:"trigger_ref_id"`
}

func (r snapshotRow) toDomain() (domain.ScoreSnapshot, error) {
	var features map[domain.FeatureID]domain.Feature
	if err := json.Unmarshal(r.FeaturesBlob, &features); err != nil {
		return domain.ScoreSnapshot{}, err
	}
	var contributions, topMovers []domain.FeatureContribution
	if err := json.Unmarshal(r.DeltaContributionsBlob, &contributions); err != nil {
		return domain.ScoreSnapshot{}, err
	}
	if err := json.Unmarshal(r.TopMoversBlob, &topMovers); err != nil {
		return domain.ScoreSnapshot{}, err
	}
	var blockerList []domain.BlockingFactor
	if err := json.Unmarshal(r.BlockersBlob, &blockerList); err != nil {
		return domain.ScoreSnapshot{}, err
	}

	snap := domain.ScoreSnapshot{
		ID:             r.ID,
		SubjectID:      r.SubjectID,
		AsOf:           r.AsOf,
		Features:       features,
		SignalTotal:    r.SignalTotal,
		CanonicalTotal: r.CanonicalTotal,
		Means: domain.AggregateMeans{
			AvgConfidence:   r.AvgConfidence,
			AvgVerification: r.AvgVerification,
			AvgFreshness:    r.AvgFreshness,
		},
		Delta: domain.DeltaResult{
			NextTotal:     r.SignalTotal,
			DeltaTotal:    r.DeltaTotal,
			Contributions: contributions,
			TopMovers:     topMovers,
		},
		Blockers: blockerList,
		Trigger:  domain.Trigger(r.Trigger),
	}
	if r.PrevSnapshotID.Valid {
		id := r.PrevSnapshotID.String
		snap.PrevSnapshotID = &id
	}
	if r.TriggerRefID.Valid {
		id := r.TriggerRefID.String
		snap.TriggerRefID = &id
	}
	return snap, nil
}

// AppendSnapshot enforces §5's ordering guarantee with a single conditional
// INSERT: the WHERE clause only matches the true current-latest row (or no
// rows, for the first snapshot), so a concurrent writer racing us produces
// zero affected rows rather than a corrupted chain.
func (s *Store) AppendSnapshot(ctx context.Context, snap domain.ScoreSnapshot) error {
	featuresBlob, err := json.Marshal(snap.Features)
	if err != nil {
		return apperr.Store("snapshot_encode_failed", "failed to encode features blob", err)
	}
	contributionsBlob, err := json.Marshal(snap.Delta.Contributions)
	if err != nil {
		return apperr.Store("snapshot_encode_failed", "failed to encode contributions blob", err)
	}
	topMoversBlob, err := json.Marshal(snap.Delta.TopMovers)
	if err != nil {
		return apperr.Store("snapshot_encode_failed", "failed to encode top movers blob", err)
	}
	blockersBlob, err := json.Marshal(snap.Blockers)
	if err != nil {
		return apperr.Store("snapshot_encode_failed", "failed to encode blockers blob", err)
	}

	var prevID, triggerRef sql.NullString
	if snap.PrevSnapshotID != nil {
		prevID = sql.NullString{String: *snap.PrevSnapshotID, Valid: true}
	}
	if snap.TriggerRefID != nil {
		triggerRef = sql.NullString{String: *snap.TriggerRefID, Valid: true}
	}

	res, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO snapshots (
			id, subject_id, as_of, features_blob, signal_total, canonical_total,
			avg_confidence, avg_verification, avg_freshness, delta_total,
			delta_contributions_blob, top_movers_blob, blockers_blob,
			prev_snapshot_id, trigger, trigger_ref_id
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		WHERE (
			SELECT id FROM snapshots WHERE subject_id = $2 ORDER BY as_of DESC LIMIT 1
		) IS NOT DISTINCT FROM $14
	`, snap.ID, snap.SubjectID, snap.AsOf, featuresBlob, snap.SignalTotal, snap.CanonicalTotal,
		snap.Means.AvgConfidence, snap.Means.AvgVerification, snap.Means.AvgFreshness, snap.Delta.DeltaTotal,
		contributionsBlob, topMoversBlob, blockersBlob, prevID, string(snap.Trigger), triggerRef)
	if err != nil {
		return apperr.Store("snapshot_append_failed", "failed to append snapshot", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Store("snapshot_append_failed", "failed to read rows affected", err)
	}
	if n == 0 {
		return apperr.Concurrency("snapshot_conflict", "prev_snapshot_id no longer matches the current latest snapshot", nil)
	}
	return nil
}

func (s *Store) UpsertActiveBlockers(ctx context.Context, subject string, current []domain.BlockingFactor, now time.Time) error {
	ex := s.execer(ctx)

	currentIDs := make([]string, 0, len(current))
	for _, bf := range current {
		currentIDs = append(currentIDs, string(bf.ID))
		affected, err := json.Marshal(bf.AffectedFeatures)
		if err != nil {
			return apperr.Store("blocker_encode_failed", "failed to encode affected features", err)
		}
		_, err = ex.ExecContext(ctx, `
			INSERT INTO active_blockers (subject_id, blocker_id, severity, message, fix_path, affected_features, is_active, updated_at, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, true, $7, NULL)
			ON CONFLICT (subject_id, blocker_id) DO UPDATE SET
				severity = EXCLUDED.severity, message = EXCLUDED.message, fix_path = EXCLUDED.fix_path,
				affected_features = EXCLUDED.affected_features, is_active = true, updated_at = EXCLUDED.updated_at, resolved_at = NULL
		`, subject, string(bf.ID), string(bf.Severity), bf.Message, bf.FixPath, affected, now)
		if err != nil {
			return apperr.Store("blocker_upsert_failed", "failed to upsert active blocker", err)
		}
	}

	_, err := ex.ExecContext(ctx, `
		UPDATE active_blockers
		SET is_active = false, resolved_at = $3, updated_at = $3
		WHERE subject_id = $1 AND is_active = true AND NOT (blocker_id = ANY($2))
	`, subject, pqStringArray(currentIDs), now)
	if err != nil {
		return apperr.Store("blocker_resolve_failed", "failed to resolve stale active blockers", err)
	}
	return nil
}

func (s *Store) DeactivateBlocker(ctx context.Context, subject string, id domain.BlockerID, now time.Time) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE active_blockers SET is_active = false, resolved_at = $3, updated_at = $3
		WHERE subject_id = $1 AND blocker_id = $2 AND is_active = true
	`, subject, string(id), now)
	if err != nil {
		return apperr.Store("blocker_deactivate_failed", "failed to deactivate blocker", err)
	}
	return nil
}

func (s *Store) InsertAction(ctx context.Context, a domain.ActionEvent) error {
	fields, err := json.Marshal(a.Fields)
	if err != nil {
		return apperr.Store("action_encode_failed", "failed to encode action fields", err)
	}
	plan, err := json.Marshal(a.VerificationPlan)
	if err != nil {
		return apperr.Store("action_encode_failed", "failed to encode verification plan", err)
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO actions (id, subject_id, actor, type, title, details, occurred_at, submitted_at, impact_guess, fields, verification_plan, status, provisional_delta_id, verified_delta_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, fields = EXCLUDED.fields, verification_plan = EXCLUDED.verification_plan,
			provisional_delta_id = EXCLUDED.provisional_delta_id, verified_delta_id = EXCLUDED.verified_delta_id
	`, a.ID, a.SubjectID, nullableString(a.Actor), string(a.Type), a.Title, a.Details, a.OccurredAt, a.SubmittedAt,
		string(a.ImpactGuess), fields, plan, string(a.Status), nullablePtr(a.ProvisionalDeltaID), nullablePtr(a.VerifiedDeltaID))
	if err != nil {
		return apperr.Store("action_insert_failed", "failed to insert action", err)
	}
	return nil
}

func (s *Store) GetAction(ctx context.Context, subject, actionID string) (*domain.ActionEvent, error) {
	var row actionRow
	err := s.execer(ctx).QueryRowxContext(ctx, `
		SELECT id, subject_id, actor, type, title, details, occurred_at, submitted_at, impact_guess, fields, verification_plan, status, provisional_delta_id, verified_delta_id
		FROM actions WHERE subject_id = $1 AND id = $2
	`, subject, actionID).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("action_not_found", "action not found: "+actionID)
	}
	if err != nil {
		return nil, apperr.Store("action_query_failed", "failed to query action", err)
	}
	a, err := row.toDomain()
	if err != nil {
		return nil, apperr.Store("action_decode_failed", "failed to decode action", err)
	}
	return &a, nil
}

func (s *Store) UpdateAction(ctx context.Context, a domain.ActionEvent) error {
	return s.InsertAction(ctx, a)
}

type actionRow struct {
	ID                 string         `db:"id"`
	SubjectID          string         `db:"subject_id"`
	Actor              sql.NullString `db:"actor"`
	Type               string         `db:"type"`
	Title              string         `db:"title"`
	Details            string         `db:"details"`
	OccurredAt         time.Time      `db:"occurred_at"`
	SubmittedAt        time.Time      `db:"submitted_at"`
	ImpactGuess        string         `db:"impact_guess"`
	Fields             []byte         `db:"fields"`
	VerificationPlan   []byte         `db:"verification_plan"`
	Status             string         `db:"status"`
	ProvisionalDeltaID sql.NullString `db:"provisional_delta_id"`
	VerifiedDeltaID    sql.NullString `db:"verified_delta_id"`
}

func (r actionRow) toDomain() (domain.ActionEvent, error) {
	var fields domain.ActionFields
	if len(r.Fields) > 0 {
		if err := json.Unmarshal(r.Fields, &fields); err != nil {
			return domain.ActionEvent{}, err
		}
	}
	var plan domain.VerificationPlan
	if len(r.VerificationPlan) > 0 {
		if err := json.Unmarshal(r.VerificationPlan, &plan); err != nil {
			return domain.ActionEvent{}, err
		}
	}
	a := domain.ActionEvent{
		ID:               r.ID,
		SubjectID:        r.SubjectID,
		Actor:            r.Actor.String,
		Type:             domain.ActionType(r.Type),
		Title:            r.Title,
		Details:          r.Details,
		OccurredAt:       r.OccurredAt,
		SubmittedAt:      r.SubmittedAt,
		ImpactGuess:      domain.ImpactGuess(r.ImpactGuess),
		Fields:           fields,
		VerificationPlan: plan,
		Status:           domain.ActionStatus(r.Status),
	}
	if r.ProvisionalDeltaID.Valid {
		v := r.ProvisionalDeltaID.String
		a.ProvisionalDeltaID = &v
	}
	if r.VerifiedDeltaID.Valid {
		v := r.VerifiedDeltaID.String
		a.VerifiedDeltaID = &v
	}
	return a, nil
}

func (s *Store) InsertVerificationState(ctx context.Context, st domain.VerificationState) error {
	return s.UpdateVerificationState(ctx, st)
}

func (s *Store) GetVerificationState(ctx context.Context, actionID string) (*domain.VerificationState, error) {
	var row verificationStateRow
	err := s.execer(ctx).QueryRowxContext(ctx, `
		SELECT action_id, current_verification, tier, satisfied, missing, matched_evidence_ids, notes
		FROM verification_states WHERE action_id = $1
	`, actionID).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("verification_state_not_found", "verification state not found: "+actionID)
	}
	if err != nil {
		return nil, apperr.Store("verification_state_query_failed", "failed to query verification state", err)
	}
	st, err := row.toDomain()
	if err != nil {
		return nil, apperr.Store("verification_state_decode_failed", "failed to decode verification state", err)
	}
	return &st, nil
}

func (s *Store) UpdateVerificationState(ctx context.Context, st domain.VerificationState) error {
	missing, err := json.Marshal(st.Missing)
	if err != nil {
		return apperr.Store("verification_state_encode_failed", "failed to encode missing requirements", err)
	}
	matched, err := json.Marshal(st.MatchedEvidenceIDs)
	if err != nil {
		return apperr.Store("verification_state_encode_failed", "failed to encode matched evidence ids", err)
	}
	notes, err := json.Marshal(st.Notes)
	if err != nil {
		return apperr.Store("verification_state_encode_failed", "failed to encode notes", err)
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO verification_states (action_id, current_verification, tier, satisfied, missing, matched_evidence_ids, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (action_id) DO UPDATE SET
			current_verification = EXCLUDED.current_verification, tier = EXCLUDED.tier, satisfied = EXCLUDED.satisfied,
			missing = EXCLUDED.missing, matched_evidence_ids = EXCLUDED.matched_evidence_ids, notes = EXCLUDED.notes
	`, st.ActionID, st.CurrentVerification, string(st.Tier), st.Satisfied, missing, matched, notes)
	if err != nil {
		return apperr.Store("verification_state_upsert_failed", "failed to upsert verification state", err)
	}
	return nil
}

type verificationStateRow struct {
	ActionID            string  `db:"action_id"`
	CurrentVerification float64 `db:"current_verification"`
	Tier                string  `db:"tier"`
	Satisfied           bool    `db:"satisfied"`
	Missing             []byte  `db:"missing"`
	MatchedEvidenceIDs  []byte  `db:"matched_evidence_ids"`
	Notes               []byte  `db:"notes"`
}

func (r verificationStateRow) toDomain() (domain.VerificationState, error) {
	var missing []domain.Requirement
	if len(r.Missing) > 0 {
		if err := json.Unmarshal(r.Missing, &missing); err != nil {
			return domain.VerificationState{}, err
		}
	}
	var matched []string
	if len(r.MatchedEvidenceIDs) > 0 {
		if err := json.Unmarshal(r.MatchedEvidenceIDs, &matched); err != nil {
			return domain.VerificationState{}, err
		}
	}
	var notes []string
	if len(r.Notes) > 0 {
		if err := json.Unmarshal(r.Notes, &notes); err != nil {
			return domain.VerificationState{}, err
		}
	}
	return domain.VerificationState{
		ActionID:            r.ActionID,
		CurrentVerification: r.CurrentVerification,
		Tier:                domain.VerificationTier(r.Tier),
		Satisfied:           r.Satisfied,
		Missing:             missing,
		MatchedEvidenceIDs:  matched,
		Notes:               notes,
	}, nil
}

func (s *Store) InsertEvidence(ctx context.Context, e domain.EvidenceArtifact) error {
	var extracted []byte
	var err error
	if e.Extracted != nil {
		extracted, err = json.Marshal(e.Extracted)
		if err != nil {
			return apperr.Store("evidence_encode_failed", "failed to encode extracted payload", err)
		}
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO evidence (id, subject_id, action_id, type, ref, extracted, tier, confidence, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.SubjectID, nullablePtr(e.ActionID), string(e.Type), e.Ref, extracted, string(e.Tier), e.Confidence, e.CreatedAt)
	if err != nil {
		return apperr.Store("evidence_insert_failed", "failed to insert evidence", err)
	}
	return nil
}

func (s *Store) CandidateActions(ctx context.Context, subject string, now time.Time) ([]domain.ActionEvent, error) {
	cutoff := now.AddDate(0, 0, -30)
	rows, err := s.execer(ctx).QueryxContext(ctx, `
		SELECT id, subject_id, actor, type, title, details, occurred_at, submitted_at, impact_guess, fields, verification_plan, status, provisional_delta_id, verified_delta_id
		FROM actions
		WHERE subject_id = $1 AND status IN ('pending', 'provisional_applied') AND occurred_at >= $2
	`, subject, cutoff)
	if err != nil {
		return nil, apperr.Store("candidate_actions_query_failed", "failed to query candidate actions", err)
	}
	defer rows.Close()

	var out []domain.ActionEvent
	for rows.Next() {
		var row actionRow
		if err := rows.StructScan(&row); err != nil {
			return nil, apperr.Store("candidate_actions_scan_failed", "failed to scan candidate action", err)
		}
		a, err := row.toDomain()
		if err != nil {
			return nil, apperr.Store("candidate_actions_decode_failed", "failed to decode candidate action", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullablePtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// pqStringArray renders a Go string slice as a Postgres text array literal
// usable with = ANY($n), avoiding a direct dependency on lib/pq's array
// helper types for this one call site.
func pqStringArray(ss []string) string {
	out := "{"
	for i, v := range ss {
		if i > 0 {
			out += ","
		}
		out += `"` + v + `"`
	}
	return out + "}"
}
