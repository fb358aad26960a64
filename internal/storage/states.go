package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
)

// StateStore persists every version of every learner's derived state plus
// the applied-signal ledger. Both tables are insert-only; the unique
// constraint on (org_id, learner_reference, state_version) is what makes
// optimistic concurrency work.
type StateStore struct {
	db *DB
}

// NewStateStore migrates and returns the store.
func NewStateStore(ctx context.Context, db *DB) (*StateStore, error) {
	schema := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS learner_state (
			%s,
			org_id                TEXT NOT NULL,
			learner_reference     TEXT NOT NULL,
			state_id              TEXT NOT NULL UNIQUE,
			state_version         BIGINT NOT NULL,
			updated_at            BIGINT NOT NULL,
			state                 TEXT NOT NULL,
			last_signal_id        TEXT NOT NULL,
			last_signal_timestamp TEXT NOT NULL,
			UNIQUE (org_id, learner_reference, state_version)
		)`, db.pkColumn()),
		`CREATE INDEX IF NOT EXISTS idx_learner_state_head
		 ON learner_state (org_id, learner_reference, state_version DESC)`,
		`CREATE TABLE IF NOT EXISTS applied_signals (
			org_id            TEXT NOT NULL,
			learner_reference TEXT NOT NULL,
			signal_id         TEXT NOT NULL,
			state_version     BIGINT NOT NULL,
			applied_at        BIGINT NOT NULL,
			PRIMARY KEY (org_id, learner_reference, signal_id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("storage: migrate learner_state: %w", err)
		}
	}
	return &StateStore{db: db}, nil
}

// Head returns the highest-version state for a learner, or nil when the
// learner has no persisted state yet (implicit version 0).
func (s *StateStore) Head(ctx context.Context, orgID, learnerRef string) (*model.LearnerState, error) {
	row := s.db.sql.QueryRowContext(ctx, s.db.rebind(
		`SELECT org_id, learner_reference, state_id, state_version, updated_at, state, last_signal_id, last_signal_timestamp
		 FROM learner_state
		 WHERE org_id = ? AND learner_reference = ?
		 ORDER BY state_version DESC
		 LIMIT 1`), orgID, learnerRef)

	st, err := scanLearnerState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Version returns one specific state version. ErrNotFound when absent.
func (s *StateStore) Version(ctx context.Context, orgID, learnerRef string, version int64) (*model.LearnerState, error) {
	row := s.db.sql.QueryRowContext(ctx, s.db.rebind(
		`SELECT org_id, learner_reference, state_id, state_version, updated_at, state, last_signal_id, last_signal_timestamp
		 FROM learner_state
		 WHERE org_id = ? AND learner_reference = ? AND state_version = ?`),
		orgID, learnerRef, version)

	st, err := scanLearnerState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// AppliedSignalIDs returns the set of signal ids already folded into any
// version of the learner's state.
func (s *StateStore) AppliedSignalIDs(ctx context.Context, orgID, learnerRef string) (map[string]struct{}, error) {
	rows, err := s.db.sql.QueryContext(ctx, s.db.rebind(
		`SELECT signal_id FROM applied_signals WHERE org_id = ? AND learner_reference = ?`),
		orgID, learnerRef)
	if err != nil {
		return nil, fmt.Errorf("storage: applied signals: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: applied signals: %w", err)
		}
		applied[id] = struct{}{}
	}
	return applied, rows.Err()
}

// InsertVersion commits a new state version and its applied-signal rows in
// one transaction. A unique violation on either table means a concurrent
// writer got there first and surfaces as ErrStateVersionConflict.
func (s *StateStore) InsertVersion(ctx context.Context, st model.LearnerState, applied []model.AppliedSignal) error {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin state tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.db.rebind(
		`INSERT INTO learner_state
		 (org_id, learner_reference, state_id, state_version, updated_at, state, last_signal_id, last_signal_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		st.OrgID, st.LearnerReference, st.StateID, st.StateVersion, st.UpdatedAt.UnixNano(),
		string(st.State), st.Provenance.LastSignalID, st.Provenance.LastSignalTimestamp,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrStateVersionConflict
		}
		return fmt.Errorf("storage: insert state: %w", err)
	}

	for _, a := range applied {
		if _, err := tx.ExecContext(ctx, s.db.rebind(
			`INSERT INTO applied_signals (org_id, learner_reference, signal_id, state_version, applied_at)
			 VALUES (?, ?, ?, ?, ?)`),
			a.OrgID, a.LearnerReference, a.SignalID, a.StateVersion, a.AppliedAt.UnixNano(),
		); err != nil {
			if isUniqueViolation(err) {
				return ErrStateVersionConflict
			}
			return fmt.Errorf("storage: insert applied signal: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrStateVersionConflict
		}
		return fmt.Errorf("storage: commit state tx: %w", err)
	}
	return nil
}

// VersionCount reports how many versions exist for a learner. Used by tests
// to assert the no-gaps property cheaply.
func (s *StateStore) VersionCount(ctx context.Context, orgID, learnerRef string) (int64, error) {
	var n int64
	err := s.db.sql.QueryRowContext(ctx, s.db.rebind(
		`SELECT COUNT(*) FROM learner_state WHERE org_id = ? AND learner_reference = ?`),
		orgID, learnerRef).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count states: %w", err)
	}
	return n, nil
}

func scanLearnerState(row *sql.Row) (model.LearnerState, error) {
	var (
		st           model.LearnerState
		state        string
		updatedNanos int64
	)
	if err := row.Scan(
		&st.OrgID, &st.LearnerReference, &st.StateID, &st.StateVersion, &updatedNanos,
		&state, &st.Provenance.LastSignalID, &st.Provenance.LastSignalTimestamp,
	); err != nil {
		return model.LearnerState{}, err
	}
	st.State = json.RawMessage(state)
	st.UpdatedAt = time.Unix(0, updatedNanos).UTC()
	return st, nil
}
