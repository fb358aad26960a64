package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
)

// DecisionStore is the append-only record of emitted decisions. No UPDATE,
// no DELETE; decision_context round-trips byte-identical.
type DecisionStore struct {
	db *DB
}

// NewDecisionStore migrates and returns the store.
func NewDecisionStore(ctx context.Context, db *DB) (*DecisionStore, error) {
	schema := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS decisions (
			%s,
			org_id                TEXT NOT NULL,
			decision_id           TEXT NOT NULL,
			learner_reference     TEXT NOT NULL,
			decision_type         TEXT NOT NULL,
			decided_at            BIGINT NOT NULL,
			decision_context      TEXT NOT NULL,
			trace_state_id        TEXT NOT NULL,
			trace_state_version   BIGINT NOT NULL,
			trace_policy_version  TEXT NOT NULL,
			trace_matched_rule_id TEXT,
			UNIQUE (org_id, decision_id)
		)`, db.pkColumn()),
		`CREATE INDEX IF NOT EXISTS idx_decisions_learner
		 ON decisions (org_id, learner_reference, decided_at)`,
	}
	for _, stmt := range schema {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("storage: migrate decisions: %w", err)
		}
	}
	return &DecisionStore{db: db}, nil
}

// Save inserts a decision. Duplicate (org_id, decision_id) pairs surface as
// ErrDuplicateDecision; with UUID ids this indicates a caller bug.
func (d *DecisionStore) Save(ctx context.Context, dec model.Decision) (model.Decision, error) {
	// A decision without its trace is unreplayable, so it never gets stored.
	if dec.Trace.StateID == "" || dec.Trace.PolicyVersion == "" {
		return model.Decision{}, ErrMissingTrace
	}

	var matchedRule sql.NullString
	if dec.Trace.MatchedRuleID != nil {
		matchedRule = sql.NullString{String: *dec.Trace.MatchedRuleID, Valid: true}
	}

	seq, err := d.db.insertReturningID(ctx, d.db.rebind(
		`INSERT INTO decisions
		 (org_id, decision_id, learner_reference, decision_type, decided_at, decision_context,
		  trace_state_id, trace_state_version, trace_policy_version, trace_matched_rule_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		dec.OrgID, dec.DecisionID.String(), dec.LearnerReference, string(dec.DecisionType),
		dec.DecidedAt.UnixNano(), string(dec.DecisionContext),
		dec.Trace.StateID, dec.Trace.StateVersion, dec.Trace.PolicyVersion, matchedRule,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Decision{}, ErrDuplicateDecision
		}
		return model.Decision{}, fmt.Errorf("storage: save decision: %w", err)
	}
	dec.Seq = seq
	return dec, nil
}

// QueryByRange pages through a learner's decisions ordered by
// (decided_at ASC, id ASC), with the same cursor semantics as the signal log.
func (d *DecisionStore) QueryByRange(ctx context.Context, orgID, learnerRef string, from, to *time.Time, after Cursor, pageSize int) ([]model.Decision, *string, error) {
	query := `SELECT id, org_id, decision_id, learner_reference, decision_type, decided_at, decision_context,
	                 trace_state_id, trace_state_version, trace_policy_version, trace_matched_rule_id
	          FROM decisions
	          WHERE org_id = ? AND learner_reference = ?
	            AND (decided_at > ? OR (decided_at = ? AND id > ?))`
	args := []any{orgID, learnerRef, after.At, after.At, after.Seq}
	if from != nil {
		query += " AND decided_at >= ?"
		args = append(args, from.UnixNano())
	}
	if to != nil {
		query += " AND decided_at <= ?"
		args = append(args, to.UnixNano())
	}
	query += " ORDER BY decided_at ASC, id ASC LIMIT ?"
	args = append(args, pageSize+1)

	rows, err := d.db.sql.QueryContext(ctx, d.db.rebind(query), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: query decisions: %w", err)
	}
	defer rows.Close()

	decisions := make([]model.Decision, 0, pageSize)
	for rows.Next() {
		dec, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, nil, err
		}
		decisions = append(decisions, dec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("storage: query decisions: %w", err)
	}

	var nextToken *string
	if len(decisions) > pageSize {
		decisions = decisions[:pageSize]
		last := decisions[pageSize-1]
		tok := EncodePageToken(Cursor{At: last.DecidedAt.UnixNano(), Seq: last.Seq})
		nextToken = &tok
	}
	return decisions, nextToken, nil
}

// GetByID fetches one decision within an org. ErrNotFound when absent.
func (d *DecisionStore) GetByID(ctx context.Context, orgID string, decisionID uuid.UUID) (model.Decision, error) {
	row := d.db.sql.QueryRowContext(ctx, d.db.rebind(
		`SELECT id, org_id, decision_id, learner_reference, decision_type, decided_at, decision_context,
		        trace_state_id, trace_state_version, trace_policy_version, trace_matched_rule_id
		 FROM decisions
		 WHERE org_id = ? AND decision_id = ?`),
		orgID, decisionID.String())

	dec, err := scanDecision(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Decision{}, ErrNotFound
	}
	return dec, err
}

func scanDecision(scan func(...any) error) (model.Decision, error) {
	var (
		dec          model.Decision
		decisionID   string
		decisionType string
		decidedNanos int64
		contextJSON  string
		matchedRule  sql.NullString
	)
	if err := scan(
		&dec.Seq, &dec.OrgID, &decisionID, &dec.LearnerReference, &decisionType,
		&decidedNanos, &contextJSON,
		&dec.Trace.StateID, &dec.Trace.StateVersion, &dec.Trace.PolicyVersion, &matchedRule,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Decision{}, err
		}
		return model.Decision{}, fmt.Errorf("storage: scan decision: %w", err)
	}

	id, err := uuid.Parse(decisionID)
	if err != nil {
		return model.Decision{}, fmt.Errorf("storage: parse decision id: %w", err)
	}
	dec.DecisionID = id
	dec.DecisionType = model.DecisionType(decisionType)
	dec.DecidedAt = time.Unix(0, decidedNanos).UTC()
	dec.DecisionContext = json.RawMessage(contextJSON)
	if matchedRule.Valid {
		rule := matchedRule.String
		dec.Trace.MatchedRuleID = &rule
	}
	return dec, nil
}
