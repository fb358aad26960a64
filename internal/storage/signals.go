package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
)

// SignalLog is the per-tenant append-only store of accepted signals.
// Rows are never updated or deleted; ordering is (accepted_at, id).
type SignalLog struct {
	db *DB
}

// NewSignalLog migrates and returns the log.
func NewSignalLog(ctx context.Context, db *DB) (*SignalLog, error) {
	schema := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS signal_log (
			%s,
			org_id            TEXT NOT NULL,
			signal_id         TEXT NOT NULL,
			source_system     TEXT NOT NULL,
			learner_reference TEXT NOT NULL,
			timestamp         TEXT NOT NULL,
			schema_version    TEXT NOT NULL,
			payload           TEXT NOT NULL,
			metadata          TEXT,
			accepted_at       BIGINT NOT NULL,
			UNIQUE (org_id, signal_id)
		)`, db.pkColumn()),
		`CREATE INDEX IF NOT EXISTS idx_signal_log_learner
		 ON signal_log (org_id, learner_reference, accepted_at)`,
	}
	for _, stmt := range schema {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("storage: migrate signal_log: %w", err)
		}
	}
	return &SignalLog{db: db}, nil
}

// Append inserts an accepted envelope. The envelope's own timestamp string
// is stored verbatim so reads round-trip byte-for-byte.
func (l *SignalLog) Append(ctx context.Context, env model.SignalEnvelope, acceptedAt time.Time) (model.SignalRecord, error) {
	var metadata sql.NullString
	if env.Metadata != nil {
		raw, err := json.Marshal(env.Metadata)
		if err != nil {
			return model.SignalRecord{}, fmt.Errorf("storage: marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	seq, err := l.db.insertReturningID(ctx, l.db.rebind(
		`INSERT INTO signal_log
		 (org_id, signal_id, source_system, learner_reference, timestamp, schema_version, payload, metadata, accepted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		env.OrgID, env.SignalID, env.SourceSystem, env.LearnerReference,
		env.Timestamp, env.SchemaVersion, string(env.Payload), metadata, acceptedAt.UnixNano(),
	)
	if err != nil {
		return model.SignalRecord{}, fmt.Errorf("storage: append signal: %w", err)
	}

	return model.SignalRecord{
		SignalEnvelope: env,
		AcceptedAt:     acceptedAt.UTC(),
		Seq:            seq,
	}, nil
}

// QueryByRange pages through a learner's signals in canonical order. The
// time bounds are optional; after is the decoded page token (zero for the
// first page). nextToken is nil on the final page. The cursor is a
// composite over (accepted_at, id), matching the ORDER BY, so a page
// boundary never skips a row whose id and accepted_at sort differently.
func (l *SignalLog) QueryByRange(ctx context.Context, orgID, learnerRef string, from, to *time.Time, after Cursor, pageSize int) ([]model.SignalRecord, *string, error) {
	query := `SELECT id, org_id, signal_id, source_system, learner_reference, timestamp, schema_version, payload, metadata, accepted_at
	          FROM signal_log
	          WHERE org_id = ? AND learner_reference = ?
	            AND (accepted_at > ? OR (accepted_at = ? AND id > ?))`
	args := []any{orgID, learnerRef, after.At, after.At, after.Seq}
	if from != nil {
		query += " AND accepted_at >= ?"
		args = append(args, from.UnixNano())
	}
	if to != nil {
		query += " AND accepted_at <= ?"
		args = append(args, to.UnixNano())
	}
	query += " ORDER BY accepted_at ASC, id ASC LIMIT ?"
	args = append(args, pageSize+1) // one extra row decides whether a next page exists

	rows, err := l.db.sql.QueryContext(ctx, l.db.rebind(query), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: query signals: %w", err)
	}
	defer rows.Close()

	records := make([]model.SignalRecord, 0, pageSize)
	for rows.Next() {
		rec, err := scanSignalRecord(rows)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("storage: query signals: %w", err)
	}

	var nextToken *string
	if len(records) > pageSize {
		records = records[:pageSize]
		last := records[pageSize-1]
		tok := EncodePageToken(Cursor{At: last.AcceptedAt.UnixNano(), Seq: last.Seq})
		nextToken = &tok
	}
	return records, nextToken, nil
}

// GetByIDs fetches a set of signals under strict tenant scope. The primary
// fetch filters on both org_id and the id set; a shortfall triggers an
// existence check without the org filter to distinguish ids that never
// existed from ids that belong to another tenant. Unknown ids take
// precedence in the returned rejections.
func (l *SignalLog) GetByIDs(ctx context.Context, orgID string, signalIDs []string) ([]model.SignalRecord, []model.ErrorDetail, error) {
	unique := make([]string, 0, len(signalIDs))
	seen := make(map[string]struct{}, len(signalIDs))
	for _, id := range signalIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return nil, nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(unique)), ",")
	args := make([]any, 0, len(unique)+1)
	args = append(args, orgID)
	for _, id := range unique {
		args = append(args, id)
	}

	rows, err := l.db.sql.QueryContext(ctx, l.db.rebind(
		`SELECT id, org_id, signal_id, source_system, learner_reference, timestamp, schema_version, payload, metadata, accepted_at
		 FROM signal_log
		 WHERE org_id = ? AND signal_id IN (`+placeholders+`)
		 ORDER BY accepted_at ASC, id ASC`), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: get signals: %w", err)
	}
	defer rows.Close()

	var records []model.SignalRecord
	found := make(map[string]struct{}, len(unique))
	for rows.Next() {
		rec, err := scanSignalRecord(rows)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
		found[rec.SignalID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("storage: get signals: %w", err)
	}

	if len(found) == len(unique) {
		return records, nil, nil
	}

	// Some ids were not visible in this org. Classify them.
	existsAnywhere, err := l.existsAnywhere(ctx, unique)
	if err != nil {
		return nil, nil, err
	}

	var unknown, crossTenant []string
	for _, id := range unique {
		if _, ok := found[id]; ok {
			continue
		}
		if _, ok := existsAnywhere[id]; ok {
			crossTenant = append(crossTenant, id)
		} else {
			unknown = append(unknown, id)
		}
	}
	sort.Strings(unknown)
	sort.Strings(crossTenant)

	if len(unknown) > 0 {
		return nil, []model.ErrorDetail{model.Detail(
			model.ErrCodeUnknownSignalID,
			"unknown signal ids: "+strings.Join(unknown, ", "),
			"signal_ids",
		)}, nil
	}
	return nil, []model.ErrorDetail{model.Detail(
		model.ErrCodeSignalsNotInOrgScope,
		"signal ids outside org scope: "+strings.Join(crossTenant, ", "),
		"signal_ids",
	)}, nil
}

func (l *SignalLog) existsAnywhere(ctx context.Context, signalIDs []string) (map[string]struct{}, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(signalIDs)), ",")
	args := make([]any, 0, len(signalIDs))
	for _, id := range signalIDs {
		args = append(args, id)
	}
	rows, err := l.db.sql.QueryContext(ctx, l.db.rebind(
		`SELECT DISTINCT signal_id FROM signal_log WHERE signal_id IN (`+placeholders+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: existence check: %w", err)
	}
	defer rows.Close()

	exists := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: existence check: %w", err)
		}
		exists[id] = struct{}{}
	}
	return exists, rows.Err()
}

func scanSignalRecord(rows *sql.Rows) (model.SignalRecord, error) {
	var (
		rec           model.SignalRecord
		payload       string
		metadata      sql.NullString
		acceptedNanos int64
	)
	if err := rows.Scan(
		&rec.Seq, &rec.OrgID, &rec.SignalID, &rec.SourceSystem, &rec.LearnerReference,
		&rec.Timestamp, &rec.SchemaVersion, &payload, &metadata, &acceptedNanos,
	); err != nil {
		return model.SignalRecord{}, fmt.Errorf("storage: scan signal: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	if metadata.Valid {
		var md model.SignalMetadata
		if err := json.Unmarshal([]byte(metadata.String), &md); err != nil {
			return model.SignalRecord{}, fmt.Errorf("storage: decode metadata: %w", err)
		}
		rec.Metadata = &md
	}
	rec.AcceptedAt = time.Unix(0, acceptedNanos).UTC()
	return rec, nil
}
