package storage

import (
	"context"
	"fmt"
	"time"
)

// IdempotencyIndex records each (org_id, signal_id) pair exactly once.
// The same signal_id under two different orgs is two distinct entries.
type IdempotencyIndex struct {
	db *DB
}

// NewIdempotencyIndex migrates and returns the index.
func NewIdempotencyIndex(ctx context.Context, db *DB) (*IdempotencyIndex, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS signal_ids (
		org_id      TEXT NOT NULL,
		signal_id   TEXT NOT NULL,
		received_at BIGINT NOT NULL,
		PRIMARY KEY (org_id, signal_id)
	)`
	if _, err := db.sql.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("storage: migrate signal_ids: %w", err)
	}
	return &IdempotencyIndex{db: db}, nil
}

// CheckAndStore reserves the pair atomically. A fresh pair is inserted with
// now and reported as not-duplicate; a known pair reports duplicate with the
// original acceptance time. The insert-or-nothing race is settled by the
// primary key, so exactly one caller ever sees duplicate=false.
func (i *IdempotencyIndex) CheckAndStore(ctx context.Context, orgID, signalID string, now time.Time) (bool, time.Time, error) {
	res, err := i.db.sql.ExecContext(ctx, i.db.rebind(
		`INSERT INTO signal_ids (org_id, signal_id, received_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT DO NOTHING`),
		orgID, signalID, now.UnixNano(),
	)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("storage: reserve signal id: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return false, now, nil
	}

	var receivedNanos int64
	if err := i.db.sql.QueryRowContext(ctx, i.db.rebind(
		`SELECT received_at FROM signal_ids WHERE org_id = ? AND signal_id = ?`),
		orgID, signalID,
	).Scan(&receivedNanos); err != nil {
		return false, time.Time{}, fmt.Errorf("storage: lookup signal id: %w", err)
	}
	return true, time.Unix(0, receivedNanos).UTC(), nil
}

// Delete releases a reservation. The index is a dedup ledger, not the
// append-only log, so compensating a failed log append with a delete is
// legitimate; pairs whose append succeeded are never deleted.
func (i *IdempotencyIndex) Delete(ctx context.Context, orgID, signalID string) error {
	if _, err := i.db.sql.ExecContext(ctx, i.db.rebind(
		`DELETE FROM signal_ids WHERE org_id = ? AND signal_id = ?`),
		orgID, signalID,
	); err != nil {
		return fmt.Errorf("storage: release signal id: %w", err)
	}
	return nil
}
