// Package testutil provides shared fixtures for package tests: in-memory
// stores and a quiet logger.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/storage"
)

// OpenStores opens all four stores on in-memory SQLite and registers
// cleanup with t.
func OpenStores(t *testing.T) *storage.Stores {
	t.Helper()
	stores, err := storage.OpenStores(context.Background(), storage.Paths{
		Idempotency: ":memory:",
		SignalLog:   ":memory:",
		State:       ":memory:",
		Decisions:   ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(stores.Close)
	return stores
}

// Logger returns a logger that discards everything. Tests that assert on
// log output should build their own handler instead.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
