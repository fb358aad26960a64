// Package ratelimit provides a pluggable rate limiting interface with an
// in-memory token bucket implementation. Deployments that need coordination
// across instances can substitute their own Limiter.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque
	// to the limiter; callers construct it (e.g. "ingest:org-A").
	// Errors signal a limiter malfunction and should be treated as
	// fail-open rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources such as cleanup goroutines.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled,
// which is the default so the API contract holds without tuning.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
