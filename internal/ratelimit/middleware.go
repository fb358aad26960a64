package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
)

// KeyFunc derives a rate-limit key from a request. Returning "" exempts the
// request from limiting.
type KeyFunc func(r *http.Request) string

// OrgKeyFunc keys on the org_id query parameter, falling back to client IP
// when the request carries none (e.g. POST bodies not yet decoded).
func OrgKeyFunc(r *http.Request) string {
	if org := r.URL.Query().Get("org_id"); org != "" {
		return "org:" + org
	}
	return IPKeyFunc(r)
}

// IPKeyFunc keys on the client IP.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware enforces the limiter on each request under prefix-scoped keys.
// Limiter errors fail open. Rejected requests receive 429 with the standard
// flat error body.
func Middleware(limiter Limiter, prefix string, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), prefix+":"+key)
			if err != nil || allowed {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"code":    "rate_limited",
				"message": "rate limit exceeded, retry later",
			})
		})
	}
}
