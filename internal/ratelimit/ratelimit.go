// Package ratelimit provides a pluggable rate limiting interface.
//
// The daemon uses the in-memory token bucket (MemoryLimiter) to keep a
// runaway agent from burning through account quota; the Limiter interface is
// the contract should a different backend ever be needed.
package ratelimit

import (
	"context"
	"net/http"
	"strings"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. a client address).
	// Returning an error signals a limiter malfunction; callers should
	// treat errors as fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// ClientKey extracts the client address from the request for rate limiting.
// Uses RemoteAddr only: the daemon listens on loopback and never sits behind
// a proxy, so X-Forwarded-For would just be a bypass vector.
func ClientKey(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
