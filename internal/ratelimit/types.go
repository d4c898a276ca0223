// Package ratelimit provides per-client sliding-window rate limiting for
// the admin HTTP surface, backed by Redis when configured and by an
// in-process window otherwise.
package ratelimit

import (
	"context"
	"time"
)

// Limiter answers whether a client may make another call right now.
type Limiter interface {
	// Allow consumes one slot for key when the trailing-window count is
	// below limit. It reports whether the call may proceed and how many
	// calls the window already holds.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, count int64, err error)
}
