package ratelimit

import (
	"context"
	"sync"
	"time"
)

// memoryEntry holds one client's per-second hit buckets.
type memoryEntry struct {
	buckets map[int64]int64
}

// MemoryLimiter is the in-process fallback limiter. Counts live in
// per-second buckets; expired buckets are pruned on access and by a
// periodic sweep.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	nowFn   func() time.Time
}

// NewMemoryLimiter constructs an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		entries: make(map[string]*memoryEntry),
		nowFn:   time.Now,
	}
}

// Allow implements Limiter over the in-process window.
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, int64, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	if window <= 0 {
		window = time.Minute
	}

	now := m.nowFn()
	sec := now.Unix()
	floor := now.Add(-window).Unix()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entries[key]
	if entry == nil {
		entry = &memoryEntry{buckets: make(map[int64]int64)}
		m.entries[key] = entry
	}

	var count int64
	for bucket, hits := range entry.buckets {
		if bucket <= floor {
			delete(entry.buckets, bucket)
			continue
		}
		count += hits
	}
	if count >= int64(limit) {
		return false, count, nil
	}
	entry.buckets[sec]++
	return true, count + 1, nil
}

// Sweep drops entries with no recent activity. Call it periodically to
// bound memory on long-lived processes.
func (m *MemoryLimiter) Sweep(window time.Duration) {
	if window <= 0 {
		window = time.Minute
	}
	floor := m.nowFn().Add(-window).Unix()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		for bucket := range entry.buckets {
			if bucket <= floor {
				delete(entry.buckets, bucket)
			}
		}
		if len(entry.buckets) == 0 {
			delete(m.entries, key)
		}
	}
}
