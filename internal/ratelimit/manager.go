package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// breakerCooldown is how long the manager avoids Redis after a failure.
const breakerCooldown = 30 * time.Second

// Manager fronts the Redis limiter with an in-process fallback. When Redis
// errors, it trips a breaker and serves from memory until the cool-down
// passes, so admin calls keep working through Redis outages.
type Manager struct {
	redis  Limiter
	memory *MemoryLimiter

	mu          sync.Mutex
	brokenUntil time.Time
	nowFn       func() time.Time
}

// NewManager builds a Manager. A nil client yields a memory-only manager.
func NewManager(client *redis.Client, prefix string) *Manager {
	m := &Manager{
		memory: NewMemoryLimiter(),
		nowFn:  time.Now,
	}
	if client != nil {
		m.redis = NewRedisLimiter(client, prefix)
	}
	return m
}

// Allow checks the preferred backend and falls back to memory on error.
func (m *Manager) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int64, error) {
	if m == nil {
		return true, 0, nil
	}
	if m.redis != nil && !m.breakerOpen() {
		allowed, count, err := m.redis.Allow(ctx, key, limit, window)
		if err == nil {
			return allowed, count, nil
		}
		m.tripBreaker()
		log.WithError(err).Warn("ratelimit: redis unavailable, falling back to memory")
	}
	return m.memory.Allow(ctx, key, limit, window)
}

func (m *Manager) breakerOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nowFn().Before(m.brokenUntil)
}

func (m *Manager) tripBreaker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokenUntil = m.nowFn().Add(breakerCooldown)
}
