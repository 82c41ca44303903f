package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CooldownKeeper tracks which remediation keys fired recently so the ladder
// does not hammer the same fix in a tight loop.
type CooldownKeeper interface {
	// Active reports whether the key is still cooling down.
	Active(ctx context.Context, key string) (bool, error)
	// Arm starts the cooldown window for the key.
	Arm(ctx context.Context, key string, ttl time.Duration) error
}

// RedisCooldown keeps cooldown state in redis so multiple watchdog replicas
// share one view of recent remediations.
type RedisCooldown struct {
	client *redis.Client
	prefix string
}

// NewRedisCooldown constructs a RedisCooldown.
func NewRedisCooldown(client *redis.Client, prefix string) *RedisCooldown {
	if prefix == "" {
		prefix = "crawlops:cooldown:"
	}
	return &RedisCooldown{client: client, prefix: prefix}
}

func (r *RedisCooldown) Active(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown exists: %w", err)
	}
	return n > 0, nil
}

func (r *RedisCooldown) Arm(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("cooldown set: %w", err)
	}
	return nil
}

// MemoryCooldown is the single-process fallback used in dev mode and tests.
type MemoryCooldown struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewMemoryCooldown constructs a MemoryCooldown. A nil now uses time.Now.
func NewMemoryCooldown(now func() time.Time) *MemoryCooldown {
	if now == nil {
		now = time.Now
	}
	return &MemoryCooldown{
		until: make(map[string]time.Time),
		now:   now,
	}
}

func (m *MemoryCooldown) Active(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline, ok := m.until[key]
	if !ok {
		return false, nil
	}
	if m.now().After(deadline) {
		delete(m.until, key)
		return false, nil
	}
	return true, nil
}

func (m *MemoryCooldown) Arm(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.until[key] = m.now().Add(ttl)
	return nil
}
