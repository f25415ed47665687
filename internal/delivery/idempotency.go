package delivery

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore answers "has this delivery ID been claimed before?".
// Claim must be atomic: exactly one caller wins per ID.
type IdempotencyStore interface {
	Claim(ctx context.Context, deliveryID string) (bool, error)
}

// RedisIdempotency claims delivery IDs with SETNX and a TTL. Keys expire
// after the retention window; replays arrive well inside it.
type RedisIdempotency struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisIdempotency wraps an existing redis client.
func NewRedisIdempotency(rdb *redis.Client, ttl time.Duration) *RedisIdempotency {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisIdempotency{
		rdb:    rdb,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[DELIVERY] ", log.LstdFlags),
	}
}

func (r *RedisIdempotency) Claim(ctx context.Context, deliveryID string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, "delivery:"+deliveryID, 1, r.ttl).Result()
	if err != nil {
		// Fail open: a duplicate send beats a dropped send.
		r.logger.Printf("⚠️  Idempotency check unavailable for %s: %v", deliveryID, err)
		return true, nil
	}
	return ok, nil
}

// MemoryIdempotency is the in-process fallback used when redis is not
// configured, and in tests.
type MemoryIdempotency struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{seen: make(map[string]bool)}
}

func (m *MemoryIdempotency) Claim(_ context.Context, deliveryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[deliveryID] {
		return false, nil
	}
	m.seen[deliveryID] = true
	return true, nil
}
