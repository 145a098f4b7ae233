// Package replay provides deduplication of inbound federation activities so
// redelivered or announced activities are processed at most once.
package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard records activity IDs after they have been processed. Peek is
// read-only so a delivery that later fails verification or dispatch leaves
// no trace and the origin can redeliver it.
type Guard interface {
	// Peek reports whether id was marked within the retention window.
	Peek(ctx context.Context, id string) (bool, error)
	// Mark records id as processed.
	Mark(ctx context.Context, id string) error
	Close() error
}

// RedisGuard implements Guard on Redis so deduplication survives restarts
// and is shared between replicas.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisGuard connects to Redis and verifies the connection.
func NewRedisGuard(redisURL string, ttl time.Duration) (*RedisGuard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisGuardWithClient(client, ttl), nil
}

// NewRedisGuardWithClient creates a guard from an existing Redis client.
func NewRedisGuardWithClient(client *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{
		client: client,
		prefix: "activity:",
		ttl:    ttl,
	}
}

func (g *RedisGuard) Peek(ctx context.Context, id string) (bool, error) {
	n, err := g.client.Exists(ctx, g.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("check activity id: %w", err)
	}
	return n > 0, nil
}

func (g *RedisGuard) Mark(ctx context.Context, id string) error {
	if err := g.client.Set(ctx, g.prefix+id, 1, g.ttl).Err(); err != nil {
		return fmt.Errorf("record activity id: %w", err)
	}
	return nil
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}

// MemoryGuard is the in-process fallback used when Redis is not configured.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]time.Time), ttl: ttl}
}

func (g *MemoryGuard) Peek(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prune()
	_, ok := g.seen[id]
	return ok, nil
}

func (g *MemoryGuard) Mark(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prune()
	g.seen[id] = time.Now()
	return nil
}

// prune drops expired entries. Callers hold the lock.
func (g *MemoryGuard) prune() {
	now := time.Now()
	for key, at := range g.seen {
		if now.Sub(at) > g.ttl {
			delete(g.seen, key)
		}
	}
}

func (g *MemoryGuard) Close() error { return nil }
