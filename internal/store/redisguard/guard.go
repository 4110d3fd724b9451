// Package redisguard implements the short-window duplicate-request guard for
// withdrawals. The guard absorbs client-side retries: a second request with
// the same (user, amount, destination) inside the window is rejected before
// it reaches the balance ledger.
package redisguard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard is the duplicate-request window.
type Guard interface {
	// Acquire claims the key for the window. ok=false means an identical
	// request holds the window already.
	Acquire(ctx context.Context, userID uuid.UUID, amount, destination string) (ok bool, err error)
	// Release frees the key early so a legitimate retry after a failed
	// attempt is not blocked for the full window.
	Release(ctx context.Context, userID uuid.UUID, amount, destination string) error
}

func requestKey(userID uuid.UUID, amount, destination string) string {
	sum := sha256.Sum256([]byte(userID.String() + "|" + amount + "|" + destination))
	return "withdraw:guard:" + hex.EncodeToString(sum[:16])
}

// RedisGuard backs the window with SET NX so the guard holds across replicas.
type RedisGuard struct {
	client *redis.Client
	window time.Duration
}

func NewRedisGuard(url string, window time.Duration) (*RedisGuard, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisGuard{client: client, window: window}, nil
}

func (g *RedisGuard) Acquire(ctx context.Context, userID uuid.UUID, amount, destination string) (bool, error) {
	ok, err := g.client.SetNX(ctx, requestKey(userID, amount, destination), "1", g.window).Result()
	if err != nil {
		return false, fmt.Errorf("acquire withdrawal guard: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, userID uuid.UUID, amount, destination string) error {
	if err := g.client.Del(ctx, requestKey(userID, amount, destination)).Err(); err != nil {
		return fmt.Errorf("release withdrawal guard: %w", err)
	}
	return nil
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}

// MemoryGuard is the single-process fallback used when no Redis URL is
// configured, and in tests.
type MemoryGuard struct {
	window  time.Duration
	nowFunc func() time.Time

	mu   sync.Mutex
	held map[string]time.Time
}

func NewMemoryGuard(window time.Duration) *MemoryGuard {
	return &MemoryGuard{
		window:  window,
		nowFunc: time.Now,
		held:    make(map[string]time.Time),
	}
}

func (g *MemoryGuard) Acquire(_ context.Context, userID uuid.UUID, amount, destination string) (bool, error) {
	key := requestKey(userID, amount, destination)
	now := g.nowFunc()

	g.mu.Lock()
	defer g.mu.Unlock()

	if expiry, ok := g.held[key]; ok && now.Before(expiry) {
		return false, nil
	}
	g.held[key] = now.Add(g.window)

	// Opportunistic cleanup of expired entries.
	for k, expiry := range g.held {
		if now.After(expiry) {
			delete(g.held, k)
		}
	}
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, userID uuid.UUID, amount, destination string) error {
	key := requestKey(userID, amount, destination)
	g.mu.Lock()
	delete(g.held, key)
	g.mu.Unlock()
	return nil
}
