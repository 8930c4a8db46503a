// ABOUTME: Replay protection for SSH-signed agent requests
// ABOUTME: Size-bounded TTL nonce cache in memory, or shared through Redis SET NX

package auth

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache records nonces that have been used.
type ReplayCache interface {
	// Seen atomically checks and marks key. It returns true if key was
	// already marked within the TTL.
	Seen(ctx context.Context, key string) bool
	Close()
}

type nonceEntry struct {
	markedAt time.Time
	element  *list.Element
}

// MemoryReplayCache is a process-local nonce cache. Entries live for ttl and
// the oldest is evicted once maxSize is reached.
type MemoryReplayCache struct {
	mu      sync.Mutex
	seen    map[string]*nonceEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewMemoryReplayCache starts a cache with a background sweep of expired entries.
func NewMemoryReplayCache(ttl time.Duration, maxSize int) *MemoryReplayCache {
	c := &MemoryReplayCache{
		seen:    make(map[string]*nonceEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *MemoryReplayCache) Seen(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.markedAt) < c.ttl {
			return true
		}
		e.markedAt = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			k, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, k)
		}
	}
	c.seen[key] = &nonceEntry{markedAt: now, element: c.order.PushBack(key)}
	return false
}

// Len returns the number of tracked nonces.
func (c *MemoryReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *MemoryReplayCache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *MemoryReplayCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, e := range c.seen {
		if now.Sub(e.markedAt) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *MemoryReplayCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

// RedisReplayCache shares nonces across instances so a request replayed
// against a different instance is still caught. Redis errors fall back to
// the local cache.
type RedisReplayCache struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	timeout  time.Duration
	fallback *MemoryReplayCache
	logger   *slog.Logger
}

// NewRedisReplayCache creates a Redis-backed replay cache.
func NewRedisReplayCache(client *redis.Client, prefix string, ttl time.Duration, maxSize int) *RedisReplayCache {
	if prefix == "" {
		prefix = "tunnelward:nonce:"
	}
	return &RedisReplayCache{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		timeout:  2 * time.Second,
		fallback: NewMemoryReplayCache(ttl, maxSize),
		logger:   slog.Default().With("component", "auth.replay"),
	}
}

func (c *RedisReplayCache) Seen(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ok, err := c.client.SetNX(ctx, c.prefix+key, "1", c.ttl).Result()
	if err != nil {
		c.logger.Warn("redis nonce check failed, using local cache", "error", err)
		return c.fallback.Seen(ctx, key)
	}
	return !ok
}

func (c *RedisReplayCache) Close() {
	c.fallback.Close()
}
