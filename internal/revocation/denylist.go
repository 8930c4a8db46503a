// ABOUTME: Deny-list fast path for revoked credential IDs
// ABOUTME: Memory implementation per process, Redis implementation shared, falling back to memory on errors

package revocation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DenyList caches revoked credential IDs. It is only ever a positive cache:
// a miss means "ask the ledger", never "not revoked".
type DenyList interface {
	Add(ctx context.Context, credentialID string, ttl time.Duration) error
	Contains(ctx context.Context, credentialID string) (bool, error)
}

// MemoryDenyList is a process-local deny list. A zero ttl never expires.
type MemoryDenyList struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryDenyList creates an empty in-memory deny list.
func NewMemoryDenyList() *MemoryDenyList {
	return &MemoryDenyList{entries: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDenyList) Add(_ context.Context, credentialID string, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = d.now().Add(ttl)
	}
	d.mu.Lock()
	d.entries[credentialID] = expires
	d.mu.Unlock()
	return nil
}

func (d *MemoryDenyList) Contains(_ context.Context, credentialID string) (bool, error) {
	d.mu.RLock()
	expires, ok := d.entries[credentialID]
	d.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !expires.IsZero() && d.now().After(expires) {
		d.mu.Lock()
		delete(d.entries, credentialID)
		d.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Len returns the number of entries, expired or not.
func (d *MemoryDenyList) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// RedisDenyList shares revocations between engine instances. Every write
// also lands in Fallback so reads keep working while Redis is unreachable.
type RedisDenyList struct {
	Client   *redis.Client
	Prefix   string
	Timeout  time.Duration
	Fallback *MemoryDenyList
	logger   *slog.Logger
}

// NewRedisDenyList creates a Redis-backed deny list with an in-memory fallback.
func NewRedisDenyList(client *redis.Client, prefix string) *RedisDenyList {
	if prefix == "" {
		prefix = "tunnelward:revoked:"
	}
	return &RedisDenyList{
		Client:   client,
		Prefix:   prefix,
		Timeout:  2 * time.Second,
		Fallback: NewMemoryDenyList(),
		logger:   slog.Default().With("component", "revocation.redis"),
	}
}

func (d *RedisDenyList) Add(ctx context.Context, credentialID string, ttl time.Duration) error {
	_ = d.Fallback.Add(ctx, credentialID, ttl)
	if d.Client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	if err := d.Client.Set(ctx, d.Prefix+credentialID, "1", ttl).Err(); err != nil {
		d.logger.Warn("redis deny-list write failed, kept locally", "credential_id", credentialID, "error", err)
	}
	return nil
}

func (d *RedisDenyList) Contains(ctx context.Context, credentialID string) (bool, error) {
	if d.Client == nil {
		return d.Fallback.Contains(ctx, credentialID)
	}
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	n, err := d.Client.Exists(ctx, d.Prefix+credentialID).Result()
	if err != nil {
		d.logger.Warn("redis deny-list read failed, using local copy", "error", err)
		return d.Fallback.Contains(ctx, credentialID)
	}
	if n > 0 {
		return true, nil
	}
	return d.Fallback.Contains(ctx, credentialID)
}
