// Package cache provides an optional Redis-backed mirror of access tokens
// and rate-limit snapshots. It is additive only: sqlite in internal/store
// remains the single source of truth, and every method on a nil *Cache or
// one with no configured address is a no-op — callers never need to
// branch on whether Redis is present.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexarelay/claude-relay/internal/logging"
)

const (
	prefixToken     = "claude-relay:token:"
	prefixRateLimit = "claude-relay:ratelimit:"
)

// TokenEntry mirrors the access token cached in the Account Store.
type TokenEntry struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// RateLimitSnapshot mirrors the last observed upstream rate-limit state.
type RateLimitSnapshot struct {
	Until     int64  `json:"until"`
	Status    string `json:"status"`
	Reset     int64  `json:"reset"`
	Remaining int64  `json:"remaining"`
}

// Cache wraps an optional go-redis client. A nil *Cache, or one created
// with an empty address, behaves as a pure no-op cache.
type Cache struct {
	rdb *redis.Client
}

// New connects to addr if non-empty. An empty addr yields a usable no-op
// Cache rather than an error, so callers can always hold a *Cache.
func New(addr string) (*Cache, error) {
	if addr == "" {
		return &Cache{}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logging.Warn("[Cache] redis unavailable at %s, continuing without mirror: %v", addr, err)
		return &Cache{}, nil
	}
	return &Cache{rdb: rdb}, nil
}

// Close releases the underlying connection, if any.
func (c *Cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func (c *Cache) enabled() bool {
	return c != nil && c.rdb != nil
}

// Enabled reports whether a Redis backend is actually connected, so
// callers can skip per-account mirror lookups in single-process mode.
func (c *Cache) Enabled() bool {
	return c.enabled()
}

// GetToken returns the mirrored token entry, if present and not expired.
func (c *Cache) GetToken(ctx context.Context, accountID string) (*TokenEntry, bool) {
	if !c.enabled() {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, prefixToken+accountID).Bytes()
	if err != nil {
		return nil, false
	}
	var entry TokenEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

// SetToken mirrors a refreshed access token with a TTL tied to its expiry.
func (c *Cache) SetToken(ctx context.Context, accountID string, entry TokenEntry) {
	if !c.enabled() {
		return
	}
	ttl := time.Until(time.UnixMilli(entry.ExpiresAt))
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, prefixToken+accountID, data, ttl).Err(); err != nil {
		logging.Debug("[Cache] SetToken failed for %s: %v", accountID, err)
	}
}

// InvalidateToken drops a mirrored token, e.g. after a refresh failure.
func (c *Cache) InvalidateToken(ctx context.Context, accountID string) {
	if !c.enabled() {
		return
	}
	c.rdb.Del(ctx, prefixToken+accountID)
}

// GetRateLimit returns the mirrored rate-limit snapshot, if present.
func (c *Cache) GetRateLimit(ctx context.Context, accountID string) (*RateLimitSnapshot, bool) {
	if !c.enabled() {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, prefixRateLimit+accountID).Bytes()
	if err != nil {
		return nil, false
	}
	var snap RateLimitSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

// SetRateLimit mirrors a rate-limit snapshot, expiring shortly after the
// cooldown itself lifts so a stale entry never outlives its usefulness.
func (c *Cache) SetRateLimit(ctx context.Context, accountID string, snap RateLimitSnapshot) {
	if !c.enabled() {
		return
	}
	ttl := time.Until(time.UnixMilli(snap.Until)) + time.Minute
	if ttl <= 0 {
		ttl = time.Minute
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, prefixRateLimit+accountID, data, ttl).Err(); err != nil {
		logging.Debug("[Cache] SetRateLimit failed for %s: %v", accountID, err)
	}
}
