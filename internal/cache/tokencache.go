// Package cache provides a short-TTL memo of recent authentication outcomes.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// entry pairs a cached result with the instant it was stored.
type entry struct {
	result   *models.AuthResult
	cachedAt int64 // unix milliseconds
}

// TokenCache memoizes authentication results keyed by token fingerprint. It
// exists to collapse duplicate concurrent handshakes using the same
// short-lived token, not as a general auth cache: the TTL is on the order of
// seconds. Expired entries are pruned lazily on access, never actively swept.
type TokenCache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	maxSize int
}

// TokenCacheOptions configures the cache.
type TokenCacheOptions struct {
	TTL     time.Duration
	MaxSize int
}

// NewTokenCache creates a token result cache.
func NewTokenCache(opts TokenCacheOptions) *TokenCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &TokenCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns the cached result for a fingerprint if it is younger than the
// TTL.
func (c *TokenCache) Get(fingerprint string) (*models.AuthResult, bool) {
	return c.GetAt(fingerprint, time.Now())
}

// GetAt looks up with an explicit timestamp (for testing).
func (c *TokenCache) GetAt(fingerprint string, now time.Time) (*models.AuthResult, bool) {
	if fingerprint == "" {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	if now.UnixMilli()-e.cachedAt >= c.ttl.Milliseconds() {
		delete(c.entries, fingerprint)
		return nil, false
	}
	return e.result, true
}

// Put stores a result under a fingerprint.
func (c *TokenCache) Put(fingerprint string, result *models.AuthResult) {
	c.PutAt(fingerprint, result, time.Now())
}

// PutAt stores with an explicit timestamp (for testing).
func (c *TokenCache) PutAt(fingerprint string, result *models.AuthResult, now time.Time) {
	if fingerprint == "" || result == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nowUnix := now.UnixMilli()
	c.entries[fingerprint] = entry{result: result, cachedAt: nowUnix}
	c.prune(nowUnix)
}

// prune removes expired and excess entries (must be called with lock held).
func (c *TokenCache) prune(nowUnix int64) {
	cutoff := nowUnix - c.ttl.Milliseconds()
	for key, e := range c.entries {
		if e.cachedAt <= cutoff {
			delete(c.entries, key)
		}
	}

	for len(c.entries) > c.maxSize {
		var oldestKey string
		oldestTs := int64(^uint64(0) >> 1)
		for k, e := range c.entries {
			if e.cachedAt < oldestTs {
				oldestTs = e.cachedAt
				oldestKey = k
			}
		}
		if oldestKey == "" {
			break
		}
		delete(c.entries, oldestKey)
	}
}

// Clear removes all entries.
func (c *TokenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Size returns the current number of entries.
func (c *TokenCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fingerprint derives a cache key from a token and its target context. The
// raw token never appears in the key.
func Fingerprint(token, context string) string {
	sum := sha256.Sum256([]byte(token + "\x00" + context))
	return hex.EncodeToString(sum[:])
}
