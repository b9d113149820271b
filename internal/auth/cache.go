package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL-based in-memory cache of verified principals, keyed by
// the SHA-256 of the token so raw credentials are never held as map keys.
// Uses sync.Map for lock-free reads on the hot path.
//
// Stale-while-revalidate: an expired entry is still returned and the first
// reader after expiry is told to refresh it in the background, so no request
// blocks on DB + bcrypt after the first cold start.
type AuthCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool // prevents duplicate background refreshes
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl, now: time.Now}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Principal    *Principal
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // the entry is stale and this caller should refresh it
}

// Get looks up token. Only one caller per stale entry sees NeedsRefresh.
func (c *AuthCache) Get(token string) GetResult {
	val, ok := c.store.Load(cacheKey(token))
	if !ok {
		return GetResult{}
	}
	entry := val.(*cacheEntry)

	if c.now().Before(entry.expiresAt) {
		return GetResult{Principal: entry.principal, Hit: true}
	}
	return GetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a principal with the configured TTL.
func (c *AuthCache) Set(token string, p *Principal) {
	c.store.Store(cacheKey(token), &cacheEntry{
		principal: p,
		expiresAt: c.now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *AuthCache) Delete(token string) {
	c.store.Delete(cacheKey(token))
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
