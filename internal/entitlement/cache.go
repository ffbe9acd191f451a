package entitlement

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 30 * time.Second
)

// cacheEntry holds a cached snapshot with the time it was stored.
type cacheEntry struct {
	snapshot model.Entitlements
	storedAt time.Time
}

// snapshotCache is a short-TTL read cache over entitlement snapshots. It
// only ever serves the read path; the consume path re-derives state inside
// its own transaction. Staleness up to the TTL is an accepted trade.
type snapshotCache struct {
	entries *lru.Cache[string, cacheEntry]
	ttl     time.Duration
}

func newSnapshotCache(size int, ttl time.Duration) (*snapshotCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &snapshotCache{entries: entries, ttl: ttl}, nil
}

func cacheKey(userID string) string {
	return userID + ":entitlements"
}

func (c *snapshotCache) get(userID string, now time.Time) (model.Entitlements, bool) {
	entry, ok := c.entries.Get(cacheKey(userID))
	if !ok {
		return model.Entitlements{}, false
	}
	if now.Sub(entry.storedAt) > c.ttl {
		c.entries.Remove(cacheKey(userID))
		return model.Entitlements{}, false
	}
	return entry.snapshot, true
}

func (c *snapshotCache) put(userID string, snapshot model.Entitlements, now time.Time) {
	c.entries.Add(cacheKey(userID), cacheEntry{snapshot: snapshot, storedAt: now})
}

// invalidate drops every cache key derived from the user id, so any future
// per-user key shares the one invalidation path.
func (c *snapshotCache) invalidate(userID string) {
	prefix := userID + ":"
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
}
