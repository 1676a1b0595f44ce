package segment

import (
	"sync"
	"time"
)

type cacheEntry struct {
	match    bool
	cachedAt time.Time
}

// membershipCache holds per (segment, user) evaluation results. It is
// deliberately coarse: any segment write clears every entry, since a rule
// edit can flip memberships across the board.
type membershipCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newMembershipCache(ttl time.Duration) *membershipCache {
	return &membershipCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(segmentID, userID string) string {
	return segmentID + "\x00" + userID
}

func (c *membershipCache) get(segmentID, userID string, now time.Time) (bool, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(segmentID, userID)]
	c.mu.RUnlock()
	if !ok || now.Sub(entry.cachedAt) > c.ttl {
		return false, false
	}
	return entry.match, true
}

func (c *membershipCache) put(segmentID, userID string, match bool, now time.Time) {
	c.mu.Lock()
	c.entries[cacheKey(segmentID, userID)] = cacheEntry{match: match, cachedAt: now}
	c.mu.Unlock()
}

func (c *membershipCache) invalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
