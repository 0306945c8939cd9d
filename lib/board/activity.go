package board

import "sync"

// --------------------------------------------------------------------------
// ActivityCache
// --------------------------------------------------------------------------

// activityEntry is one placement in the activity window.
type activityEntry struct {
	timestamp uint32
	user      string
}

// ActivityCache answers how many distinct users placed a pixel within the
// trailing idle window. Entries arrive in timestamp order (one committed
// placement stream per board) and expire from the front; the distinct-user
// count is memoized and recomputed by a single scan only after the entry
// set changed.
//
// Thread-safety: all methods are thread-safe.
type ActivityCache struct {
	mu          sync.Mutex
	entries     []activityEntry
	idleTimeout uint32

	users int
	dirty bool
}

// NewActivityCache creates an activity window of idleTimeout seconds.
func NewActivityCache(idleTimeout uint32) *ActivityCache {
	return &ActivityCache{
		idleTimeout: idleTimeout,
	}
}

// Insert records a placement by user at timestamp (board seconds).
// Timestamps must be non-decreasing; commits racing across sectors within
// the same second are clamped to keep the queue monotonic.
func (c *ActivityCache) Insert(timestamp uint32, user string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.entries); n > 0 && c.entries[n-1].timestamp > timestamp {
		timestamp = c.entries[n-1].timestamp
	}
	c.entries = append(c.entries, activityEntry{timestamp: timestamp, user: user})
	c.dirty = true
}

// Remove drops one entry matching the placement, newest first. Used when a
// placement is undone.
func (c *ActivityCache) Remove(timestamp uint32, user string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].timestamp == timestamp && c.entries[i].user == user {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			c.dirty = true
			return
		}
	}
}

// Count returns the number of distinct users with a placement in
// [now - idleTimeout, now]. Expired entries are evicted first.
func (c *ActivityCache) Count(now uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var idleStart uint32
	if now > c.idleTimeout {
		idleStart = now - c.idleTimeout
	}

	expired := 0
	for expired < len(c.entries) && c.entries[expired].timestamp < idleStart {
		expired++
	}
	if expired > 0 {
		c.entries = c.entries[expired:]
		c.dirty = true
	}

	if c.dirty {
		seen := make(map[string]struct{}, len(c.entries))
		for _, e := range c.entries {
			seen[e.user] = struct{}{}
		}
		c.users = len(seen)
		c.dirty = false
	}
	return c.users
}

// IdleTimeout returns the window length in seconds.
func (c *ActivityCache) IdleTimeout() uint32 { return c.idleTimeout }
