package server

import (
	"sync"
	"time"
)

type pairKey struct {
	from, to int
}

// cooldowns remembers when each ordered pair last sent a connection request.
// It catches double submits that arrive before the first request is stored.
type cooldowns struct {
	mu    sync.Mutex
	marks map[pairKey]time.Time
}

func newCooldowns() *cooldowns {
	return &cooldowns{marks: make(map[pairKey]time.Time)}
}

// mark records a request at now. It reports false without recording when a
// mark younger than window already exists.
func (c *cooldowns) mark(from, to int, now time.Time, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := pairKey{from, to}
	if at, ok := c.marks[key]; ok && now.Sub(at) < window {
		return false
	}
	c.marks[key] = now
	return true
}

// purge drops marks older than ttl and returns how many were removed.
func (c *cooldowns) purge(now time.Time, ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, at := range c.marks {
		if now.Sub(at) >= ttl {
			delete(c.marks, key)
			n++
		}
	}
	return n
}

func (c *cooldowns) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.marks)
}
