package runtime

import (
	"sort"
	"sync"
	"time"
)

// cacheEntry tracks one correlation id through the executor. While the
// handler runs the entry is "in flight"; done is closed and resp populated
// exactly once, when the owner completes it.
type cacheEntry struct {
	done        chan struct{}
	resp        *ResponseEnvelope
	completedAt time.Time
}

func (e *cacheEntry) completed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// responseCache remembers computed responses per correlation id so redelivered
// requests republish the original response instead of re-running the handler.
// Entries are evicted after the TTL and capped by count; in-flight entries are
// never evicted.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry

	ttl time.Duration
	max int

	stopOnce sync.Once
	stop     chan struct{}
}

func newResponseCache(ttl time.Duration, max int) *responseCache {
	c := &responseCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		max:     max,
		stop:    make(chan struct{}),
	}
	if ttl > 0 {
		go c.janitor()
	}
	return c
}

// beginOrJoin claims a correlation id. The first caller becomes the owner and
// must call complete exactly once; later callers for the same id get the same
// entry and isOwner=false, and wait on entry.done instead of dispatching.
func (c *responseCache) beginOrJoin(correlationID string) (entry *cacheEntry, isOwner bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[correlationID]; ok {
		return e, false
	}

	e := &cacheEntry{done: make(chan struct{})}
	c.entries[correlationID] = e
	c.evictOverCapLocked()
	return e, true
}

// complete publishes the owner's response to all joiners and starts the
// retention clock.
func (c *responseCache) complete(correlationID string, resp *ResponseEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[correlationID]
	if !ok || e.completed() {
		return
	}
	e.resp = resp
	e.completedAt = time.Now()
	close(e.done)
}

// abandon removes an in-flight entry without caching a response, releasing
// the correlation id for a fresh dispatch. Joiners see a nil response.
func (c *responseCache) abandon(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[correlationID]
	if !ok {
		return
	}
	delete(c.entries, correlationID)
	if !e.completed() {
		close(e.done)
	}
}

// evictOverCapLocked drops the oldest completed entries until the cache fits
// under max. Called with the mutex held.
func (c *responseCache) evictOverCapLocked() {
	if c.max <= 0 || len(c.entries) <= c.max {
		return
	}

	type aged struct {
		id string
		at time.Time
	}
	var completed []aged
	for id, e := range c.entries {
		if e.completed() {
			completed = append(completed, aged{id: id, at: e.completedAt})
		}
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].at.Before(completed[j].at) })

	for _, a := range completed {
		if len(c.entries) <= c.max {
			return
		}
		delete(c.entries, a.id)
	}
}

func (c *responseCache) janitor() {
	interval := c.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > c.ttl {
		interval = c.ttl
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.evictExpired(now)
		}
	}
}

func (c *responseCache) evictExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.entries {
		if e.completed() && now.Sub(e.completedAt) > c.ttl {
			delete(c.entries, id)
		}
	}
}

func (c *responseCache) close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
