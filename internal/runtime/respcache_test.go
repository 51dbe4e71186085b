package runtime

import (
	"fmt"
	"testing"
	"time"
)

// Test-only inspection helpers.
func (c *responseCache) lookup(correlationID string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[correlationID]
	return e, ok
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func TestResponseCacheOwnerAndJoiner(t *testing.T) {
	c := newResponseCache(0, 0)
	defer c.close()

	entry, isOwner := c.beginOrJoin("corr-1")
	if !isOwner {
		t.Fatal("first caller should own the entry")
	}

	joined, joinedOwner := c.beginOrJoin("corr-1")
	if joinedOwner {
		t.Fatal("second caller should join, not own")
	}
	if joined != entry {
		t.Fatal("joiner should receive the owner's entry")
	}

	select {
	case <-joined.done:
		t.Fatal("entry completed before owner called complete")
	default:
	}

	resp := NewResponse("corr-1", []byte(`{"ok":true}`), nil)
	c.complete("corr-1", resp)

	select {
	case <-joined.done:
	case <-time.After(time.Second):
		t.Fatal("complete did not release joiners")
	}
	if joined.resp != resp {
		t.Fatal("joiner saw a different response than the owner stored")
	}
}

func TestResponseCacheCompleteIsIdempotent(t *testing.T) {
	c := newResponseCache(0, 0)
	defer c.close()

	c.beginOrJoin("corr-1")
	first := NewResponse("corr-1", []byte("a"), nil)
	c.complete("corr-1", first)
	c.complete("corr-1", NewResponse("corr-1", []byte("b"), nil))

	e, ok := c.lookup("corr-1")
	if !ok {
		t.Fatal("entry missing after complete")
	}
	if string(e.resp.Payload) != "a" {
		t.Fatalf("second complete overwrote the response: %q", e.resp.Payload)
	}
}

func TestResponseCacheAbandonReleasesCorrelationID(t *testing.T) {
	c := newResponseCache(0, 0)
	defer c.close()

	c.beginOrJoin("corr-1")
	c.abandon("corr-1")

	if _, ok := c.lookup("corr-1"); ok {
		t.Fatal("abandoned entry still present")
	}

	_, isOwner := c.beginOrJoin("corr-1")
	if !isOwner {
		t.Fatal("correlation id not released after abandon")
	}
}

func TestResponseCacheCountCapEvictsOldestCompleted(t *testing.T) {
	c := newResponseCache(0, 3)
	defer c.close()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("corr-%d", i)
		c.beginOrJoin(id)
		c.complete(id, NewResponse(id, []byte("x"), nil))
		time.Sleep(time.Millisecond)
	}

	c.beginOrJoin("corr-3")
	if c.len() != 3 {
		t.Fatalf("cache over cap: %d entries", c.len())
	}
	if _, ok := c.lookup("corr-0"); ok {
		t.Fatal("oldest completed entry should have been evicted")
	}
	if _, ok := c.lookup("corr-3"); !ok {
		t.Fatal("in-flight entry must survive eviction")
	}
}

func TestResponseCacheInFlightNeverEvicted(t *testing.T) {
	c := newResponseCache(0, 2)
	defer c.close()

	c.beginOrJoin("inflight-0")
	c.beginOrJoin("inflight-1")
	c.beginOrJoin("inflight-2")

	for _, id := range []string{"inflight-0", "inflight-1", "inflight-2"} {
		if _, ok := c.lookup(id); !ok {
			t.Fatalf("in-flight entry %s evicted", id)
		}
	}
}

func TestResponseCacheTTLEviction(t *testing.T) {
	c := newResponseCache(10*time.Millisecond, 0)
	defer c.close()

	c.beginOrJoin("corr-1")
	c.complete("corr-1", NewResponse("corr-1", []byte("x"), nil))

	c.evictExpired(time.Now().Add(time.Second))
	if _, ok := c.lookup("corr-1"); ok {
		t.Fatal("expired entry still present")
	}
}
