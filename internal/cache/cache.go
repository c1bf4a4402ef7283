package cache

import (
	"sync"

	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/pkg/id"
)

// shardCount keeps lock contention low under concurrent admission and
// dequeue. Must be a power of two.
const shardCount = 16

// EntryCache is the fast tier: a shared, low-latency view of ready-to-run
// task summaries. It is best-effort and never authoritative; the durable
// store decides correctness, the cache only saves a read on the hot path.
type EntryCache struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[id.ID]task.Entry
}

// New creates an empty cache.
func New() *EntryCache {
	c := &EntryCache{}
	for i := range c.shards {
		c.shards[i].entries = make(map[id.ID]task.Entry)
	}
	return c
}

func (c *EntryCache) shard(tid id.ID) *shard {
	return &c.shards[tid[15]&(shardCount-1)]
}

// Put stores or replaces an entry summary.
func (c *EntryCache) Put(e task.Entry) {
	s := c.shard(e.ID)
	s.mu.Lock()
	s.entries[e.ID] = e
	s.mu.Unlock()
}

// Get returns the cached summary for the identifier, if present.
func (c *EntryCache) Get(tid id.ID) (task.Entry, bool) {
	s := c.shard(tid)
	s.mu.RLock()
	e, ok := s.entries[tid]
	s.mu.RUnlock()
	return e, ok
}

// Invalidate drops an entry. Dropping an absent entry is a no-op.
func (c *EntryCache) Invalidate(tid id.ID) {
	s := c.shard(tid)
	s.mu.Lock()
	delete(s.entries, tid)
	s.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *EntryCache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Keys snapshots all cached identifiers. The reconciler uses this to find
// orphans: cached entries whose durable record no longer exists.
func (c *EntryCache) Keys() []id.ID {
	out := make([]id.ID, 0, c.Len())
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for k := range s.entries {
			out = append(out, k)
		}
		s.mu.RUnlock()
	}
	return out
}
