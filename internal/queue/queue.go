package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/pkg/id"
)

// Queue is the in-process scheduling index: one FIFO heap per priority
// tier plus a time-ordered deferred heap for entries whose not-before lies
// in the future.
//
// Dequeue always drains the highest non-empty tier; lower tiers may starve
// under sustained high-tier load by policy (BULK is best-effort). Within a
// tier, dequeue order is strict creation order.
//
// Deferred entries never reach a tier through the dequeue path; PromoteDue
// moves them during the reconciler's periodic sweep, keeping DequeueNext at
// O(log n).
type Queue struct {
	tiers []*tier

	dmu      sync.Mutex
	deferred deferredHeap

	// membership and tombstones, for idempotent reinsertion and
	// out-of-band cancellation.
	mmu     sync.Mutex
	members map[id.ID]struct{}
	removed map[id.ID]struct{}

	// notify wakes one blocked dequeuer when an entry becomes available.
	notify chan struct{}
}

type tier struct {
	mu sync.Mutex
	h  fifoHeap
}

// New creates an empty queue with one sub-index per priority tier.
func New() *Queue {
	q := &Queue{
		tiers:   make([]*tier, len(task.Tiers)),
		members: make(map[id.ID]struct{}),
		removed: make(map[id.ID]struct{}),
		notify:  make(chan struct{}, 1),
	}
	for i := range q.tiers {
		q.tiers[i] = &tier{}
	}
	return q
}

// nowMs is the queue clock, overridable in tests.
var nowMs = func() int64 { return time.Now().UnixMilli() }

// Enqueue inserts an entry. Entries already present (by id) are left alone,
// which makes reconciler repair passes idempotent. Entries whose not-before
// has not elapsed are parked in the deferred heap.
func (q *Queue) Enqueue(e task.Entry) {
	q.mmu.Lock()
	if _, ok := q.members[e.ID]; ok {
		q.mmu.Unlock()
		return
	}
	q.members[e.ID] = struct{}{}
	delete(q.removed, e.ID)
	q.mmu.Unlock()

	if !e.Eligible(nowMs()) {
		q.dmu.Lock()
		heap.Push(&q.deferred, e)
		q.dmu.Unlock()
		return
	}
	q.pushTier(e)
	q.signal()
}

func (q *Queue) pushTier(e task.Entry) {
	t := q.tiers[e.Priority.Rank()]
	t.mu.Lock()
	heap.Push(&t.h, e)
	t.mu.Unlock()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// DequeueNext removes and returns the highest-priority, oldest eligible
// entry. When no entry is available it blocks up to wait (or until ctx is
// done) and then reports ok=false. It never scans the deferred heap.
func (q *Queue) DequeueNext(ctx context.Context, wait time.Duration) (task.Entry, bool) {
	deadline := time.Now().Add(wait)
	for {
		if e, ok := q.tryDequeue(); ok {
			return e, true
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return task.Entry{}, false
		}
		timer := time.NewTimer(remain)
		select {
		case <-ctx.Done():
			timer.Stop()
			return task.Entry{}, false
		case <-timer.C:
			return task.Entry{}, false
		case <-q.notify:
			timer.Stop()
			// loop; another worker may have raced us to the entry
		}
	}
}

// tryDequeue pops from the highest non-empty tier, skipping tombstoned
// entries.
func (q *Queue) tryDequeue() (task.Entry, bool) {
	for _, t := range q.tiers {
		t.mu.Lock()
		for t.h.Len() > 0 {
			e := heap.Pop(&t.h).(task.Entry)
			q.mmu.Lock()
			delete(q.members, e.ID)
			_, tomb := q.removed[e.ID]
			delete(q.removed, e.ID)
			q.mmu.Unlock()
			if tomb {
				continue
			}
			more := t.h.Len() > 0
			t.mu.Unlock()
			if more {
				// wake the next waiter; we only consumed one entry
				q.signal()
			}
			return e, true
		}
		t.mu.Unlock()
	}
	return task.Entry{}, false
}

// Remove drops an entry by identifier, supporting out-of-band cancellation.
// The entry may sit in a tier heap or the deferred heap; removal is lazy
// via tombstone and resolved at pop or promotion time. Reports whether the
// id was present.
func (q *Queue) Remove(tid id.ID) bool {
	q.mmu.Lock()
	defer q.mmu.Unlock()
	if _, ok := q.members[tid]; !ok {
		return false
	}
	q.removed[tid] = struct{}{}
	return true
}

// PromoteDue moves deferred entries whose not-before has elapsed into their
// priority tiers. Returns the number promoted (tombstoned entries are
// discarded and not counted).
func (q *Queue) PromoteDue(now int64) int {
	if now <= 0 {
		now = nowMs()
	}
	promoted := 0
	for {
		q.dmu.Lock()
		if q.deferred.Len() == 0 || q.deferred[0].NotBeforeMs > now {
			q.dmu.Unlock()
			break
		}
		e := heap.Pop(&q.deferred).(task.Entry)
		q.dmu.Unlock()

		q.mmu.Lock()
		_, tomb := q.removed[e.ID]
		if tomb {
			delete(q.removed, e.ID)
			delete(q.members, e.ID)
		}
		q.mmu.Unlock()
		if tomb {
			continue
		}
		q.pushTier(e)
		promoted++
	}
	if promoted > 0 {
		q.signal()
	}
	return promoted
}

// Depth returns the number of dispatchable entries across all tiers.
func (q *Queue) Depth() int {
	n := 0
	for _, t := range q.tiers {
		t.mu.Lock()
		n += t.h.Len()
		t.mu.Unlock()
	}
	return n
}

// DeferredDepth returns the number of entries awaiting eligibility.
func (q *Queue) DeferredDepth() int {
	q.dmu.Lock()
	defer q.dmu.Unlock()
	return q.deferred.Len()
}

// TierDepths returns per-tier dispatchable entry counts.
func (q *Queue) TierDepths() map[task.Priority]int {
	out := make(map[task.Priority]int, len(task.Tiers))
	for i, t := range q.tiers {
		t.mu.Lock()
		out[task.Tiers[i]] = t.h.Len()
		t.mu.Unlock()
	}
	return out
}

// Contains reports whether the id is currently queued (tier or deferred)
// and not tombstoned.
func (q *Queue) Contains(tid id.ID) bool {
	q.mmu.Lock()
	defer q.mmu.Unlock()
	if _, gone := q.removed[tid]; gone {
		return false
	}
	_, ok := q.members[tid]
	return ok
}
