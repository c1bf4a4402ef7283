package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/pkg/id"
)

func fixedClock(t *testing.T, ms int64) {
	t.Helper()
	saved := nowMs
	nowMs = func() int64 { return ms }
	t.Cleanup(func() { nowMs = saved })
}

func entry(ms int64, seq uint64, prio task.Priority) task.Entry {
	tid := id.Make(ms, seq)
	return task.Entry{ID: tid, Priority: prio, CreatedMs: ms, Seq: seq}
}

func mustDequeue(t *testing.T, q *Queue) task.Entry {
	t.Helper()
	e, ok := q.DequeueNext(context.Background(), 10*time.Millisecond)
	if !ok {
		t.Fatalf("expected an entry")
	}
	return e
}

func TestFIFOWithinTier(t *testing.T) {
	fixedClock(t, 1000)
	q := New()
	// insert out of order; dequeue must follow creation order
	q.Enqueue(entry(30, 0, task.Medium))
	q.Enqueue(entry(10, 0, task.Medium))
	q.Enqueue(entry(10, 1, task.Medium))
	q.Enqueue(entry(20, 0, task.Medium))

	want := []int64{10, 10, 20, 30}
	wantSeq := []uint64{0, 1, 0, 0}
	for i := range want {
		e := mustDequeue(t, q)
		if e.CreatedMs != want[i] || e.Seq != wantSeq[i] {
			t.Fatalf("pos %d: got (%d,%d), want (%d,%d)", i, e.CreatedMs, e.Seq, want[i], wantSeq[i])
		}
	}
}

func TestTierPrecedence(t *testing.T) {
	fixedClock(t, 1000)
	q := New()
	q.Enqueue(entry(1, 0, task.Bulk))
	q.Enqueue(entry(2, 0, task.Critical)) // newer but higher tier
	q.Enqueue(entry(3, 0, task.Low))
	q.Enqueue(entry(4, 0, task.High))

	order := []task.Priority{task.Critical, task.High, task.Low, task.Bulk}
	for i, want := range order {
		if e := mustDequeue(t, q); e.Priority != want {
			t.Fatalf("pos %d: got %s, want %s", i, e.Priority, want)
		}
	}
}

func TestDequeueEmptyTimesOut(t *testing.T) {
	q := New()
	start := time.Now()
	_, ok := q.DequeueNext(context.Background(), 30*time.Millisecond)
	if ok {
		t.Fatalf("empty queue should not yield an entry")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("dequeue returned before the poll timeout")
	}
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	fixedClock(t, 1000)
	q := New()
	done := make(chan task.Entry, 1)
	go func() {
		if e, ok := q.DequeueNext(context.Background(), 2*time.Second); ok {
			done <- e
		}
	}()
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(entry(5, 0, task.High))
	select {
	case e := <-done:
		if e.Priority != task.High {
			t.Fatalf("wrong entry: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked dequeue was not woken by enqueue")
	}
}

func TestDeferredHeldUntilPromoted(t *testing.T) {
	fixedClock(t, 1000)
	q := New()
	e := entry(1, 0, task.Critical)
	e.NotBeforeMs = 5000
	q.Enqueue(e)

	if _, ok := q.DequeueNext(context.Background(), 5*time.Millisecond); ok {
		t.Fatalf("deferred entry must not be dequeued before promotion")
	}
	if q.PromoteDue(4999) != 0 {
		t.Fatalf("nothing should promote before not-before")
	}
	if q.PromoteDue(5000) != 1 {
		t.Fatalf("entry should promote at not-before")
	}
	got := mustDequeue(t, q)
	if got.ID != e.ID {
		t.Fatalf("wrong entry after promotion: %+v", got)
	}
}

func TestEnqueueIsIdempotentPerID(t *testing.T) {
	fixedClock(t, 1000)
	q := New()
	e := entry(1, 0, task.Medium)
	q.Enqueue(e)
	q.Enqueue(e) // reconciler repair pass
	if q.Depth() != 1 {
		t.Fatalf("duplicate enqueue must be a no-op, depth=%d", q.Depth())
	}
	mustDequeue(t, q)
	if _, ok := q.DequeueNext(context.Background(), 5*time.Millisecond); ok {
		t.Fatalf("queue should be empty")
	}
	// after dequeue the id may legitimately come back (retry)
	q.Enqueue(e)
	if q.Depth() != 1 {
		t.Fatalf("re-enqueue after dequeue should work")
	}
}

func TestRemoveCancelsQueuedEntry(t *testing.T) {
	fixedClock(t, 1000)
	q := New()
	a := entry(1, 0, task.Medium)
	b := entry(2, 0, task.Medium)
	q.Enqueue(a)
	q.Enqueue(b)
	if !q.Remove(a.ID) {
		t.Fatalf("remove should report presence")
	}
	if q.Remove(a.ID) {
		t.Fatalf("second remove should report absence")
	}
	got := mustDequeue(t, q)
	if got.ID != b.ID {
		t.Fatalf("removed entry surfaced: %+v", got)
	}
}

func TestRemoveCancelsDeferredEntry(t *testing.T) {
	fixedClock(t, 1000)
	q := New()
	e := entry(1, 0, task.Medium)
	e.NotBeforeMs = 2000
	q.Enqueue(e)
	q.Remove(e.ID)
	if q.PromoteDue(3000) != 0 {
		t.Fatalf("tombstoned deferred entry must not promote")
	}
	if _, ok := q.DequeueNext(context.Background(), 5*time.Millisecond); ok {
		t.Fatalf("queue should be empty")
	}
}

func TestConcurrentEnqueueDequeueDrainsExactly(t *testing.T) {
	fixedClock(t, 1)
	q := New()
	const producers = 4
	const perProducer = 500
	const consumers = 4

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(entry(int64(i+2), uint64(p*perProducer+i), task.Tiers[i%len(task.Tiers)]))
			}
		}(p)
	}

	var mu sync.Mutex
	seen := make(map[id.ID]bool)
	var cwg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				e, ok := q.DequeueNext(context.Background(), 200*time.Millisecond)
				if !ok {
					return
				}
				mu.Lock()
				if seen[e.ID] {
					t.Errorf("duplicate delivery of %s", e.ID)
				}
				seen[e.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	cwg.Wait()
	if len(seen) != producers*perProducer {
		t.Fatalf("drained %d of %d entries", len(seen), producers*perProducer)
	}
}
