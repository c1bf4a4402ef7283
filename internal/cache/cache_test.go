package cache

import (
	"sync"
	"testing"

	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/pkg/id"
)

func TestPutGetInvalidate(t *testing.T) {
	c := New()
	e := task.Entry{ID: id.Make(10, 1), Priority: task.High, CreatedMs: 10}
	c.Put(e)
	got, ok := c.Get(e.ID)
	if !ok || got.Priority != task.High {
		t.Fatalf("get after put: %v %v", got, ok)
	}
	c.Invalidate(e.ID)
	if _, ok := c.Get(e.ID); ok {
		t.Fatalf("entry should be gone after invalidate")
	}
	// double invalidate is a no-op
	c.Invalidate(e.ID)
}

func TestKeysCoversAllShards(t *testing.T) {
	c := New()
	const n = 256
	for i := 0; i < n; i++ {
		c.Put(task.Entry{ID: id.Make(int64(i), uint64(i))})
	}
	if c.Len() != n {
		t.Fatalf("want %d entries, got %d", n, c.Len())
	}
	if got := len(c.Keys()); got != n {
		t.Fatalf("want %d keys, got %d", n, got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				tid := id.Make(int64(i), uint64(g))
				c.Put(task.Entry{ID: tid, CreatedMs: int64(i)})
				c.Get(tid)
				if i%3 == 0 {
					c.Invalidate(tid)
				}
			}
		}(g)
	}
	wg.Wait()
}
