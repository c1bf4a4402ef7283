package store

import (
	"context"
	"errors"
	"testing"

	pebblestore "github.com/rzbill/dispatch/internal/storage/pebble"
	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/pkg/id"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func newTask(tid id.ID, prio task.Priority, status task.Status) *task.Task {
	return &task.Task{
		ID:          tid,
		Priority:    prio,
		Status:      status,
		CreatedMs:   tid.UnixMs(),
		UpdatedMs:   tid.UnixMs(),
		MaxAttempts: task.DefaultMaxAttempts,
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := newTask(id.Make(100, 1), task.High, task.StatusReady)
	if err := s.Insert(ctx, tk); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Priority != task.High || got.Status != task.StatusReady {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestInsertRejectsZeroID(t *testing.T) {
	s := openTestStore(t)
	tk := newTask(id.Zero, task.Medium, task.StatusReady)
	if err := s.Insert(context.Background(), tk); err == nil {
		t.Fatal("want error for zero id")
	}
}

func TestInsertDuplicateConflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := newTask(id.Make(100, 1), task.Medium, task.StatusReady)
	if err := s.Insert(ctx, tk); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, tk); !errors.Is(err, task.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}

func TestGetUnknownIsNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), id.Make(1, 1)); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := newTask(id.Make(100, 1), task.Medium, task.StatusReady)
	if err := s.Insert(ctx, tk); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.UpdateStatus(ctx, tk.ID, task.StatusReady, task.StatusInProgress, func(x *task.Task) {
		x.Attempts++
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != task.StatusInProgress || got.Attempts != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	// stale expectation fails and leaves the record unchanged
	if _, err := s.UpdateStatus(ctx, tk.ID, task.StatusReady, task.StatusInProgress, nil); !errors.Is(err, task.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	got, _ = s.Get(ctx, tk.ID)
	if got.Attempts != 1 {
		t.Fatalf("conflicting update must not mutate: %+v", got)
	}
}

func TestUpdateStatusRejectsIllegalEdge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := newTask(id.Make(100, 1), task.Medium, task.StatusReady)
	if err := s.Insert(ctx, tk); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := s.UpdateStatus(ctx, tk.ID, task.StatusReady, task.StatusSucceeded, nil)
	var ite *task.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("want InvalidTransitionError, got %v", err)
	}
	got, _ := s.Get(ctx, tk.ID)
	if got.Status != task.StatusReady {
		t.Fatalf("record must be unchanged after illegal edge: %+v", got)
	}
}

func TestQueryReadyDispatchOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	// interleave insert order to prove it is key order that decides
	bulk := newTask(id.Make(10, 0), task.Bulk, task.StatusReady)
	critLate := newTask(id.Make(30, 0), task.Critical, task.StatusReady)
	critEarly := newTask(id.Make(20, 0), task.Critical, task.StatusReady)
	for _, tk := range []*task.Task{bulk, critLate, critEarly} {
		if err := s.Insert(ctx, tk); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.QueryReady(ctx, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 entries, got %d", len(got))
	}
	if got[0].ID != critEarly.ID || got[1].ID != critLate.ID || got[2].ID != bulk.ID {
		t.Fatalf("bad dispatch order: %v %v %v", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestQueryDeferredStopsAtFuture(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	due := newTask(id.Make(10, 0), task.Medium, task.StatusPending)
	due.NotBeforeMs = 500
	future := newTask(id.Make(11, 0), task.Medium, task.StatusPending)
	future.NotBeforeMs = 9000
	for _, tk := range []*task.Task{due, future} {
		if err := s.Insert(ctx, tk); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.QueryDeferred(ctx, 1000, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("want only the due entry, got %+v", got)
	}
	all, _ := s.QueryDeferred(ctx, 0, 10)
	if len(all) != 2 {
		t.Fatalf("untilMs=0 should list all deferred, got %d", len(all))
	}
}

func TestIndexFollowsTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := newTask(id.Make(100, 1), task.Medium, task.StatusReady)
	if err := s.Insert(ctx, tk); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, tk.ID, task.StatusReady, task.StatusInProgress, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.QueryReady(ctx, 10)
	if len(got) != 0 {
		t.Fatalf("leased task must leave the ready index, got %+v", got)
	}

	// retry with backoff lands in the delay index
	if _, err := s.UpdateStatus(ctx, tk.ID, task.StatusInProgress, task.StatusRetrying, func(x *task.Task) {
		x.NotBeforeMs = 7777
	}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	deferred, _ := s.QueryDeferred(ctx, 0, 10)
	if len(deferred) != 1 || deferred[0].NotBeforeMs != 7777 {
		t.Fatalf("retrying task must be deferred, got %+v", deferred)
	}
}

func TestAppendAndListAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tid := id.Make(100, 1)
	for n := 1; n <= 3; n++ {
		a := task.Attempt{TaskID: tid, N: n, WorkerID: "w1", StartedMs: int64(n * 10)}
		if err := s.AppendAttempt(ctx, a); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := s.ListAttempts(ctx, tid)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 || got[0].N != 1 || got[2].N != 3 {
		t.Fatalf("attempt history wrong: %+v", got)
	}
}

func TestCleanupTerminalSparesActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	done := newTask(id.Make(10, 0), task.Medium, task.StatusSucceeded)
	done.UpdatedMs = 100
	active := newTask(id.Make(11, 0), task.Medium, task.StatusReady)
	active.UpdatedMs = 100
	fresh := newTask(id.Make(12, 0), task.Medium, task.StatusFailed)
	fresh.UpdatedMs = 9999
	for _, tk := range []*task.Task{done, active, fresh} {
		if err := s.Insert(ctx, tk); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	_ = s.AppendAttempt(ctx, task.Attempt{TaskID: done.ID, N: 1})

	removed, err := s.CleanupTerminal(ctx, 1000, 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("want 1 removed, got %d", removed)
	}
	if _, err := s.Get(ctx, done.ID); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("terminal task should be gone, got %v", err)
	}
	if attempts, _ := s.ListAttempts(ctx, done.ID); len(attempts) != 0 {
		t.Fatalf("attempt history should be gone, got %+v", attempts)
	}
	if _, err := s.Get(ctx, active.ID); err != nil {
		t.Fatalf("active task must survive cleanup: %v", err)
	}
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("recent terminal task must survive cutoff: %v", err)
	}

	// the count reflects committed deletions only; a second pass finds
	// nothing left in the window
	removed, err = s.CleanupTerminal(ctx, 1000, 0)
	if err != nil || removed != 0 {
		t.Fatalf("second cleanup = %d, %v, want 0, nil", removed, err)
	}
}

func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, st := range []task.Status{task.StatusReady, task.StatusReady, task.StatusSucceeded} {
		tk := newTask(id.Make(int64(i+1), 0), task.Medium, st)
		if err := s.Insert(ctx, tk); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[task.StatusReady] != 2 || counts[task.StatusSucceeded] != 1 {
		t.Fatalf("bad counts: %+v", counts)
	}
}
