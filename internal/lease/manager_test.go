package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	pebblestore "github.com/rzbill/dispatch/internal/storage/pebble"
	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/pkg/id"
)

func openTestManager(t *testing.T, nowMs *int64) *Manager {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(db).WithClock(func() int64 { return *nowMs })
}

func TestAcquireAndGet(t *testing.T) {
	now := int64(1_000)
	m := openTestManager(t, &now)
	ctx := context.Background()
	tid := id.Make(100, 1)

	l, err := m.Acquire(ctx, tid, "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.ExpiresMs != now+30_000 {
		t.Fatalf("expires=%d, want %d", l.ExpiresMs, now+30_000)
	}

	got, err := m.Get(ctx, tid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.WorkerID != "worker-a" || got.AcquiredMs != now {
		t.Fatalf("unexpected lease: %+v", got)
	}
}

func TestAcquireConflictsWhileLive(t *testing.T) {
	now := int64(1_000)
	m := openTestManager(t, &now)
	ctx := context.Background()
	tid := id.Make(100, 1)

	if _, err := m.Acquire(ctx, tid, "worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, tid, "worker-b", 30*time.Second); !errors.Is(err, task.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}

	// original holder is untouched by the failed attempt
	l, err := m.Get(ctx, tid)
	if err != nil || l.WorkerID != "worker-a" {
		t.Fatalf("lease=%+v err=%v", l, err)
	}
}

func TestAcquireReplacesExpiredLeftover(t *testing.T) {
	now := int64(1_000)
	m := openTestManager(t, &now)
	ctx := context.Background()
	tid := id.Make(100, 1)

	if _, err := m.Acquire(ctx, tid, "worker-a", 10*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now += 10_001
	l, err := m.Acquire(ctx, tid, "worker-b", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if l.WorkerID != "worker-b" {
		t.Fatalf("holder=%s, want worker-b", l.WorkerID)
	}

	// the stale index entry must not resurface in expiry scans
	expired, err := m.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired=%v, want none", expired)
	}
}

func TestReleaseOwnership(t *testing.T) {
	now := int64(1_000)
	m := openTestManager(t, &now)
	ctx := context.Background()
	tid := id.Make(100, 1)

	if _, err := m.Acquire(ctx, tid, "worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(ctx, tid, "worker-b"); !errors.Is(err, task.ErrNotOwner) {
		t.Fatalf("want ErrNotOwner for wrong worker, got %v", err)
	}
	if err := m.Release(ctx, tid, "worker-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Get(ctx, tid); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("want ErrNotFound after release, got %v", err)
	}
	if err := m.Release(ctx, tid, "worker-a"); !errors.Is(err, task.ErrNotOwner) {
		t.Fatalf("want ErrNotOwner for missing lease, got %v", err)
	}
}

func TestRenewExtendsLiveLease(t *testing.T) {
	now := int64(1_000)
	m := openTestManager(t, &now)
	ctx := context.Background()
	tid := id.Make(100, 1)

	if _, err := m.Acquire(ctx, tid, "worker-a", 10*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now += 5_000
	l, err := m.Renew(ctx, tid, "worker-a", 10*time.Second)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if l.ExpiresMs != now+10_000 {
		t.Fatalf("expires=%d, want %d", l.ExpiresMs, now+10_000)
	}

	// the old expiry slot must be gone from the index
	now = l.ExpiresMs - 1
	expired, err := m.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired=%v before new expiry", expired)
	}
}

func TestRenewRejections(t *testing.T) {
	now := int64(1_000)
	m := openTestManager(t, &now)
	ctx := context.Background()
	tid := id.Make(100, 1)

	if _, err := m.Renew(ctx, tid, "worker-a", time.Second); !errors.Is(err, task.ErrNotOwner) {
		t.Fatalf("want ErrNotOwner for missing lease, got %v", err)
	}

	if _, err := m.Acquire(ctx, tid, "worker-a", 10*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Renew(ctx, tid, "worker-b", time.Second); !errors.Is(err, task.ErrNotOwner) {
		t.Fatalf("want ErrNotOwner for wrong worker, got %v", err)
	}

	// a late heartbeat after expiry must not revive ownership
	now += 10_000
	if _, err := m.Renew(ctx, tid, "worker-a", time.Second); !errors.Is(err, task.ErrNotOwner) {
		t.Fatalf("want ErrNotOwner for expired lease, got %v", err)
	}
}

func TestListExpiredOrderAndCutoff(t *testing.T) {
	now := int64(1_000)
	m := openTestManager(t, &now)
	ctx := context.Background()

	a, b, c := id.Make(100, 1), id.Make(100, 2), id.Make(100, 3)
	if _, err := m.Acquire(ctx, a, "w", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(ctx, b, "w", 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(ctx, c, "w", 60*time.Second); err != nil {
		t.Fatal(err)
	}

	now += 12_000
	expired, err := m.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("got %d expired, want 2", len(expired))
	}
	if expired[0].TaskID != a || expired[1].TaskID != b {
		t.Fatalf("order = %s, %s; want oldest expiry first", expired[0].TaskID, expired[1].TaskID)
	}

	expired, err = m.ListExpired(ctx, now, 1)
	if err != nil {
		t.Fatalf("list expired limit: %v", err)
	}
	if len(expired) != 1 || expired[0].TaskID != a {
		t.Fatalf("limited scan = %v", expired)
	}
}

func TestRevokeIgnoresOwner(t *testing.T) {
	now := int64(1_000)
	m := openTestManager(t, &now)
	ctx := context.Background()
	tid := id.Make(100, 1)

	if _, err := m.Acquire(ctx, tid, "worker-a", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Revoke(ctx, tid); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := m.Get(ctx, tid); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("want ErrNotFound after revoke, got %v", err)
	}
	if err := m.Revoke(ctx, tid); err != nil {
		t.Fatalf("revoke of missing lease should be a no-op, got %v", err)
	}
}
