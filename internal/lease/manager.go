package lease

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/dispatch/internal/storage/pebble"
	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/pkg/id"
)

// Key prefixes. The expiry index orders leases by expiry time so the
// reconciler's scan stops at the first unexpired lease.
const (
	prefixLease    = "lease/"     // lease/{task_id}              -> lease record (JSON)
	prefixLeaseIdx = "lease_idx/" // lease_idx/{expires}{task_id} -> nil
)

// Lease is a time-bounded exclusive claim by a worker on a task. At most
// one active lease exists per task at any time. The manager owns leases;
// workers only reference them.
type Lease struct {
	TaskID     id.ID  `json:"task_id"`
	WorkerID   string `json:"worker_id"`
	AcquiredMs int64  `json:"acquired_ms"`
	ExpiresMs  int64  `json:"expires_ms"`
}

// Expired reports whether the lease has lapsed at the given time.
func (l *Lease) Expired(nowMs int64) bool { return l.ExpiresMs <= nowMs }

// Manager tracks task ownership. Its clock is the only one consulted for
// expiry decisions, so clock skew across workers cannot corrupt ownership.
type Manager struct {
	db *pebblestore.DB

	mu sync.Mutex

	// now is the authoritative clock; injectable in tests.
	now func() int64
}

// NewManager creates a lease manager over an open database.
func NewManager(db *pebblestore.DB) *Manager {
	return &Manager{db: db, now: func() int64 { return time.Now().UnixMilli() }}
}

// WithClock overrides the manager's clock. Test use only.
func (m *Manager) WithClock(now func() int64) *Manager {
	m.now = now
	return m
}

func leaseKey(tid id.ID) []byte {
	key := make([]byte, len(prefixLease)+16)
	copy(key, prefixLease)
	copy(key[len(prefixLease):], tid[:])
	return key
}

func leaseIdxKey(expiresMs int64, tid id.ID) []byte {
	key := make([]byte, len(prefixLeaseIdx)+8+16)
	copy(key, prefixLeaseIdx)
	binary.BigEndian.PutUint64(key[len(prefixLeaseIdx):], uint64(expiresMs))
	copy(key[len(prefixLeaseIdx)+8:], tid[:])
	return key
}

// Acquire claims the task for the worker for the given duration. Fails with
// task.ErrConflict when an unexpired lease exists; an expired leftover lease
// is replaced. Conflicts should not happen under single-queue-core
// ownership but defend against duplicate delivery from a reconciler race.
func (m *Manager) Acquire(ctx context.Context, tid id.ID, workerID string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, err := m.load(tid)
	if err != nil && !errors.Is(err, task.ErrNotFound) {
		return nil, err
	}

	b := m.db.NewBatch()
	defer b.Close()

	if existing != nil {
		if !existing.Expired(now) {
			return nil, fmt.Errorf("task %s leased by %s until %d: %w", tid, existing.WorkerID, existing.ExpiresMs, task.ErrConflict)
		}
		// stale leftover; drop its index entry alongside the overwrite
		_ = b.Delete(leaseIdxKey(existing.ExpiresMs, tid), nil)
	}

	l := &Lease{
		TaskID:     tid,
		WorkerID:   workerID,
		AcquiredMs: now,
		ExpiresMs:  now + ttl.Milliseconds(),
	}
	rec, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	if err := b.Set(leaseKey(tid), rec, nil); err != nil {
		return nil, err
	}
	if err := b.Set(leaseIdxKey(l.ExpiresMs, tid), nil, nil); err != nil {
		return nil, err
	}
	if err := m.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("acquire lease for %s: %w", tid, err)
	}
	return l, nil
}

// Release drops the worker's lease. Fails with task.ErrNotOwner when no
// lease exists or another worker holds it; callers log that and move on (a
// late report after expiry and reassignment lands here).
func (m *Manager) Release(ctx context.Context, tid id.ID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.load(tid)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return fmt.Errorf("no lease for %s: %w", tid, task.ErrNotOwner)
		}
		return err
	}
	if l.WorkerID != workerID {
		return fmt.Errorf("lease for %s held by %s, not %s: %w", tid, l.WorkerID, workerID, task.ErrNotOwner)
	}
	return m.drop(ctx, l)
}

// Renew extends a live lease for a heartbeating long-running task. Fails
// with task.ErrNotOwner when the lease is missing, held elsewhere, or has
// already expired (an expired lease may already be reassigned; extending it
// would create two owners).
func (m *Manager) Renew(ctx context.Context, tid id.ID, workerID string, extension time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, err := m.load(tid)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, fmt.Errorf("no lease for %s: %w", tid, task.ErrNotOwner)
		}
		return nil, err
	}
	if l.WorkerID != workerID {
		return nil, fmt.Errorf("lease for %s held by %s, not %s: %w", tid, l.WorkerID, workerID, task.ErrNotOwner)
	}
	if l.Expired(now) {
		return nil, fmt.Errorf("lease for %s expired at %d: %w", tid, l.ExpiresMs, task.ErrNotOwner)
	}

	oldExpiry := l.ExpiresMs
	l.ExpiresMs = now + extension.Milliseconds()

	rec, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	b := m.db.NewBatch()
	defer b.Close()
	if err := b.Set(leaseKey(tid), rec, nil); err != nil {
		return nil, err
	}
	_ = b.Delete(leaseIdxKey(oldExpiry, tid), nil)
	if err := b.Set(leaseIdxKey(l.ExpiresMs, tid), nil, nil); err != nil {
		return nil, err
	}
	if err := m.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("renew lease for %s: %w", tid, err)
	}
	return l, nil
}

// Revoke removes a lease regardless of owner. Reconciler use: reclaiming an
// expired lease must not depend on the dead worker's identity.
func (m *Manager) Revoke(ctx context.Context, tid id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.load(tid)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil
		}
		return err
	}
	return m.drop(ctx, l)
}

// Get returns the current lease for a task, or task.ErrNotFound.
func (m *Manager) Get(_ context.Context, tid id.ID) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(tid)
}

// ListExpired returns up to limit leases expired at the given time, oldest
// expiry first. The index is time-ordered so the scan stops at the first
// live lease.
func (m *Manager) ListExpired(_ context.Context, nowMs int64, limit int) ([]*Lease, error) {
	if nowMs <= 0 {
		nowMs = m.now()
	}
	prefix := []byte(prefixLeaseIdx)
	hi := append([]byte{}, prefix...)
	hi[len(hi)-1]++ // '/' -> '0', the lexicographic successor of the prefix
	iter, err := m.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Lease
	for ok := iter.First(); ok && (limit <= 0 || len(out) < limit); ok = iter.Next() {
		key := iter.Key()
		if len(key) != len(prefixLeaseIdx)+8+16 {
			continue
		}
		expires := int64(binary.BigEndian.Uint64(key[len(prefixLeaseIdx):]))
		if expires > nowMs {
			break
		}
		tid, err := id.FromBytes(key[len(prefixLeaseIdx)+8:])
		if err != nil {
			continue
		}
		l, err := m.load(tid)
		if err != nil || l.ExpiresMs != expires {
			// index orphan from an earlier renew/release; skip
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (m *Manager) load(tid id.ID) (*Lease, error) {
	rec, err := m.db.Get(leaseKey(tid))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, fmt.Errorf("lease for %s: %w", tid, task.ErrNotFound)
		}
		return nil, err
	}
	var l Lease
	if err := json.Unmarshal(rec, &l); err != nil {
		return nil, fmt.Errorf("decode lease for %s: %w", tid, err)
	}
	return &l, nil
}

func (m *Manager) drop(ctx context.Context, l *Lease) error {
	b := m.db.NewBatch()
	defer b.Close()
	if err := b.Delete(leaseKey(l.TaskID), nil); err != nil {
		return err
	}
	if err := b.Delete(leaseIdxKey(l.ExpiresMs, l.TaskID), nil); err != nil {
		return err
	}
	if err := m.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("drop lease for %s: %w", l.TaskID, err)
	}
	return nil
}
