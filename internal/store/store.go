package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/dispatch/internal/storage/pebble"
	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/pkg/id"
)

// Store is the durable source of truth for task records and their
// lifecycle. All status transitions go through UpdateStatus, which enforces
// compare-and-swap semantics and the state machine, and keeps the ready and
// delay indexes consistent with the record in one atomic batch.
type Store struct {
	db *pebblestore.DB

	// locks serializes record read-modify-write cycles per task. Stripe is
	// chosen from the id's low byte so one task always maps to one stripe.
	locks [16]chMutex
}

// chMutex is a channel-based mutex so lock acquisition stays allocation
// free on the hot path.
type chMutex chan struct{}

func (m chMutex) lock()   { m <- struct{}{} }
func (m chMutex) unlock() { <-m }

// New creates a Store over an open database.
func New(db *pebblestore.DB) *Store {
	s := &Store{db: db}
	for i := range s.locks {
		s.locks[i] = make(chMutex, 1)
	}
	return s
}

func (s *Store) stripe(tid id.ID) chMutex {
	return s.locks[tid[15]&0x0F]
}

// nowMs is the store clock, overridable in tests.
var nowMs = func() int64 { return time.Now().UnixMilli() }

// Insert durably writes a new task record with the index entry its status
// calls for. Fails with ErrConflict if the identifier already exists.
func (s *Store) Insert(ctx context.Context, t *task.Task) error {
	if t.ID.IsZero() {
		return fmt.Errorf("insert task: missing id")
	}
	mu := s.stripe(t.ID)
	mu.lock()
	defer mu.unlock()

	if _, err := s.db.Get(taskKey(t.ID)); err == nil {
		return fmt.Errorf("insert task %s: %w", t.ID, task.ErrConflict)
	} else if !errors.Is(err, pebblestore.ErrNotFound) {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}

	rec, err := t.Encode()
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(taskKey(t.ID), rec, nil); err != nil {
		return err
	}
	if err := s.indexFor(b, t); err != nil {
		return err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// Get loads a task record. Returns task.ErrNotFound for unknown ids.
func (s *Store) Get(_ context.Context, tid id.ID) (*task.Task, error) {
	rec, err := s.db.Get(taskKey(tid))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", tid, task.ErrNotFound)
		}
		return nil, err
	}
	return task.Decode(rec)
}

// UpdateStatus atomically moves a task from expected to next, applying
// mutate (may be nil) to the record before the write. It fails with
// task.ErrConflict when the current status is not expected, and with
// *task.InvalidTransitionError when the edge is illegal; in both cases the
// record is unchanged. Index entries follow the record in the same batch.
func (s *Store) UpdateStatus(ctx context.Context, tid id.ID, expected, next task.Status, mutate func(*task.Task)) (*task.Task, error) {
	mu := s.stripe(tid)
	mu.lock()
	defer mu.unlock()

	t, err := s.Get(ctx, tid)
	if err != nil {
		return nil, err
	}
	if t.Status != expected {
		return nil, fmt.Errorf("task %s has status %s, expected %s: %w", tid, t.Status, expected, task.ErrConflict)
	}
	if !task.CanTransition(expected, next) {
		return nil, &task.InvalidTransitionError{TaskID: tid.String(), From: expected, To: next}
	}

	b := s.db.NewBatch()
	defer b.Close()
	s.dropIndexFor(b, t)

	t.Status = next
	t.UpdatedMs = nowMs()
	if mutate != nil {
		mutate(t)
	}

	rec, err := t.Encode()
	if err != nil {
		return nil, err
	}
	if err := b.Set(taskKey(tid), rec, nil); err != nil {
		return nil, err
	}
	if err := s.indexFor(b, t); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("update task %s: %w", tid, err)
	}
	return t, nil
}

// Mutate rewrites a record in place without a status transition (e.g. to
// set the cancel-requested flag on an IN_PROGRESS task). Index entries are
// refreshed in case mutate touched the eligibility time.
func (s *Store) Mutate(ctx context.Context, tid id.ID, mutate func(*task.Task)) (*task.Task, error) {
	mu := s.stripe(tid)
	mu.lock()
	defer mu.unlock()

	t, err := s.Get(ctx, tid)
	if err != nil {
		return nil, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	s.dropIndexFor(b, t)

	mutate(t)
	t.UpdatedMs = nowMs()

	rec, err := t.Encode()
	if err != nil {
		return nil, err
	}
	if err := b.Set(taskKey(tid), rec, nil); err != nil {
		return nil, err
	}
	if err := s.indexFor(b, t); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("mutate task %s: %w", tid, err)
	}
	return t, nil
}

// indexFor adds the index entry matching the record's status, if any.
// READY tasks live in the ready index; PENDING and RETRYING tasks with a
// future eligibility live in the delay index; everything else is unindexed.
func (s *Store) indexFor(b *pebble.Batch, t *task.Task) error {
	switch t.Status {
	case task.StatusReady:
		return b.Set(readyKey(t.Priority, t.CreatedMs, t.ID), nil, nil)
	case task.StatusPending, task.StatusRetrying:
		if t.NotBeforeMs > 0 {
			return b.Set(delayKey(t.NotBeforeMs, t.ID), delayVal(t.Priority, t.CreatedMs), nil)
		}
	}
	return nil
}

// dropIndexFor removes whichever index entry the current record owns.
func (s *Store) dropIndexFor(b *pebble.Batch, t *task.Task) {
	switch t.Status {
	case task.StatusReady:
		_ = b.Delete(readyKey(t.Priority, t.CreatedMs, t.ID), nil)
	case task.StatusPending, task.StatusRetrying:
		if t.NotBeforeMs > 0 {
			_ = b.Delete(delayKey(t.NotBeforeMs, t.ID), nil)
		}
	}
}

// QueryReady scans the ready index in dispatch order (highest tier first,
// FIFO within a tier) up to limit entries. Used for cold-start rehydration.
func (s *Store) QueryReady(_ context.Context, limit int) ([]task.Entry, error) {
	prefix := []byte(prefixReady)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []task.Entry
	for ok := iter.First(); ok && (limit <= 0 || len(out) < limit); ok = iter.Next() {
		prio, created, tid, okKey := parseReadyKey(iter.Key())
		if !okKey {
			continue
		}
		out = append(out, task.Entry{ID: tid, Priority: prio, CreatedMs: created, Seq: tid.Seq()})
	}
	return out, nil
}

// QueryDeferred scans the delay index up to limit entries. With untilMs > 0
// only entries due at or before untilMs are returned; the index is
// time-ordered so the scan stops at the first future entry.
func (s *Store) QueryDeferred(_ context.Context, untilMs int64, limit int) ([]task.Entry, error) {
	prefix := []byte(prefixDelay)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []task.Entry
	for ok := iter.First(); ok && (limit <= 0 || len(out) < limit); ok = iter.Next() {
		e, okKey := parseDelay(iter.Key(), iter.Value())
		if !okKey {
			continue
		}
		if untilMs > 0 && e.NotBeforeMs > untilMs {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// AppendAttempt durably appends one execution attempt record. Attempt
// history is append-only and never mutated.
func (s *Store) AppendAttempt(ctx context.Context, a task.Attempt) error {
	rec, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Set(attemptKey(a.TaskID, a.N), rec)
}

// ListAttempts returns the execution history for a task in attempt order.
func (s *Store) ListAttempts(_ context.Context, tid id.ID) ([]task.Attempt, error) {
	prefix := attemptPrefix(tid)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []task.Attempt
	for ok := iter.First(); ok; ok = iter.Next() {
		var a task.Attempt
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// CountByStatus scans all task records and tallies statuses. Intended for
// operator statistics, not the hot path.
func (s *Store) CountByStatus(_ context.Context) (map[task.Status]int, error) {
	prefix := []byte(prefixTask)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	counts := make(map[task.Status]int)
	for ok := iter.First(); ok; ok = iter.Next() {
		t, err := task.Decode(iter.Value())
		if err != nil {
			continue
		}
		counts[t.Status]++
	}
	return counts, nil
}

// CleanupTerminal removes terminal task records (and their attempt history)
// last updated at or before cutoffMs. Non-terminal tasks are never touched.
// Returns the number of tasks removed.
func (s *Store) CleanupTerminal(ctx context.Context, cutoffMs int64, limit int) (int, error) {
	prefix := []byte(prefixTask)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	removed := 0
	for ok := iter.First(); ok && (limit <= 0 || removed < limit); ok = iter.Next() {
		t, err := task.Decode(iter.Value())
		if err != nil {
			continue
		}
		if !t.Status.IsTerminal() || t.UpdatedMs > cutoffMs {
			continue
		}
		// nothing is removed until the batch commits, so every error
		// path reports zero
		if err := b.Delete(taskKey(t.ID), nil); err != nil {
			return 0, err
		}
		ap := attemptPrefix(t.ID)
		if err := b.DeleteRange(ap, keyUpperBound(ap), nil); err != nil {
			return 0, err
		}
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	// best effort; the deletions leave tombstones across the whole task
	// range, and compacting now reclaims the space instead of waiting for
	// pebble's own schedule
	_ = s.db.CompactRange(prefix, keyUpperBound(prefix))
	return removed, nil
}

// Has reports whether a record exists for the identifier.
func (s *Store) Has(_ context.Context, tid id.ID) (bool, error) {
	_, err := s.db.Get(taskKey(tid))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, pebblestore.ErrNotFound) {
		return false, nil
	}
	return false, err
}
