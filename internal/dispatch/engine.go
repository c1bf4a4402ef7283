package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/dispatch/internal/cache"
	"github.com/rzbill/dispatch/internal/lease"
	"github.com/rzbill/dispatch/internal/queue"
	"github.com/rzbill/dispatch/internal/store"
	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/pkg/backoff"
	"github.com/rzbill/dispatch/pkg/id"
	"github.com/rzbill/dispatch/pkg/log"
)

// Options configures the engine.
type Options struct {
	// LeaseTTL is the initial claim duration granted on dequeue.
	LeaseTTL time.Duration
	// Backoff schedules retry eligibility after transient failures.
	Backoff backoff.Policy
	// DefaultPriority applies when a submission does not set a tier.
	DefaultPriority task.Priority
	// DefaultMaxAttempts applies when a submission does not set a limit.
	DefaultMaxAttempts int
	// DefaultExecTimeoutMs applies when a submission does not set a limit.
	DefaultExecTimeoutMs int64
}

func (o *Options) withDefaults() {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = backoff.Default
	}
	if o.DefaultPriority == 0 {
		o.DefaultPriority = task.Medium
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = task.DefaultMaxAttempts
	}
	if o.DefaultExecTimeoutMs <= 0 {
		o.DefaultExecTimeoutMs = task.DefaultExecTimeoutMs
	}
}

// Engine ties the durable store, in-memory queue, entry cache, and lease
// manager into the task lifecycle. All status changes go through the store's
// CAS; the queue and cache are derived structures that can be rebuilt from
// the store at any time.
type Engine struct {
	store  *store.Store
	queue  *queue.Queue
	cache  *cache.EntryCache
	leases *lease.Manager
	gen    *id.Generator
	opts   Options
	logger log.Logger

	nowMs func() int64
}

// New creates an engine over already-open components.
func New(st *store.Store, q *queue.Queue, c *cache.EntryCache, lm *lease.Manager, opts Options, logger log.Logger) *Engine {
	opts.withDefaults()
	if logger == nil {
		logger = log.NewNop()
	}
	return &Engine{
		store:  st,
		queue:  q,
		cache:  c,
		leases: lm,
		gen:    id.NewGenerator(),
		opts:   opts,
		logger: logger.WithComponent("dispatch"),
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// SubmitRequest describes one task admission.
type SubmitRequest struct {
	// Priority falls back to the engine's default tier when zero.
	Priority task.Priority
	// Payload is the opaque work description; required.
	Payload []byte
	// NotBeforeMs defers eligibility to a wall-clock time. Zero means
	// immediately eligible.
	NotBeforeMs int64
	// MaxAttempts overrides the engine default when positive.
	MaxAttempts int
	// ExecTimeoutMs overrides the engine default when positive.
	ExecTimeoutMs int64
}

// Submit admits one task. The returned snapshot carries the assigned
// identifier. The task is durable before it becomes visible to workers.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (task.Snapshot, error) {
	if len(req.Payload) == 0 {
		return task.Snapshot{}, errors.New("dispatch: submit requires a payload")
	}
	prio := req.Priority
	if prio == 0 {
		prio = e.opts.DefaultPriority
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.opts.DefaultMaxAttempts
	}
	execTimeout := req.ExecTimeoutMs
	if execTimeout <= 0 {
		execTimeout = e.opts.DefaultExecTimeoutMs
	}

	now := e.nowMs()
	status := task.StatusReady
	if req.NotBeforeMs > now {
		status = task.StatusPending
	}

	tid := e.gen.Next()
	t := &task.Task{
		ID:       tid,
		Priority: prio,
		Payload:  req.Payload,
		Status:   status,
		// creation time comes from the ID so the (CreatedMs, ID) FIFO key
		// and the ID's own ordering always agree
		CreatedMs:     tid.UnixMs(),
		UpdatedMs:     now,
		NotBeforeMs:   req.NotBeforeMs,
		MaxAttempts:   maxAttempts,
		ExecTimeoutMs: execTimeout,
	}
	if err := e.store.Insert(ctx, t); err != nil {
		return task.Snapshot{}, err
	}

	entry := t.Entry()
	e.cache.Put(entry)
	e.queue.Enqueue(entry)

	e.logger.Debug("task submitted",
		log.F("task_id", t.ID.String()),
		log.F("priority", prio.String()),
		log.F("status", string(status)),
	)
	return t.Snapshot(), nil
}

// SubmitBatch admits tasks in order. On the first failure it returns the
// snapshots admitted so far alongside the error; earlier admissions stand.
func (e *Engine) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]task.Snapshot, error) {
	out := make([]task.Snapshot, 0, len(reqs))
	for i, req := range reqs {
		snap, err := e.Submit(ctx, req)
		if err != nil {
			return out, fmt.Errorf("submit batch item %d: %w", i, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// GetStatus returns the caller-facing view of a task.
func (e *Engine) GetStatus(ctx context.Context, tid id.ID) (task.Snapshot, error) {
	t, err := e.store.Get(ctx, tid)
	if err != nil {
		return task.Snapshot{}, err
	}
	return t.Snapshot(), nil
}

// Attempts returns the execution history of a task, oldest first.
func (e *Engine) Attempts(ctx context.Context, tid id.ID) ([]task.Attempt, error) {
	return e.store.ListAttempts(ctx, tid)
}

// Cancel stops a task. Tasks not yet running move straight to CANCELLED and
// leave the queue; a running task only gets the cancel flag, and its
// eventual report is discarded in favor of CANCELLED. Fails with
// task.ErrAlreadyTerminal once the task has finished.
func (e *Engine) Cancel(ctx context.Context, tid id.ID) error {
	for attempt := 0; ; attempt++ {
		t, err := e.store.Get(ctx, tid)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return fmt.Errorf("task %s is %s: %w", tid, t.Status, task.ErrAlreadyTerminal)
		}

		if t.Status == task.StatusInProgress {
			_, err := e.store.Mutate(ctx, tid, func(t *task.Task) { t.CancelRequested = true })
			if err != nil {
				return err
			}
			e.logger.Info("cancel requested for running task", log.F("task_id", tid.String()))
			return nil
		}

		_, err = e.store.UpdateStatus(ctx, tid, t.Status, task.StatusCancelled, nil)
		if err != nil {
			// status moved under us; re-read, bounded
			if errors.Is(err, task.ErrConflict) && attempt < 3 {
				continue
			}
			return err
		}
		e.queue.Remove(tid)
		e.cache.Invalidate(tid)
		e.logger.Info("task cancelled", log.F("task_id", tid.String()))
		return nil
	}
}

// Next blocks up to wait for the highest-priority eligible task, claims it
// with a lease, and moves it to IN_PROGRESS with the attempt counter
// incremented. A nil task with nil error means nothing became eligible.
// Stale queue entries (cancelled or already-claimed tasks) are skipped.
func (e *Engine) Next(ctx context.Context, workerID string, wait time.Duration) (*task.Task, error) {
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		entry, ok := e.queue.DequeueNext(ctx, remaining)
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, nil
		}
		tid := entry.ID

		// fast tier first: a missing summary means a cancel, claim, or
		// orphan eviction raced the dequeue, so check the authoritative
		// record before spending lease writes on a stale entry
		if _, ok := e.cache.Get(tid); !ok {
			t, err := e.store.Get(ctx, tid)
			if err != nil {
				if errors.Is(err, task.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if t.Status != task.StatusReady {
				continue
			}
		}

		// lease first: an IN_PROGRESS task without a lease would be
		// invisible to the reconciler
		if _, err := e.leases.Acquire(ctx, tid, workerID, e.opts.LeaseTTL); err != nil {
			return nil, err
		}

		t, err := e.store.UpdateStatus(ctx, tid, task.StatusReady, task.StatusInProgress, func(t *task.Task) {
			t.Attempts++
		})
		if err != nil {
			_ = e.leases.Revoke(ctx, tid)
			e.cache.Invalidate(tid)
			var ite *task.InvalidTransitionError
			if errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrNotFound) || errors.As(err, &ite) {
				// stale entry; keep draining within the wait window
				continue
			}
			return nil, err
		}

		e.cache.Invalidate(tid)
		e.logger.Debug("task claimed",
			log.F("task_id", tid.String()),
			log.F("worker_id", workerID),
			log.F("attempt", t.Attempts),
		)
		return t, nil
	}
}

// Renew extends the worker's lease. A cancel-requested task refuses renewal
// so the handler unwinds instead of running to completion.
func (e *Engine) Renew(ctx context.Context, tid id.ID, workerID string, extension time.Duration) error {
	t, err := e.store.Get(ctx, tid)
	if err != nil {
		return err
	}
	if t.CancelRequested {
		return fmt.Errorf("task %s has a pending cancel: %w", tid, task.ErrNotOwner)
	}
	_, err = e.leases.Renew(ctx, tid, workerID, extension)
	return err
}

// Report finalizes one attempt. The worker must still hold the lease;
// otherwise the outcome is discarded with task.ErrNotOwner and the
// reconciler's requeue stands. Transient failures with attempts remaining
// schedule a retry with exponential backoff; everything else is terminal.
func (e *Engine) Report(ctx context.Context, tid id.ID, workerID string, outcome task.Outcome) error {
	now := e.nowMs()

	l, err := e.leases.Get(ctx, tid)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return fmt.Errorf("no lease for %s: %w", tid, task.ErrNotOwner)
		}
		return err
	}
	if l.WorkerID != workerID || l.Expired(now) {
		return fmt.Errorf("lease for %s not held by %s: %w", tid, workerID, task.ErrNotOwner)
	}

	t, err := e.store.Get(ctx, tid)
	if err != nil {
		return err
	}
	if t.Status != task.StatusInProgress {
		return fmt.Errorf("task %s is %s, not %s: %w", tid, t.Status, task.StatusInProgress, task.ErrConflict)
	}

	next, retryAt := e.resolveOutcome(t, outcome, now)

	updated, err := e.store.UpdateStatus(ctx, tid, task.StatusInProgress, next, func(t *task.Task) {
		t.NotBeforeMs = retryAt
		t.LastError = outcome.Error
		t.LastDurationMs = outcome.DurationMs
	})
	if err != nil {
		return err
	}

	_ = e.store.AppendAttempt(ctx, task.Attempt{
		TaskID:    tid,
		N:         updated.Attempts,
		WorkerID:  workerID,
		StartedMs: now - outcome.DurationMs,
		EndedMs:   now,
		Outcome:   string(next),
		Error:     outcome.Error,
	})

	if err := e.leases.Release(ctx, tid, workerID); err != nil {
		e.logger.Warn("lease release after report failed",
			log.F("task_id", tid.String()),
			log.F("error", err.Error()),
		)
	}

	if next == task.StatusRetrying {
		entry := updated.Entry()
		e.cache.Put(entry)
		e.queue.Enqueue(entry)
		e.logger.Info("task scheduled for retry",
			log.F("task_id", tid.String()),
			log.F("attempt", updated.Attempts),
			log.F("not_before_ms", retryAt),
		)
	} else {
		e.cache.Invalidate(tid)
		e.logger.Info("task finished",
			log.F("task_id", tid.String()),
			log.F("status", string(next)),
			log.F("attempts", updated.Attempts),
		)
	}
	return nil
}

// resolveOutcome maps an attempt outcome onto the next status and, for
// retries, the eligibility time.
func (e *Engine) resolveOutcome(t *task.Task, outcome task.Outcome, now int64) (task.Status, int64) {
	if t.CancelRequested {
		return task.StatusCancelled, 0
	}
	if outcome.Success {
		return task.StatusSucceeded, 0
	}
	if outcome.Retryable && t.Attempts < t.MaxAttempts {
		return task.StatusRetrying, now + e.opts.Backoff.DelayMs(t.Attempts)
	}
	return task.StatusFailed, 0
}

// Rehydrate rebuilds the queue and cache from the durable indexes after a
// cold start. Ready tasks enter their tiers; deferred tasks wait for the
// promotion sweep. Must run before workers start.
func (e *Engine) Rehydrate(ctx context.Context) (int, error) {
	ready, err := e.store.QueryReady(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("rehydrate ready index: %w", err)
	}
	deferred, err := e.store.QueryDeferred(ctx, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("rehydrate delay index: %w", err)
	}

	for _, entry := range ready {
		e.cache.Put(entry)
		e.queue.Enqueue(entry)
	}
	for _, entry := range deferred {
		e.cache.Put(entry)
		e.queue.Enqueue(entry)
	}

	n := len(ready) + len(deferred)
	e.logger.Info("queue rehydrated",
		log.F("ready", len(ready)),
		log.F("deferred", len(deferred)),
	)
	return n, nil
}

// Stats is a point-in-time operational summary.
type Stats struct {
	StatusCounts  map[task.Status]int   `json:"status_counts"`
	QueueDepth    int                   `json:"queue_depth"`
	DeferredDepth int                   `json:"deferred_depth"`
	TierDepths    map[task.Priority]int `json:"tier_depths"`
	CachedEntries int                   `json:"cached_entries"`
}

// Stats reports queue depths and durable status counts.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		StatusCounts:  counts,
		QueueDepth:    e.queue.Depth(),
		DeferredDepth: e.queue.DeferredDepth(),
		TierDepths:    e.queue.TierDepths(),
		CachedEntries: e.cache.Len(),
	}, nil
}

// CleanupTerminal deletes terminal task records older than the retention
// window, along with their attempt history.
func (e *Engine) CleanupTerminal(ctx context.Context, retention time.Duration, limit int) (int, error) {
	cutoff := e.nowMs() - retention.Milliseconds()
	n, err := e.store.CleanupTerminal(ctx, cutoff, limit)
	if err != nil {
		return n, err
	}
	if n > 0 {
		e.logger.Info("terminal tasks cleaned up", log.F("count", n))
	}
	return n, nil
}

// Component accessors for the reconciler.
func (e *Engine) Queue() *queue.Queue      { return e.queue }
func (e *Engine) Cache() *cache.EntryCache { return e.cache }
func (e *Engine) Store() *store.Store      { return e.store }
func (e *Engine) Leases() *lease.Manager   { return e.leases }
