package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rzbill/dispatch/internal/dispatch"
	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/pkg/log"
)

// Config tunes the background sweep.
type Config struct {
	// Interval is the time between sweeps.
	Interval time.Duration
	// BatchSize caps how many leases or deferred tasks one sweep handles.
	BatchSize int
	// Retention is how long terminal records are kept. Zero disables
	// terminal cleanup.
	Retention time.Duration
	// CleanupBatch caps terminal deletions per sweep.
	CleanupBatch int
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.CleanupBatch <= 0 {
		c.CleanupBatch = 500
	}
}

// Reconciler is the periodic safety net. Each sweep reclaims tasks whose
// worker lease expired, promotes deferred tasks that became due, evicts
// cache entries that no longer correspond to queued work, and trims old
// terminal records. Sweeps are idempotent; overlapping effects converge.
type Reconciler struct {
	engine *dispatch.Engine
	cfg    Config
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nowMs func() int64
}

// New creates a reconciler over the engine.
func New(engine *dispatch.Engine, cfg Config, logger log.Logger) *Reconciler {
	cfg.withDefaults()
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		engine: engine,
		cfg:    cfg,
		logger: logger.WithComponent("reconciler"),
		ctx:    ctx,
		cancel: cancel,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Start launches the sweep loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", log.F("interval", r.cfg.Interval.String()))
	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.Sweep(r.ctx)
		}
	}
}

// Sweep runs one full reconciliation pass. Exposed for tests and for
// forcing a pass right after startup rehydration.
func (r *Reconciler) Sweep(ctx context.Context) {
	now := r.nowMs()
	if n, err := r.reclaimExpired(ctx, now); err != nil {
		r.logger.Error("lease reclaim failed", log.F("error", err.Error()))
	} else if n > 0 {
		r.logger.Info("reclaimed expired leases", log.F("count", n))
	}

	if n, err := r.promoteDue(ctx, now); err != nil {
		r.logger.Error("deferred promotion failed", log.F("error", err.Error()))
	} else if n > 0 {
		r.logger.Debug("promoted deferred tasks", log.F("count", n))
	}

	if n, err := r.evictOrphans(ctx); err != nil {
		r.logger.Error("cache orphan scan failed", log.F("error", err.Error()))
	} else if n > 0 {
		r.logger.Debug("evicted orphan cache entries", log.F("count", n))
	}

	if r.cfg.Retention > 0 {
		if n, err := r.engine.CleanupTerminal(ctx, r.cfg.Retention, r.cfg.CleanupBatch); err != nil {
			r.logger.Error("terminal cleanup failed", log.F("error", err.Error()))
		} else if n > 0 {
			r.logger.Debug("trimmed terminal records", log.F("count", n))
		}
	}
}

// reclaimExpired requeues tasks whose worker lease lapsed. Each expiry is
// acted on exactly once: the lease record is removed in the same pass, and
// the status CAS makes a racing late report or duplicate sweep a no-op.
func (r *Reconciler) reclaimExpired(ctx context.Context, now int64) (int, error) {
	expired, err := r.engine.Leases().ListExpired(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, l := range expired {
		tid := l.TaskID
		t, err := r.engine.Store().Get(ctx, tid)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				// record already cleaned up; drop the dangling lease
				_ = r.engine.Leases().Revoke(ctx, tid)
				continue
			}
			return reclaimed, err
		}

		switch {
		case t.Status == task.StatusInProgress && t.CancelRequested:
			// the dead worker can never report; honor the cancel now
			if _, err := r.engine.Store().UpdateStatus(ctx, tid, task.StatusInProgress, task.StatusCancelled, nil); err != nil && !errors.Is(err, task.ErrConflict) {
				return reclaimed, err
			}
			_ = r.engine.Leases().Revoke(ctx, tid)
			r.engine.Cache().Invalidate(tid)
			r.logger.Info("cancelled abandoned task", log.F("task_id", tid.String()))

		case t.Status == task.StatusInProgress:
			updated, err := r.engine.Store().UpdateStatus(ctx, tid, task.StatusInProgress, task.StatusReady, func(t *task.Task) {
				t.NotBeforeMs = 0
			})
			if err != nil {
				if errors.Is(err, task.ErrConflict) {
					// a racing report settled it first
					_ = r.engine.Leases().Revoke(ctx, tid)
					continue
				}
				return reclaimed, err
			}
			_ = r.engine.Leases().Revoke(ctx, tid)
			entry := updated.Entry()
			r.engine.Cache().Put(entry)
			r.engine.Queue().Enqueue(entry)
			reclaimed++
			r.logger.Info("requeued task after lease expiry",
				log.F("task_id", tid.String()),
				log.F("worker_id", l.WorkerID),
				log.F("attempt", updated.Attempts),
			)

		case t.Status == task.StatusReady:
			// claim crashed between lease write and status change
			_ = r.engine.Leases().Revoke(ctx, tid)
			entry := t.Entry()
			r.engine.Cache().Put(entry)
			r.engine.Queue().Enqueue(entry)
			reclaimed++

		default:
			// terminal or re-deferred; the lease is just residue
			_ = r.engine.Leases().Revoke(ctx, tid)
		}
	}
	return reclaimed, nil
}

// promoteDue moves deferred tasks whose eligibility time has passed into
// the dispatch queue. The durable promotion happens first so a dequeue can
// never observe a queued-but-not-READY task.
func (r *Reconciler) promoteDue(ctx context.Context, now int64) (int, error) {
	due, err := r.engine.Store().QueryDeferred(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, entry := range due {
		t, err := r.engine.Store().Get(ctx, entry.ID)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				continue
			}
			return promoted, err
		}
		if t.Status != task.StatusPending && t.Status != task.StatusRetrying {
			continue
		}
		updated, err := r.engine.Store().UpdateStatus(ctx, entry.ID, t.Status, task.StatusReady, nil)
		if err != nil {
			if errors.Is(err, task.ErrConflict) {
				continue
			}
			return promoted, err
		}
		e := updated.Entry()
		r.engine.Cache().Put(e)
		r.engine.Queue().Enqueue(e)
		promoted++
	}

	// release anything already sitting in the queue's own deferred heap
	r.engine.Queue().PromoteDue(now)
	return promoted, nil
}

// evictOrphans drops cache entries with no durable record behind them
// (partial-write failure at admission) and entries for tasks that are no
// longer queued. The cache is never authoritative, so eviction is always
// safe.
func (r *Reconciler) evictOrphans(ctx context.Context) (int, error) {
	evicted := 0
	for _, tid := range r.engine.Cache().Keys() {
		exists, err := r.engine.Store().Has(ctx, tid)
		if err != nil {
			return evicted, err
		}
		if !exists {
			r.engine.Cache().Invalidate(tid)
			evicted++
			r.logger.Warn("cache entry without durable record", log.F("task_id", tid.String()))
			continue
		}
		if !r.engine.Queue().Contains(tid) {
			r.engine.Cache().Invalidate(tid)
			evicted++
		}
	}
	return evicted, nil
}
