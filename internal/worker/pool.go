package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/pkg/id"
	"github.com/rzbill/dispatch/pkg/log"
)

// Source hands out claimed tasks and accepts attempt outcomes. The dispatch
// engine implements it; tests substitute fakes.
type Source interface {
	// Next blocks up to wait for a claimed task. A nil task with nil error
	// means nothing became ready in time.
	Next(ctx context.Context, workerID string, wait time.Duration) (*task.Task, error)
	// Report records the outcome of the worker's current attempt.
	Report(ctx context.Context, tid id.ID, workerID string, outcome task.Outcome) error
	// Renew extends the worker's lease on a long-running task.
	Renew(ctx context.Context, tid id.ID, workerID string, extension time.Duration) error
}

// Overload reports storage pressure. When it trips, the pool parks half of
// its slots so admission latency recovers before more work is pulled.
type Overload interface {
	Overloaded() bool
}

// Options configures a Pool.
type Options struct {
	// Size is the number of concurrent execution slots.
	Size int
	// PollWait bounds each blocking poll for the next task.
	PollWait time.Duration
	// Heartbeat is the lease renewal interval during execution.
	Heartbeat time.Duration
	// LeaseExtension is how far each renewal pushes the lease expiry.
	LeaseExtension time.Duration
	// ReportRetries bounds how many times an outcome is re-submitted when
	// the store is unavailable, before leaving the task to lease expiry.
	ReportRetries int
	// ReportBackoff is the delay before the first report retry; it doubles
	// on each subsequent retry.
	ReportBackoff time.Duration
}

func (o *Options) withDefaults() {
	if o.Size <= 0 {
		o.Size = 4
	}
	if o.PollWait <= 0 {
		o.PollWait = 2 * time.Second
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 10 * time.Second
	}
	if o.LeaseExtension <= 0 {
		o.LeaseExtension = 30 * time.Second
	}
	if o.ReportRetries <= 0 {
		o.ReportRetries = 3
	}
	if o.ReportBackoff <= 0 {
		o.ReportBackoff = 250 * time.Millisecond
	}
}

// Pool runs a fixed set of execution slots. Each slot polls the source,
// resolves a handler by payload type, runs it under the task's execution
// timeout, heartbeats the lease while it runs, and reports the outcome.
type Pool struct {
	src    Source
	reg    *Registry
	opts   Options
	logger log.Logger
	load   Overload

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool. load may be nil when backpressure is not wired.
func NewPool(src Source, reg *Registry, opts Options, logger log.Logger, load Overload) *Pool {
	opts.withDefaults()
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		src:    src,
		reg:    reg,
		opts:   opts,
		logger: logger.WithComponent("worker"),
		load:   load,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the execution slots.
func (p *Pool) Start() {
	for i := 0; i < p.opts.Size; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.Info("worker pool started", log.F("slots", p.opts.Size))
}

// Stop cancels all slots and waits for in-flight attempts to unwind. Tasks
// interrupted mid-attempt are not reported; their leases lapse and the
// reconciler requeues them.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// activeLimit is the number of slots allowed to poll right now. Under
// overload only half the slots (at least one) keep pulling work.
func (p *Pool) activeLimit() int {
	if p.load != nil && p.load.Overloaded() {
		limit := p.opts.Size / 2
		if limit < 1 {
			limit = 1
		}
		return limit
	}
	return p.opts.Size
}

func (p *Pool) run(slot int) {
	defer p.wg.Done()

	workerID := uuid.NewString()
	logger := p.logger.With(log.F("worker_id", workerID), log.F("slot", slot))

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if slot >= p.activeLimit() {
			logger.Debug("slot parked under overload")
			p.sleep(p.opts.PollWait)
			continue
		}

		tk, err := p.src.Next(p.ctx, workerID, p.opts.PollWait)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			if errors.Is(err, task.ErrConflict) {
				// someone else claimed it between dequeue and lease; move on
				continue
			}
			logger.Error("poll for next task failed", log.F("error", err.Error()))
			p.sleep(time.Second)
			continue
		}
		if tk == nil {
			continue
		}
		p.execute(logger, workerID, tk)
	}
}

func (p *Pool) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
	case <-t.C:
	}
}

func (p *Pool) execute(logger log.Logger, workerID string, tk *task.Task) {
	start := time.Now()
	logger = logger.With(log.F("task_id", tk.ID.String()), log.F("attempt", tk.Attempts))

	var execErr error
	h, env, err := p.reg.Resolve(tk.Payload)
	if err != nil {
		// misrouted or malformed payload; retrying cannot fix it
		execErr = err
	} else {
		execErr = p.runHandler(h, env, workerID, tk)
	}

	if execErr != nil && errors.Is(execErr, context.Canceled) && p.ctx.Err() != nil {
		// shutdown interrupted the attempt; leave the outcome to lease expiry
		logger.Warn("attempt abandoned during shutdown")
		return
	}

	outcome := task.Outcome{
		Success:    execErr == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if execErr != nil {
		outcome.Error = execErr.Error()
		outcome.Retryable = IsRetryable(execErr)
	}

	if err := p.report(tk.ID, workerID, outcome); err != nil {
		if errors.Is(err, task.ErrNotOwner) {
			logger.Warn("lease lost before report, outcome discarded")
			return
		}
		logger.Error("report outcome failed, task left to lease expiry",
			log.F("error", err.Error()))
		return
	}
	if execErr != nil {
		logger.Warn("attempt failed",
			log.F("error", execErr.Error()),
			log.F("retryable", outcome.Retryable),
			log.F("duration_ms", outcome.DurationMs),
		)
	} else {
		logger.Debug("attempt succeeded", log.F("duration_ms", outcome.DurationMs))
	}
}

// report submits an outcome, retrying transient store failures a bounded
// number of times with doubling backoff before leaving the task to lease
// expiry and reconciler requeue. Ownership errors and status conflicts are
// final; retrying cannot change them. Runs on fresh contexts so a result
// still lands during shutdown.
func (p *Pool) report(tid id.ID, workerID string, outcome task.Outcome) error {
	var err error
	delay := p.opts.ReportBackoff
	for attempt := 0; attempt < p.opts.ReportRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = p.src.Report(rctx, tid, workerID, outcome)
		cancel()
		if err == nil || errors.Is(err, task.ErrNotOwner) || errors.Is(err, task.ErrConflict) {
			return err
		}
		p.logger.Warn("report attempt failed",
			log.F("task_id", tid.String()),
			log.F("error", err.Error()),
		)
	}
	return err
}

// runHandler executes one attempt under the task's execution timeout and
// keeps the lease alive with periodic renewals while the handler runs.
func (p *Pool) runHandler(h Handler, env *Envelope, workerID string, tk *task.Task) error {
	timeoutMs := tk.ExecTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = task.DefaultExecTimeoutMs
	}
	runCtx, cancel := context.WithTimeout(p.ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(p.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := p.src.Renew(runCtx, tk.ID, workerID, p.opts.LeaseExtension); err != nil {
					if errors.Is(err, task.ErrNotOwner) {
						// ownership is gone; stop the handler, its result is void
						cancel()
						return
					}
					p.logger.Warn("lease renewal failed",
						log.F("task_id", tk.ID.String()),
						log.F("error", err.Error()),
					)
				}
			}
		}
	}()

	err := h.Handle(runCtx, tk, env.Data)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()
	<-hbDone

	if err == nil && timedOut {
		// handler ignored the deadline; the attempt still counts as timed out
		err = context.DeadlineExceeded
	}
	return err
}
