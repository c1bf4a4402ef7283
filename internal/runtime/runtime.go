package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/dispatch/internal/cache"
	cfgpkg "github.com/rzbill/dispatch/internal/config"
	"github.com/rzbill/dispatch/internal/dispatch"
	"github.com/rzbill/dispatch/internal/lease"
	"github.com/rzbill/dispatch/internal/queue"
	"github.com/rzbill/dispatch/internal/reconciler"
	pebblestore "github.com/rzbill/dispatch/internal/storage/pebble"
	"github.com/rzbill/dispatch/internal/store"
	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/internal/worker"
	"github.com/rzbill/dispatch/pkg/backoff"
	"github.com/rzbill/dispatch/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        log.Logger
}

// Runtime wires storage, the dispatch engine, the worker pool, and the
// reconciler for a single-node instance.
type Runtime struct {
	db         *pebblestore.DB
	load       *pebblestore.LoadMonitor
	engine     *dispatch.Engine
	handlers   *worker.Registry
	pool       *worker.Pool
	reconciler *reconciler.Reconciler
	config     cfgpkg.Config
	logger     log.Logger
}

// Open initializes storage and assembles all components. Nothing runs yet;
// call Start after registering handlers.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	cfg := opts.Config

	defaultPrio, err := task.ParsePriority(cfg.DefaultPriority)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	load := pebblestore.NewLoadMonitor(time.Duration(cfg.OverloadThresholdMs) * time.Millisecond)
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       load,
	})
	if err != nil {
		return nil, err
	}

	engine := dispatch.New(
		store.New(db),
		queue.New(),
		cache.New(),
		lease.NewManager(db),
		dispatch.Options{
			LeaseTTL: time.Duration(cfg.LeaseTTLMs) * time.Millisecond,
			Backoff: backoff.Policy{
				Base: time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
				Cap:  time.Duration(cfg.BackoffCapMs) * time.Millisecond,
			},
			DefaultPriority:      defaultPrio,
			DefaultMaxAttempts:   cfg.MaxAttempts,
			DefaultExecTimeoutMs: cfg.ExecTimeoutMs,
		},
		logger,
	)

	handlers := worker.NewRegistry()
	pool := worker.NewPool(engine, handlers, worker.Options{
		Size:           cfg.Workers,
		PollWait:       time.Duration(cfg.PollWaitMs) * time.Millisecond,
		Heartbeat:      time.Duration(cfg.HeartbeatMs) * time.Millisecond,
		LeaseExtension: time.Duration(cfg.LeaseTTLMs) * time.Millisecond,
	}, logger, load)

	rec := reconciler.New(engine, reconciler.Config{
		Interval:  time.Duration(cfg.ReconcileIntervalMs) * time.Millisecond,
		BatchSize: cfg.ReconcileBatch,
		Retention: time.Duration(cfg.RetentionMs) * time.Millisecond,
	}, logger)

	return &Runtime{
		db:         db,
		load:       load,
		engine:     engine,
		handlers:   handlers,
		pool:       pool,
		reconciler: rec,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Start rehydrates the queue from the durable indexes and launches the
// worker pool and reconciler.
func (r *Runtime) Start(ctx context.Context) error {
	n, err := r.engine.Rehydrate(ctx)
	if err != nil {
		return err
	}
	// one synchronous sweep so tasks abandoned mid-execution before the
	// restart are requeued before any worker polls
	r.reconciler.Sweep(ctx)
	r.logger.Info("runtime starting", log.F("rehydrated", n))
	r.reconciler.Start()
	r.pool.Start()
	return nil
}

// Stop halts the pool and reconciler, in that order, so no sweep races a
// shutting-down worker.
func (r *Runtime) Stop() {
	r.pool.Stop()
	r.reconciler.Stop()
}

// Close releases the underlying storage.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple storage health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// Engine returns the dispatch engine for submissions and queries.
func (r *Runtime) Engine() *dispatch.Engine { return r.engine }

// Handlers returns the payload handler registry.
func (r *Runtime) Handlers() *worker.Registry { return r.handlers }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
