package serverrun

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cfgpkg "github.com/rzbill/dispatch/internal/config"
	"github.com/rzbill/dispatch/internal/runtime"
	pebblestore "github.com/rzbill/dispatch/internal/storage/pebble"
	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/internal/worker"
	logpkg "github.com/rzbill/dispatch/pkg/log"
)

// small wrapper to allow testing; replaced by os.Getenv at build time
var getenv = func(key string) string { return os.Getenv(key) }

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	// StatsEvery logs a queue/status summary at this cadence. Zero disables.
	StatsEvery time.Duration
}

// Run starts the dispatch runtime and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so callers without
	// signal handling still shut down cleanly.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	storeDir := filepath.Join(opts.DataDir, "store")

	level, err := logpkg.ParseLevel(getenvDefault("DISPATCH_LOG_LEVEL", "info"))
	if err != nil {
		level = logpkg.InfoLevel
	}
	var formatter logpkg.Formatter = &logpkg.TextFormatter{}
	if getenvDefault("DISPATCH_LOG_FORMAT", "text") == "json" {
		formatter = &logpkg.JSONFormatter{}
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(formatter),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	cfg := opts.Config
	cfgpkg.FromEnv(&cfg)

	rt, err := runtime.Open(runtime.Options{
		DataDir:       storeDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        cfg,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	registerBuiltins(rt.Handlers())

	logger.Info("starting dispatchd",
		logpkg.F("data_dir", storeDir),
		logpkg.F("workers", cfg.Workers),
		logpkg.F("lease_ttl_ms", cfg.LeaseTTLMs),
		logpkg.F("reconcile_interval_ms", cfg.ReconcileIntervalMs),
	)

	if err := rt.Start(sctx); err != nil {
		return err
	}
	defer rt.Stop()

	if opts.StatsEvery > 0 {
		go statsLoop(sctx, rt, logger, opts.StatsEvery)
	}

	<-sctx.Done()
	logger.Info("dispatchd shutting down")
	return nil
}

// registerBuiltins installs the handlers the bare server ships with. Real
// deployments embed the runtime and register their own.
func registerBuiltins(reg *worker.Registry) {
	// noop: succeeds after an optional simulated duration; soak testing aid
	reg.RegisterFunc("noop", func(ctx context.Context, _ *task.Task, data json.RawMessage) error {
		var body struct {
			SleepMs int64 `json:"sleep_ms"`
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &body); err != nil {
				return err
			}
		}
		if body.SleepMs <= 0 {
			return nil
		}
		t := time.NewTimer(time.Duration(body.SleepMs) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	})
}

func statsLoop(ctx context.Context, rt *runtime.Runtime, logger logpkg.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := rt.Engine().Stats(ctx)
			if err != nil {
				logger.Warn("stats collection failed", logpkg.F("error", err.Error()))
				continue
			}
			logger.Info("queue stats",
				logpkg.F("ready", stats.QueueDepth),
				logpkg.F("deferred", stats.DeferredDepth),
				logpkg.F("in_progress", stats.StatusCounts[task.StatusInProgress]),
				logpkg.F("succeeded", stats.StatusCounts[task.StatusSucceeded]),
				logpkg.F("failed", stats.StatusCounts[task.StatusFailed]),
			)
		}
	}
}
