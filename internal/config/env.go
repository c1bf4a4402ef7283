package config

import (
	"os"
	"strconv"
)

// FromEnv overlays DISPATCH_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	envInt("DISPATCH_WORKERS", &cfg.Workers)
	envInt64("DISPATCH_POLL_WAIT_MS", &cfg.PollWaitMs)
	envInt64("DISPATCH_LEASE_TTL_MS", &cfg.LeaseTTLMs)
	envInt64("DISPATCH_HEARTBEAT_MS", &cfg.HeartbeatMs)
	envInt64("DISPATCH_RECONCILE_INTERVAL_MS", &cfg.ReconcileIntervalMs)
	envInt("DISPATCH_RECONCILE_BATCH", &cfg.ReconcileBatch)
	envInt64("DISPATCH_RETENTION_MS", &cfg.RetentionMs)
	envInt64("DISPATCH_BACKOFF_BASE_MS", &cfg.BackoffBaseMs)
	envInt64("DISPATCH_BACKOFF_CAP_MS", &cfg.BackoffCapMs)
	envStr("DISPATCH_DEFAULT_PRIORITY", &cfg.DefaultPriority)
	envInt("DISPATCH_MAX_ATTEMPTS", &cfg.MaxAttempts)
	envInt64("DISPATCH_EXEC_TIMEOUT_MS", &cfg.ExecTimeoutMs)
	envInt64("DISPATCH_OVERLOAD_THRESHOLD_MS", &cfg.OverloadThresholdMs)
}

func envStr(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
