package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration loaded from file/env.
type Config struct {
	// Workers is the number of concurrent execution slots.
	Workers int `json:"workers" yaml:"workers"`
	// PollWaitMs bounds each worker's blocking poll for the next task.
	PollWaitMs int64 `json:"pollWaitMs" yaml:"pollWaitMs"`

	// LeaseTTLMs is the initial claim duration granted on dequeue.
	LeaseTTLMs int64 `json:"leaseTtlMs" yaml:"leaseTtlMs"`
	// HeartbeatMs is the lease renewal interval during execution.
	HeartbeatMs int64 `json:"heartbeatMs" yaml:"heartbeatMs"`

	// ReconcileIntervalMs is the time between reconciler sweeps.
	ReconcileIntervalMs int64 `json:"reconcileIntervalMs" yaml:"reconcileIntervalMs"`
	// ReconcileBatch caps leases/promotions handled per sweep.
	ReconcileBatch int `json:"reconcileBatch" yaml:"reconcileBatch"`
	// RetentionMs is how long terminal records are kept. Zero disables
	// cleanup.
	RetentionMs int64 `json:"retentionMs" yaml:"retentionMs"`

	// BackoffBaseMs and BackoffCapMs shape the retry delay curve.
	BackoffBaseMs int64 `json:"backoffBaseMs" yaml:"backoffBaseMs"`
	BackoffCapMs  int64 `json:"backoffCapMs" yaml:"backoffCapMs"`

	// DefaultPriority is the tier name applied to submissions that do not
	// set their own (CRITICAL, HIGH, MEDIUM, LOW, BULK).
	DefaultPriority string `json:"defaultPriority" yaml:"defaultPriority"`
	// MaxAttempts applies to submissions that do not set their own limit.
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts"`
	// ExecTimeoutMs applies to submissions that do not set their own limit.
	ExecTimeoutMs int64 `json:"execTimeoutMs" yaml:"execTimeoutMs"`

	// OverloadThresholdMs trips worker backpressure when the smoothed batch
	// commit latency exceeds it. Zero disables the signal.
	OverloadThresholdMs int64 `json:"overloadThresholdMs" yaml:"overloadThresholdMs"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Workers:             4,
		PollWaitMs:          2_000,
		LeaseTTLMs:          30_000,
		HeartbeatMs:         10_000,
		ReconcileIntervalMs: 2_000,
		ReconcileBatch:      100,
		RetentionMs:         24 * 60 * 60 * 1000,
		BackoffBaseMs:       1_000,
		BackoffCapMs:        300_000,
		DefaultPriority:     "MEDIUM",
		MaxAttempts:         3,
		ExecTimeoutMs:       300_000,
		OverloadThresholdMs: 50,
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}
