// Package config loads runtime settings from defaults, an optional JSON or
// YAML file, and DISPATCH_* environment overrides, in that order.
package config
