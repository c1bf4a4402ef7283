// Package pebblestore wraps cockroachdb/pebble with the durability policy
// and helpers the dispatch engine needs: batched atomic commits, bounded
// iteration, compaction hints, and a commit-latency monitor that feeds the
// worker pool's backpressure signal.
package pebblestore
