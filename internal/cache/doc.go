// Package cache holds the fast tier: an in-process, sharded map of queue
// entry summaries keyed by task id. It exists to keep the durable store off
// the hot dequeue path; it carries no durability guarantee and is rebuilt
// lazily after a restart.
package cache
