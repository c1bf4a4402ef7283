// Package queue implements the in-process priority index the workers pull
// from: per-tier FIFO heaps under per-tier locks, a deferred heap for
// not-yet-eligible entries, and a poll-with-timeout dequeue.
//
// The queue is a scheduling index, not a source of truth. Entries are
// projections of durable task records; after a restart the queue is rebuilt
// entirely from the store's READY index.
package queue
