// Package reconciler closes the gap between the durable store and the
// in-memory dispatch structures. Workers crash, leases lapse, deferred
// tasks come due while nobody is looking; the periodic sweep folds all of
// that back into a consistent queue.
package reconciler
