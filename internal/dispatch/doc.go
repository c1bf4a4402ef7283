// Package dispatch is the task lifecycle engine. It admits tasks into the
// durable store, feeds the in-memory priority queue, claims work for
// workers under leases, and finalizes attempt outcomes with retry backoff.
// The store is the single source of truth; queue and cache are derived and
// rebuilt from it on cold start.
package dispatch
