// Package task defines the dispatch engine's domain model: the durable Task
// record, the priority tiers, the fail-closed status state machine, the
// lightweight queue Entry projection, and the error kinds shared across
// components.
//
// # State machine
//
//	PENDING ──► READY ──► IN_PROGRESS ──► SUCCEEDED
//	   │          │        │  │  │  └──► FAILED
//	   │          │        │  │  └─────► RETRYING ──► READY
//	   │          │        │  └────────► READY   (lease expiry reclaim)
//	   └──────────┴────────┴───────────► CANCELLED
//
// SUCCEEDED, FAILED and CANCELLED are terminal. Any edge not listed fails
// closed with *InvalidTransitionError.
package task
