// Package store implements the durable tier: task records plus the ordering
// indexes the engine rehydrates from after a restart.
//
// # Keyspace
//
//	task/{id}                          - task record (JSON)
//	ready_idx/{^prio}{created_ms}{id}  - READY tasks in dispatch order
//	delay_idx/{not_before_ms}{id}      - PENDING/RETRYING tasks awaiting eligibility
//	attempt/{id}{n}                    - append-only execution attempts
//
// Status transitions are compare-and-swap: the caller names the status it
// believes the task has, and the update fails with a Conflict when the
// record moved underneath it. Record and index mutations for one transition
// commit in a single batch, so a crash can never leave a READY record
// without its index entry or vice versa.
package store
