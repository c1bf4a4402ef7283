package task

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the dispatch engine. Callers classify with
// errors.Is / errors.As.
var (
	// ErrNotFound means the task identifier is unknown.
	ErrNotFound = errors.New("task not found")

	// ErrConflict is an optimistic concurrency violation: a status CAS saw
	// an unexpected current status, or a lease acquisition raced an active
	// lease. Recover by re-reading current state or abandoning the stale
	// operation.
	ErrConflict = errors.New("conflict")

	// ErrNotOwner is a lease operation from a worker that does not hold the
	// lease. The operation is a no-op; late reports after expiry land here.
	ErrNotOwner = errors.New("not lease owner")

	// ErrAlreadyTerminal is returned by cancel on a finished task.
	ErrAlreadyTerminal = errors.New("task already terminal")
)

// InvalidTransitionError is an illegal state machine edge. It indicates a
// programming or data-integrity error; the record is left unchanged and the
// error is surfaced to operators, never retried automatically.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for task %s", e.From, e.To, e.TaskID)
}
