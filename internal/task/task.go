package task

import (
	"encoding/json"
	"fmt"

	"github.com/rzbill/dispatch/pkg/id"
)

// Priority is a discrete scheduling tier. Higher values dispatch first.
type Priority int32

// Priority tiers, highest first. BULK is best-effort and may starve under
// sustained load from higher tiers.
const (
	Critical Priority = 100
	High     Priority = 75
	Medium   Priority = 50
	Low      Priority = 25
	Bulk     Priority = 1
)

// Tiers lists all priorities from highest to lowest. Tier index i is the
// rank used by the queue core.
var Tiers = []Priority{Critical, High, Medium, Low, Bulk}

// Rank returns the tier index (0 = Critical). Unknown priorities map to the
// Bulk rank.
func (p Priority) Rank() int {
	for i, t := range Tiers {
		if t == p {
			return i
		}
	}
	return len(Tiers) - 1
}

// String returns the tier name.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Medium:
		return "MEDIUM"
	case Low:
		return "LOW"
	case Bulk:
		return "BULK"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int32(p))
	}
}

// ParsePriority converts a tier name to a Priority. Empty input defaults to
// Medium.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "CRITICAL", "critical":
		return Critical, nil
	case "HIGH", "high":
		return High, nil
	case "MEDIUM", "medium", "":
		return Medium, nil
	case "LOW", "low":
		return Low, nil
	case "BULK", "bulk":
		return Bulk, nil
	}
	return Medium, fmt.Errorf("task: unknown priority %q", s)
}

// Status is a task lifecycle state.
type Status string

// Lifecycle states.
const (
	StatusPending    Status = "PENDING"
	StatusReady      Status = "READY"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether the status is final. Terminal tasks are
// retained for audit but excluded from all active indexes.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// transitions is the complete set of legal state machine edges. Anything
// absent fails closed.
var transitions = map[Status][]Status{
	StatusPending:    {StatusReady, StatusCancelled},
	StatusReady:      {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusSucceeded, StatusFailed, StatusRetrying, StatusReady, StatusCancelled},
	StatusRetrying:   {StatusReady, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DefaultMaxAttempts bounds retries when the submitter does not specify a
// limit.
const DefaultMaxAttempts = 3

// DefaultExecTimeoutMs bounds a single execution when the submitter does not
// specify a limit (5 minutes).
const DefaultExecTimeoutMs = 300_000

// Task is the durable record for one unit of work. Priority and CreatedMs
// are immutable once set; Status moves only along the state machine edges;
// Attempts only increases.
type Task struct {
	ID            id.ID    `json:"id"`
	Priority      Priority `json:"priority"`
	Payload       []byte   `json:"payload,omitempty"`
	Status        Status   `json:"status"`
	CreatedMs     int64    `json:"created_ms"`
	UpdatedMs     int64    `json:"updated_ms"`
	NotBeforeMs   int64    `json:"not_before_ms,omitempty"`
	Attempts      int      `json:"attempts"`
	MaxAttempts   int      `json:"max_attempts"`
	ExecTimeoutMs int64    `json:"exec_timeout_ms,omitempty"`

	// CancelRequested marks an IN_PROGRESS task whose eventual report must
	// be discarded in favor of CANCELLED.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Terminal-outcome detail for status snapshots.
	LastError      string `json:"last_error,omitempty"`
	LastDurationMs int64  `json:"last_duration_ms,omitempty"`
}

// Entry is the lightweight queue projection of a Task, held by the queue
// core and the fast tier cache. It is a possibly-stale view; the durable
// store stays authoritative for status.
type Entry struct {
	ID          id.ID    `json:"id"`
	Priority    Priority `json:"priority"`
	CreatedMs   int64    `json:"created_ms"`
	Seq         uint64   `json:"seq"`
	NotBeforeMs int64    `json:"not_before_ms,omitempty"`
}

// Entry projects the task for queue/cache insertion.
func (t *Task) Entry() Entry {
	return Entry{
		ID:          t.ID,
		Priority:    t.Priority,
		CreatedMs:   t.CreatedMs,
		Seq:         t.ID.Seq(),
		NotBeforeMs: t.NotBeforeMs,
	}
}

// Eligible reports whether the entry's not-before time has elapsed.
func (e Entry) Eligible(nowMs int64) bool {
	return e.NotBeforeMs <= nowMs
}

// Attempt is one historical execution of a task. Records are append-only and
// reference the task by identifier only.
type Attempt struct {
	TaskID    id.ID  `json:"task_id"`
	N         int    `json:"n"`
	WorkerID  string `json:"worker_id"`
	StartedMs int64  `json:"started_ms"`
	EndedMs   int64  `json:"ended_ms,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Encode serializes the task record for storage.
func (t *Task) Encode() ([]byte, error) { return json.Marshal(t) }

// Decode deserializes a stored task record.
func Decode(b []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("task: decode record: %w", err)
	}
	return &t, nil
}

// Snapshot is the status view exposed to callers: status, attempt count, and
// terminal-outcome detail when applicable.
type Snapshot struct {
	ID          string   `json:"id"`
	Priority    Priority `json:"priority"`
	Status      Status   `json:"status"`
	Attempts    int      `json:"attempts"`
	MaxAttempts int      `json:"max_attempts"`
	CreatedMs   int64    `json:"created_ms"`
	UpdatedMs   int64    `json:"updated_ms"`
	NotBeforeMs int64    `json:"not_before_ms,omitempty"`

	LastError      string `json:"last_error,omitempty"`
	LastDurationMs int64  `json:"last_duration_ms,omitempty"`
}

// Snapshot builds the caller-facing view of the task.
func (t *Task) Snapshot() Snapshot {
	return Snapshot{
		ID:             t.ID.String(),
		Priority:       t.Priority,
		Status:         t.Status,
		Attempts:       t.Attempts,
		MaxAttempts:    t.MaxAttempts,
		CreatedMs:      t.CreatedMs,
		UpdatedMs:      t.UpdatedMs,
		NotBeforeMs:    t.NotBeforeMs,
		LastError:      t.LastError,
		LastDurationMs: t.LastDurationMs,
	}
}
