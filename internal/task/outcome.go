package task

// Outcome is a worker's verdict on one execution attempt. Retryable is only
// consulted when Success is false; a false Retryable makes the failure
// final regardless of remaining attempts.
type Outcome struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}
