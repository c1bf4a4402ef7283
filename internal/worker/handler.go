package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rzbill/dispatch/internal/task"
)

// Envelope is the expected shape of every task payload. Type selects the
// registered handler; Data is passed through opaque.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Handler executes one attempt of a task. A nil return reports success.
// Any error is final unless wrapped with Retryable; handlers opt in to
// retry, never the other way around.
type Handler interface {
	Handle(ctx context.Context, tk *task.Task, data json.RawMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, tk *task.Task, data json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, tk *task.Task, data json.RawMessage) error {
	return f(ctx, tk, data)
}

// Registry maps payload types to handlers. Registration normally happens
// before the pool starts, but the lock keeps late registration safe.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a payload type, replacing any previous one.
func (r *Registry) Register(payloadType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[payloadType] = h
}

// RegisterFunc is Register for bare functions.
func (r *Registry) RegisterFunc(payloadType string, f HandlerFunc) {
	r.Register(payloadType, f)
}

// Resolve decodes the payload envelope and returns the matching handler.
func (r *Registry) Resolve(payload []byte) (Handler, *Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	if env.Type == "" {
		return nil, nil, errors.New("payload envelope has no type")
	}
	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, &env, fmt.Errorf("no handler registered for payload type %q", env.Type)
	}
	return h, &env, nil
}

// Types returns the registered payload types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks a handler error as transient so the attempt is retried
// with backoff instead of failing the task outright.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether any error in the chain was marked Retryable
// or is a deadline expiry. Execution timeouts retry because the work may
// have been starved rather than broken.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
