// Package worker runs task attempts. A fixed pool of slots polls the
// dispatch engine for claimed tasks, routes each payload to a registered
// handler by envelope type, and reports success or failure back. Handler
// errors are final unless wrapped with Retryable; execution timeouts are
// treated as transient.
package worker
