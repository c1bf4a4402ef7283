// Package lease grants time-bounded exclusive ownership of tasks to
// workers. Every claim carries an expiry; a worker that stops heartbeating
// loses the task when the reconciler scans the expiry index. All expiry
// decisions use the manager's clock, never a worker's.
package lease
