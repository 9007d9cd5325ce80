// Package worker provides background task infrastructure for the gateway:
// long-running workers and the detached-work runner that lets cache writes
// and analytics outlive the response that spawned them.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name returns the worker identifier for logging.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
