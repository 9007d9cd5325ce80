package worker

import (
	"context"
	"sync"
	"time"
)

// detachDeadline bounds each detached task; it is independent of the request
// deadline, which has usually already expired by the time the task runs.
const detachDeadline = 30 * time.Second

// Detacher runs work that must outlive the HTTP response that spawned it
// (cache writes, analytics). Tasks get their own context and deadline; Drain
// waits for in-flight tasks on shutdown.
type Detacher struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewDetacher returns a ready-to-use Detacher.
func NewDetacher() *Detacher {
	return &Detacher{}
}

// Go schedules fn on its own goroutine with a fresh deadline. After Drain,
// new work is dropped.
func (d *Detacher) Go(fn func(ctx context.Context)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), detachDeadline)
		defer cancel()
		fn(ctx)
	}()
}

// Drain stops accepting work and waits for in-flight tasks, or gives up when
// ctx expires.
func (d *Detacher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
