package executor

import (
	"context"
	"time"
)

// Task is a cancellable handle onto a single compute job, re-expressing the
// original Dask future + polling loop as a goroutine plus a done channel.
type Task struct {
	done   chan struct{}
	path   string
	err    error
	cancel context.CancelFunc
}

// submit starts fn in its own goroutine and returns a handle that can be
// waited on with a timeout or cancelled outright.
func submit(parent context.Context, fn func(ctx context.Context) (string, error)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(t.done)
		t.path, t.err = fn(ctx)
	}()
	return t
}

// Wait blocks until the task completes or timeout elapses, whichever comes
// first. ok is false on timeout, in which case the task is still running —
// callers that give up should call Cancel.
func (t *Task) Wait(timeout time.Duration) (path string, err error, ok bool) {
	select {
	case <-t.done:
		return t.path, t.err, true
	case <-time.After(timeout):
		return "", nil, false
	}
}

// Cancel cancels the task's context. It does not wait for the goroutine to
// observe cancellation.
func (t *Task) Cancel() {
	t.cancel()
}
