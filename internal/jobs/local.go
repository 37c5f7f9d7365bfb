package jobs

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Local.Enqueue after Close
var ErrClosed = errors.New("job runner is closed")

// Local runs jobs in-process, one goroutine per job. It stands in for the
// broker when no queue URL is configured.
type Local struct {
	handler *Handler

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewLocal creates an in-process runner. The handler's retry enqueuer is
// usually the Local itself, set with SetHandler.
func NewLocal() *Local {
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{ctx: ctx, cancel: cancel}
}

// SetHandler sets the handler jobs are passed to
func (l *Local) SetHandler(h *Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Enqueue starts j in the background
func (l *Local) Enqueue(ctx context.Context, j Job) error {
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now().UTC()
	}
	body, err := Encode(j)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.handler == nil {
		return errors.New("job runner has no handler")
	}

	h := l.handler
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		h.Handle(l.ctx, body)
	}()
	return nil
}

// Close cancels running jobs and waits for them until ctx is done.
// Interrupted campaign runs are left paused.
func (l *Local) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
