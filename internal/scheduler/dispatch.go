package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// ErrDispatcherClosed is returned by Dispatch after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher starts execution of a queued task without waiting for it to finish.
// It returns false when the task was claimed by someone else first. On error the
// task must still be queued.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *models.Task) (bool, error)
}

// Executor claims and runs a task. Claim must make the running state durable
// before returning; Run performs the work and records the outcome.
type Executor interface {
	Claim(ctx context.Context, task *models.Task) (*models.Task, bool, error)
	Run(ctx context.Context, task *models.Task)
}

// GoDispatcher claims a task synchronously and runs it on its own goroutine.
// Runs use the dispatcher's base context so they outlive the triggering request.
type GoDispatcher struct {
	exec   Executor
	base   context.Context
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewGoDispatcher creates a GoDispatcher. Cancelling base cancels in-flight runs.
func NewGoDispatcher(base context.Context, exec Executor, logger *slog.Logger) *GoDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoDispatcher{exec: exec, base: base, logger: logger}
}

func (d *GoDispatcher) Dispatch(ctx context.Context, task *models.Task) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrDispatcherClosed
	}

	claimed, ok, err := d.exec.Claim(ctx, task)
	if err != nil || !ok {
		return false, err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.exec.Run(d.base, claimed)
	}()
	return true, nil
}

// Close stops accepting work and waits for in-flight runs or ctx, whichever ends first.
func (d *GoDispatcher) Close(ctx context.Context) error {
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
		d.logger.Warn("dispatcher closed with runs still in flight")
		return ctx.Err()
	}
}
