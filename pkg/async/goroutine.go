package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Background runs fire-and-forget tasks with panic recovery and a per-task
// timeout. Wait lets shutdown drain the tasks still in flight.
type Background struct {
	log     *logrus.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewBackground creates a task tracker. A zero timeout means 5s.
func NewBackground(log *logrus.Logger, timeout time.Duration) *Background {
	if log == nil {
		log = logrus.New()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Background{log: log, timeout: timeout}
}

// Go starts fn detached from the caller's cancellation but keeping its
// values. It returns false once Wait has been called.
func (b *Background) Go(parent context.Context, taskName string, fn func(context.Context) error) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.log.WithField("task", taskName).Warn("Background task rejected after shutdown")
		return false
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), b.timeout)
		defer cancel()

		if err := safeRun(ctx, fn); err != nil {
			b.log.WithError(err).WithField("task", taskName).Error("Background task failed")
		}
	}()
	return true
}

// Wait stops accepting tasks and blocks until running ones finish or ctx
// expires
func (b *Background) Wait(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background tasks still running: %w", ctx.Err())
	}
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
