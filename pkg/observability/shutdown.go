package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager drains the HTTP server, then runs registered hooks
// concurrently within a single deadline.
type ShutdownManager struct {
	log     *logrus.Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	hooks []namedShutdown
}

// NewShutdownManager creates a new shutdown manager. A zero timeout means 30s.
func NewShutdownManager(log *logrus.Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if log == nil {
		log = logrus.New()
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{log: log, server: server, timeout: timeout}
}

// Register adds a named hook, e.g. "propagation-runner" or "tracer"
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, namedShutdown{name: name, fn: fn})
}

// WaitForSignal blocks until SIGINT or SIGTERM, then shuts down
func (sm *ShutdownManager) WaitForSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	sm.log.Info("Received shutdown signal, starting graceful shutdown")
	return sm.Shutdown(context.Background())
}

// Shutdown stops the server and runs every hook. All hooks run even when
// some fail; the first error is returned.
func (sm *ShutdownManager) Shutdown(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, sm.timeout)
	defer cancel()

	if sm.server != nil {
		sm.log.Info("Shutting down HTTP server")
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.log.WithError(err).Error("HTTP server shutdown error")
			return fmt.Errorf("HTTP server shutdown failed: %w", err)
		}
	}

	sm.mu.Lock()
	hooks := append([]namedShutdown(nil), sm.hooks...)
	sm.mu.Unlock()

	var g errgroup.Group
	for _, h := range hooks {
		h := h
		g.Go(func() error {
			entry := sm.log.WithField("hook", h.name)
			if err := h.fn(ctx); err != nil {
				entry.WithError(err).Error("Shutdown hook failed")
				return fmt.Errorf("%s: %w", h.name, err)
			}
			entry.Debug("Shutdown hook complete")
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		sm.log.Info("Graceful shutdown complete")
		return nil
	case <-ctx.Done():
		sm.log.Warn("Shutdown timeout reached, forcing shutdown")
		return fmt.Errorf("shutdown timeout reached: %w", ctx.Err())
	}
}
