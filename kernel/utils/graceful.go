package utils

import (
	"context"
	"sync"
	"time"
)

// GracefulShutdown runs registered teardown functions (feed server, bridge
// disposal) in reverse registration order, bounded by a timeout
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []func() error
	timeout    time.Duration
	logger     *Logger
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		shutdownFn: make([]func() error, 0),
		timeout:    timeout,
		logger:     logger,
	}
}

// Register registers a shutdown function
func (g *GracefulShutdown) Register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, fn)
}

// RegisterNamed registers a shutdown function that logs under a component name
func (g *GracefulShutdown) RegisterNamed(name string, fn func() error) {
	g.Register(func() error {
		if err := fn(); err != nil {
			return WrapError(err, name)
		}
		g.logger.Debug("Component stopped", String("component", name))
		return nil
	})
}

// Shutdown executes all registered shutdown functions
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown",
		Int("components", len(g.shutdownFn)),
	)

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// Execute shutdown functions in reverse order (LIFO), one at a time:
	// the feed must stop reading frames before the bridge releases them.
	fns := make([]func() error, len(g.shutdownFn))
	copy(fns, g.shutdownFn)

	errChan := make(chan error, len(fns))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](); err != nil {
				g.logger.Error("Shutdown function failed",
					Int("index", i),
					Err(err),
				)
				errChan <- err
			}
		}
	}()

	select {
	case <-done:
		close(errChan)
		for err := range errChan {
			return err
		}
		g.logger.Info("Graceful shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out")
		return NewError("shutdown timeout")
	}
}
