package async

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned when work is submitted after Close
var ErrClosed = errors.New("task group closed")

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` for fire-and-forget work.
//
// Example:
//
//	SafeGo(context.WithoutCancel(ctx), logger, 2*time.Second, "cache invalidation publish", func(ctx context.Context) error {
//	    return client.Publish(ctx, channel, body).Err()
//	})
func SafeGo(parentCtx context.Context, logger logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go run(parentCtx, logger, timeout, taskName, fn)
}

func run(parentCtx context.Context, logger logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"task":  taskName,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("panic in background task")
		}
	}()

	if err := fn(ctx); err != nil {
		// Log error but don't crash; the caller chose fire-and-forget
		logger.WithError(err).WithField("task", taskName).Warn("background task failed")
	}
}

// Group runs SafeGo tasks and lets shutdown wait for the ones in flight
type Group struct {
	logger  logrus.FieldLogger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewGroup creates a task group whose tasks each get the given timeout
func NewGroup(logger logrus.FieldLogger, timeout time.Duration) *Group {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Group{logger: logger, timeout: timeout}
}

// Go starts fn in the background. It returns ErrClosed after Close.
func (g *Group) Go(parentCtx context.Context, taskName string, fn func(context.Context) error) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		run(parentCtx, g.logger, g.timeout, taskName, fn)
	}()
	return nil
}

// Close stops accepting tasks and waits for running ones, up to ctx's deadline
func (g *Group) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
