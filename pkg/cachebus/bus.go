// Package cachebus distributes cache invalidation messages between instances.
//
// Publishing is fire-and-forget: Publish validates the message and hands it to
// a background task, so a slow or unreachable broker never blocks or fails the
// mutation that triggered it. Delivery is asynchronous and unordered; receivers
// compare message timestamps.
package cachebus

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/async"
	"github.com/platinummonkey/warden/pkg/observability"
)

// DefaultPublishTimeout bounds one background publish
const DefaultPublishTimeout = 2 * time.Second

// Handler receives delivered messages
type Handler func(ctx context.Context, msg Message)

// Bus is a publish/subscribe channel for invalidation messages
type Bus interface {
	// Publish queues msg for delivery. It only fails for invalid messages or a closed bus.
	Publish(ctx context.Context, msg Message) error

	// Subscribe delivers every message to handler until cancel is called or ctx ends
	Subscribe(ctx context.Context, handler Handler) (cancel func(), err error)

	// Close stops subscriptions and waits for queued publishes
	Close(ctx context.Context) error
}

// LocalBus delivers messages to subscribers of the same process
type LocalBus struct {
	logger *logrus.Logger
	tasks  *async.Group

	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

var _ Bus = (*LocalBus)(nil)

// NewLocalBus creates an in-process bus
func NewLocalBus(logger *logrus.Logger) *LocalBus {
	logger = observability.OrDefault(logger)
	return &LocalBus{
		logger:   logger,
		tasks:    async.NewGroup(logger, DefaultPublishTimeout),
		handlers: make(map[int]Handler),
	}
}

// Publish fans msg out to every subscriber in the background
func (b *LocalBus) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		if err := b.tasks.Go(context.WithoutCancel(ctx), "cache invalidation delivery", func(ctx context.Context) error {
			h(ctx, msg)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers handler
func (b *LocalBus) Subscribe(ctx context.Context, handler Handler) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	remove := func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
	stop := context.AfterFunc(ctx, remove)

	return func() {
		stop()
		remove()
	}, nil
}

// Close drops all subscribers and waits for pending deliveries
func (b *LocalBus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.handlers = make(map[int]Handler)
	b.mu.Unlock()
	return b.tasks.Close(ctx)
}
