package cachebus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/async"
	"github.com/platinummonkey/warden/pkg/observability"
)

// DefaultChannel is the Redis channel used when none is configured
const DefaultChannel = "warden:cache-invalidation"

// DefaultResyncPattern matches every key
const DefaultResyncPattern = "*"

// subscriptionBuffer sizes the channel between the go-redis reader and the handler loop
const subscriptionBuffer = 100

// RedisBus publishes invalidations on a Redis pub/sub channel. Every instance
// subscribes to the same channel, including the publisher itself.
//
// Pub/sub drops whatever is published while a subscriber is disconnected. When
// go-redis resubscribes after a lost connection, the subscriber hands its
// handler a Pattern message for the resync pattern, so the instance evicts
// everything it may have missed.
type RedisBus struct {
	client         *redis.Client
	channel        string
	resyncPattern  string
	now            func() time.Time
	publishTimeout time.Duration
	logger         *logrus.Logger
	metrics        *observability.Metrics
	tasks          *async.Group

	mu     sync.Mutex
	subs   map[int]context.CancelFunc
	nextID int
	wg     sync.WaitGroup
}

var _ Bus = (*RedisBus)(nil)

// RedisOption configures a RedisBus
type RedisOption func(*RedisBus)

// WithChannel overrides the pub/sub channel name
func WithChannel(channel string) RedisOption {
	return func(b *RedisBus) {
		if channel != "" {
			b.channel = channel
		}
	}
}

// WithResyncPattern sets the pattern evicted after a resubscription
func WithResyncPattern(pattern string) RedisOption {
	return func(b *RedisBus) {
		if pattern != "" {
			b.resyncPattern = pattern
		}
	}
}

// WithPublishTimeout bounds each background publish
func WithPublishTimeout(d time.Duration) RedisOption {
	return func(b *RedisBus) {
		if d > 0 {
			b.publishTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) RedisOption {
	return func(b *RedisBus) { b.logger = logger }
}

// WithMetrics records publish failures
func WithMetrics(m *observability.Metrics) RedisOption {
	return func(b *RedisBus) { b.metrics = m }
}

// NewRedisBus creates a bus on top of an existing client
func NewRedisBus(client *redis.Client, opts ...RedisOption) *RedisBus {
	b := &RedisBus{
		client:         client,
		channel:        DefaultChannel,
		resyncPattern:  DefaultResyncPattern,
		now:            time.Now,
		publishTimeout: DefaultPublishTimeout,
		subs:           make(map[int]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = observability.OrDefault(b.logger)
	b.tasks = async.NewGroup(b.logger.WithField("channel", b.channel), b.publishTimeout)
	return b
}

// Channel returns the pub/sub channel name
func (b *RedisBus) Channel() string {
	return b.channel
}

// Publish encodes msg and sends it in the background. Send failures are logged
// and counted; they never reach the caller.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}

	return b.tasks.Go(context.WithoutCancel(ctx), "cache invalidation publish", func(ctx context.Context) error {
		if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
			b.metrics.RecordPublishError()
			return fmt.Errorf("failed to publish invalidation: %w", err)
		}
		return nil
	})
}

// Subscribe listens on the channel and calls handler for every valid message.
// It returns once Redis has confirmed the subscription. Every later
// confirmation is a reconnect and triggers a resync.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	ch := pubsub.ChannelWithSubscriptions(ctx, subscriptionBuffer)
	go func() {
		defer b.wg.Done()
		defer pubsub.Close()
		defer func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				switch m := m.(type) {
				case *redis.Message:
					b.deliver(ctx, m.Payload, handler)
				case *redis.Subscription:
					if m.Kind == "subscribe" {
						b.resync(ctx, handler)
					}
				}
			}
		}
	}()

	return cancel, nil
}

func (b *RedisBus) deliver(ctx context.Context, payload string, handler Handler) {
	defer observability.RecoverPanic(b.logger, "cache invalidation handler")

	msg, err := Decode([]byte(payload))
	if err != nil {
		b.logger.WithError(err).WithField("channel", b.channel).Warn("dropping malformed invalidation message")
		return
	}
	handler(ctx, msg)
}

func (b *RedisBus) resync(ctx context.Context, handler Handler) {
	defer observability.RecoverPanic(b.logger, "cache invalidation resync")

	b.logger.WithFields(logrus.Fields{
		"channel": b.channel,
		"pattern": b.resyncPattern,
	}).Warn("resubscribed to invalidation channel; evicting entries that may have missed messages")
	b.metrics.RecordBusResync()
	handler(ctx, PatternMessage(b.resyncPattern, b.now()))
}

// Close cancels every subscription and waits for queued publishes
func (b *RedisBus) Close(ctx context.Context) error {
	b.mu.Lock()
	for _, cancel := range b.subs {
		cancel()
	}
	b.mu.Unlock()

	b.wg.Wait()
	return b.tasks.Close(ctx)
}
