package permissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/cachebus"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/storage"
	"github.com/platinummonkey/warden/pkg/tenancy"
)

// DefaultStoreTimeout bounds one recomputation
const DefaultStoreTimeout = 3 * time.Second

// Engine answers permission queries for a principal within a tenant
type Engine struct {
	store        storage.PermissionReader
	cache        *Cache
	group        singleflight.Group
	storeTimeout time.Duration
	now          func() time.Time
	logger       *logrus.Logger
	metrics      *observability.Metrics
	tracer       trace.Tracer
}

// Option configures an Engine
type Option func(*Engine)

// WithCache enables caching. Without it every query reads the store.
func WithCache(c *Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithStoreTimeout bounds each recomputation
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// WithClock overrides the time source for fill timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records cache and resolution metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine reading from store
func NewEngine(store storage.PermissionReader, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		storeTimeout: DefaultStoreTimeout,
		now:          time.Now,
		tracer:       observability.Tracer("permissions"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = observability.OrDefault(e.logger)
	return e
}

// Resolve returns the principal's level for resource in tenant. Admins get
// Full without any lookup; non-members get None. Store failures return an
// error wrapping ErrStoreUnavailable, never a lower level.
func (e *Engine) Resolve(ctx context.Context, p auth.Principal, tenant tenancy.TenantContext, resource string) (Level, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "permissions.Resolve", trace.WithAttributes(
		attribute.Int64("tenant.id", tenant.OrganizationID),
		attribute.Int64("user.id", p.UserID),
		attribute.String("resource", resource),
	))
	defer span.End()

	if p.IsAdmin() {
		e.metrics.ObserveResolve("admin", time.Since(start))
		span.SetAttributes(attribute.String("resolve.source", "admin"))
		return Full, nil
	}

	levels, source, err := e.levels(ctx, p.UserID, tenant.OrganizationID)
	e.metrics.ObserveResolve(source, time.Since(start))
	span.SetAttributes(attribute.String("resolve.source", source))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return None, err
	}

	level := levels[resource]
	span.SetAttributes(attribute.Int("resolve.level", int(level)))
	return level, nil
}

// Require fails with *PermissionDeniedError when the principal's level is below required
func (e *Engine) Require(ctx context.Context, p auth.Principal, tenant tenancy.TenantContext, resource string, required Level) error {
	actual, err := e.Resolve(ctx, p, tenant, resource)
	if err != nil {
		return err
	}
	if !actual.Allows(required) {
		e.metrics.RecordPermissionDenied(resource)
		return &PermissionDeniedError{Resource: resource, Required: required, Actual: actual}
	}
	return nil
}

// Permissions returns a copy of the principal's resource map in tenant.
// Resources absent from the map are None. Admins get ErrUnrestricted.
func (e *Engine) Permissions(ctx context.Context, p auth.Principal, tenant tenancy.TenantContext) (map[string]Level, error) {
	if p.IsAdmin() {
		return nil, ErrUnrestricted
	}
	levels, _, err := e.levels(ctx, p.UserID, tenant.OrganizationID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Level, len(levels))
	for r, l := range levels {
		out[r] = l
	}
	return out, nil
}

// Invalidate applies a bus message to the local cache. Its signature matches cachebus.Handler.
func (e *Engine) Invalidate(ctx context.Context, msg cachebus.Message) {
	if e.cache == nil {
		return
	}

	res := e.cache.Apply(msg)
	e.metrics.RecordInvalidation(string(msg.Type), res.Applied, res.Skipped)
	e.metrics.RecordCacheEvictions("invalidation", res.Evicted)

	observability.FromContext(ctx).WithFields(logrus.Fields{
		"type":      msg.Type,
		"timestamp": msg.Timestamp,
		"applied":   res.Applied,
		"skipped":   res.Skipped,
		"evicted":   res.Evicted,
	}).Debug("applied cache invalidation")
}

// SweepCache drops entries older than the cache max age
func (e *Engine) SweepCache() int {
	if e.cache == nil {
		return 0
	}
	n := e.cache.Sweep()
	e.metrics.RecordCacheEvictions("expired", n)
	return n
}

func (e *Engine) levels(ctx context.Context, userID, tenantID int64) (map[string]Level, string, error) {
	key := CacheKey(tenantID, userID)

	if e.cache != nil {
		if levels, ok := e.cache.Get(key); ok {
			e.metrics.RecordCacheHit()
			return levels, "cache", nil
		}
		e.metrics.RecordCacheMiss()
	}

	// The shared computation must outlive any single caller
	detached := context.WithoutCancel(ctx)
	ch := e.group.DoChan(key, func() (any, error) {
		return e.recompute(detached, key, userID, tenantID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, "store", res.Err
		}
		return res.Val.(map[string]Level), "store", nil
	case <-ctx.Done():
		return nil, "store", fmt.Errorf("permission resolution abandoned: %w", ctx.Err())
	}
}

// recompute reads the store and fills the cache. It never publishes.
func (e *Engine) recompute(ctx context.Context, key string, userID, tenantID int64) (map[string]Level, error) {
	filledAt := e.now()

	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	member, err := e.store.HasMembership(ctx, userID, tenantID)
	if err != nil {
		return nil, e.unavailable(ctx, "membership", err)
	}

	levels := make(map[string]Level)
	if member {
		rows, err := e.store.ListGrantedPermissions(ctx, userID, tenantID)
		if err != nil {
			return nil, e.unavailable(ctx, "granted permissions", err)
		}
		for _, row := range rows {
			level := Level(row.Level)
			if !level.Valid() {
				e.logger.WithFields(logrus.Fields{
					"authority_id": row.AuthorityID,
					"resource":     row.Resource,
					"level":        row.Level,
				}).Warn("ignoring resource permission with out-of-range level")
				continue
			}
			levels[row.Resource] = Max(levels[row.Resource], level)
		}
	}

	if e.cache != nil {
		e.cache.Put(key, levels, filledAt)
	}
	return levels, nil
}

func (e *Engine) unavailable(ctx context.Context, what string, err error) error {
	observability.FromContext(ctx).WithError(err).WithField("query", what).Warn("permission store read failed")
	if errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("failed to load %s: %w", what, err)
	}
	return fmt.Errorf("%w: failed to load %s: %w", ErrStoreUnavailable, what, err)
}
