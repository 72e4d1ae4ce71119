// Package tenancy resolves the organization a request belongs to and carries
// it through the request context. Tenant state is never stored outside the
// request: every call that needs the tenant receives it explicitly.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/storage"
)

var (
	// ErrTenantNotFound means no organization has the requested slug
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTenantInactive means the organization exists but was deactivated
	ErrTenantInactive = errors.New("tenant inactive")

	// ErrInvalidSlug means the slug is not URL-safe
	ErrInvalidSlug = errors.New("invalid tenant slug")
)

// MaxSlugLength is the longest accepted slug
const MaxSlugLength = 63

// DefaultLookupTimeout bounds a single organization lookup
const DefaultLookupTimeout = 3 * time.Second

// ParseSlug normalizes and validates a slug. Slugs are lowercase letters,
// digits and '-', neither starting nor ending with '-'.
func ParseSlug(raw string) (string, error) {
	slug := strings.ToLower(strings.TrimSpace(raw))
	if slug == "" || len(slug) > MaxSlugLength {
		return "", fmt.Errorf("%w: length must be 1-%d", ErrInvalidSlug, MaxSlugLength)
	}
	if slug[0] == '-' || slug[len(slug)-1] == '-' {
		return "", fmt.Errorf("%w: %q", ErrInvalidSlug, raw)
	}
	for _, c := range slug {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return "", fmt.Errorf("%w: %q", ErrInvalidSlug, raw)
		}
	}
	return slug, nil
}

// TenantContext identifies the organization of one request. It is a value;
// copies are independent.
type TenantContext struct {
	OrganizationID int64
	Slug           string
}

// WithTenant returns a context carrying tc
func WithTenant(ctx context.Context, tc TenantContext) context.Context {
	ctx = contextkeys.WithTenant(ctx, tc)
	return contextkeys.WithTenantSlug(ctx, tc.Slug)
}

// FromContext returns the tenant set by WithTenant
func FromContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(contextkeys.TenantKey).(TenantContext)
	return tc, ok
}

// Resolver maps slugs to active organizations
type Resolver struct {
	store   storage.TenantStore
	timeout time.Duration
	logger  *logrus.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// Option configures a Resolver
type Option func(*Resolver)

// WithTimeout bounds each store lookup
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithMetrics records resolution outcomes
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a resolver reading from store
func NewResolver(store storage.TenantStore, opts ...Option) *Resolver {
	r := &Resolver{
		store:   store,
		timeout: DefaultLookupTimeout,
		tracer:  observability.Tracer("tenancy"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = observability.OrDefault(r.logger)
	return r
}

// Resolve looks up the organization for slug. It fails with ErrTenantNotFound
// for unknown or malformed slugs and ErrTenantInactive for deactivated ones.
// Store failures are returned wrapped, never mapped to not-found.
func (r *Resolver) Resolve(ctx context.Context, slug string) (TenantContext, error) {
	ctx, span := r.tracer.Start(ctx, "tenancy.Resolve", trace.WithAttributes(attribute.String("tenant.slug", slug)))
	defer span.End()

	tc, result, err := r.resolve(ctx, slug)
	r.metrics.RecordTenantResolution(result)
	if err != nil {
		span.SetStatus(codes.Error, result)
		if result == "error" {
			span.RecordError(err)
			observability.FromContext(ctx).WithError(err).WithField("slug", slug).Warn("tenant lookup failed")
		}
		return TenantContext{}, err
	}

	span.SetAttributes(attribute.Int64("tenant.id", tc.OrganizationID))
	return tc, nil
}

func (r *Resolver) resolve(ctx context.Context, raw string) (TenantContext, string, error) {
	slug, err := ParseSlug(raw)
	if err != nil {
		return TenantContext{}, "not_found", fmt.Errorf("%w: %v", ErrTenantNotFound, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	org, err := r.store.GetOrganizationBySlug(ctx, slug)
	if errors.Is(err, storage.ErrNotFound) {
		return TenantContext{}, "not_found", fmt.Errorf("%w: %s", ErrTenantNotFound, slug)
	}
	if err != nil {
		return TenantContext{}, "error", fmt.Errorf("failed to resolve tenant %s: %w", slug, err)
	}
	if !org.Active {
		return TenantContext{}, "inactive", fmt.Errorf("%w: %s", ErrTenantInactive, slug)
	}

	return TenantContext{OrganizationID: org.ID, Slug: org.Slug}, "found", nil
}
