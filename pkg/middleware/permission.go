package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/permissions"
	"github.com/platinummonkey/warden/pkg/tenancy"
)

var errNoTenant = errors.New("permission check on a route without tenant")

// PermissionChecker decides whether a principal holds a level on a resource
type PermissionChecker interface {
	Require(ctx context.Context, p auth.Principal, tenant tenancy.TenantContext, resource string, required permissions.Level) error
}

// RetryPolicy bounds retries of a permission check that failed with an unavailable store
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries twice, starting at 50ms
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialInterval: 50 * time.Millisecond, MaxInterval: 500 * time.Millisecond}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// CheckPermission runs checker under policy. Only retryable errors are
// retried; denials and cancellations return immediately.
func CheckPermission(ctx context.Context, checker PermissionChecker, policy RetryPolicy, p auth.Principal, tenant tenancy.TenantContext, resource string, required permissions.Level) error {
	attempt := 0
	op := func() error {
		attempt++
		err := checker.Require(ctx, p, tenant, resource, required)
		if err == nil || permissions.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		observability.FromContext(ctx).WithError(err).WithFields(logrus.Fields{
			"resource": resource,
			"attempt":  attempt,
			"wait":     wait.String(),
		}).Debug("retrying permission check")
	}
	return backoff.RetryNotify(op, policy.backOff(ctx), notify)
}

// RequirePermission only lets through principals holding at least required on
// resource in the request's tenant. It must run after AuthMiddleware and
// TenantMiddleware.
func RequirePermission(checker PermissionChecker, policy RetryPolicy, resource string, required permissions.Level) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				unauthorized(w, "authentication required")
				return
			}
			tenant, ok := tenancy.FromContext(r.Context())
			if !ok {
				WriteError(w, r, errNoTenant)
				return
			}

			if err := CheckPermission(r.Context(), checker, policy, p, tenant, resource, required); err != nil {
				WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
