package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/permissions"
	"github.com/platinummonkey/warden/pkg/storage"
	"github.com/platinummonkey/warden/pkg/tenancy"
)

// scriptedChecker returns errs in order, then nil
type scriptedChecker struct {
	errs  []error
	calls atomic.Int32
}

func (c *scriptedChecker) Require(ctx context.Context, p auth.Principal, tenant tenancy.TenantContext, resource string, required permissions.Level) error {
	n := int(c.calls.Add(1)) - 1
	if n < len(c.errs) {
		return c.errs[n]
	}
	return nil
}

func fastRetries() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func servePermission(t *testing.T, checker PermissionChecker, withPrincipal bool) *httptest.ResponseRecorder {
	t.Helper()
	handler := RequirePermission(checker, fastRetries(), "Package", permissions.Edit)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	ctx := tenancy.WithTenant(context.Background(), tenancy.TenantContext{OrganizationID: 1, Slug: "t1"})
	if withPrincipal {
		ctx = WithClaims(ctx, &auth.Claims{UserID: 5, SystemRole: storage.SystemRoleNone})
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRequirePermission_Allowed(t *testing.T) {
	checker := &scriptedChecker{}
	rec := servePermission(t, checker, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), checker.calls.Load())
}

func TestRequirePermission_Denied(t *testing.T) {
	checker := &scriptedChecker{errs: []error{
		&permissions.PermissionDeniedError{Resource: "Package", Required: permissions.Edit, Actual: permissions.View},
	}}
	rec := servePermission(t, checker, true)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, int32(1), checker.calls.Load(), "denials are never retried")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{
		"error":    "permission_denied",
		"resource": "Package",
		"required": "Edit",
		"actual":   "View",
	}, body)
}

func TestRequirePermission_RetriesUnavailableStore(t *testing.T) {
	checker := &scriptedChecker{errs: []error{permissions.ErrStoreUnavailable, permissions.ErrStoreUnavailable}}
	rec := servePermission(t, checker, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(3), checker.calls.Load())
}

func TestRequirePermission_GivesUpAfterRetries(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = permissions.ErrStoreUnavailable
	}
	checker := &scriptedChecker{errs: errs}
	rec := servePermission(t, checker, true)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, RetryAfterSeconds, rec.Header().Get("Retry-After"))
	assert.Equal(t, int32(3), checker.calls.Load())
}

func TestRequirePermission_Unauthenticated(t *testing.T) {
	checker := &scriptedChecker{}
	rec := servePermission(t, checker, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, checker.calls.Load())
}

func TestCheckPermission_StopsOnCancel(t *testing.T) {
	errs := make([]error, 100)
	for i := range errs {
		errs[i] = permissions.ErrStoreUnavailable
	}
	checker := &scriptedChecker{errs: errs}
	policy := RetryPolicy{MaxRetries: 50, InitialInterval: time.Hour, MaxInterval: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- CheckPermission(ctx, checker, policy, auth.Principal{UserID: 1}, tenancy.TenantContext{OrganizationID: 1}, "Package", permissions.View)
	}()

	require.Eventually(t, func() bool { return checker.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
	assert.Equal(t, int32(1), checker.calls.Load())
}
