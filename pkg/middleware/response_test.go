package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/permissions"
	"github.com/platinummonkey/warden/pkg/storage"
	"github.com/platinummonkey/warden/pkg/tenancy"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{tenancy.ErrTenantNotFound, http.StatusNotFound, "tenant_not_found"},
		{tenancy.ErrTenantInactive, http.StatusForbidden, "tenant_inactive"},
		{auth.ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
		{auth.ErrTokenInvalidSignature, http.StatusUnauthorized, "unauthorized"},
		{auth.ErrRefreshTokenNotFound, http.StatusUnauthorized, "unauthorized"},
		{auth.ErrRefreshTokenReused, http.StatusUnauthorized, "refresh_token_reused"},
		{auth.ErrRefreshTokenExpired, http.StatusUnauthorized, "refresh_token_expired"},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
		{&permissions.PermissionDeniedError{Resource: "Package", Required: permissions.Full}, http.StatusForbidden, "permission_denied"},
		{fmt.Errorf("resolve: %w", permissions.ErrStoreUnavailable), http.StatusServiceUnavailable, "service_unavailable"},
		{storage.ErrNotFound, http.StatusNotFound, "not_found"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), `"error":"`+tt.wantCode+`"`)
		})
	}
}
