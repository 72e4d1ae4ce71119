package middleware

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/permissions"
	"github.com/platinummonkey/warden/pkg/storage"
	"github.com/platinummonkey/warden/pkg/tenancy"
)

// RetryAfterSeconds is advertised on 503 responses caused by an unavailable store
const RetryAfterSeconds = "1"

// PermissionDeniedResponse is the body of a 403 caused by a missing permission
type PermissionDeniedResponse struct {
	Error    string `json:"error"`
	Resource string `json:"resource"`
	Required string `json:"required"`
	Actual   string `json:"actual"`
}

// WriteError maps err to a status code and JSON body. Unknown errors are
// logged and answered with 500 without leaking their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *permissions.PermissionDeniedError

	switch {
	case errors.Is(err, tenancy.ErrTenantNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, "tenant_not_found", "")
	case errors.Is(err, tenancy.ErrTenantInactive):
		httputil.WriteErrorCode(w, http.StatusForbidden, "tenant_inactive", "")
	case errors.Is(err, auth.ErrTokenExpired):
		w.Header().Set("Token-Expired", "true")
		httputil.WriteErrorCode(w, http.StatusUnauthorized, "token_expired", "")
	case errors.Is(err, auth.ErrRefreshTokenReused):
		httputil.WriteErrorCode(w, http.StatusUnauthorized, "refresh_token_reused", "session revoked, log in again")
	case errors.Is(err, auth.ErrRefreshTokenExpired):
		httputil.WriteErrorCode(w, http.StatusUnauthorized, "refresh_token_expired", "")
	case errors.Is(err, auth.ErrInvalidCredentials):
		httputil.WriteErrorCode(w, http.StatusUnauthorized, "invalid_credentials", "")
	case auth.IsAuthenticationError(err):
		httputil.WriteErrorCode(w, http.StatusUnauthorized, "unauthorized", "")
	case errors.As(err, &denied):
		_ = httputil.WriteJSON(w, http.StatusForbidden, PermissionDeniedResponse{
			Error:    "permission_denied",
			Resource: denied.Resource,
			Required: denied.Required.String(),
			Actual:   denied.Actual.String(),
		})
	case permissions.IsRetryable(err):
		observability.FromContext(r.Context()).WithError(err).Warn("store unavailable")
		httputil.WriteServiceUnavailable(w, RetryAfterSeconds)
	case errors.Is(err, storage.ErrNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, "not_found", "")
	default:
		observability.FromContext(r.Context()).WithError(err).Error("request failed")
		httputil.WriteErrorCode(w, http.StatusInternalServerError, "internal_error", "")
	}
}
