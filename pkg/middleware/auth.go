package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/httputil"
)

// TokenValidator verifies access tokens
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
}

// AuthMiddleware authenticates requests carrying a Bearer access token
type AuthMiddleware struct {
	validator TokenValidator
	optional  bool // If true, allow requests without auth
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(validator TokenValidator, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
		optional:  optional,
	}
}

// Handler wraps an HTTP handler with authentication. An expired token is
// answered with 401 and header Token-Expired: true so clients know to refresh.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w, "missing authorization header")
			return
		}

		// Format: "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			unauthorized(w, "invalid authorization header format")
			return
		}

		claims, err := m.validator.ValidateAccessToken(parts[1])
		if err != nil {
			WriteError(w, r, err)
			return
		}

		ctx := WithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	httputil.WriteUnauthorized(w, message)
}

// WithClaims stores validated claims and the user ID used for log enrichment
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = contextkeys.WithClaims(ctx, claims)
	return contextkeys.WithUserID(ctx, strconv.FormatInt(claims.UserID, 10))
}

// ClaimsFromContext returns the claims set by AuthMiddleware
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(contextkeys.ClaimsKey).(*auth.Claims)
	return claims, ok && claims != nil
}

// PrincipalFromContext returns the authenticated principal
func PrincipalFromContext(ctx context.Context) (auth.Principal, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return auth.Principal{}, false
	}
	return claims.Principal(), true
}
