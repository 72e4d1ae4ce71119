package api

import (
	"context"
	"time"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/permissions"
	"github.com/platinummonkey/warden/pkg/storage"
	"github.com/platinummonkey/warden/pkg/tenancy"
)

// AuthService is the session surface used by the auth handlers
type AuthService interface {
	Login(ctx context.Context, email, password, clientIP string) (auth.TokenPair, error)
	RotateRefreshToken(ctx context.Context, presented, clientIP string) (auth.TokenPair, error)
	Logout(ctx context.Context, presented, clientIP string) error
	ValidateAccessToken(token string) (*auth.Claims, error)
}

// PermissionResolver answers permission queries
type PermissionResolver interface {
	Resolve(ctx context.Context, p auth.Principal, tenant tenancy.TenantContext, resource string) (permissions.Level, error)
	Require(ctx context.Context, p auth.Principal, tenant tenancy.TenantContext, resource string, required permissions.Level) error
}

// PermissionManager mutates authorities
type PermissionManager interface {
	GetAuthority(ctx context.Context, authorityID int64) (*storage.Authority, error)
	SetResourcePermission(ctx context.Context, authorityID int64, resource string, level permissions.Level) error
	RemoveResourcePermission(ctx context.Context, authorityID int64, resource string) error
	AssignAuthority(ctx context.Context, userID, authorityID int64) error
	UnassignAuthority(ctx context.Context, userID, authorityID int64) error
}

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a fresh access token. The refresh token only ever
// travels in its cookie.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PermissionResponse is the body of GET /orgs/{org_slug}/permissions/{resource}
type PermissionResponse struct {
	Tenant   string `json:"tenant"`
	Resource string `json:"resource"`
	Level    string `json:"level"`
	Value    int    `json:"value"`
}

// SetPermissionRequest is the body of PUT .../permissions/{resource}. Level is
// a tier name or its number.
type SetPermissionRequest struct {
	Level string `json:"level"`
}

func tokenResponse(pair auth.TokenPair) TokenResponse {
	return TokenResponse{
		AccessToken: pair.Access.Token,
		TokenType:   "Bearer",
		ExpiresAt:   pair.Access.ExpiresAt,
	}
}
