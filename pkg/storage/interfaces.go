package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional update matched no rows
	ErrConflict = errors.New("conflicting update")

	// ErrStoreUnavailable marks transient failures (timeouts, lost connections).
	// Callers may retry; it must never be read as an authorization decision.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// IsUnavailable reports whether err is a transient store failure
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// TenantStore reads organizations
type TenantStore interface {
	GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error)
}

// UserStore reads principals
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

// PermissionReader is the read side used by permission resolution
type PermissionReader interface {
	// HasMembership reports whether the user is a member of the organization
	HasMembership(ctx context.Context, userID, organizationID int64) (bool, error)

	// ListGrantedPermissions returns the resource permission rows of every authority
	// assigned to the user whose scope is the organization or global
	ListGrantedPermissions(ctx context.Context, userID, organizationID int64) ([]ResourcePermission, error)
}

// PermissionWriter mutates authorities, their resource permissions, assignments and memberships
type PermissionWriter interface {
	CreateAuthority(ctx context.Context, authority *Authority) error
	GetAuthority(ctx context.Context, id int64) (*Authority, error)
	SetResourcePermission(ctx context.Context, perm ResourcePermission) error
	DeleteResourcePermission(ctx context.Context, authorityID int64, resource string) error
	AssignAuthority(ctx context.Context, assignment AuthorityAssignment) error
	UnassignAuthority(ctx context.Context, assignment AuthorityAssignment) error
	ListAuthorityAssignees(ctx context.Context, authorityID int64) ([]int64, error)
	AddMembership(ctx context.Context, membership Membership) error
	RemoveMembership(ctx context.Context, userID, organizationID int64) error
}

// PermissionStore combines the read and write sides
type PermissionStore interface {
	PermissionReader
	PermissionWriter
}

// RefreshTokenStore owns refresh token persistence
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// RotateRefreshToken revokes the token identified by tokenHash and records child as
	// its successor, atomically and only if the token is still active. It returns
	// ErrConflict when the token was already revoked or replaced.
	RotateRefreshToken(ctx context.Context, tokenHash string, child *RefreshToken, at time.Time, ip string) error

	// RevokeChain revokes every still-active token of a rotation chain and returns how many changed
	RevokeChain(ctx context.Context, chainID string, at time.Time, ip, reason string) (int64, error)

	// RevokeUserTokens revokes every still-active token of a user
	RevokeUserTokens(ctx context.Context, userID int64, at time.Time, reason string) (int64, error)

	// DeleteExpiredRefreshTokens removes tokens that expired before the cutoff
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full accessor surface
type Store interface {
	TenantStore
	UserStore
	PermissionStore
	RefreshTokenStore

	// HealthCheck verifies the backend is reachable
	HealthCheck(ctx context.Context) error
}
