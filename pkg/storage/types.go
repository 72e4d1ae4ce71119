package storage

import "time"

// SystemRole is a principal's platform-wide role
type SystemRole string

const (
	SystemRoleNone  SystemRole = "none"
	SystemRoleAdmin SystemRole = "admin"
)

// Valid reports whether r is a known system role
func (r SystemRole) Valid() bool {
	return r == SystemRoleNone || r == SystemRoleAdmin
}

// Organization is a tenant
type Organization struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// User is an authenticated principal
type User struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	SystemRole   SystemRole `json:"system_role"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Membership links a user to an organization
type Membership struct {
	UserID         int64  `json:"user_id"`
	OrganizationID int64  `json:"organization_id"`
	Role           string `json:"role"`
}

// Authority is a named bundle of resource permissions.
// A nil OrganizationID means the authority applies in every organization.
type Authority struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	IsSystemAuthority bool      `json:"is_system_authority"`
	OrganizationID    *int64    `json:"organization_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// IsGlobal reports whether the authority is not bound to a single organization
func (a *Authority) IsGlobal() bool {
	return a.OrganizationID == nil
}

// ResourcePermission is one (authority, resource, level) row
type ResourcePermission struct {
	AuthorityID int64  `json:"authority_id"`
	Resource    string `json:"resource"`
	Level       int    `json:"level"`
}

// AuthorityAssignment grants an authority to a user
type AuthorityAssignment struct {
	UserID      int64 `json:"user_id"`
	AuthorityID int64 `json:"authority_id"`
}

// RefreshToken is a persisted refresh token. Only the SHA-256 digest of the
// bearer value is stored.
type RefreshToken struct {
	TokenHash      string     `json:"-"`
	ChainID        string     `json:"chain_id"`
	UserID         int64      `json:"user_id"`
	CreatedAt      time.Time  `json:"created_at"`
	CreatedByIP    string     `json:"created_by_ip"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokedByIP    string     `json:"revoked_by_ip,omitempty"`
	RevokedReason  string     `json:"revoked_reason,omitempty"`
	ReplacedByHash string     `json:"-"`
}

// IsExpired reports whether the token is past its expiry at now
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsRevoked reports whether the token has been revoked
func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsReplaced reports whether the token already minted a successor
func (t *RefreshToken) IsReplaced() bool {
	return t.ReplacedByHash != ""
}

// IsActive reports whether the token can still be rotated at now
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked() && !t.IsReplaced() && !t.IsExpired(now)
}
