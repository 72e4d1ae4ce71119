package auth

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/warden/pkg/storage"
)

// Principal is the authenticated identity carried through authorization calls
type Principal struct {
	UserID     int64
	SystemRole storage.SystemRole
}

// IsAdmin reports whether the principal bypasses per-resource checks
func (p Principal) IsAdmin() bool {
	return p.SystemRole == storage.SystemRoleAdmin
}

// PrincipalFromUser builds the principal for a stored user
func PrincipalFromUser(u *storage.User) Principal {
	return Principal{UserID: u.ID, SystemRole: u.SystemRole}
}

// Claims are the access token claims. They deliberately carry no tenant:
// the tenant is resolved per request.
type Claims struct {
	UserID     int64              `json:"uid"`
	SystemRole storage.SystemRole `json:"role"`
	jwt.RegisteredClaims
}

// Principal returns the identity the claims describe
func (c *Claims) Principal() Principal {
	return Principal{UserID: c.UserID, SystemRole: c.SystemRole}
}

func newClaims(p Principal) Claims {
	return Claims{
		UserID:     p.UserID,
		SystemRole: p.SystemRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: strconv.FormatInt(p.UserID, 10),
		},
	}
}

// AccessToken is a signed, short-lived bearer credential
type AccessToken struct {
	Token     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshToken is the opaque refresh credential handed to the client. Token
// is only available at issue time; the store keeps its hash.
type RefreshToken struct {
	Token     string    `json:"-"`
	ChainID   string    `json:"-"`
	ExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenPair is the result of login and rotation
type TokenPair struct {
	Access  AccessToken
	Refresh RefreshToken
}
