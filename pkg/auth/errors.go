package auth

import "errors"

var (
	// ErrTokenInvalidSignature covers every access token that fails verification other than by expiry
	ErrTokenInvalidSignature = errors.New("invalid token signature")

	// ErrTokenExpired means the access token verified but is past its expiry
	ErrTokenExpired = errors.New("token expired")

	// ErrRefreshTokenNotFound means no stored refresh token matches
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrRefreshTokenExpired means the refresh token is past its expiry
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// ErrRefreshTokenReused means an already rotated or revoked refresh token was
	// presented. The chain has been revoked; the client must log in again.
	ErrRefreshTokenReused = errors.New("refresh token reused")

	// ErrInvalidCredentials is returned for any failed login
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrSecretTooShort is returned by NewSigner for weak secrets
	ErrSecretTooShort = errors.New("signing secret too short")
)

// IsAuthenticationError reports whether err should be surfaced as 401
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrTokenInvalidSignature) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrRefreshTokenNotFound) ||
		errors.Is(err, ErrRefreshTokenExpired) ||
		errors.Is(err, ErrRefreshTokenReused) ||
		errors.Is(err, ErrInvalidCredentials)
}
