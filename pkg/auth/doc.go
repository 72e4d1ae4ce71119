// Package auth issues and validates credentials.
//
// # Overview
//
// Access tokens are HS256 JWTs with a short lifetime (15 minutes by default)
// carrying the user ID and system role. They carry no tenant: one principal may
// belong to many organizations and the tenant is resolved per request.
//
// Refresh tokens are opaque random strings that rotate on every use:
//
//	pair, err := svc.Login(ctx, "a@x.com", password, clientIP)
//	pair, err = svc.RotateRefreshToken(ctx, pair.Refresh.Token, clientIP)
//
// Only the SHA-256 digest of a refresh token is stored. Every token belongs to
// a rotation chain started at login. Rotation is a conditional update that only
// succeeds while the presented token is active, so two concurrent rotations of
// one token produce one winner and one ErrRefreshTokenReused.
//
// # Reuse Detection
//
// Presenting a token that was already rotated or revoked revokes every active
// token of its chain and returns ErrRefreshTokenReused. The revocation runs on
// a context detached from the caller and is logged as audit action
// auth.refresh_reuse at Warn level, distinct from auth.refresh_expired.
//
// # Errors
//
//	ErrTokenInvalidSignature, ErrTokenExpired      access token validation
//	ErrRefreshTokenNotFound, ErrRefreshTokenExpired refresh rotation
//	ErrRefreshTokenReused                          terminal, never retry
//	ErrInvalidCredentials                          any failed login
package auth
