package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLength is the shortest accepted HMAC secret in bytes
const MinSecretLength = 32

// Signer signs and verifies HS256 access tokens
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// SignerOption configures a Signer
type SignerOption func(*Signer)

// WithSignerClock overrides the time source used for iat and expiry checks
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner creates a signer. The secret must be at least MinSecretLength bytes.
func NewSigner(secret []byte, issuer string, opts ...SignerOption) (*Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrSecretTooShort, MinSecretLength, len(secret))
	}
	s := &Signer{
		secret: append([]byte(nil), secret...),
		issuer: issuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign stamps claims with issuer, issue time, expiry and a unique ID and signs them
func (s *Signer) Sign(claims Claims, expiresAt time.Time) (string, error) {
	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(s.now())
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	claims.ID = uuid.NewString()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer and expiry of token. Expiry maps to
// ErrTokenExpired; every other failure maps to ErrTokenInvalidSignature.
func (s *Signer) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalidSignature, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalidSignature
	}
	if claims.UserID == 0 {
		return nil, fmt.Errorf("%w: missing uid", ErrTokenInvalidSignature)
	}
	if !claims.SystemRole.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrTokenInvalidSignature, claims.SystemRole)
	}
	return claims, nil
}
