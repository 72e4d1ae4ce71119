package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// RefreshTokenPrefix marks a refresh token value. The rest of the value is
// refreshTokenEntropy random bytes in unpadded base64url. The value is a bearer
// secret; the store only ever sees its hex SHA-256 digest.
const RefreshTokenPrefix = "wrt_"

const (
	refreshTokenEntropy = 32

	// redactedLen is how many encoded characters may appear in logs
	redactedLen = 8
)

// errMalformedRefreshToken never leaves the package; callers see ErrRefreshTokenNotFound
var errMalformedRefreshToken = errors.New("malformed refresh token")

// refreshCodec mints refresh token values and maps them to store digests
type refreshCodec struct {
	entropy io.Reader
}

func newRefreshCodec() refreshCodec {
	return refreshCodec{entropy: rand.Reader}
}

// mint returns a new value for the client and the digest to persist
func (c refreshCodec) mint() (value, digest string, err error) {
	secret := make([]byte, refreshTokenEntropy)
	if _, err := io.ReadFull(c.entropy, secret); err != nil {
		return "", "", fmt.Errorf("failed to read refresh token entropy: %w", err)
	}
	value = RefreshTokenPrefix + base64.RawURLEncoding.EncodeToString(secret)
	return value, digestRefreshToken(value), nil
}

// check rejects values this service could not have minted, so they never
// reach the store
func (c refreshCodec) check(value string) error {
	encoded, ok := strings.CutPrefix(value, RefreshTokenPrefix)
	if !ok {
		return fmt.Errorf("%w: missing %q prefix", errMalformedRefreshToken, RefreshTokenPrefix)
	}
	secret, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformedRefreshToken, err)
	}
	if len(secret) != refreshTokenEntropy {
		return fmt.Errorf("%w: %d secret bytes", errMalformedRefreshToken, len(secret))
	}
	return nil
}

// digestRefreshToken is the lookup key of a refresh token value
func digestRefreshToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// redactRefreshToken keeps enough of a value to correlate log lines
func redactRefreshToken(value string) string {
	encoded, ok := strings.CutPrefix(value, RefreshTokenPrefix)
	if !ok {
		return ""
	}
	if len(encoded) > redactedLen {
		encoded = encoded[:redactedLen]
	}
	return RefreshTokenPrefix + encoded
}
