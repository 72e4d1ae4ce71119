package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/storage"
)

type fakeValidator map[string]error

func (f fakeValidator) ValidateAccessToken(token string) (*auth.Claims, error) {
	err, ok := f[token]
	if !ok {
		return nil, auth.ErrTokenInvalidSignature
	}
	if err != nil {
		return nil, err
	}
	return &auth.Claims{UserID: 42, SystemRole: storage.SystemRoleNone}, nil
}

func TestAuthMiddleware(t *testing.T) {
	validator := fakeValidator{"good": nil, "old": auth.ErrTokenExpired}

	tests := []struct {
		name         string
		header       string
		optional     bool
		wantStatus   int
		wantExpired  bool
		wantIdentity bool
	}{
		{name: "valid token", header: "Bearer good", wantStatus: http.StatusOK, wantIdentity: true},
		{name: "lowercase scheme", header: "bearer good", wantStatus: http.StatusOK, wantIdentity: true},
		{name: "missing header", wantStatus: http.StatusUnauthorized},
		{name: "missing header optional", optional: true, wantStatus: http.StatusOK},
		{name: "wrong scheme", header: "Basic good", wantStatus: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", wantStatus: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer forged", wantStatus: http.StatusUnauthorized},
		{name: "expired token", header: "Bearer old", wantStatus: http.StatusUnauthorized, wantExpired: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotIdentity bool
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p, ok := PrincipalFromContext(r.Context())
				if ok {
					gotIdentity = true
					assert.Equal(t, int64(42), p.UserID)
					assert.Equal(t, "42", contextkeys.GetUserID(r.Context()))
				}
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			NewAuthMiddleware(validator, tt.optional).Handler(next).ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantIdentity, gotIdentity)
			if tt.wantExpired {
				assert.Equal(t, "true", rec.Header().Get("Token-Expired"))
			} else {
				assert.Empty(t, rec.Header().Get("Token-Expired"))
			}
		})
	}
}
