package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/observability"
)

func TestRequestID(t *testing.T) {
	logger, hook := test.NewNullLogger()
	incoming := uuid.NewString()

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{name: "generated", header: ""},
		{name: "propagated", header: incoming, keep: true},
		{name: "malformed replaced", header: "not-a-uuid\r\nX-Evil: 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = contextkeys.GetRequestID(r.Context())
				observability.FromContext(r.Context()).Info("handled")
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			_, err := uuid.Parse(seen)
			assert.NoError(t, err)
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
			if tt.keep {
				assert.Equal(t, incoming, seen)
			}
			assert.Equal(t, seen, hook.LastEntry().Data["request_id"])
		})
	}
}
