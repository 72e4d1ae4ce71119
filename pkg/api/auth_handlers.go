package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
)

// login handles POST /auth/login
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "email and password are required")
		return
	}

	pair, err := s.auth.Login(r.Context(), req.Email, req.Password, auth.ClientIP(r))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	s.cookie.set(w, pair.Refresh.Token, pair.Refresh.ExpiresAt)
	_ = httputil.WriteSuccess(w, tokenResponse(pair))
}

// refresh handles POST /auth/refresh. The presented cookie is consumed; a
// rejected token also clears it so the client stops replaying it.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	presented := s.cookie.read(r)
	if presented == "" {
		httputil.WriteUnauthorized(w, "missing refresh token")
		return
	}

	pair, err := s.auth.RotateRefreshToken(r.Context(), presented, auth.ClientIP(r))
	if err != nil {
		if isTerminalRefreshError(err) {
			s.cookie.clear(w)
		}
		middleware.WriteError(w, r, err)
		return
	}

	s.cookie.set(w, pair.Refresh.Token, pair.Refresh.ExpiresAt)
	_ = httputil.WriteSuccess(w, tokenResponse(pair))
}

// logout handles POST /auth/logout
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if presented := s.cookie.read(r); presented != "" {
		if err := s.auth.Logout(r.Context(), presented, auth.ClientIP(r)); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
	}
	s.cookie.clear(w)
	httputil.WriteNoContent(w)
}

func isTerminalRefreshError(err error) bool {
	return errors.Is(err, auth.ErrRefreshTokenReused) ||
		errors.Is(err, auth.ErrRefreshTokenExpired) ||
		errors.Is(err, auth.ErrRefreshTokenNotFound)
}
