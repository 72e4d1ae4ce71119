package api

import (
	"net/http"
	"time"
)

// CookieConfig describes the refresh token cookie
type CookieConfig struct {
	Name string
	// Secure should only be false for plain-HTTP local development
	Secure bool
}

// DefaultCookieConfig returns the production cookie settings
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{Name: "warden_refresh", Secure: true}
}

// refreshCookiePath limits the cookie to the session endpoints
const refreshCookiePath = "/auth"

func (c CookieConfig) set(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    token,
		Path:     refreshCookiePath,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c CookieConfig) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c CookieConfig) read(r *http.Request) string {
	cookie, err := r.Cookie(c.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
