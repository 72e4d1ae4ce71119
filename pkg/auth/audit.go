package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/observability"
)

// Audit action constants
const (
	ActionLogin           = "auth.login"
	ActionLoginFailure    = "auth.login_failure"
	ActionLogout          = "auth.logout"
	ActionRefreshRotated  = "auth.refresh_rotated"
	ActionRefreshExpired  = "auth.refresh_expired"
	ActionRefreshReuse    = "auth.refresh_reuse"
	ActionSessionsRevoked = "auth.sessions_revoked"
)

// Status constants
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusDenied  = "denied"
)

// AuditEvent is one security-relevant event
type AuditEvent struct {
	Action    string
	Status    string
	UserID    int64
	ChainID   string
	IPAddress string
	Reason    string
	Revoked   int64
}

// AuditLogger writes security events as structured log entries marked audit=true
type AuditLogger struct {
	logger *logrus.Logger
}

// NewAuditLogger creates an audit logger writing to logger
func NewAuditLogger(logger *logrus.Logger) *AuditLogger {
	return &AuditLogger{logger: observability.OrDefault(logger)}
}

// LogAction records an event at the given level
func (al *AuditLogger) LogAction(ctx context.Context, level logrus.Level, event AuditEvent) error {
	if event.Action == "" {
		return fmt.Errorf("action is required")
	}
	if event.Status == "" {
		return fmt.Errorf("status is required")
	}

	fields := logrus.Fields{
		"audit":  true,
		"action": event.Action,
		"status": event.Status,
	}
	if event.UserID != 0 {
		fields["user_id"] = event.UserID
	}
	if event.ChainID != "" {
		fields["chain_id"] = event.ChainID
	}
	if event.IPAddress != "" {
		fields["ip_address"] = event.IPAddress
	}
	if event.Reason != "" {
		fields["reason"] = event.Reason
	}
	if event.Revoked != 0 {
		fields["revoked"] = event.Revoked
	}

	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		fields["request_id"] = requestID
	}

	entry := al.logger.WithContext(ctx).WithFields(fields)
	entry = observability.TraceFields(ctx, entry)
	entry.Log(level, "audit: "+event.Action)
	return nil
}

// ClientIP returns the originating client address of r
func ClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (if behind proxy); the first hop is the client
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
