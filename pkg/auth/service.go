package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/storage"
)

const (
	DefaultAccessTTL    = 15 * time.Minute
	DefaultRefreshTTL   = 7 * 24 * time.Hour
	DefaultStoreTimeout = 3 * time.Second
)

// Revocation reasons recorded on refresh tokens
const (
	RevokeReasonReuse   = "reuse_detected"
	RevokeReasonLogout  = "logout"
	RevokeReasonRevoked = "revoked"
)

// Service issues, rotates and validates credentials
type Service struct {
	signer    *Signer
	tokens    storage.RefreshTokenStore
	users     storage.UserStore
	hasher    PasswordHasher
	codec     refreshCodec

	accessTTL    time.Duration
	refreshTTL   time.Duration
	storeTimeout time.Duration
	now          func() time.Time

	logger  *logrus.Logger
	audit   *AuditLogger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// Option configures a Service
type Option func(*Service)

// WithAccessTTL sets the access token lifetime
func WithAccessTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.accessTTL = d
		}
	}
}

// WithRefreshTTL sets the refresh token lifetime
func WithRefreshTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refreshTTL = d
		}
	}
}

// WithStoreTimeout bounds each store call
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger used for operational and audit entries
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics records token metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPasswordHasher replaces the default bcrypt hasher
func WithPasswordHasher(h PasswordHasher) Option {
	return func(s *Service) { s.hasher = h }
}

// NewService creates a token service
func NewService(signer *Signer, tokens storage.RefreshTokenStore, users storage.UserStore, opts ...Option) *Service {
	s := &Service{
		signer:       signer,
		tokens:       tokens,
		users:        users,
		hasher:       NewBcryptHasher(),
		codec:        newRefreshCodec(),
		accessTTL:    DefaultAccessTTL,
		refreshTTL:   DefaultRefreshTTL,
		storeTimeout: DefaultStoreTimeout,
		now:          time.Now,
		tracer:       observability.Tracer("auth"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.OrDefault(s.logger)
	s.audit = NewAuditLogger(s.logger)
	return s
}

// IssueAccessToken signs a short-lived access token for p
func (s *Service) IssueAccessToken(p Principal) (AccessToken, error) {
	expiresAt := s.now().Add(s.accessTTL)
	signed, err := s.signer.Sign(newClaims(p), expiresAt)
	if err != nil {
		return AccessToken{}, err
	}
	s.metrics.RecordTokenIssued("access")
	return AccessToken{Token: signed, ExpiresAt: expiresAt}, nil
}

// ValidateAccessToken verifies token and returns its claims
func (s *Service) ValidateAccessToken(token string) (*Claims, error) {
	return s.signer.Verify(token)
}

// IssueRefreshToken starts a new rotation chain for p
func (s *Service) IssueRefreshToken(ctx context.Context, p Principal, clientIP string) (RefreshToken, error) {
	issued, record, err := s.newRefreshToken(p.UserID, uuid.NewString(), clientIP)
	if err != nil {
		return RefreshToken{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.tokens.CreateRefreshToken(ctx, record); err != nil {
		return RefreshToken{}, fmt.Errorf("failed to store refresh token: %w", err)
	}
	s.metrics.RecordTokenIssued("refresh")
	return issued, nil
}

func (s *Service) newRefreshToken(userID int64, chainID, clientIP string) (RefreshToken, *storage.RefreshToken, error) {
	value, hash, err := s.codec.mint()
	if err != nil {
		return RefreshToken{}, nil, err
	}

	now := s.now()
	record := &storage.RefreshToken{
		TokenHash:   hash,
		ChainID:     chainID,
		UserID:      userID,
		CreatedAt:   now,
		CreatedByIP: clientIP,
		ExpiresAt:   now.Add(s.refreshTTL),
	}
	return RefreshToken{Token: value, ChainID: chainID, ExpiresAt: record.ExpiresAt}, record, nil
}

// RotateRefreshToken exchanges a refresh token for a new access token and the
// next token of its chain. Presenting a token that was already rotated or
// revoked revokes the whole chain and fails with ErrRefreshTokenReused.
func (s *Service) RotateRefreshToken(ctx context.Context, presented, clientIP string) (TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "auth.RotateRefreshToken")
	defer span.End()

	pair, result, err := s.rotate(ctx, presented, clientIP)
	s.metrics.RecordRotation(result)
	span.SetAttributes(attribute.String("rotation.result", result))
	if err != nil {
		span.SetStatus(codes.Error, result)
		return TokenPair{}, err
	}
	return pair, nil
}

func (s *Service) rotate(ctx context.Context, presented, clientIP string) (TokenPair, string, error) {
	if s.codec.check(presented) != nil {
		return TokenPair{}, "not_found", ErrRefreshTokenNotFound
	}
	hash := digestRefreshToken(presented)

	stored, err := s.getRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			observability.FromContext(ctx).WithField("token_prefix", redactRefreshToken(presented)).
				Debug("unknown refresh token presented")
		}
		return TokenPair{}, resultFor(err), err
	}

	now := s.now()
	if stored.IsExpired(now) {
		if stored.IsReplaced() {
			// Successors outlive their parent, so a replayed expired ancestor can
			// still mean a stolen chain whose head is alive
			s.handleReuse(ctx, stored, clientIP)
		}
		_ = s.audit.LogAction(ctx, logrus.InfoLevel, AuditEvent{
			Action:    ActionRefreshExpired,
			Status:    StatusDenied,
			UserID:    stored.UserID,
			ChainID:   stored.ChainID,
			IPAddress: clientIP,
		})
		return TokenPair{}, "expired", ErrRefreshTokenExpired
	}

	if stored.IsRevoked() || stored.IsReplaced() {
		s.handleReuse(ctx, stored, clientIP)
		return TokenPair{}, "reused", ErrRefreshTokenReused
	}

	user, err := s.getUser(ctx, stored.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return TokenPair{}, "not_found", ErrRefreshTokenNotFound
	}
	if err != nil {
		return TokenPair{}, "error", err
	}

	next, child, err := s.newRefreshToken(stored.UserID, stored.ChainID, clientIP)
	if err != nil {
		return TokenPair{}, "error", err
	}

	rotateCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	err = s.tokens.RotateRefreshToken(rotateCtx, hash, child, now, clientIP)
	cancel()
	switch {
	case errors.Is(err, storage.ErrConflict):
		// Lost the race: someone else rotated this token first
		s.handleReuse(ctx, stored, clientIP)
		return TokenPair{}, "reused", ErrRefreshTokenReused
	case errors.Is(err, storage.ErrNotFound):
		return TokenPair{}, "not_found", ErrRefreshTokenNotFound
	case err != nil:
		return TokenPair{}, "error", fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	s.metrics.RecordTokenIssued("refresh")

	access, err := s.IssueAccessToken(PrincipalFromUser(user))
	if err != nil {
		return TokenPair{}, "error", err
	}

	_ = s.audit.LogAction(ctx, logrus.DebugLevel, AuditEvent{
		Action:    ActionRefreshRotated,
		Status:    StatusSuccess,
		UserID:    stored.UserID,
		ChainID:   stored.ChainID,
		IPAddress: clientIP,
	})
	return TokenPair{Access: access, Refresh: next}, "rotated", nil
}

// handleReuse revokes every active token of the chain. It runs detached from
// the caller's cancellation so an abandoned request cannot skip it.
func (s *Service) handleReuse(ctx context.Context, stored *storage.RefreshToken, clientIP string) {
	s.metrics.RecordReuseDetected()

	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	revoked, err := s.tokens.RevokeChain(revokeCtx, stored.ChainID, s.now(), clientIP, RevokeReasonReuse)
	if err != nil {
		observability.FromContext(ctx).WithError(err).WithField("chain_id", stored.ChainID).
			Error("failed to revoke refresh chain after reuse")
	}

	_ = s.audit.LogAction(ctx, logrus.WarnLevel, AuditEvent{
		Action:    ActionRefreshReuse,
		Status:    StatusDenied,
		UserID:    stored.UserID,
		ChainID:   stored.ChainID,
		IPAddress: clientIP,
		Revoked:   revoked,
	})
}

// Login verifies email and password and starts a new session
func (s *Service) Login(ctx context.Context, email, password, clientIP string) (TokenPair, error) {
	user, err := s.getUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, storage.ErrNotFound) {
		s.loginFailed(ctx, 0, clientIP, "unknown email")
		return TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		return TokenPair{}, err
	}

	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		s.loginFailed(ctx, user.ID, clientIP, "password mismatch")
		return TokenPair{}, ErrInvalidCredentials
	}

	p := PrincipalFromUser(user)
	access, err := s.IssueAccessToken(p)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.IssueRefreshToken(ctx, p, clientIP)
	if err != nil {
		return TokenPair{}, err
	}

	_ = s.audit.LogAction(ctx, logrus.InfoLevel, AuditEvent{
		Action:    ActionLogin,
		Status:    StatusSuccess,
		UserID:    user.ID,
		ChainID:   refresh.ChainID,
		IPAddress: clientIP,
	})
	return TokenPair{Access: access, Refresh: refresh}, nil
}

func (s *Service) loginFailed(ctx context.Context, userID int64, clientIP, reason string) {
	_ = s.audit.LogAction(ctx, logrus.InfoLevel, AuditEvent{
		Action:    ActionLoginFailure,
		Status:    StatusFailure,
		UserID:    userID,
		IPAddress: clientIP,
		Reason:    reason,
	})
}

// Logout revokes the chain of the presented refresh token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, presented, clientIP string) error {
	if s.codec.check(presented) != nil {
		return nil
	}

	stored, err := s.getRefreshToken(ctx, digestRefreshToken(presented))
	if errors.Is(err, ErrRefreshTokenNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	revoked, err := s.tokens.RevokeChain(ctx, stored.ChainID, s.now(), clientIP, RevokeReasonLogout)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	_ = s.audit.LogAction(ctx, logrus.InfoLevel, AuditEvent{
		Action:    ActionLogout,
		Status:    StatusSuccess,
		UserID:    stored.UserID,
		ChainID:   stored.ChainID,
		IPAddress: clientIP,
		Revoked:   revoked,
	})
	return nil
}

// RevokeAllForUser ends every session of a user
func (s *Service) RevokeAllForUser(ctx context.Context, userID int64, reason string) (int64, error) {
	if reason == "" {
		reason = RevokeReasonRevoked
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	revoked, err := s.tokens.RevokeUserTokens(ctx, userID, s.now(), reason)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions of user %d: %w", userID, err)
	}

	_ = s.audit.LogAction(ctx, logrus.InfoLevel, AuditEvent{
		Action:  ActionSessionsRevoked,
		Status:  StatusSuccess,
		UserID:  userID,
		Reason:  reason,
		Revoked: revoked,
	})
	return revoked, nil
}

// PurgeExpired deletes refresh tokens that expired more than retention ago
func (s *Service) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	n, err := s.tokens.DeleteExpiredRefreshTokens(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired refresh tokens: %w", err)
	}
	return n, nil
}

func (s *Service) getRefreshToken(ctx context.Context, hash string) (*storage.RefreshToken, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	stored, err := s.tokens.GetRefreshToken(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	return stored, nil
}

func (s *Service) getUser(ctx context.Context, id int64) (*storage.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.users.GetUser(ctx, id)
}

func (s *Service) getUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.users.GetUserByEmail(ctx, email)
}

func resultFor(err error) string {
	if errors.Is(err, ErrRefreshTokenNotFound) {
		return "not_found"
	}
	return "error"
}
