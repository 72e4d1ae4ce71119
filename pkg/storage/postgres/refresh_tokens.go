package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/warden/pkg/storage"
)

// RevokeReasonRotated is recorded on a token that minted its successor
const RevokeReasonRotated = "rotated"

const refreshTokenColumns = `token_hash, chain_id, user_id, created_at, created_by_ip, expires_at,
		revoked_at, revoked_by_ip, revoked_reason, replaced_by_hash`

// CreateRefreshToken inserts a refresh token row
func (s *Store) CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := insertRefreshToken(ctx, s.db, token); err != nil {
		return fmt.Errorf("failed to create refresh token: %w", wrapErr(err))
	}
	return nil
}

// GetRefreshToken retrieves a refresh token by the digest of its value
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token_hash = $1`

	token, err := scanRefreshToken(s.db.QueryRowContext(ctx, query, tokenHash))
	if err != nil {
		return nil, wrapErr(err)
	}
	return token, nil
}

// RotateRefreshToken marks the parent as revoked and replaced, then inserts the
// child, in one transaction. The update only matches a still-active parent, so of
// two concurrent rotations exactly one commits and the other gets ErrConflict.
func (s *Store) RotateRefreshToken(ctx context.Context, tokenHash string, child *storage.RefreshToken, at time.Time, ip string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rotation: %w", wrapErr(err))
	}
	defer tx.Rollback()

	query := `
		UPDATE refresh_tokens
		SET revoked_at = $1, revoked_by_ip = $2, revoked_reason = $3, replaced_by_hash = $4
		WHERE token_hash = $5 AND revoked_at IS NULL AND replaced_by_hash IS NULL
	`

	result, err := tx.ExecContext(ctx, query, at.UTC(), nullString(ip), RevokeReasonRotated, child.TokenHash, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to revoke parent token: %w", wrapErr(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke parent token: %w", wrapErr(err))
	}
	if n == 0 {
		return storage.ErrConflict
	}

	if err := insertRefreshToken(ctx, tx, child); err != nil {
		return fmt.Errorf("failed to create child token: %w", wrapErr(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rotation: %w", wrapErr(err))
	}
	return nil
}

// RevokeChain revokes every still-active token in a rotation chain
func (s *Store) RevokeChain(ctx context.Context, chainID string, at time.Time, ip, reason string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE refresh_tokens
		SET revoked_at = $1, revoked_by_ip = $2, revoked_reason = $3
		WHERE chain_id = $4 AND revoked_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, at.UTC(), nullString(ip), reason, chainID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke chain: %w", wrapErr(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

// RevokeUserTokens revokes every still-active token of a user
func (s *Store) RevokeUserTokens(ctx context.Context, userID int64, at time.Time, reason string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE refresh_tokens
		SET revoked_at = $1, revoked_reason = $2
		WHERE user_id = $3 AND revoked_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, at.UTC(), reason, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user tokens: %w", wrapErr(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

// DeleteExpiredRefreshTokens removes tokens that expired before the cutoff
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", wrapErr(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertRefreshToken(ctx context.Context, db execer, token *storage.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (token_hash, chain_id, user_id, created_at, created_by_ip, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := db.ExecContext(ctx, query,
		token.TokenHash,
		token.ChainID,
		token.UserID,
		token.CreatedAt.UTC(),
		token.CreatedByIP,
		token.ExpiresAt.UTC(),
	)
	return err
}

func scanRefreshToken(row *sql.Row) (*storage.RefreshToken, error) {
	token := &storage.RefreshToken{}
	var (
		revokedAt      sql.NullTime
		revokedByIP    sql.NullString
		revokedReason  sql.NullString
		replacedByHash sql.NullString
	)

	err := row.Scan(
		&token.TokenHash,
		&token.ChainID,
		&token.UserID,
		&token.CreatedAt,
		&token.CreatedByIP,
		&token.ExpiresAt,
		&revokedAt,
		&revokedByIP,
		&revokedReason,
		&replacedByHash,
	)
	if err != nil {
		return nil, err
	}

	if revokedAt.Valid {
		t := revokedAt.Time
		token.RevokedAt = &t
	}
	token.RevokedByIP = revokedByIP.String
	token.RevokedReason = revokedReason.String
	token.ReplacedByHash = replacedByHash.String
	return token, nil
}
