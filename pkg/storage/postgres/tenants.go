package postgres

import (
	"context"
	"strings"

	"github.com/platinummonkey/warden/pkg/storage"
)

// GetOrganizationBySlug retrieves an organization by its slug
func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*storage.Organization, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, slug, name, active, created_at
		FROM organizations
		WHERE slug = $1
	`

	org := &storage.Organization{}
	err := s.db.QueryRowContext(ctx, query, slug).Scan(
		&org.ID,
		&org.Slug,
		&org.Name,
		&org.Active,
		&org.CreatedAt,
	)
	if err != nil {
		return nil, wrapErr(err)
	}
	return org, nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	return s.getUser(ctx, `WHERE id = $1`, id)
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	return s.getUser(ctx, `WHERE email = $1`, strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) getUser(ctx context.Context, where string, arg interface{}) (*storage.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT id, email, password_hash, system_role, created_at FROM users ` + where

	user := &storage.User{}
	var role string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&role,
		&user.CreatedAt,
	)
	if err != nil {
		return nil, wrapErr(err)
	}

	user.SystemRole = storage.SystemRole(role)
	if !user.SystemRole.Valid() {
		user.SystemRole = storage.SystemRoleNone
	}
	return user, nil
}
