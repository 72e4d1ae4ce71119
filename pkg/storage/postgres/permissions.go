package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/warden/pkg/storage"
)

// HasMembership reports whether the user belongs to the organization
func (s *Store) HasMembership(ctx context.Context, userID, organizationID int64) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM memberships WHERE user_id = $1 AND organization_id = $2)`,
		userID, organizationID,
	).Scan(&exists)
	if err != nil {
		return false, wrapErr(err)
	}
	return exists, nil
}

// ListGrantedPermissions returns resource permission rows reachable through the
// user's authority assignments, limited to authorities scoped to the organization
// or to no organization at all
func (s *Store) ListGrantedPermissions(ctx context.Context, userID, organizationID int64) ([]storage.ResourcePermission, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT rp.authority_id, rp.resource, rp.level
		FROM authority_assignments aa
		JOIN authorities a ON a.id = aa.authority_id
		JOIN resource_permissions rp ON rp.authority_id = a.id
		WHERE aa.user_id = $1 AND (a.organization_id = $2 OR a.organization_id IS NULL)
		ORDER BY rp.resource, rp.authority_id
	`

	rows, err := s.db.QueryContext(ctx, query, userID, organizationID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var perms []storage.ResourcePermission
	for rows.Next() {
		var p storage.ResourcePermission
		if err := rows.Scan(&p.AuthorityID, &p.Resource, &p.Level); err != nil {
			return nil, wrapErr(err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return perms, nil
}

// CreateAuthority inserts a new authority and sets its ID
func (s *Store) CreateAuthority(ctx context.Context, authority *storage.Authority) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO authorities (name, is_system_authority, organization_id, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	var orgID sql.NullInt64
	if authority.OrganizationID != nil {
		orgID = sql.NullInt64{Int64: *authority.OrganizationID, Valid: true}
	}

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		authority.Name,
		authority.IsSystemAuthority,
		orgID,
		now,
	).Scan(&authority.ID)
	if err != nil {
		return fmt.Errorf("failed to create authority: %w", wrapErr(err))
	}

	authority.CreatedAt = now
	return nil
}

// GetAuthority retrieves an authority by ID
func (s *Store) GetAuthority(ctx context.Context, id int64) (*storage.Authority, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, name, is_system_authority, organization_id, created_at
		FROM authorities
		WHERE id = $1
	`

	authority := &storage.Authority{}
	var orgID sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&authority.ID,
		&authority.Name,
		&authority.IsSystemAuthority,
		&orgID,
		&authority.CreatedAt,
	)
	if err != nil {
		return nil, wrapErr(err)
	}

	if orgID.Valid {
		authority.OrganizationID = &orgID.Int64
	}
	return authority, nil
}

// SetResourcePermission inserts or updates the level an authority grants on a resource
func (s *Store) SetResourcePermission(ctx context.Context, perm storage.ResourcePermission) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO resource_permissions (authority_id, resource, level)
		VALUES ($1, $2, $3)
		ON CONFLICT (authority_id, resource) DO UPDATE SET level = EXCLUDED.level
	`

	if _, err := s.db.ExecContext(ctx, query, perm.AuthorityID, perm.Resource, perm.Level); err != nil {
		return fmt.Errorf("failed to set resource permission: %w", wrapErr(err))
	}
	return nil
}

// DeleteResourcePermission removes an authority's row for a resource
func (s *Store) DeleteResourcePermission(ctx context.Context, authorityID int64, resource string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM resource_permissions WHERE authority_id = $1 AND resource = $2`,
		authorityID, resource,
	)
	return affectedOrNotFound(result, err, "failed to delete resource permission")
}

// AssignAuthority grants an authority to a user; assigning twice is a no-op
func (s *Store) AssignAuthority(ctx context.Context, assignment storage.AuthorityAssignment) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO authority_assignments (user_id, authority_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, authority_id) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, assignment.UserID, assignment.AuthorityID); err != nil {
		return fmt.Errorf("failed to assign authority: %w", wrapErr(err))
	}
	return nil
}

// UnassignAuthority removes an authority from a user
func (s *Store) UnassignAuthority(ctx context.Context, assignment storage.AuthorityAssignment) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM authority_assignments WHERE user_id = $1 AND authority_id = $2`,
		assignment.UserID, assignment.AuthorityID,
	)
	return affectedOrNotFound(result, err, "failed to unassign authority")
}

// ListAuthorityAssignees returns the IDs of every user holding the authority
func (s *Store) ListAuthorityAssignees(ctx context.Context, authorityID int64) ([]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM authority_assignments WHERE authority_id = $1 ORDER BY user_id`,
		authorityID,
	)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var userIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr(err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return userIDs, nil
}

// AddMembership adds a user to an organization or updates their membership role
func (s *Store) AddMembership(ctx context.Context, membership storage.Membership) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	role := membership.Role
	if role == "" {
		role = "member"
	}

	query := `
		INSERT INTO memberships (user_id, organization_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, organization_id) DO UPDATE SET role = EXCLUDED.role
	`

	if _, err := s.db.ExecContext(ctx, query, membership.UserID, membership.OrganizationID, role); err != nil {
		return fmt.Errorf("failed to add membership: %w", wrapErr(err))
	}
	return nil
}

// RemoveMembership removes a user from an organization
func (s *Store) RemoveMembership(ctx context.Context, userID, organizationID int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memberships WHERE user_id = $1 AND organization_id = $2`,
		userID, organizationID,
	)
	return affectedOrNotFound(result, err, "failed to remove membership")
}

func affectedOrNotFound(result sql.Result, err error, msg string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", msg, wrapErr(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", msg, wrapErr(err))
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
