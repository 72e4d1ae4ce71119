package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create organizations and users tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id BIGSERIAL PRIMARY KEY,
					slug VARCHAR(63) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					email VARCHAR(320) NOT NULL UNIQUE,
					password_hash TEXT NOT NULL,
					system_role VARCHAR(16) NOT NULL DEFAULT 'none',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create memberships, authorities and grants",
			SQL: `
				CREATE TABLE IF NOT EXISTS memberships (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					role VARCHAR(64) NOT NULL DEFAULT 'member',
					PRIMARY KEY (user_id, organization_id)
				);

				CREATE TABLE IF NOT EXISTS authorities (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					is_system_authority BOOLEAN NOT NULL DEFAULT FALSE,
					organization_id BIGINT REFERENCES organizations(id) ON DELETE CASCADE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (name, organization_id)
				);

				CREATE TABLE IF NOT EXISTS resource_permissions (
					authority_id BIGINT NOT NULL REFERENCES authorities(id) ON DELETE CASCADE,
					resource VARCHAR(255) NOT NULL,
					level SMALLINT NOT NULL CHECK (level BETWEEN 0 AND 5),
					PRIMARY KEY (authority_id, resource)
				);

				CREATE TABLE IF NOT EXISTS authority_assignments (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					authority_id BIGINT NOT NULL REFERENCES authorities(id) ON DELETE CASCADE,
					PRIMARY KEY (user_id, authority_id)
				);

				CREATE INDEX IF NOT EXISTS idx_authority_assignments_authority ON authority_assignments(authority_id);
				CREATE INDEX IF NOT EXISTS idx_authorities_organization ON authorities(organization_id);
			`,
		},
		{
			Version:     3,
			Description: "Create refresh_tokens table",
			SQL: `
				CREATE TABLE IF NOT EXISTS refresh_tokens (
					token_hash CHAR(64) PRIMARY KEY,
					chain_id UUID NOT NULL,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					created_at TIMESTAMPTZ NOT NULL,
					created_by_ip VARCHAR(64) NOT NULL DEFAULT '',
					expires_at TIMESTAMPTZ NOT NULL,
					revoked_at TIMESTAMPTZ,
					revoked_by_ip VARCHAR(64),
					revoked_reason VARCHAR(64),
					replaced_by_hash CHAR(64)
				);

				CREATE INDEX IF NOT EXISTS idx_refresh_tokens_chain ON refresh_tokens(chain_id);
				CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id);
				CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON refresh_tokens(expires_at);
			`,
		},
	}
}

// Migrate applies every migration not yet recorded in schema_migrations
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range GetMigrations() {
		var applied bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.Version, err)
		}
		if applied {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`, m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
