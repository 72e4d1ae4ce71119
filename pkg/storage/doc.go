// Package storage defines the persistence boundary of the authorization core.
//
// # Overview
//
// The core never talks to a database directly. Tenant resolution, permission
// resolution and the refresh token lifecycle each depend on a narrow accessor
// interface declared here:
//
//   - TenantStore: organization lookup by slug
//   - UserStore: principal lookup by id or email
//   - PermissionReader / PermissionWriter: authorities, resource permissions,
//     authority assignments and memberships
//   - RefreshTokenStore: refresh token rows and the conditional rotation update
//
// The postgres subpackage implements all of them on database/sql.
//
// # Errors
//
// Implementations return ErrNotFound for missing rows, ErrConflict when a
// conditional update matched nothing, and wrap transient driver failures in
// ErrStoreUnavailable:
//
//	perm, err := store.ListGrantedPermissions(ctx, userID, orgID)
//	if storage.IsUnavailable(err) {
//		// retryable, never a denial
//	}
package storage
