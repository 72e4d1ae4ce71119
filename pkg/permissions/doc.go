// Package permissions resolves a principal's access level on a resource within
// a tenant.
//
// # Resolution
//
//	level, err := engine.Resolve(ctx, principal, tenant, "Package")
//
// Admins always get Full. A principal without a membership in the tenant gets
// None for everything, whatever authorities it holds. Otherwise the level is
// the maximum granted by the principal's authorities that are scoped to the
// tenant or global; unlisted resources are None.
//
// # Caching
//
// Resolved maps are cached per (tenant, user) under "perm:<tenant>:<user>".
// Entries are immutable and replaced whole, so readers never block. Each entry
// records when its store read began; an invalidation at or after that time
// evicts it, even if the fill lands after the invalidation. Invalidations
// arrive from a cachebus.Bus and are ignored for keys that already applied a
// newer one.
//
// Concurrent misses for one key share a single store read, which runs detached
// from the callers so an abandoned request does not abort it.
//
// # Mutations
//
// Manager writes authorities, grants, assignments and memberships and
// publishes the matching invalidations.
package permissions
