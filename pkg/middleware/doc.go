// Package middleware provides HTTP middleware for request IDs, authentication,
// tenant resolution, permission checks and rate limiting.
//
// # Middleware Components
//
// RequestID: assigns X-Request-ID and a request-scoped logger
//
//	router.Use(middleware.RequestID(logger))
//
// AuthMiddleware: Bearer access token authentication
//
//	router.Use(middleware.NewAuthMiddleware(authService, false).Handler)
//	// 401 with "Token-Expired: true" when the token only expired
//
// TenantMiddleware: resolves {org_slug} into a tenancy.TenantContext
//
//	router.Use(middleware.TenantMiddleware(resolver))
//	// 404 unknown tenant, 403 inactive tenant, 503 store unavailable
//
// RequirePermission: per-route permission requirement
//
//	route.Handler(middleware.RequirePermission(engine, middleware.DefaultRetryPolicy(), "Authority", permissions.Full)(h))
//
// RateLimit: per client IP, backed by Redis (DistributedRateLimiter) or in-process (LocalRateLimiter)
//
//	router.Use(middleware.RateLimit(middleware.NewLocalRateLimiter(cfg), true, logger))
//
// # Errors
//
// WriteError is the single mapping from domain errors to HTTP responses; handlers
// in pkg/api use it too.
package middleware
