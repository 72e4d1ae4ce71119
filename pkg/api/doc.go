// Package api provides the HTTP surface of the authorization service.
//
// # Routes
//
// Session endpoints, rate limited per client IP:
//
//	POST /auth/login      {"email","password"} -> access token, refresh cookie
//	POST /auth/refresh    refresh cookie -> rotated access token and cookie
//	POST /auth/logout     revokes the cookie's session chain
//
// Tenant endpoints, authenticated with a Bearer access token:
//
//	GET    /orgs/{org_slug}/permissions/{resource}
//	PUT    /orgs/{org_slug}/authorities/{authority_id}/permissions/{resource}   {"level":"Edit"}
//	DELETE /orgs/{org_slug}/authorities/{authority_id}/permissions/{resource}
//	POST   /orgs/{org_slug}/authorities/{authority_id}/assignments/{user_id}
//	DELETE /orgs/{org_slug}/authorities/{authority_id}/assignments/{user_id}
//
// Authority administration requires Full on the "Authority" resource in the
// tenant. Scoped authorities can only be administered from their own tenant;
// global authorities only by system admins.
//
// The refresh token never appears in a response body. It travels in an
// HttpOnly, Secure, SameSite=Strict cookie scoped to /auth, and is cleared
// whenever the server rejects it as reused, expired or unknown.
//
// # Usage
//
//	srv := api.NewServer(api.Config{
//		Auth:        authService,
//		Permissions: engine,
//		Manager:     manager,
//		Tenants:     resolver,
//		AuthLimiter: limiter,
//		Logger:      logger,
//		Metrics:     metrics,
//	})
//	http.ListenAndServe(":8080", srv.Handler())
package api
