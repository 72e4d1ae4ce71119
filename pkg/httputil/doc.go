// Package httputil provides HTTP handler utilities for consistent JSON
// responses and request parsing.
//
// Response helpers:
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteBadRequest(w, "resource is required")
//	httputil.WriteNoContent(w)
//
// Request parsing:
//
//	var req LoginRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	id, ok := httputil.ParsePathInt64OrError(w, r, "authority_id")
//
// Middleware:
//
//	httputil.Chain(
//		httputil.LoggingMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
