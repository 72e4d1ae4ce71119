package api

import (
	"net/http"

	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/permissions"
	"github.com/platinummonkey/warden/pkg/storage"
	"github.com/platinummonkey/warden/pkg/tenancy"
)

// getPermission handles GET /orgs/{org_slug}/permissions/{resource}
func (s *Server) getPermission(w http.ResponseWriter, r *http.Request) {
	resource, ok := httputil.ParsePathStringOrError(w, r, "resource")
	if !ok {
		return
	}
	p, _ := middleware.PrincipalFromContext(r.Context())
	tenant, _ := tenancy.FromContext(r.Context())

	level, err := s.perms.Resolve(r.Context(), p, tenant, resource)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	_ = httputil.WriteSuccess(w, PermissionResponse{
		Tenant:   tenant.Slug,
		Resource: resource,
		Level:    level.String(),
		Value:    int(level),
	})
}

// setPermission handles PUT /orgs/{org_slug}/authorities/{authority_id}/permissions/{resource}
func (s *Server) setPermission(w http.ResponseWriter, r *http.Request) {
	authorityID, resource, ok := s.authorityAndResource(w, r)
	if !ok {
		return
	}

	var req SetPermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	level, err := permissions.ParseLevel(req.Level)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := s.manager.SetResourcePermission(r.Context(), authorityID, resource, level); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// removePermission handles DELETE /orgs/{org_slug}/authorities/{authority_id}/permissions/{resource}
func (s *Server) removePermission(w http.ResponseWriter, r *http.Request) {
	authorityID, resource, ok := s.authorityAndResource(w, r)
	if !ok {
		return
	}
	if err := s.manager.RemoveResourcePermission(r.Context(), authorityID, resource); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// assign handles POST /orgs/{org_slug}/authorities/{authority_id}/assignments/{user_id}
func (s *Server) assign(w http.ResponseWriter, r *http.Request) {
	authorityID, userID, ok := s.authorityAndUser(w, r)
	if !ok {
		return
	}
	if err := s.manager.AssignAuthority(r.Context(), userID, authorityID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// unassign handles DELETE /orgs/{org_slug}/authorities/{authority_id}/assignments/{user_id}
func (s *Server) unassign(w http.ResponseWriter, r *http.Request) {
	authorityID, userID, ok := s.authorityAndUser(w, r)
	if !ok {
		return
	}
	if err := s.manager.UnassignAuthority(r.Context(), userID, authorityID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) authorityAndResource(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	authorityID, ok := s.tenantAuthority(w, r)
	if !ok {
		return 0, "", false
	}
	resource, ok := httputil.ParsePathStringOrError(w, r, "resource")
	return authorityID, resource, ok
}

func (s *Server) authorityAndUser(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	authorityID, ok := s.tenantAuthority(w, r)
	if !ok {
		return 0, 0, false
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	return authorityID, userID, ok
}

// tenantAuthority parses {authority_id} and checks the authority may be
// administered from the request's tenant: scoped authorities only from their
// own tenant, global authorities only by system admins
func (s *Server) tenantAuthority(w http.ResponseWriter, r *http.Request) (int64, bool) {
	authorityID, ok := httputil.ParsePathInt64OrError(w, r, "authority_id")
	if !ok {
		return 0, false
	}

	authority, err := s.manager.GetAuthority(r.Context(), authorityID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return 0, false
	}

	tenant, _ := tenancy.FromContext(r.Context())
	p, _ := middleware.PrincipalFromContext(r.Context())
	switch {
	case authority.IsGlobal() && !p.IsAdmin():
		httputil.WriteErrorCode(w, http.StatusForbidden, "global_authority", "global authorities are managed by system admins")
		return 0, false
	case !authority.IsGlobal() && *authority.OrganizationID != tenant.OrganizationID:
		observability.FromContext(r.Context()).WithField("authority_id", authorityID).Warn("authority belongs to another tenant")
		middleware.WriteError(w, r, storage.ErrNotFound)
		return 0, false
	}
	return authorityID, true
}
