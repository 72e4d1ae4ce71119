package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/tenancy"
)

// OrgSlugVar is the route variable naming the tenant
const OrgSlugVar = "org_slug"

// TenantResolver maps a slug to an active tenant
type TenantResolver interface {
	Resolve(ctx context.Context, slug string) (tenancy.TenantContext, error)
}

// TenantMiddleware resolves {org_slug} and adds the tenant to the request context.
// Routes without the variable pass through untouched.
func TenantMiddleware(resolver TenantResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slug, ok := mux.Vars(r)[OrgSlugVar]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			tenant, err := resolver.Resolve(r.Context(), slug)
			if err != nil {
				WriteError(w, r, err)
				return
			}

			ctx := tenancy.WithTenant(r.Context(), tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
