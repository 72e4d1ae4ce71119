package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/permissions"
)

// maxBodyBytes caps request bodies; every accepted body is a small JSON object
const maxBodyBytes = 64 << 10

// AuthorityResource is the resource guarding authority administration
const AuthorityResource = "Authority"

// Config holds the HTTP surface's collaborators
type Config struct {
	Auth        AuthService
	Permissions PermissionResolver
	Manager     PermissionManager
	Tenants     middleware.TenantResolver

	// AuthLimiter rate limits /auth/* per client IP; nil disables limiting
	AuthLimiter middleware.Limiter
	Cookie      CookieConfig
	Retry       middleware.RetryPolicy
	Logger      *logrus.Logger
	Metrics     *observability.Metrics
}

// Server represents our API server
type Server struct {
	auth     AuthService
	perms    PermissionResolver
	manager  PermissionManager
	tenants  middleware.TenantResolver
	limiter  middleware.Limiter
	cookie   CookieConfig
	retry    middleware.RetryPolicy
	logger   *logrus.Logger
	metrics  *observability.Metrics
	router   *mux.Router
	authMW   *middleware.AuthMiddleware
}

// NewServer creates a new API server and registers its routes
func NewServer(cfg Config) *Server {
	s := &Server{
		auth:    cfg.Auth,
		perms:   cfg.Permissions,
		manager: cfg.Manager,
		tenants: cfg.Tenants,
		limiter: cfg.AuthLimiter,
		cookie:  cfg.Cookie,
		retry:   cfg.Retry,
		logger:  observability.OrDefault(cfg.Logger),
		metrics: cfg.Metrics,
		router:  mux.NewRouter(),
	}
	if s.cookie.Name == "" {
		s.cookie = DefaultCookieConfig()
	}
	if s.retry.MaxRetries == 0 && s.retry.InitialInterval == 0 {
		s.retry = middleware.DefaultRetryPolicy()
	}
	s.authMW = middleware.NewAuthMiddleware(s.auth, false)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.metrics, routeTemplate))

	sessions := s.router.PathPrefix("/auth").Subrouter()
	if s.limiter != nil {
		sessions.Use(middleware.RateLimit(s.limiter, true, s.logger))
	}
	sessions.HandleFunc("/login", s.login).Methods(http.MethodPost)
	sessions.HandleFunc("/refresh", s.refresh).Methods(http.MethodPost)
	sessions.HandleFunc("/logout", s.logout).Methods(http.MethodPost)

	tenant := s.router.PathPrefix("/orgs/{org_slug}").Subrouter()
	tenant.Use(s.authMW.Handler, middleware.TenantMiddleware(s.tenants))
	tenant.HandleFunc("/permissions/{resource}", s.getPermission).Methods(http.MethodGet)

	admin := middleware.RequirePermission(s.perms, s.retry, AuthorityResource, permissions.Full)
	tenant.Handle("/authorities/{authority_id}/permissions/{resource}", admin(http.HandlerFunc(s.setPermission))).Methods(http.MethodPut)
	tenant.Handle("/authorities/{authority_id}/permissions/{resource}", admin(http.HandlerFunc(s.removePermission))).Methods(http.MethodDelete)
	tenant.Handle("/authorities/{authority_id}/assignments/{user_id}", admin(http.HandlerFunc(s.assign))).Methods(http.MethodPost)
	tenant.Handle("/authorities/{authority_id}/assignments/{user_id}", admin(http.HandlerFunc(s.unassign))).Methods(http.MethodDelete)
}

// Router exposes the bare router, mainly for tests
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped with request IDs, panic recovery,
// request logging and tracing
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		middleware.RequestID(s.logger),
		observability.RecoveryMiddleware(s.logger),
		httputil.LoggingMiddleware,
		httputil.MaxBytesMiddleware(maxBodyBytes),
	)
	return otelhttp.NewHandler(chain(s.router), "warden")
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
