package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/cachebus"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/permissions"
	"github.com/platinummonkey/warden/pkg/storage"
	"github.com/platinummonkey/warden/pkg/storage/memory"
	"github.com/platinummonkey/warden/pkg/tenancy"
)

const password = "correct horse battery"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	handler http.Handler
	store   *memory.Store
	clock   *clock
	t1, t2  *storage.Organization
	alice   *storage.User // holds Full on Authority in t1
	bob     *storage.User // holds Edit on Package in t1
	admin   *storage.User
	editor  *storage.Authority
	global  *storage.Authority
	foreign *storage.Authority
}

func int64p(v int64) *int64 { return &v }

func newEnv(t *testing.T, limiter middleware.Limiter) *env {
	t.Helper()
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	c := &clock{t: time.Now().UTC().Truncate(time.Second)}

	hasher := &auth.BcryptHasher{Cost: bcrypt.MinCost}
	hash, err := hasher.Hash(password)
	require.NoError(t, err)

	store := memory.New()
	e := &env{store: store, clock: c}

	e.t1 = &storage.Organization{Slug: "t1", Name: "T1", Active: true}
	store.CreateOrganization(e.t1)
	e.t2 = &storage.Organization{Slug: "t2", Name: "T2", Active: true}
	store.CreateOrganization(e.t2)
	retired := &storage.Organization{Slug: "retired", Name: "Retired", Active: false}
	store.CreateOrganization(retired)

	e.alice = &storage.User{Email: "alice@x.com", PasswordHash: hash}
	store.CreateUser(e.alice)
	e.bob = &storage.User{Email: "bob@x.com", PasswordHash: hash}
	store.CreateUser(e.bob)
	e.admin = &storage.User{Email: "root@x.com", PasswordHash: hash, SystemRole: storage.SystemRoleAdmin}
	store.CreateUser(e.admin)
	for _, u := range []*storage.User{e.alice, e.bob} {
		require.NoError(t, store.AddMembership(ctx, storage.Membership{UserID: u.ID, OrganizationID: e.t1.ID}))
	}

	grant := func(name string, orgID *int64, resource string, level permissions.Level, holder *storage.User) *storage.Authority {
		a := &storage.Authority{Name: name, OrganizationID: orgID}
		require.NoError(t, store.CreateAuthority(ctx, a))
		require.NoError(t, store.SetResourcePermission(ctx, storage.ResourcePermission{AuthorityID: a.ID, Resource: resource, Level: int(level)}))
		if holder != nil {
			require.NoError(t, store.AssignAuthority(ctx, storage.AuthorityAssignment{UserID: holder.ID, AuthorityID: a.ID}))
		}
		return a
	}
	grant("Owner", int64p(e.t1.ID), AuthorityResource, permissions.Full, e.alice)
	e.editor = grant("Editor", int64p(e.t1.ID), "Package", permissions.Edit, e.bob)
	e.global = grant("Auditor", nil, "Reports", permissions.View, nil)
	e.foreign = grant("T2 Editor", int64p(e.t2.ID), "Package", permissions.Edit, nil)

	signer, err := auth.NewSigner([]byte("0123456789abcdef0123456789abcdef"), "warden", auth.WithSignerClock(c.Now))
	require.NoError(t, err)
	authSvc := auth.NewService(signer, store, store, auth.WithClock(c.Now), auth.WithLogger(logger), auth.WithPasswordHasher(hasher))

	bus := cachebus.NewLocalBus(logger)
	t.Cleanup(func() { bus.Close(context.Background()) })
	engine := permissions.NewEngine(store, permissions.WithCache(permissions.NewCache(permissions.CacheConfig{})), permissions.WithLogger(logger))
	_, err = bus.Subscribe(context.Background(), engine.Invalidate)
	require.NoError(t, err)

	srv := NewServer(Config{
		Auth:        authSvc,
		Permissions: engine,
		Manager:     permissions.NewManager(store, bus, permissions.WithManagerLogger(logger)),
		Tenants:     tenancy.NewResolver(store, tenancy.WithLogger(logger)),
		AuthLimiter: limiter,
		Cookie:      DefaultCookieConfig(),
		Logger:      logger,
	})
	e.handler = srv.Handler()
	return e
}

func (e *env) do(t *testing.T, method, path, token string, body interface{}, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.1:4000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// login returns the access token and refresh cookie of a fresh session
func (e *env) login(t *testing.T, email string) (string, *http.Cookie) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Email: email, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	return resp.AccessToken, refreshCookie(t, rec)
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCookieConfig().Name {
			return c
		}
	}
	t.Fatalf("no refresh cookie in response")
	return nil
}

func (e *env) level(t *testing.T, token, tenant, resource string) PermissionResponse {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/orgs/"+tenant+"/permissions/"+resource, token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp PermissionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// eventualLevel polls until token's level on resource in t1 is want. It must
// not fail the test itself: it runs outside the test goroutine.
func (e *env) eventualLevel(t *testing.T, token, resource, want string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, "/orgs/t1/permissions/"+resource, token, nil)
		var resp PermissionResponse
		return rec.Code == http.StatusOK && json.Unmarshal(rec.Body.Bytes(), &resp) == nil && resp.Level == want
	}, time.Second, 5*time.Millisecond)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestLogin(t *testing.T) {
	e := newEnv(t, nil)

	_, cookie := e.login(t, "Alice@X.com")
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, "/auth", cookie.Path)

	rec := e.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Email: "alice@x.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", errorCode(t, rec))

	rec = e.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Email: "nobody@x.com", Password: password})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", errorCode(t, rec))

	rec = e.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "alice@x.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshRotationAndReuse(t *testing.T) {
	e := newEnv(t, nil)
	_, first := e.login(t, "bob@x.com")

	rec := e.do(t, http.MethodPost, "/auth/refresh", "", nil, first)
	require.Equal(t, http.StatusOK, rec.Code)
	second := refreshCookie(t, rec)
	assert.NotEqual(t, first.Value, second.Value)

	// replaying the rotated token revokes the whole chain
	rec = e.do(t, http.MethodPost, "/auth/refresh", "", nil, first)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "refresh_token_reused", errorCode(t, rec))
	cleared := refreshCookie(t, rec)
	assert.Empty(t, cleared.Value)
	assert.Negative(t, cleared.MaxAge)

	rec = e.do(t, http.MethodPost, "/auth/refresh", "", nil, second)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "refresh_token_reused", errorCode(t, rec))
}

func TestRefreshWithoutCookie(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(t, http.MethodPost, "/auth/refresh", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogout(t *testing.T) {
	e := newEnv(t, nil)
	_, cookie := e.login(t, "bob@x.com")

	rec := e.do(t, http.MethodPost, "/auth/logout", "", nil, cookie)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodPost, "/auth/refresh", "", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/auth/logout", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "logout without a session is a no-op")
}

func TestGetPermission(t *testing.T) {
	e := newEnv(t, nil)
	bob, _ := e.login(t, "bob@x.com")
	admin, _ := e.login(t, "root@x.com")

	assert.Equal(t, PermissionResponse{Tenant: "t1", Resource: "Package", Level: "Edit", Value: 3}, e.level(t, bob, "t1", "Package"))
	assert.Equal(t, "None", e.level(t, bob, "t1", "Billing").Level)
	assert.Equal(t, "None", e.level(t, bob, "t2", "Package").Level, "no membership in t2")
	assert.Equal(t, "Full", e.level(t, admin, "t2", "Anything").Level)

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"unknown tenant", "/orgs/nope/permissions/Package", bob, http.StatusNotFound},
		{"inactive tenant", "/orgs/retired/permissions/Package", bob, http.StatusForbidden},
		{"no token", "/orgs/t1/permissions/Package", "", http.StatusUnauthorized},
		{"forged token", "/orgs/t1/permissions/Package", bob + "x", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodGet, tt.path, tt.token, nil)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestExpiredAccessToken(t *testing.T) {
	e := newEnv(t, nil)
	bob, _ := e.login(t, "bob@x.com")

	e.clock.Advance(16 * time.Minute)
	rec := e.do(t, http.MethodGet, "/orgs/t1/permissions/Package", bob, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Token-Expired"))
}

func TestSetPermissionInvalidatesCache(t *testing.T) {
	e := newEnv(t, nil)
	alice, _ := e.login(t, "alice@x.com")
	bob, _ := e.login(t, "bob@x.com")
	path := "/orgs/t1/authorities/" + strconv.FormatInt(e.editor.ID, 10) + "/permissions/Package"

	require.Equal(t, "Edit", e.level(t, bob, "t1", "Package").Level)

	rec := e.do(t, http.MethodPut, path, alice, SetPermissionRequest{Level: "Full"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	e.eventualLevel(t, bob, "Package", "Full")

	rec = e.do(t, http.MethodDelete, path, alice, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	e.eventualLevel(t, bob, "Package", "None")

	rec = e.do(t, http.MethodPut, path, alice, SetPermissionRequest{Level: "Owner"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorityAdministrationRequiresFull(t *testing.T) {
	e := newEnv(t, nil)
	bob, _ := e.login(t, "bob@x.com")

	rec := e.do(t, http.MethodPut, "/orgs/t1/authorities/"+strconv.FormatInt(e.editor.ID, 10)+"/permissions/Package", bob, SetPermissionRequest{Level: "Full"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"permission_denied","resource":"Authority","required":"Full","actual":"None"}`, rec.Body.String())
}

func TestAuthorityScope(t *testing.T) {
	e := newEnv(t, nil)
	alice, _ := e.login(t, "alice@x.com")
	admin, _ := e.login(t, "root@x.com")
	perm := func(a *storage.Authority) string {
		return "/orgs/t1/authorities/" + strconv.FormatInt(a.ID, 10) + "/permissions/Reports"
	}

	rec := e.do(t, http.MethodPut, perm(e.foreign), alice, SetPermissionRequest{Level: "View"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "authorities of other tenants are invisible")

	rec = e.do(t, http.MethodPut, perm(e.global), alice, SetPermissionRequest{Level: "Edit"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "global_authority", errorCode(t, rec))

	rec = e.do(t, http.MethodPut, perm(e.global), admin, SetPermissionRequest{Level: "Edit"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodPut, "/orgs/t1/authorities/9999/permissions/Reports", alice, SetPermissionRequest{Level: "Edit"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssignments(t *testing.T) {
	e := newEnv(t, nil)
	alice, _ := e.login(t, "alice@x.com")
	bob, _ := e.login(t, "bob@x.com")
	path := "/orgs/t1/authorities/" + strconv.FormatInt(e.editor.ID, 10) + "/assignments/" + strconv.FormatInt(e.bob.ID, 10)

	rec := e.do(t, http.MethodDelete, path, alice, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	e.eventualLevel(t, bob, "Package", "None")

	rec = e.do(t, http.MethodDelete, path, alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, path, alice, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	e.eventualLevel(t, bob, "Package", "Edit")
}

func TestAuthRateLimit(t *testing.T) {
	limiter := middleware.NewLocalRateLimiter(middleware.RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute})
	e := newEnv(t, limiter)

	for i := 0; i < 2; i++ {
		rec := e.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Email: "bob@x.com", Password: "wrong"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := e.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Email: "bob@x.com", Password: password})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(t, http.MethodGet, "/orgs/t1/permissions/Package", "", nil)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}
