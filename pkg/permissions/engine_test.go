package permissions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/cachebus"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/storage"
	"github.com/platinummonkey/warden/pkg/storage/memory"
	"github.com/platinummonkey/warden/pkg/tenancy"
)

type world struct {
	store  *memory.Store
	t1, t2 tenancy.TenantContext
	user   *storage.User
	editor *storage.Authority
}

func int64p(v int64) *int64 { return &v }

// newWorld creates tenants T1 and T2 and user a@x.com, a member of T1 holding
// the T1-scoped "Editor" authority with Package=Edit
func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	org1 := &storage.Organization{Slug: "t1", Name: "T1", Active: true}
	store.CreateOrganization(org1)
	org2 := &storage.Organization{Slug: "t2", Name: "T2", Active: true}
	store.CreateOrganization(org2)

	user := &storage.User{Email: "a@x.com"}
	store.CreateUser(user)
	require.NoError(t, store.AddMembership(ctx, storage.Membership{UserID: user.ID, OrganizationID: org1.ID}))

	editor := &storage.Authority{Name: "Editor", OrganizationID: int64p(org1.ID)}
	require.NoError(t, store.CreateAuthority(ctx, editor))
	require.NoError(t, store.SetResourcePermission(ctx, storage.ResourcePermission{AuthorityID: editor.ID, Resource: "Package", Level: int(Edit)}))
	require.NoError(t, store.AssignAuthority(ctx, storage.AuthorityAssignment{UserID: user.ID, AuthorityID: editor.ID}))

	return &world{
		store:  store,
		t1:     tenancy.TenantContext{OrganizationID: org1.ID, Slug: "t1"},
		t2:     tenancy.TenantContext{OrganizationID: org2.ID, Slug: "t2"},
		user:   user,
		editor: editor,
	}
}

func (w *world) principal(t *testing.T) auth.Principal {
	t.Helper()
	u, err := w.store.GetUser(context.Background(), w.user.ID)
	require.NoError(t, err)
	return auth.PrincipalFromUser(u)
}

func (w *world) grant(t *testing.T, name string, orgID *int64, resource string, level Level) *storage.Authority {
	t.Helper()
	ctx := context.Background()
	a := &storage.Authority{Name: name, OrganizationID: orgID}
	require.NoError(t, w.store.CreateAuthority(ctx, a))
	require.NoError(t, w.store.SetResourcePermission(ctx, storage.ResourcePermission{AuthorityID: a.ID, Resource: resource, Level: int(level)}))
	require.NoError(t, w.store.AssignAuthority(ctx, storage.AuthorityAssignment{UserID: w.user.ID, AuthorityID: a.ID}))
	return a
}

func engineVariants(w *world) map[string]*Engine {
	return map[string]*Engine{
		"cached":   NewEngine(w.store, WithCache(NewCache(CacheConfig{}))),
		"uncached": NewEngine(w.store),
	}
}

func TestEngine_EditorThenAdmin(t *testing.T) {
	for _, cached := range []bool{true, false} {
		t.Run(fmt.Sprintf("cached=%v", cached), func(t *testing.T) {
			w := newWorld(t)
			var opts []Option
			if cached {
				opts = append(opts, WithCache(NewCache(CacheConfig{})))
			}
			engine := NewEngine(w.store, opts...)
			ctx := context.Background()

			level, err := engine.Resolve(ctx, w.principal(t), w.t1, "Package")
			require.NoError(t, err)
			assert.Equal(t, Edit, level)

			w.store.SetSystemRole(w.user.ID, storage.SystemRoleAdmin)
			level, err = engine.Resolve(ctx, w.principal(t), w.t1, "Package")
			require.NoError(t, err)
			assert.Equal(t, Full, level)
		})
	}
}

func TestEngine_MaxAcrossAuthorities(t *testing.T) {
	w := newWorld(t)
	w.grant(t, "Viewer", int64p(w.t1.OrganizationID), "Package", View)
	w.grant(t, "Reporter", int64p(w.t1.OrganizationID), "Reports", Level(2))
	w.grant(t, "Global Auditor", nil, "Reports", Level(4))

	for name, engine := range engineVariants(w) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := w.principal(t)

			level, err := engine.Resolve(ctx, p, w.t1, "Package")
			require.NoError(t, err)
			assert.Equal(t, Edit, level)

			level, err = engine.Resolve(ctx, p, w.t1, "Reports")
			require.NoError(t, err)
			assert.Equal(t, Level(4), level)

			level, err = engine.Resolve(ctx, p, w.t1, "Billing")
			require.NoError(t, err)
			assert.Equal(t, None, level)
		})
	}
}

func TestEngine_TenantIsolation(t *testing.T) {
	w := newWorld(t)
	// Assignments that reach T2 although the user is not a member there
	w.grant(t, "Stray", int64p(w.t2.OrganizationID), "Package", Full)
	w.grant(t, "Global", nil, "Package", Full)

	for name, engine := range engineVariants(w) {
		t.Run(name, func(t *testing.T) {
			level, err := engine.Resolve(context.Background(), w.principal(t), w.t2, "Package")
			require.NoError(t, err)
			assert.Equal(t, None, level)
		})
	}
}

func TestEngine_ScopedAuthorityDoesNotLeak(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, w.store.AddMembership(context.Background(), storage.Membership{UserID: w.user.ID, OrganizationID: w.t2.OrganizationID}))

	engine := NewEngine(w.store, WithCache(NewCache(CacheConfig{})))
	level, err := engine.Resolve(context.Background(), w.principal(t), w.t2, "Package")
	require.NoError(t, err)
	assert.Equal(t, None, level, "T1's Editor must not apply in T2")
}

func TestEngine_AdminSkipsStore(t *testing.T) {
	engine := NewEngine(&failingReader{err: errors.New("must not be called")})
	level, err := engine.Resolve(context.Background(), auth.Principal{UserID: 1, SystemRole: storage.SystemRoleAdmin}, tenancy.TenantContext{OrganizationID: 99}, "Anything")
	require.NoError(t, err)
	assert.Equal(t, Full, level)
}

func TestEngine_CacheConvergence(t *testing.T) {
	w := newWorld(t)
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	bus := cachebus.NewLocalBus(logger)
	defer bus.Close(ctx)

	// Two instances sharing one store and one bus
	a := NewEngine(w.store, WithCache(NewCache(CacheConfig{})))
	b := NewEngine(w.store, WithCache(NewCache(CacheConfig{})))
	for _, e := range []*Engine{a, b} {
		_, err := bus.Subscribe(ctx, e.Invalidate)
		require.NoError(t, err)
	}

	p := w.principal(t)
	for _, e := range []*Engine{a, b} {
		level, err := e.Resolve(ctx, p, w.t1, "Package")
		require.NoError(t, err)
		require.Equal(t, Edit, level)
	}

	manager := NewManager(w.store, bus, WithManagerLogger(logger))
	require.NoError(t, manager.SetResourcePermission(ctx, w.editor.ID, "Package", Full))

	for name, e := range map[string]*Engine{"a": a, "b": b} {
		assert.Eventually(t, func() bool {
			level, err := e.Resolve(ctx, p, w.t1, "Package")
			return err == nil && level == Full
		}, time.Second, 5*time.Millisecond, "instance %s did not converge", name)
	}
}

func TestEngine_CachedUntilInvalidated(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	clock := t0
	engine := NewEngine(w.store, WithCache(NewCache(CacheConfig{})), WithClock(func() time.Time { return clock }))
	p := w.principal(t)

	_, err := engine.Resolve(ctx, p, w.t1, "Package")
	require.NoError(t, err)

	// Mutate without invalidating: the cached map still answers
	require.NoError(t, w.store.SetResourcePermission(ctx, storage.ResourcePermission{AuthorityID: w.editor.ID, Resource: "Package", Level: int(View)}))
	level, err := engine.Resolve(ctx, p, w.t1, "Package")
	require.NoError(t, err)
	assert.Equal(t, Edit, level)

	key := CacheKey(w.t1.OrganizationID, p.UserID)
	newer := cachebus.KeyMessage(key, t0.Add(2*time.Second))
	older := cachebus.KeyMessage(key, t0.Add(time.Second))

	engine.Invalidate(ctx, newer)
	clock = t0.Add(3 * time.Second)
	level, err = engine.Resolve(ctx, p, w.t1, "Package")
	require.NoError(t, err)
	assert.Equal(t, View, level)

	// Replaying the older message after the newer one changes nothing
	require.NoError(t, w.store.SetResourcePermission(ctx, storage.ResourcePermission{AuthorityID: w.editor.ID, Resource: "Package", Level: int(Full)}))
	engine.Invalidate(ctx, older)
	level, err = engine.Resolve(ctx, p, w.t1, "Package")
	require.NoError(t, err)
	assert.Equal(t, View, level)
}

func TestEngine_Require(t *testing.T) {
	w := newWorld(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := NewEngine(w.store, WithMetrics(metrics))
	ctx := context.Background()
	p := w.principal(t)

	assert.NoError(t, engine.Require(ctx, p, w.t1, "Package", Edit))

	err := engine.Require(ctx, p, w.t1, "Package", Full)
	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "Package", denied.Resource)
	assert.Equal(t, Full, denied.Required)
	assert.Equal(t, Edit, denied.Actual)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PermissionDeniedTotal.WithLabelValues("Package")))
}

func TestEngine_Permissions(t *testing.T) {
	w := newWorld(t)
	engine := NewEngine(w.store, WithCache(NewCache(CacheConfig{})))

	perms, err := engine.Permissions(context.Background(), w.principal(t), w.t1)
	require.NoError(t, err)
	assert.Equal(t, map[string]Level{"Package": Edit}, perms)

	perms["Package"] = Full
	level, err := engine.Resolve(context.Background(), w.principal(t), w.t1, "Package")
	require.NoError(t, err)
	assert.Equal(t, Edit, level, "returned map is a copy")

	w.store.SetSystemRole(w.user.ID, storage.SystemRoleAdmin)
	perms, err = engine.Permissions(context.Background(), w.principal(t), w.t1)
	assert.ErrorIs(t, err, ErrUnrestricted)
	assert.Nil(t, perms)
}

func TestEngine_IgnoresOutOfRangeLevels(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, w.store.SetResourcePermission(context.Background(), storage.ResourcePermission{AuthorityID: w.editor.ID, Resource: "Broken", Level: 9}))

	logger, hook := test.NewNullLogger()
	engine := NewEngine(w.store, WithLogger(logger))
	level, err := engine.Resolve(context.Background(), w.principal(t), w.t1, "Broken")
	require.NoError(t, err)
	assert.Equal(t, None, level)
	assert.NotEmpty(t, hook.AllEntries())
}

type failingReader struct {
	err error
}

func (f *failingReader) HasMembership(ctx context.Context, userID, organizationID int64) (bool, error) {
	return false, f.err
}

func (f *failingReader) ListGrantedPermissions(ctx context.Context, userID, organizationID int64) ([]storage.ResourcePermission, error) {
	return nil, f.err
}

func TestEngine_StoreFailureIsRetryable(t *testing.T) {
	for _, cause := range []error{
		errors.New("connection refused"),
		storage.ErrStoreUnavailable,
	} {
		engine := NewEngine(&failingReader{err: cause}, WithCache(NewCache(CacheConfig{})))
		level, err := engine.Resolve(context.Background(), auth.Principal{UserID: 1, SystemRole: storage.SystemRoleNone}, tenancy.TenantContext{OrganizationID: 1}, "Package")
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
		assert.NotErrorIs(t, err, ErrPermissionDenied)
		assert.Equal(t, None, level)

		err = engine.Require(context.Background(), auth.Principal{UserID: 1, SystemRole: storage.SystemRoleNone}, tenancy.TenantContext{OrganizationID: 1}, "Package", View)
		assert.True(t, IsRetryable(err))
	}
}

// gatedReader blocks every read until released and counts calls
type gatedReader struct {
	*memory.Store
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedReader) HasMembership(ctx context.Context, userID, organizationID int64) (bool, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return g.Store.HasMembership(ctx, userID, organizationID)
}

func TestEngine_StoreTimeout(t *testing.T) {
	w := newWorld(t)
	reader := &gatedReader{Store: w.store, release: make(chan struct{})}
	engine := NewEngine(reader, WithStoreTimeout(20*time.Millisecond))

	_, err := engine.Resolve(context.Background(), w.principal(t), w.t1, "Package")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngine_AbandonedResolveStillFillsCache(t *testing.T) {
	w := newWorld(t)
	reader := &gatedReader{Store: w.store, release: make(chan struct{})}
	cache := NewCache(CacheConfig{})
	engine := NewEngine(reader, WithCache(cache), WithStoreTimeout(5*time.Second))

	p := w.principal(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := engine.Resolve(ctx, p, w.t1, "Package")
		done <- err
	}()

	assert.Eventually(t, func() bool { return reader.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err))

	close(reader.release)
	assert.Eventually(t, func() bool { return cache.Len() == 1 }, time.Second, 5*time.Millisecond)

	level, ok := cache.Lookup(CacheKey(w.t1.OrganizationID, w.user.ID), "Package")
	assert.True(t, ok)
	assert.Equal(t, Edit, level)
}

func TestEngine_ConcurrentMissesShareOneRead(t *testing.T) {
	w := newWorld(t)
	reader := &gatedReader{Store: w.store, release: make(chan struct{})}
	engine := NewEngine(reader, WithCache(NewCache(CacheConfig{})))
	p := w.principal(t)

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan Level, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			level, err := engine.Resolve(context.Background(), p, w.t1, "Package")
			if err == nil {
				results <- level
			}
		}()
	}

	assert.Eventually(t, func() bool { return reader.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(reader.release)
	wg.Wait()
	close(results)

	count := 0
	for level := range results {
		assert.Equal(t, Edit, level)
		count++
	}
	assert.Equal(t, callers, count)
	assert.LessOrEqual(t, reader.calls.Load(), int32(2))
}

func TestEngine_SweepCache(t *testing.T) {
	w := newWorld(t)
	now := t0
	clock := func() time.Time { return now }
	engine := NewEngine(w.store,
		WithCache(NewCache(CacheConfig{MaxAge: time.Minute, Now: clock})),
		WithClock(clock),
	)

	_, err := engine.Resolve(context.Background(), w.principal(t), w.t1, "Package")
	require.NoError(t, err)

	now = t0.Add(2 * time.Minute)
	assert.Equal(t, 1, engine.SweepCache())
	assert.Equal(t, 0, NewEngine(w.store).SweepCache())
}

func TestEngine_RedisReconnectFlushesMissedChanges(t *testing.T) {
	w := newWorld(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := cachebus.NewRedisBus(client, cachebus.WithResyncPattern(AllPattern))
	defer bus.Close(context.Background())

	cache := NewCache(CacheConfig{})
	engine := NewEngine(w.store, WithCache(cache))
	_, err := bus.Subscribe(context.Background(), engine.Invalidate)
	require.NoError(t, err)

	ctx := context.Background()
	p := w.principal(t)
	level, err := engine.Resolve(ctx, p, w.t1, "Package")
	require.NoError(t, err)
	require.Equal(t, Edit, level)
	require.Equal(t, 1, cache.Len())

	// The change's invalidation is published while the subscriber is offline
	mr.Close()
	require.NoError(t, w.store.SetResourcePermission(ctx, storage.ResourcePermission{AuthorityID: w.editor.ID, Resource: "Package", Level: int(Full)}))
	require.NoError(t, mr.Restart())

	assert.Eventually(t, func() bool {
		level, err := engine.Resolve(ctx, p, w.t1, "Package")
		return err == nil && level == Full
	}, 5*time.Second, 20*time.Millisecond)
}
