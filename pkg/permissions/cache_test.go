package permissions

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/cachebus"
)

var t0 = time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "perm:7:42", CacheKey(7, 42))
	assert.Equal(t, "perm:*:42", UserPattern(42))
	assert.Equal(t, "perm:7:*", TenantPattern(7))
}

func TestCache_PutGet(t *testing.T) {
	c := NewCache(CacheConfig{})

	_, ok := c.Get("perm:1:1")
	assert.False(t, ok)

	require.True(t, c.Put("perm:1:1", map[string]Level{"Package": Edit}, t0))

	level, ok := c.Lookup("perm:1:1", "Package")
	assert.True(t, ok)
	assert.Equal(t, Edit, level)

	level, ok = c.Lookup("perm:1:1", "Reports")
	assert.True(t, ok, "a cached map answers for unlisted resources")
	assert.Equal(t, None, level)
	assert.Equal(t, 1, c.Len())
}

func TestCache_PutKeepsNewerEntry(t *testing.T) {
	c := NewCache(CacheConfig{})

	require.True(t, c.Put("k", map[string]Level{"R": Full}, t0.Add(time.Second)))
	assert.False(t, c.Put("k", map[string]Level{"R": View}, t0))

	level, _ := c.Lookup("k", "R")
	assert.Equal(t, Full, level)
}

func TestCache_ApplyKeys(t *testing.T) {
	c := NewCache(CacheConfig{})
	c.Put("perm:1:1", map[string]Level{}, t0)
	c.Put("perm:1:2", map[string]Level{}, t0)
	c.Put("perm:1:3", map[string]Level{}, t0)

	res := c.Apply(cachebus.KeyMessage("perm:1:1", t0.Add(time.Second)))
	assert.Equal(t, ApplyResult{Applied: 1, Evicted: 1}, res)

	res = c.Apply(cachebus.KeysMessage([]string{"perm:1:2", "perm:1:3", "perm:1:9"}, t0.Add(time.Second)))
	assert.Equal(t, ApplyResult{Applied: 3, Evicted: 2}, res)
	assert.Equal(t, 0, c.Len())
}

func TestCache_ApplyPattern(t *testing.T) {
	c := NewCache(CacheConfig{})
	c.Put("perm:1:42", map[string]Level{}, t0)
	c.Put("perm:2:42", map[string]Level{}, t0)
	c.Put("perm:2:7", map[string]Level{}, t0)
	c.Put("perm:3:420", map[string]Level{}, t0)

	res := c.Apply(cachebus.PatternMessage(UserPattern(42), t0.Add(time.Second)))
	assert.Equal(t, ApplyResult{Applied: 1, Evicted: 2}, res)

	_, ok := c.Get("perm:2:7")
	assert.True(t, ok)
	_, ok = c.Get("perm:3:420")
	assert.True(t, ok)
}

func TestCache_StaleMessageIsNoop(t *testing.T) {
	c := NewCache(CacheConfig{})

	newer := cachebus.KeyMessage("perm:1:1", t0.Add(2*time.Second))
	older := cachebus.KeyMessage("perm:1:1", t0.Add(time.Second))

	c.Apply(newer)
	require.True(t, c.Put("perm:1:1", map[string]Level{"R": Edit}, t0.Add(3*time.Second)))

	res := c.Apply(older)
	assert.Equal(t, ApplyResult{Skipped: 1}, res)
	_, ok := c.Get("perm:1:1")
	assert.True(t, ok, "replayed older invalidation must not evict")

	res = c.Apply(newer)
	assert.Equal(t, ApplyResult{Skipped: 1}, res, "equal timestamps are not newer")
}

func TestCache_StalePatternIsNoop(t *testing.T) {
	c := NewCache(CacheConfig{})

	c.Apply(cachebus.PatternMessage("perm:*:5", t0.Add(2*time.Second)))
	c.Put("perm:1:5", map[string]Level{}, t0.Add(3*time.Second))

	assert.Equal(t, ApplyResult{Skipped: 1}, c.Apply(cachebus.PatternMessage("perm:*:5", t0.Add(time.Second))))
	assert.Equal(t, ApplyResult{Skipped: 1}, c.Apply(cachebus.KeyMessage("perm:1:5", t0.Add(time.Second))),
		"a newer pattern covers the key")
	assert.Equal(t, 1, c.Len())
}

func TestCache_OlderPatternKeepsEntryCoveredByNewerInvalidation(t *testing.T) {
	tests := []struct {
		name  string
		newer cachebus.Message
		older cachebus.Message
	}{
		{
			name:  "newer key",
			newer: cachebus.KeyMessage("perm:1:5", t0.Add(2*time.Second)),
			older: cachebus.PatternMessage(UserPattern(5), t0.Add(time.Second)),
		},
		{
			name:  "newer overlapping pattern",
			newer: cachebus.PatternMessage(UserPattern(5), t0.Add(2*time.Second)),
			older: cachebus.PatternMessage(TenantPattern(1), t0.Add(time.Second)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCache(CacheConfig{})
			c.Apply(tt.newer)
			require.True(t, c.Put("perm:1:5", map[string]Level{"R": Edit}, t0.Add(3*time.Second)))
			require.True(t, c.Put("perm:1:6", map[string]Level{"R": View}, t0))

			res := c.Apply(tt.older)
			_, fresh := c.Get("perm:1:5")
			assert.True(t, fresh, "entry filled after the newer invalidation survives")
			assert.Equal(t, 1, res.Skipped)
			assert.Equal(t, 1, res.Applied)
		})
	}
}

func TestCache_PutAfterNewerInvalidationIsDropped(t *testing.T) {
	c := NewCache(CacheConfig{})

	// The recomputation read the store at t0, the mutation's invalidation is at t0+1s
	c.Apply(cachebus.KeyMessage("perm:1:1", t0.Add(time.Second)))
	assert.False(t, c.Put("perm:1:1", map[string]Level{"R": Full}, t0))
	_, ok := c.Get("perm:1:1")
	assert.False(t, ok)

	// Fills that began after the invalidation are kept
	assert.True(t, c.Put("perm:1:1", map[string]Level{"R": View}, t0.Add(2*time.Second)))

	c.Apply(cachebus.PatternMessage(TenantPattern(2), t0.Add(time.Second)))
	assert.False(t, c.Put("perm:2:9", map[string]Level{}, t0))
}

func TestCache_PutApplyRace(t *testing.T) {
	for i := 0; i < 500; i++ {
		c := NewCache(CacheConfig{LedgerSize: 16})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Put("perm:1:1", map[string]Level{"R": Full}, t0)
		}()
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				c.Apply(cachebus.KeyMessage("perm:1:1", t0.Add(time.Millisecond)))
			} else {
				c.Apply(cachebus.PatternMessage("perm:1:*", t0.Add(time.Millisecond)))
			}
		}()
		wg.Wait()

		_, ok := c.Get("perm:1:1")
		require.False(t, ok, "iteration %d left a stale entry", i)
	}
}

func TestCache_MaxAge(t *testing.T) {
	now := t0
	c := NewCache(CacheConfig{MaxAge: time.Minute, Now: func() time.Time { return now }})

	c.Put("old", map[string]Level{}, t0)
	c.Put("fresh", map[string]Level{}, t0.Add(50*time.Second))

	now = t0.Add(90 * time.Second)
	_, ok := c.Get("old")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Sweep(), "Get already dropped the stale entry")

	c.Put("old2", map[string]Level{}, t0)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestCache_SweepWithoutMaxAge(t *testing.T) {
	c := NewCache(CacheConfig{})
	c.Put("k", map[string]Level{}, t0)
	assert.Equal(t, 0, c.Sweep())
	assert.Equal(t, 1, c.Len())
}
