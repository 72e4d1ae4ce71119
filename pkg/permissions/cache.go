package permissions

import (
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/warden/pkg/cachebus"
)

const (
	DefaultLedgerSize = 10000
	DefaultLedgerTTL  = 10 * time.Minute
)

// CacheKey returns the cache key of a user's permissions in a tenant
func CacheKey(tenantID, userID int64) string {
	return fmt.Sprintf("perm:%d:%d", tenantID, userID)
}

// UserPattern matches a user's entries in every tenant
func UserPattern(userID int64) string {
	return fmt.Sprintf("perm:*:%d", userID)
}

// TenantPattern matches every user's entry in a tenant
func TenantPattern(tenantID int64) string {
	return fmt.Sprintf("perm:%d:*", tenantID)
}

// AllPattern matches every entry
const AllPattern = "perm:*"

// cacheEntry is never mutated after it is stored
type cacheEntry struct {
	levels   map[string]Level
	filledAt time.Time
}

// CacheConfig configures a Cache
type CacheConfig struct {
	// MaxAge drops entries older than this on read and on Sweep. Zero keeps
	// entries until they are invalidated.
	MaxAge time.Duration

	// LedgerSize bounds how many keys and patterns remember their last invalidation
	LedgerSize int

	// LedgerTTL is how long an invalidation is remembered
	LedgerTTL time.Duration

	// Now is the clock, time.Now by default
	Now func() time.Time
}

// ApplyResult counts what an invalidation did
type ApplyResult struct {
	Applied int
	Skipped int
	Evicted int
}

// Cache holds resolved permission maps per (tenant, user). Reads never take a
// lock; writes replace whole entries. A ledger of recent invalidations lets a
// fill that raced an invalidation remove itself.
type Cache struct {
	entries sync.Map // string -> *cacheEntry

	ledgerMu sync.Mutex
	keys     *expirable.LRU[string, time.Time]
	patterns *expirable.LRU[string, time.Time]

	maxAge time.Duration
	now    func() time.Time
}

// NewCache creates an empty cache
func NewCache(cfg CacheConfig) *Cache {
	if cfg.LedgerSize <= 0 {
		cfg.LedgerSize = DefaultLedgerSize
	}
	if cfg.LedgerTTL <= 0 {
		cfg.LedgerTTL = DefaultLedgerTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		keys:     expirable.NewLRU[string, time.Time](cfg.LedgerSize, nil, cfg.LedgerTTL),
		patterns: expirable.NewLRU[string, time.Time](cfg.LedgerSize, nil, cfg.LedgerTTL),
		maxAge:   cfg.MaxAge,
		now:      cfg.Now,
	}
}

// Get returns the permission map stored under key. The map must not be modified.
func (c *Cache) Get(key string) (map[string]Level, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	entry := v.(*cacheEntry)
	if c.maxAge > 0 && c.now().Sub(entry.filledAt) > c.maxAge {
		c.entries.CompareAndDelete(key, entry)
		return nil, false
	}
	return entry.levels, true
}

// Lookup returns the cached level for one resource; absent resources are None
func (c *Cache) Lookup(key, resource string) (Level, bool) {
	levels, ok := c.Get(key)
	if !ok {
		return None, false
	}
	return levels[resource], true
}

// Put stores levels computed from a store read that began at filledAt. If an
// invalidation for key at or after filledAt has been applied, the entry is
// removed again and Put reports false.
func (c *Cache) Put(key string, levels map[string]Level, filledAt time.Time) bool {
	entry := &cacheEntry{levels: levels, filledAt: filledAt}

	for {
		old, loaded := c.entries.LoadOrStore(key, entry)
		if !loaded {
			break
		}
		if old.(*cacheEntry).filledAt.After(filledAt) {
			return false
		}
		if c.entries.CompareAndSwap(key, old, entry) {
			break
		}
	}

	// Apply records the ledger before deleting, so either this check sees the
	// invalidation or the invalidation's delete runs after our store.
	if last, ok := c.lastInvalidation(key); ok && !last.Before(filledAt) {
		c.entries.CompareAndDelete(key, entry)
		return false
	}
	return true
}

// Apply evicts the keys a message addresses. A key whose recorded
// invalidation is at or after the message timestamp is skipped.
func (c *Cache) Apply(msg cachebus.Message) ApplyResult {
	var res ApplyResult

	if msg.Type == cachebus.TypePattern {
		covered, ok := c.recordPattern(msg.Pattern, msg.Timestamp)
		if !ok {
			res.Skipped++
			return res
		}
		res.Applied++
		c.entries.Range(func(k, v any) bool {
			key := k.(string)
			if ok, _ := path.Match(msg.Pattern, key); !ok {
				return true
			}
			if covered[key] {
				res.Skipped++
				return true
			}
			if c.entries.CompareAndDelete(k, v) {
				res.Evicted++
			}
			return true
		})
		return res
	}

	for _, key := range msg.Keys {
		if !c.recordKey(key, msg.Timestamp) {
			res.Skipped++
			continue
		}
		res.Applied++
		if _, loaded := c.entries.LoadAndDelete(key); loaded {
			res.Evicted++
		}
	}
	return res
}

// Sweep removes entries older than MaxAge and returns how many it removed
func (c *Cache) Sweep() int {
	if c.maxAge <= 0 {
		return 0
	}
	cutoff := c.now().Add(-c.maxAge)

	removed := 0
	c.entries.Range(func(k, v any) bool {
		if v.(*cacheEntry).filledAt.Before(cutoff) && c.entries.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of entries
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Cache) recordKey(key string, at time.Time) bool {
	c.ledgerMu.Lock()
	defer c.ledgerMu.Unlock()

	if last, ok := c.lastInvalidationLocked(key); ok && !at.After(last) {
		return false
	}
	c.keys.Add(key, at)
	return true
}

// recordPattern records pattern at at unless the same pattern was already
// applied at or after it. It returns the cached keys the pattern matches that
// a newer invalidation already covers; those entries were filled after it.
func (c *Cache) recordPattern(pattern string, at time.Time) (map[string]bool, bool) {
	c.ledgerMu.Lock()
	defer c.ledgerMu.Unlock()

	if last, ok := c.patterns.Peek(pattern); ok && !at.After(last) {
		return nil, false
	}

	covered := make(map[string]bool)
	c.entries.Range(func(k, _ any) bool {
		key := k.(string)
		if ok, _ := path.Match(pattern, key); !ok {
			return true
		}
		if last, ok := c.lastInvalidationLocked(key); ok && !at.After(last) {
			covered[key] = true
		}
		return true
	})

	c.patterns.Add(pattern, at)
	return covered, true
}

func (c *Cache) lastInvalidation(key string) (time.Time, bool) {
	c.ledgerMu.Lock()
	defer c.ledgerMu.Unlock()
	return c.lastInvalidationLocked(key)
}

// lastInvalidationLocked is the newest invalidation covering key, by exact key or pattern
func (c *Cache) lastInvalidationLocked(key string) (time.Time, bool) {
	last, found := c.keys.Peek(key)
	for _, pattern := range c.patterns.Keys() {
		if ok, _ := path.Match(pattern, key); !ok {
			continue
		}
		if at, ok := c.patterns.Peek(pattern); ok && (!found || at.After(last)) {
			last, found = at, true
		}
	}
	return last, found
}
