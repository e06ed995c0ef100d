package recurrence

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"
)

// CacheConfig holds configuration for the expansion cache.
type CacheConfig struct {
	TTL             time.Duration // How long entries stay valid
	MaxEntries      int           // Maximum number of entries before eviction
	CleanupInterval time.Duration // How often to drop expired entries; 0 disables the loop
}

// DefaultCacheConfig provides sensible defaults for expansion caching.
var DefaultCacheConfig = CacheConfig{
	TTL:             15 * time.Minute,
	MaxEntries:      1000,
	CleanupInterval: 5 * time.Minute,
}

type cacheEntry struct {
	instances  []Instance
	expiresAt  time.Time
	accessedAt time.Time
}

// Cache memoizes Expand results. Unlike the collection cache it is safe for
// concurrent use and shared by every session of a manager.
type Cache struct {
	mu          sync.Mutex
	entries     map[string]*cacheEntry
	cfg         CacheConfig
	now         func() time.Time
	stopCleanup chan struct{}
	stopOnce    sync.Once

	hits, misses int
}

// NewCache creates a cache and starts its cleanup loop.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultCacheConfig.MaxEntries
	}
	c := &Cache{
		entries:     make(map[string]*cacheEntry),
		cfg:         cfg,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go c.cleanupLoop()
	}
	return c
}

// Expand returns the cached expansion of m or computes and stores it. A nil
// cache expands directly.
func (c *Cache) Expand(m Master, limits Limits) ([]Instance, error) {
	if c == nil {
		return Expand(m, limits)
	}
	key := cacheKey(m, limits)
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		e.accessedAt = now
		c.hits++
		out := slices.Clone(e.instances)
		c.mu.Unlock()
		return out, nil
	}
	c.misses++
	c.mu.Unlock()

	instances, err := Expand(m, limits)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{
		instances:  slices.Clone(instances),
		expiresAt:  now.Add(c.cfg.TTL),
		accessedAt: now,
	}
	if len(c.entries) > c.cfg.MaxEntries {
		c.cleanup(now)
	}
	return instances, nil
}

// cacheKey hashes every input of Expand.
func cacheKey(m Master, limits Limits) string {
	h := sha256.New()
	h.Write([]byte(m.Start.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(m.End.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(strconv.FormatBool(m.AllDay)))
	for _, r := range m.Info.RRules {
		h.Write([]byte("R" + r))
	}
	for _, t := range m.Info.RDates {
		h.Write([]byte("D" + t.UTC().Format(time.RFC3339Nano)))
	}
	for _, t := range m.Info.ExDates {
		h.Write([]byte("X" + t.UTC().Format(time.RFC3339Nano)))
	}
	fmt.Fprintf(h, "L%d/%d", limits.MaxYears, limits.MaxInstances)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// cleanup removes expired entries, then the least recently used ones while
// over the limit. Callers hold mu.
func (c *Cache) cleanup(now time.Time) {
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) <= c.cfg.MaxEntries {
		return
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].accessedAt.Before(c.entries[keys[j]].accessedAt)
	})
	for _, k := range keys[:len(keys)-c.cfg.MaxEntries] {
		delete(c.entries, k)
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.cleanup(c.now())
			c.mu.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine and clears the cache.
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCleanup) })
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
}

// CacheStats provides information about cache usage.
type CacheStats struct {
	Entries int
	Hits    int
	Misses  int
}

// Stats returns cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}
