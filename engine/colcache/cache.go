// Package colcache is a per-session, path-keyed cache of wrapped collections
// that revalidates each entry against the store at most once between
// flushes.
package colcache

import (
	"context"
	"io"
	"log/slog"

	"github.com/samber/mo"

	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/storage"
)

// Checker reports whether a path changed since a token was taken.
type Checker interface {
	GetSynchInfo(ctx context.Context, path, token string) (storage.SynchInfo, error)
}

type entry struct {
	wrapper *access.CollectionWrapper
	token   string
	checked bool
}

// Stats counts cache traffic.
type Stats struct {
	Hits          int
	Misses        int
	Revalidations int
}

// Cache is owned by a single session and is not safe for concurrent use.
type Cache struct {
	entries map[string]*entry
	checker Checker
	stats   Stats
	logger  *slog.Logger
}

// Option represents a configuration option for the Cache
type Option func(*Cache)

// WithLogger sets the logger for the cache
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates an empty cache.
func New(checker Checker, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		checker: checker,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetChecker swaps the revalidation source, typically per transaction.
func (c *Cache) SetChecker(checker Checker) {
	c.checker = checker
}

// Put stores w as freshly checked.
func (c *Cache) Put(w *access.CollectionWrapper) {
	col := w.Collection()
	c.entries[storage.Normalize(col.Path)] = &entry{
		wrapper: w,
		token:   col.Lastmod.Tag(),
		checked: true,
	}
}

// Get returns the cached collection at path. An unchecked entry is
// revalidated once; a changed or vanished path is a miss and is evicted.
func (c *Cache) Get(ctx context.Context, path string) mo.Option[*access.CollectionWrapper] {
	path = storage.Normalize(path)
	e, ok := c.entries[path]
	if !ok {
		c.stats.Misses++
		return mo.None[*access.CollectionWrapper]()
	}
	return c.validate(ctx, path, e)
}

// GetWithToken is Get restricted to an entry fetched at token.
func (c *Cache) GetWithToken(ctx context.Context, path, token string) mo.Option[*access.CollectionWrapper] {
	path = storage.Normalize(path)
	e, ok := c.entries[path]
	if !ok || e.token != token {
		c.stats.Misses++
		return mo.None[*access.CollectionWrapper]()
	}
	return c.validate(ctx, path, e)
}

func (c *Cache) validate(ctx context.Context, path string, e *entry) mo.Option[*access.CollectionWrapper] {
	if e.checked {
		c.stats.Hits++
		return mo.Some(e.wrapper)
	}
	c.stats.Revalidations++
	if c.checker == nil {
		delete(c.entries, path)
		c.stats.Misses++
		return mo.None[*access.CollectionWrapper]()
	}
	info, err := c.checker.GetSynchInfo(ctx, path, e.token)
	if err != nil || !info.Exists || info.Changed {
		c.logger.Debug("cache entry stale", "path", path, "token", e.token, "error", err)
		delete(c.entries, path)
		c.stats.Misses++
		return mo.None[*access.CollectionWrapper]()
	}
	e.checked = true
	c.stats.Hits++
	return mo.Some(e.wrapper)
}

// Remove evicts path.
func (c *Cache) Remove(path string) {
	delete(c.entries, storage.Normalize(path))
}

// RemoveTree evicts path and everything beneath it.
func (c *Cache) RemoveTree(path string) {
	for p := range c.entries {
		if storage.IsDescendant(p, path) {
			delete(c.entries, p)
		}
	}
}

// Flush marks every entry unchecked and drops memoized access decisions so
// the next access revalidates.
func (c *Cache) Flush() {
	for _, e := range c.entries {
		e.checked = false
		e.wrapper.ClearAccess()
	}
	c.logger.Debug("collection cache flushed", "entries", len(c.entries))
}

// Clear discards every entry.
func (c *Cache) Clear() {
	c.entries = make(map[string]*entry)
}

// Len is the number of cached entries.
func (c *Cache) Len() int { return len(c.entries) }

// Stats returns the traffic counters.
func (c *Cache) Stats() Stats { return c.stats }
