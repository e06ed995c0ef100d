// Package engine is the entry point of the collection and event data
// engine. A Manager owns the backing store, the index hand-off and the
// registry of open sessions; a Session is one caller's transactional view
// composed of the hierarchy, event and free-busy components.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/env"
	"github.com/cyp0633/calcore/engine/events"
	"github.com/cyp0633/calcore/engine/hierarchy"
	"github.com/cyp0633/calcore/engine/index"
	"github.com/cyp0633/calcore/engine/notify"
	"github.com/cyp0633/calcore/engine/recurrence"
	"github.com/cyp0633/calcore/engine/storage"
)

// Config holds the engine-wide settings every session shares.
type Config struct {
	Hierarchy hierarchy.Config
	Limits    recurrence.Limits
	// UserHomeMaxPrivileges caps what anyone holds on a home collection.
	// Nil leaves homes uncapped.
	UserHomeMaxPrivileges *access.PrivilegeSet
	Expansion             recurrence.CacheConfig
}

// DefaultConfig returns the stock engine settings.
func DefaultConfig() Config {
	return Config{
		Hierarchy: hierarchy.DefaultConfig(),
		Limits:    recurrence.DefaultLimits,
		Expansion: recurrence.DefaultCacheConfig,
	}
}

// Option represents a configuration option for the Manager
type Option func(*Manager)

// WithLogger sets the logger for the manager and every session it opens
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithIndexer sets the index that session queues are flushed into.
func WithIndexer(ix index.Indexer) Option {
	return func(m *Manager) { m.indexer = ix }
}

// WithSink sets where change notifications are delivered.
func WithSink(sink notify.Sink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.sink = sink
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager is the registry of open sessions.
type Manager struct {
	store    storage.Store
	dir      access.Directory
	cfg      Config
	indexer  index.Indexer
	sink     notify.Sink
	expander *recurrence.Cache
	lastmods *storage.Clock
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a manager over store. Principals are looked up in dir.
func New(store storage.Store, dir access.Directory, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, apperr.Config(nil, "storage is required")
	}
	if dir == nil {
		return nil, apperr.Config(nil, "principal directory is required")
	}
	m := &Manager{
		store:    store,
		dir:      dir,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sink == nil {
		m.sink = notify.NewLogSink(m.logger)
	}
	m.lastmods = storage.NewClock(m.now)
	m.expander = recurrence.NewCache(cfg.Expansion)
	return m, nil
}

// Indexer returns the configured index, or nil.
func (m *Manager) Indexer() index.Indexer { return m.indexer }

// Config returns the engine settings.
func (m *Manager) Config() Config { return m.cfg }

// Open starts a session for the principal at href.
func (m *Manager) Open(ctx context.Context, href string) (*Session, error) {
	p, err := m.dir.GetPrincipal(ctx, href)
	if err != nil {
		return nil, err
	}
	return m.OpenAs(p), nil
}

// OpenAs starts a session for p without a directory lookup.
func (m *Manager) OpenAs(p *access.Principal) *Session {
	opts := []env.Option{
		env.WithLogger(m.logger),
		env.WithClock(m.now),
		env.WithLastmodClock(m.lastmods),
		env.WithLimits(m.cfg.Limits),
		env.WithExpander(m.expander),
		env.WithPublicRoot(m.cfg.Hierarchy.PublicRoot),
	}
	if m.cfg.UserHomeMaxPrivileges != nil {
		opts = append(opts, env.WithUserHomeMaxPrivileges(*m.cfg.UserHomeMaxPrivileges))
	}
	e := env.New(m.dir, p, m.sink, opts...)
	tree := hierarchy.New(e, m.cfg.Hierarchy)
	s := &Session{
		id:     uuid.NewString(),
		mgr:    m,
		env:    e,
		tree:   tree,
		events: events.New(e, tree),
		opened: m.now(),
		logger: m.logger,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.logger.Debug("session opened", "id", s.id, "principal", s.PrincipalHref())
	return s
}

// Active lists the open sessions, oldest first.
func (m *Manager) Active() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].opened.Equal(out[j].opened) {
			return out[i].opened.Before(out[j].opened)
		}
		return out[i].id < out[j].id
	})
	return out
}

// Session returns the open session with id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Kill rolls back the session with id and marks it killed. Its caller sees
// later EndTransaction calls succeed without effect.
func (m *Manager) Kill(id string) error {
	s, ok := m.Session(id)
	if !ok {
		return apperr.NotFound(id, "no such session")
	}
	s.kill()
	m.forget(id)
	m.logger.Warn("session killed", "id", id, "principal", s.PrincipalHref())
	return nil
}

// Close closes every open session and stops the expansion cache.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m.Active() {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.expander.Close()
	return errors.Join(errs...)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
