// Package env holds the per-session context passed by reference into every
// engine component: the open transaction, the acting principal, the
// collection cache and the pending index and notification queues.
package env

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/colcache"
	"github.com/cyp0633/calcore/engine/index"
	"github.com/cyp0633/calcore/engine/notify"
	"github.com/cyp0633/calcore/engine/recurrence"
	"github.com/cyp0633/calcore/engine/storage"
)

// Env is owned by exactly one session. Nothing in it is safe for concurrent
// use except the shared expansion cache.
type Env struct {
	principal  *access.Principal
	dir        access.Directory
	evaluator  *access.Evaluator
	cache      *colcache.Cache
	pending    *index.Queue
	notes      *notify.Queue
	expander   *recurrence.Cache
	limits     recurrence.Limits
	homeMax    access.PrivilegeSet
	publicRoot string

	tx     storage.Tx
	now    func() time.Time
	clock  *storage.Clock
	logger *slog.Logger
}

// Option represents a configuration option for the Env
type Option func(*Env)

// WithLogger sets the logger for the session
func WithLogger(logger *slog.Logger) Option {
	return func(e *Env) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Env) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLastmodClock shares the lastmod clock between sessions.
func WithLastmodClock(c *storage.Clock) Option {
	return func(e *Env) {
		e.clock = c
	}
}

// WithLimits sets the recurrence expansion caps.
func WithLimits(l recurrence.Limits) Option {
	return func(e *Env) {
		e.limits = l
	}
}

// WithExpander shares an expansion cache between sessions.
func WithExpander(c *recurrence.Cache) Option {
	return func(e *Env) {
		e.expander = c
	}
}

// WithUserHomeMaxPrivileges sets the ceiling applied to home collections.
func WithUserHomeMaxPrivileges(ceiling access.PrivilegeSet) Option {
	return func(e *Env) {
		e.homeMax = ceiling
	}
}

// WithPublicRoot names the collection tree readable without a home.
func WithPublicRoot(path string) Option {
	return func(e *Env) {
		e.publicRoot = storage.Normalize(path)
	}
}

// New builds the context for principal. A nil principal is unauthenticated.
func New(dir access.Directory, principal *access.Principal, sink notify.Sink, opts ...Option) *Env {
	e := &Env{
		principal: principal,
		dir:       dir,
		pending:   index.NewQueue(),
		notes:     notify.NewQueue(sink),
		limits:    recurrence.DefaultLimits,
		homeMax:   access.FullSet(),
		now:       time.Now,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = storage.NewClock(e.now)
	}
	e.cache = colcache.New(e, colcache.WithLogger(e.logger))
	e.evaluator = access.NewEvaluator(dir, e, principal,
		access.WithLogger(e.logger),
		access.WithUserHomeMaxPrivileges(e.homeMax))
	return e
}

func (e *Env) Principal() *access.Principal { return e.principal }
func (e *Env) Directory() access.Directory  { return e.dir }
func (e *Env) Access() *access.Evaluator    { return e.evaluator }
func (e *Env) Cache() *colcache.Cache       { return e.cache }
func (e *Env) Pending() *index.Queue        { return e.pending }
func (e *Env) Notifications() *notify.Queue { return e.notes }
func (e *Env) Expander() *recurrence.Cache  { return e.expander }
func (e *Env) Limits() recurrence.Limits    { return e.limits }
func (e *Env) Logger() *slog.Logger         { return e.logger }
func (e *Env) PublicRoot() string           { return e.publicRoot }
func (e *Env) Now() time.Time               { return e.now() }
func (e *Env) Superuser() bool              { return e.evaluator.Superuser() }

// Stamp returns the next lastmod for a record currently at prev.
func (e *Env) Stamp(prev storage.Lastmod) storage.Lastmod {
	return e.clock.Next(prev)
}

// PrincipalHref is the acting principal's href, empty when unauthenticated.
func (e *Env) PrincipalHref() string {
	if e.principal == nil {
		return ""
	}
	return e.principal.Href
}

// Tx returns the open transaction.
func (e *Env) Tx() (storage.Tx, error) {
	if e.tx == nil {
		return nil, apperr.Invalid("no transaction open")
	}
	return e.tx, nil
}

// InTx reports whether a transaction is open.
func (e *Env) InTx() bool { return e.tx != nil }

// Attach makes tx current and opens the notification queue. The collection
// cache is flushed so each entry is revalidated once in the new
// transaction.
func (e *Env) Attach(tx storage.Tx) {
	e.tx = tx
	e.cache.Flush()
	e.notes.Open()
}

// Detach forgets the transaction and flushes the collection cache.
func (e *Env) Detach() {
	e.tx = nil
	e.cache.Flush()
}

// GetCollection reads through the collection cache. It backs the access
// evaluator's parent walk.
func (e *Env) GetCollection(ctx context.Context, path string) (*storage.Collection, error) {
	w, err := e.Wrapped(ctx, path)
	if err != nil {
		return nil, err
	}
	return w.Collection().Clone(), nil
}

// Wrapped returns the cached wrapper for path, fetching and caching it on a
// miss.
func (e *Env) Wrapped(ctx context.Context, path string) (*access.CollectionWrapper, error) {
	path = storage.Normalize(path)
	if w, ok := e.cache.Get(ctx, path).Get(); ok {
		return w, nil
	}
	tx, err := e.Tx()
	if err != nil {
		return nil, err
	}
	col, err := tx.GetCollection(ctx, path)
	if err != nil {
		return nil, err
	}
	w := access.Wrap(col)
	e.cache.Put(w)
	return w, nil
}

// GetSynchInfo implements colcache.Checker against the open transaction.
func (e *Env) GetSynchInfo(ctx context.Context, path, token string) (storage.SynchInfo, error) {
	tx, err := e.Tx()
	if err != nil {
		return storage.SynchInfo{}, err
	}
	return tx.GetSynchInfo(ctx, path, token)
}

// Post stamps ev with the acting principal and time and hands it to the
// notification queue.
func (e *Env) Post(ctx context.Context, ev notify.SysEvent) error {
	if ev.Principal == "" {
		ev.Principal = e.PrincipalHref()
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	return e.notes.Post(ctx, ev)
}

// IndexCollection queues col for indexing.
func (e *Env) IndexCollection(col *storage.Collection, forTouch bool) {
	e.pending.Index(index.CollectionDoc(col), forTouch)
}

// IndexEvent queues ev for indexing.
func (e *Env) IndexEvent(ev *storage.Event, forTouch bool) {
	e.pending.Index(index.EventDoc(ev), forTouch)
}

// Expand expands m through the shared cache when one is configured.
func (e *Env) Expand(m recurrence.Master) ([]recurrence.Instance, error) {
	return e.expander.Expand(m, e.limits)
}
