// Package memory is an in-memory storage.Store used by tests and the CLI's
// scratch mode.
package memory

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/storage"
)

// Store keeps collections and events in maps. Each transaction works on a
// snapshot taken at Begin; Commit re-checks every touched row against the
// live maps and reports a Conflict when another transaction got there first.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*storage.Collection // key: path
	events      map[string]*storage.Event      // key: Event.Key()
	logger      *slog.Logger
}

// Option represents a configuration option for the Store
type Option func(*Store)

// WithLogger sets the logger for the store
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a new in-memory store
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]*storage.Collection),
		events:      make(map[string]*storage.Event),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ storage.Store = (*Store)(nil)

// Begin snapshots the store.
func (s *Store) Begin(_ context.Context) (storage.Tx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := &tx{
		store:       s,
		collections: make(map[string]*storage.Collection, len(s.collections)),
		events:      make(map[string]*storage.Event, len(s.events)),
		colBase:     make(map[string]base),
		evBase:      make(map[string]base),
	}
	// Stored values are never mutated in place, so sharing pointers between
	// the snapshot and the live maps is safe.
	for k, v := range s.collections {
		t.collections[k] = v
	}
	for k, v := range s.events {
		t.events[k] = v
	}
	return t, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

type base struct {
	existed bool
	lastmod storage.Lastmod
}

type tx struct {
	store       *Store
	collections map[string]*storage.Collection
	events      map[string]*storage.Event
	colBase     map[string]base
	evBase      map[string]base
	done        bool
}

func (t *tx) check() error {
	if t.done {
		return apperr.Invalid("transaction already finished")
	}
	return nil
}

func (t *tx) touchCollection(path string) {
	if _, ok := t.colBase[path]; ok {
		return
	}
	if c, ok := t.collections[path]; ok {
		t.colBase[path] = base{existed: true, lastmod: c.Lastmod}
		return
	}
	t.colBase[path] = base{}
}

func (t *tx) touchEvent(key string) {
	if _, ok := t.evBase[key]; ok {
		return
	}
	if e, ok := t.events[key]; ok {
		t.evBase[key] = base{existed: true, lastmod: e.Lastmod}
		return
	}
	t.evBase[key] = base{}
}

func eventKey(colPath, name, rid string) string {
	k := storage.Join(colPath, name)
	if rid != "" {
		k += "#" + rid
	}
	return k
}

func (t *tx) GetCollection(_ context.Context, path string) (*storage.Collection, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	c, ok := t.collections[storage.Normalize(path)]
	if !ok {
		return nil, apperr.NotFound(path, "collection not found")
	}
	return c.Clone(), nil
}

func (t *tx) AddCollection(_ context.Context, col *storage.Collection) error {
	if err := t.check(); err != nil {
		return err
	}
	path := storage.Normalize(col.Path)
	if _, exists := t.collections[path]; exists {
		return apperr.Structural(apperr.DuplicatePath, path, "collection already exists")
	}
	t.touchCollection(path)
	c := col.Clone()
	c.Path = path
	t.collections[path] = c
	return nil
}

func (t *tx) UpdateCollection(_ context.Context, col *storage.Collection, expect storage.Lastmod) error {
	if err := t.check(); err != nil {
		return err
	}
	path := storage.Normalize(col.Path)
	cur, ok := t.collections[path]
	if !ok {
		return apperr.NotFound(path, "collection not found")
	}
	if cur.Lastmod != expect {
		return apperr.Conflict(path, "collection modified concurrently (have %s, expected %s)",
			cur.Lastmod.Tag(), expect.Tag())
	}
	t.touchCollection(path)
	t.collections[path] = col.Clone()
	return nil
}

func (t *tx) DeleteCollection(_ context.Context, path string) error {
	if err := t.check(); err != nil {
		return err
	}
	path = storage.Normalize(path)
	if _, ok := t.collections[path]; !ok {
		return apperr.NotFound(path, "collection not found")
	}
	t.touchCollection(path)
	delete(t.collections, path)
	return nil
}

func (t *tx) GetChildCollections(_ context.Context, path string) ([]*storage.Collection, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	path = storage.Normalize(path)
	var out []*storage.Collection
	for _, c := range t.collections {
		if c.ParentPath == path && c.Path != path {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (t *tx) GetSynchInfo(_ context.Context, path, token string) (storage.SynchInfo, error) {
	if err := t.check(); err != nil {
		return storage.SynchInfo{}, err
	}
	c, ok := t.collections[storage.Normalize(path)]
	if !ok {
		return storage.SynchInfo{Changed: true}, nil
	}
	cur := c.Lastmod.Tag()
	return storage.SynchInfo{Exists: true, Changed: cur != token, Token: cur}, nil
}

func (t *tx) GetEvent(_ context.Context, colPath, name, rid string) (*storage.Event, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	e, ok := t.events[eventKey(colPath, name, rid)]
	if !ok {
		return nil, apperr.NotFound(colPath, "event not found").WithName(name)
	}
	return e.Clone(), nil
}

func (t *tx) FindEvents(_ context.Context, colPath, uid string) ([]*storage.Event, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	colPath = storage.Normalize(colPath)
	return t.collect(func(e *storage.Event) bool {
		return e.ColPath == colPath && e.UID == uid
	}), nil
}

func (t *tx) EventsByName(_ context.Context, colPath, name string) ([]*storage.Event, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	colPath = storage.Normalize(colPath)
	return t.collect(func(e *storage.Event) bool {
		return e.ColPath == colPath && e.Name == name
	}), nil
}

func (t *tx) QueryEvents(_ context.Context, f *storage.EventFilter) ([]*storage.Event, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.collect(f.Match), nil
}

func (t *tx) collect(match func(*storage.Event) bool) []*storage.Event {
	var out []*storage.Event
	for _, e := range t.events {
		if match(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (t *tx) AddEvent(_ context.Context, ev *storage.Event) error {
	if err := t.check(); err != nil {
		return err
	}
	e := ev.Clone()
	e.ColPath = storage.Normalize(e.ColPath)
	key := e.Key()
	if _, exists := t.events[key]; exists {
		return apperr.Structural(apperr.DuplicateName, e.ColPath, "event already exists").WithName(e.Name)
	}
	t.touchEvent(key)
	t.events[key] = e
	return nil
}

func (t *tx) UpdateEvent(_ context.Context, ev *storage.Event, expect storage.Lastmod) error {
	if err := t.check(); err != nil {
		return err
	}
	e := ev.Clone()
	e.ColPath = storage.Normalize(e.ColPath)
	key := e.Key()
	cur, ok := t.events[key]
	if !ok {
		return apperr.NotFound(e.ColPath, "event not found").WithName(e.Name)
	}
	if cur.Lastmod != expect {
		return apperr.Conflict(e.ColPath, "event modified concurrently").WithName(e.Name)
	}
	t.touchEvent(key)
	t.events[key] = e
	return nil
}

func (t *tx) DeleteEvent(_ context.Context, colPath, name, rid string) error {
	if err := t.check(); err != nil {
		return err
	}
	key := eventKey(colPath, name, rid)
	if _, ok := t.events[key]; !ok {
		return apperr.NotFound(colPath, "event not found").WithName(name)
	}
	t.touchEvent(key)
	delete(t.events, key)
	return nil
}

func (t *tx) PurgeTombstones(_ context.Context, before time.Time) (storage.PurgeResult, error) {
	if err := t.check(); err != nil {
		return storage.PurgeResult{}, err
	}
	cutoff := before.UTC().Format(storage.LastmodLayout)
	var res storage.PurgeResult
	for path, c := range t.collections {
		if c.Tombstoned && c.Lastmod.Timestamp < cutoff {
			t.touchCollection(path)
			delete(t.collections, path)
			res.Collections = append(res.Collections, path)
		}
	}
	for key, e := range t.events {
		if e.Tombstoned && e.Lastmod.Timestamp < cutoff {
			t.touchEvent(key)
			delete(t.events, key)
			res.Events = append(res.Events, key)
		}
	}
	sort.Strings(res.Collections)
	sort.Strings(res.Events)
	return res, nil
}

// Commit validates the write set against the live store and applies it.
func (t *tx) Commit() error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, b := range t.colBase {
		cur, ok := s.collections[path]
		if ok != b.existed || (ok && cur.Lastmod != b.lastmod) {
			s.logger.Warn("commit conflict", "collection", path)
			return apperr.Conflict(path, "collection changed since transaction start")
		}
	}
	for key, b := range t.evBase {
		cur, ok := s.events[key]
		if ok != b.existed || (ok && cur.Lastmod != b.lastmod) {
			s.logger.Warn("commit conflict", "event", key)
			return apperr.Conflict(strings.SplitN(key, "#", 2)[0], "event changed since transaction start")
		}
	}

	for path := range t.colBase {
		if c, ok := t.collections[path]; ok {
			s.collections[path] = c
		} else {
			delete(s.collections, path)
		}
	}
	for key := range t.evBase {
		if e, ok := t.events[key]; ok {
			s.events[key] = e
		} else {
			delete(s.events, key)
		}
	}
	s.logger.Debug("transaction committed",
		"collections", len(t.colBase), "events", len(t.evBase))
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return nil
}
