// Package hierarchy manages the collection tree: lookup, creation, rename,
// move, delete, alias resolution, sync tokens and provisioning of the
// special per-principal collections.
package hierarchy

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/env"
	"github.com/cyp0633/calcore/engine/storage"
)

// Config names the fixed parts of the tree.
type Config struct {
	// UserRoot holds one home collection per principal.
	UserRoot string
	// PublicRoot holds shared calendars; empty disables it.
	PublicRoot string
	// RootACL is applied to the roots created by Bootstrap.
	RootACL string
	// SpecialNames maps special collection types to their name inside a
	// home.
	SpecialNames map[storage.CalType]string
}

// DefaultSpecialNames are the names of the auto-provisioned collections.
var DefaultSpecialNames = map[storage.CalType]string{
	storage.CalTypeCalendar:      "calendar",
	storage.CalTypeTasks:         "tasks",
	storage.CalTypeInbox:         "inbox",
	storage.CalTypeOutbox:        "outbox",
	storage.CalTypePendingInbox:  "pending-inbox",
	storage.CalTypeNotifications: "notifications",
	storage.CalTypeAttachments:   "attachments",
}

// DefaultConfig returns the stock tree layout.
func DefaultConfig() Config {
	return Config{
		UserRoot:     "/user",
		PublicRoot:   "/public",
		SpecialNames: DefaultSpecialNames,
	}
}

// Manager operates on the tree for one session.
type Manager struct {
	env *env.Env
	cfg Config
}

// New creates a manager bound to the session context e.
func New(e *env.Env, cfg Config) *Manager {
	if cfg.UserRoot == "" {
		cfg.UserRoot = DefaultConfig().UserRoot
	}
	cfg.UserRoot = storage.Normalize(cfg.UserRoot)
	cfg.PublicRoot = storage.Normalize(cfg.PublicRoot)
	if cfg.SpecialNames == nil {
		cfg.SpecialNames = DefaultSpecialNames
	}
	return &Manager{env: e, cfg: cfg}
}

// Config returns the tree layout.
func (m *Manager) Config() Config { return m.cfg }

// Get returns the live collection at path if the acting principal holds
// desired on it. With alwaysReturn a refusal yields (nil, nil) instead of
// AccessDenied. Tombstoned collections are NotFound.
func (m *Manager) Get(ctx context.Context, path string, desired access.Privilege, alwaysReturn bool) (*access.CollectionWrapper, error) {
	w, err := m.env.Wrapped(ctx, path)
	if err != nil {
		return nil, err
	}
	if w.Collection().Tombstoned {
		return nil, apperr.NotFound(path, "collection deleted")
	}
	ca, err := m.env.Access().Evaluate(ctx, w, desired, alwaysReturn)
	if err != nil {
		return nil, err
	}
	if !ca.Allowed {
		return nil, nil
	}
	return w, nil
}

// MustGet is Get that never returns a nil wrapper without an error.
func (m *Manager) MustGet(ctx context.Context, path string, desired access.Privilege) (*access.CollectionWrapper, error) {
	return m.Get(ctx, path, desired, false)
}

// GetChildren lists the live children of path the acting principal can
// read. The parent itself must be readable.
func (m *Manager) GetChildren(ctx context.Context, path string) ([]*access.CollectionWrapper, error) {
	if _, err := m.MustGet(ctx, path, access.PrivRead); err != nil {
		return nil, err
	}
	children, err := m.children(ctx, path)
	if err != nil {
		return nil, err
	}
	var out []*access.CollectionWrapper
	for _, w := range children {
		if w.Collection().Tombstoned {
			continue
		}
		if m.env.Access().CheckAccess(ctx, w, access.PrivRead) {
			out = append(out, w)
		}
	}
	return out, nil
}

// children fetches every child row, tombstones included, and caches them.
func (m *Manager) children(ctx context.Context, path string) ([]*access.CollectionWrapper, error) {
	tx, err := m.env.Tx()
	if err != nil {
		return nil, err
	}
	cols, err := tx.GetChildCollections(ctx, storage.Normalize(path))
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", path, err)
	}
	out := make([]*access.CollectionWrapper, 0, len(cols))
	for _, c := range cols {
		if w, ok := m.env.Cache().GetWithToken(ctx, c.Path, c.Lastmod.Tag()).Get(); ok {
			out = append(out, w)
			continue
		}
		w := access.Wrap(c)
		m.env.Cache().Put(w)
		out = append(out, w)
	}
	return out, nil
}

// IsEmpty reports whether path holds no live child collection and no live
// event.
func (m *Manager) IsEmpty(ctx context.Context, path string) (bool, error) {
	children, err := m.children(ctx, path)
	if err != nil {
		return false, err
	}
	for _, w := range children {
		if !w.Collection().Tombstoned {
			return false, nil
		}
	}
	tx, err := m.env.Tx()
	if err != nil {
		return false, err
	}
	evs, err := tx.QueryEvents(ctx, &storage.EventFilter{Collections: []string{storage.Normalize(path)}})
	if err != nil {
		return false, fmt.Errorf("failed to query events of %s: %w", path, err)
	}
	return len(evs) == 0, nil
}

// Touch advances the lastmod of path so its sync token moves. Event writes
// call it on their collection.
func (m *Manager) Touch(ctx context.Context, path string) (*storage.Collection, error) {
	tx, err := m.env.Tx()
	if err != nil {
		return nil, err
	}
	col, err := tx.GetCollection(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := m.save(ctx, col); err != nil {
		return nil, err
	}
	m.env.IndexCollection(col, true)
	return col.Clone(), nil
}

// save stamps col with a fresh lastmod, writes it back and refreshes the
// cache.
func (m *Manager) save(ctx context.Context, col *storage.Collection) error {
	tx, err := m.env.Tx()
	if err != nil {
		return err
	}
	expect := col.Lastmod
	col.Lastmod = m.env.Stamp(expect)
	if err := tx.UpdateCollection(ctx, col, expect); err != nil {
		col.Lastmod = expect
		return err
	}
	m.env.Cache().Put(access.Wrap(col.Clone()))
	return nil
}

// isHome reports whether path is a principal's home collection.
func (m *Manager) isHome(path string) bool {
	return storage.Parent(path) == m.cfg.UserRoot
}

// isRoot reports whether path is a top-level collection or the synthetic
// root.
func isRoot(col *storage.Collection) bool {
	return col.ParentPath == "" || storage.Normalize(col.Path) == storage.Separator
}

func isNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}
