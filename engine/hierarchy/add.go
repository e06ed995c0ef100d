package hierarchy

import (
	"context"
	"fmt"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/notify"
	"github.com/cyp0633/calcore/engine/storage"
)

// Add creates col as a child of parentPath. The acting principal needs bind
// on the parent. col.Name, col.Type and the descriptive fields are taken
// from the argument; path, ownership, lastmod and publick are assigned here.
func (m *Manager) Add(ctx context.Context, col *storage.Collection, parentPath string) (*storage.Collection, error) {
	if err := ValidateName(col.Name, false); err != nil {
		return nil, err
	}
	if col.Type.IsSpecial() {
		return nil, apperr.Structural(apperr.IllegalCollectionCreation, parentPath,
			"%s collections are provisioned by the engine", col.Type).WithName(col.Name)
	}
	parent, err := m.MustGet(ctx, parentPath, access.PrivBind)
	if err != nil {
		return nil, err
	}
	return m.add(ctx, col, parent.Collection())
}

// add performs the creation without access or reserved-name checks.
func (m *Manager) add(ctx context.Context, in *storage.Collection, parent *storage.Collection) (*storage.Collection, error) {
	if parent.Tombstoned {
		return nil, apperr.NotFound(parent.Path, "parent collection deleted")
	}
	if !parent.Type.CanContainCollections() {
		return nil, apperr.Structural(apperr.IllegalCollectionCreation, parent.Path,
			"a %s collection cannot contain collections", parent.Type).WithName(in.Name)
	}
	if _, err := access.DecodeACL(in.ACL); err != nil {
		return nil, err
	}
	if in.Type == storage.CalTypeAlias && in.AliasPath == "" {
		return nil, apperr.Invalid("alias %s has no target", in.Name)
	}
	if in.Type == storage.CalTypeExtSub && in.ExternalURL == "" {
		return nil, apperr.Invalid("subscription %s has no feed url", in.Name)
	}

	tx, err := m.env.Tx()
	if err != nil {
		return nil, err
	}
	path := storage.Join(parent.Path, in.Name)
	if err := m.purgeTombstoneAt(ctx, path); err != nil {
		return nil, err
	}

	now := m.env.Now()
	col := in.Clone()
	col.Path = path
	col.ParentPath = storage.Normalize(parent.Path)
	col.Public = parent.Public
	col.Creator = m.env.PrincipalHref()
	if col.Owner == "" {
		col.Owner = col.Creator
	}
	if col.Owner == "" {
		col.Owner = parent.Owner
	}
	col.Created = now
	col.Lastmod = m.env.Stamp(storage.Lastmod{})
	col.Tombstoned = false
	col.Disabled = false
	if col.AliasPath != "" {
		col.AliasPath = storage.Normalize(col.AliasPath)
	}

	if err := tx.AddCollection(ctx, col); err != nil {
		return nil, err
	}
	m.env.Cache().Put(access.Wrap(col.Clone()))
	if _, err := m.Touch(ctx, parent.Path); err != nil {
		return nil, err
	}
	m.env.IndexCollection(col, false)

	if col.IsAlias() {
		// A new alias that does not resolve is created disabled.
		w, err := m.env.Wrapped(ctx, col.Path)
		if err != nil {
			return nil, err
		}
		if res := m.ResolveAlias(ctx, w, true, true); res.IsError() {
			m.env.Logger().Warn("new alias does not resolve", "path", col.Path, "error", res.Error())
		}
		col = w.Collection().Clone()
	}

	m.env.Logger().Info("collection added", "path", col.Path, "type", col.Type, "owner", col.Owner)
	if err := m.env.Post(ctx, notify.SysEvent{Type: notify.CollectionAdded, Href: col.Path, Owner: col.Owner}); err != nil {
		return nil, err
	}
	return col.Clone(), nil
}

// purgeTombstoneAt clears a tombstone occupying path; a live collection
// there is a DuplicatePath violation.
func (m *Manager) purgeTombstoneAt(ctx context.Context, path string) error {
	tx, err := m.env.Tx()
	if err != nil {
		return err
	}
	existing, err := tx.GetCollection(ctx, path)
	switch {
	case isNotFound(err):
		return nil
	case err != nil:
		return err
	case !existing.Tombstoned:
		return apperr.Structural(apperr.DuplicatePath, path, "collection already exists")
	}
	if err := tx.DeleteCollection(ctx, path); err != nil {
		return fmt.Errorf("failed to purge tombstone at %s: %w", path, err)
	}
	m.env.Cache().Remove(path)
	m.env.Logger().Debug("purged tombstone before create", "path", path)
	return nil
}

// Bootstrap creates the user root and the public root when they are
// missing. Only a superuser may bootstrap.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if !m.env.Superuser() {
		return apperr.AccessDenied(m.cfg.UserRoot, "bootstrap requires a superuser")
	}
	tx, err := m.env.Tx()
	if err != nil {
		return err
	}
	for _, root := range []string{m.cfg.UserRoot, m.cfg.PublicRoot} {
		if root == "" {
			continue
		}
		_, err := tx.GetCollection(ctx, root)
		if err == nil {
			continue
		}
		if !isNotFound(err) {
			return err
		}
		col := &storage.Collection{
			Path:    root,
			Name:    storage.Base(root),
			Owner:   m.env.PrincipalHref(),
			Creator: m.env.PrincipalHref(),
			Type:    storage.CalTypeFolder,
			ACL:     m.cfg.RootACL,
			Public:  root == m.cfg.PublicRoot,
			Created: m.env.Now(),
			Lastmod: m.env.Stamp(storage.Lastmod{}),
		}
		if err := tx.AddCollection(ctx, col); err != nil {
			return err
		}
		m.env.IndexCollection(col, false)
		m.env.Logger().Info("root collection created", "path", root)
		if err := m.env.Post(ctx, notify.SysEvent{Type: notify.CollectionAdded, Href: root, Owner: col.Owner}); err != nil {
			return err
		}
	}
	return nil
}

// Home returns the home collection of p, creating it when create is set.
func (m *Manager) Home(ctx context.Context, p *access.Principal, create bool) (*storage.Collection, error) {
	if p == nil {
		return nil, apperr.Invalid("no principal")
	}
	path := m.env.Directory().HomePath(p)
	w, err := m.env.Wrapped(ctx, path)
	if err == nil && !w.Collection().Tombstoned {
		return w.Collection().Clone(), nil
	}
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if !create {
		return nil, apperr.NotFound(path, "no home for %s", p.Href)
	}
	root, err := m.env.Wrapped(ctx, m.cfg.UserRoot)
	if err != nil {
		return nil, fmt.Errorf("user root: %w", err)
	}
	return m.add(ctx, &storage.Collection{
		Name:  storage.Base(path),
		Owner: p.Href,
		Type:  storage.CalTypeFolder,
	}, root.Collection())
}

// Special returns the special collection of type ct in p's home, creating
// the home and the collection when create is set.
func (m *Manager) Special(ctx context.Context, p *access.Principal, ct storage.CalType, create bool) (*storage.Collection, error) {
	name, ok := m.cfg.SpecialNames[ct]
	if !ok {
		return nil, apperr.Invalid("%s is not a special collection type", ct)
	}
	home, err := m.Home(ctx, p, create)
	if err != nil {
		return nil, err
	}
	path := storage.Join(home.Path, name)
	w, err := m.env.Wrapped(ctx, path)
	if err == nil && !w.Collection().Tombstoned {
		return w.Collection().Clone(), nil
	}
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if !create {
		return nil, apperr.NotFound(path, "no %s collection for %s", ct, p.Href)
	}
	return m.add(ctx, &storage.Collection{
		Name:  name,
		Owner: p.Href,
		Type:  ct,
	}, home)
}

// Provision creates the home and every special collection of p.
func (m *Manager) Provision(ctx context.Context, p *access.Principal) ([]*storage.Collection, error) {
	var out []*storage.Collection
	for _, ct := range provisionOrder {
		if _, ok := m.cfg.SpecialNames[ct]; !ok {
			continue
		}
		col, err := m.Special(ctx, p, ct, true)
		if err != nil {
			return nil, fmt.Errorf("failed to provision %s for %s: %w", ct, p.Href, err)
		}
		out = append(out, col)
	}
	return out, nil
}

var provisionOrder = []storage.CalType{
	storage.CalTypeCalendar,
	storage.CalTypeTasks,
	storage.CalTypeInbox,
	storage.CalTypeOutbox,
	storage.CalTypePendingInbox,
	storage.CalTypeNotifications,
	storage.CalTypeAttachments,
}
