package hierarchy

import (
	"context"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/notify"
	"github.com/cyp0633/calcore/engine/storage"
)

// Update writes the descriptive properties of col back to the tree. It
// needs write-properties. When col carries a lastmod it must still match
// the stored one.
func (m *Manager) Update(ctx context.Context, col *storage.Collection) (*storage.Collection, error) {
	w, err := m.MustGet(ctx, col.Path, access.PrivWriteProperties)
	if err != nil {
		return nil, err
	}
	cur := w.Collection()
	if !col.Lastmod.IsZero() && col.Lastmod != cur.Lastmod {
		return nil, apperr.Conflict(cur.Path, "collection changed since %s", col.Lastmod.Tag())
	}

	upd := cur.Clone()
	upd.Summary = col.Summary
	upd.Description = col.Description
	upd.Color = col.Color
	upd.Public = col.Public
	upd.Disabled = col.Disabled
	upd.ExternalURL = col.ExternalURL
	retarget := upd.IsAlias() && storage.Normalize(col.AliasPath) != upd.AliasPath
	if retarget {
		upd.AliasPath = storage.Normalize(col.AliasPath)
		upd.Disabled = false
	}
	if err := m.save(ctx, upd); err != nil {
		return nil, err
	}
	if retarget {
		nw, err := m.env.Wrapped(ctx, upd.Path)
		if err != nil {
			return nil, err
		}
		if res := m.ResolveAlias(ctx, nw, true, false); res.IsError() {
			return nil, res.Error()
		}
	}
	m.env.IndexCollection(upd, false)
	m.env.Logger().Info("collection updated", "path", upd.Path)
	if err := m.env.Post(ctx, notify.SysEvent{Type: notify.CollectionUpdated, Href: upd.Path, Owner: upd.Owner}); err != nil {
		return nil, err
	}
	return upd.Clone(), nil
}

// UpdateAccess replaces the ACL of path. It needs write-acl. Memoized
// decisions of every cached collection are dropped since descendants
// inherit the change.
func (m *Manager) UpdateAccess(ctx context.Context, path string, acl *access.Acl) (*storage.Collection, error) {
	w, err := m.MustGet(ctx, path, access.PrivWriteACL)
	if err != nil {
		return nil, err
	}
	upd := w.Collection().Clone()
	upd.ACL = acl.Encode()
	if err := m.save(ctx, upd); err != nil {
		return nil, err
	}
	m.env.Cache().Flush()
	m.env.IndexCollection(upd, true)
	m.env.Logger().Info("collection acl updated", "path", upd.Path)
	if err := m.env.Post(ctx, notify.SysEvent{Type: notify.CollectionUpdated, Href: upd.Path, Owner: upd.Owner}); err != nil {
		return nil, err
	}
	return upd.Clone(), nil
}
