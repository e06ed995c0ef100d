package hierarchy

import (
	"context"
	"fmt"
	"time"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/index"
	"github.com/cyp0633/calcore/engine/notify"
	"github.com/cyp0633/calcore/engine/storage"
)

// Delete removes an empty collection. Without reallyDelete the collection is
// tombstoned; tombstoning a tombstone is a successful no-op. The acting
// principal needs unbind on the parent.
func (m *Manager) Delete(ctx context.Context, path string, reallyDelete bool) error {
	tx, err := m.env.Tx()
	if err != nil {
		return err
	}
	path = storage.Normalize(path)
	col, err := tx.GetCollection(ctx, path)
	if err != nil {
		return err
	}
	if isRoot(col) || path == m.cfg.UserRoot || m.isHome(path) {
		return apperr.Structural(apperr.CannotDeleteRoot, path, "cannot delete a root or home collection")
	}
	if _, err := m.MustGet(ctx, col.ParentPath, access.PrivUnbind); err != nil {
		return err
	}

	if col.Tombstoned {
		if !reallyDelete {
			return nil
		}
		return m.hardDelete(ctx, col)
	}

	empty, err := m.IsEmpty(ctx, path)
	if err != nil {
		return err
	}
	if !empty {
		return apperr.Structural(apperr.CollectionNotEmpty, path, "collection is not empty")
	}

	if reallyDelete {
		if err := m.hardDelete(ctx, col); err != nil {
			return err
		}
	} else {
		col.Tombstone()
		if err := m.save(ctx, col); err != nil {
			return err
		}
		m.env.IndexCollection(col, false)
	}
	if _, err := m.Touch(ctx, col.ParentPath); err != nil {
		return err
	}
	m.env.Logger().Info("collection deleted", "path", path, "really", reallyDelete)
	return m.env.Post(ctx, notify.SysEvent{Type: notify.CollectionDeleted, Href: path, Owner: col.Owner})
}

func (m *Manager) hardDelete(ctx context.Context, col *storage.Collection) error {
	tx, err := m.env.Tx()
	if err != nil {
		return err
	}
	if err := tx.DeleteCollection(ctx, col.Path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", col.Path, err)
	}
	m.env.Cache().Remove(col.Path)
	m.env.Pending().Unindex(index.DocCollection, col.Path)
	return nil
}

// PurgeTombstones hard-deletes every tombstone last modified before the
// cutoff. Only a superuser may purge.
func (m *Manager) PurgeTombstones(ctx context.Context, before time.Time) (storage.PurgeResult, error) {
	if !m.env.Superuser() {
		return storage.PurgeResult{}, apperr.AccessDenied("", "purging tombstones requires a superuser")
	}
	tx, err := m.env.Tx()
	if err != nil {
		return storage.PurgeResult{}, err
	}
	res, err := tx.PurgeTombstones(ctx, before)
	if err != nil {
		return storage.PurgeResult{}, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	for _, p := range res.Collections {
		m.env.Cache().Remove(p)
		m.env.Pending().Unindex(index.DocCollection, p)
	}
	for _, key := range res.Events {
		m.env.Pending().Unindex(index.DocEvent, key)
	}
	m.env.Logger().Info("tombstones purged", "before", before, "collections", len(res.Collections), "events", len(res.Events))
	return res, nil
}
