package hierarchy

import (
	"context"
	"fmt"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/index"
	"github.com/cyp0633/calcore/engine/notify"
	"github.com/cyp0633/calcore/engine/storage"
)

// Move re-parents the collection at path under destParent, keeping its name.
// The source needs unbind, the destination bind, and the destination must
// be a folder outside the moved subtree.
func (m *Manager) Move(ctx context.Context, path, destParent string) (*storage.Collection, error) {
	src, err := m.MustGet(ctx, path, access.PrivUnbind)
	if err != nil {
		return nil, err
	}
	dest, err := m.MustGet(ctx, destParent, access.PrivBind)
	if err != nil {
		return nil, err
	}
	return m.move(ctx, src.Collection().Clone(), dest.Collection(), src.Collection().Name)
}

// Rename gives the collection at path a new name within its parent.
func (m *Manager) Rename(ctx context.Context, path, newName string) (*storage.Collection, error) {
	if err := ValidateName(newName, false); err != nil {
		return nil, err
	}
	src, err := m.MustGet(ctx, path, access.PrivUnbind)
	if err != nil {
		return nil, err
	}
	parent, err := m.MustGet(ctx, src.ParentPath(), access.PrivBind)
	if err != nil {
		return nil, err
	}
	return m.move(ctx, src.Collection().Clone(), parent.Collection(), newName)
}

func (m *Manager) move(ctx context.Context, src, dest *storage.Collection, newName string) (*storage.Collection, error) {
	if isRoot(src) || m.isHome(src.Path) {
		return nil, apperr.Structural(apperr.CannotDeleteRoot, src.Path, "cannot move a root or home collection")
	}
	if dest.Type != storage.CalTypeFolder {
		return nil, apperr.Structural(apperr.BadDestination, dest.Path, "destination is a %s, not a folder", dest.Type)
	}
	if storage.IsDescendant(dest.Path, src.Path) {
		return nil, apperr.Structural(apperr.BadDestination, dest.Path, "cannot move %s into its own subtree", src.Path)
	}
	newRoot := storage.Join(dest.Path, newName)
	if newRoot == src.Path {
		return nil, apperr.Structural(apperr.BadDestination, newRoot, "source and destination are the same")
	}

	nodes, err := m.subtree(ctx, src)
	if err != nil {
		return nil, err
	}
	keepTombstones := src.Type != storage.CalTypePendingInbox

	var moved *storage.Collection
	for _, node := range nodes {
		newPath := storage.Rebase(node.Path, src.Path, newRoot)
		nc := node.Clone()
		nc.Path = newPath
		nc.Name = storage.Base(newPath)
		if node.Path == src.Path {
			nc.ParentPath = storage.Normalize(dest.Path)
		} else {
			nc.ParentPath = storage.Rebase(node.ParentPath, src.Path, newRoot)
		}
		if err := m.relocate(ctx, node, nc, keepTombstones); err != nil {
			return nil, err
		}
		if moved == nil {
			moved = nc
		}
	}

	if _, err := m.Touch(ctx, src.ParentPath); err != nil {
		return nil, err
	}
	if storage.Normalize(dest.Path) != storage.Normalize(src.ParentPath) {
		if _, err := m.Touch(ctx, dest.Path); err != nil {
			return nil, err
		}
	}
	m.env.Logger().Info("collection moved", "from", src.Path, "to", newRoot, "nodes", len(nodes))
	return moved.Clone(), nil
}

// subtree lists src and its live descendants, parents before children.
func (m *Manager) subtree(ctx context.Context, src *storage.Collection) ([]*storage.Collection, error) {
	tx, err := m.env.Tx()
	if err != nil {
		return nil, err
	}
	out := []*storage.Collection{src}
	for i := 0; i < len(out); i++ {
		children, err := tx.GetChildCollections(ctx, out[i].Path)
		if err != nil {
			return nil, fmt.Errorf("failed to list children of %s: %w", out[i].Path, err)
		}
		for _, c := range children {
			if !c.Tombstoned {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// relocate writes nc at its new path, carries the events of old along and
// leaves a tombstone (or nothing) at the old path.
func (m *Manager) relocate(ctx context.Context, old, nc *storage.Collection, keepTombstone bool) error {
	tx, err := m.env.Tx()
	if err != nil {
		return err
	}
	if err := m.purgeTombstoneAt(ctx, nc.Path); err != nil {
		return err
	}
	nc.Lastmod = m.env.Stamp(old.Lastmod)
	if err := tx.AddCollection(ctx, nc); err != nil {
		return err
	}

	evs, err := tx.QueryEvents(ctx, &storage.EventFilter{
		Collections: []string{old.Path},
		Deleted:     storage.DeletedInclude,
	})
	if err != nil {
		return fmt.Errorf("failed to list events of %s: %w", old.Path, err)
	}
	for _, ev := range evs {
		if err := tx.DeleteEvent(ctx, ev.ColPath, ev.Name, ev.RecurrenceID); err != nil {
			return err
		}
		m.env.Pending().Unindex(index.DocEvent, ev.Key())
		if ev.Tombstoned {
			continue
		}
		ne := ev.Clone()
		ne.ColPath = nc.Path
		ne.Lastmod = m.env.Stamp(ev.Lastmod)
		if err := tx.AddEvent(ctx, ne); err != nil {
			return err
		}
		m.env.IndexEvent(ne, false)
	}

	m.env.Cache().Remove(old.Path)
	if keepTombstone {
		tomb := old.Clone()
		tomb.Tombstone()
		if err := m.save(ctx, tomb); err != nil {
			return err
		}
		m.env.IndexCollection(tomb, false)
	} else {
		if err := tx.DeleteCollection(ctx, old.Path); err != nil {
			return err
		}
		m.env.Pending().Unindex(index.DocCollection, old.Path)
	}

	m.env.Cache().Put(access.Wrap(nc.Clone()))
	m.env.IndexCollection(nc, false)
	return m.env.Post(ctx, notify.SysEvent{
		Type:    notify.CollectionMoved,
		Href:    nc.Path,
		OldHref: old.Path,
		Owner:   nc.Owner,
	})
}
