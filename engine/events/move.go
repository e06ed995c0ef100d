package events

import (
	"context"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/index"
	"github.com/cyp0633/calcore/engine/notify"
	"github.com/cyp0633/calcore/engine/storage"
)

// Move relocates a whole entity, overrides included, into destCol. Single
// instances cannot move. A tombstone stays at the old href unless the
// entity leaves a pending inbox. The source needs unbind, the destination
// bind.
func (m *Manager) Move(ctx context.Context, key EventKey, destCol string) (*storage.Event, error) {
	if key.RecurrenceID != "" {
		return nil, apperr.Structural(apperr.CannotMoveInstance, key.ColPath,
			"instance %s cannot be moved on its own", key.RecurrenceID).WithName(key.Name)
	}
	src, err := m.collection(ctx, key.ColPath, access.PrivUnbind)
	if err != nil {
		return nil, err
	}
	dest, err := m.collection(ctx, destCol, access.PrivBind)
	if err != nil {
		return nil, err
	}
	if dest.Path == src.Path {
		return nil, apperr.Structural(apperr.BadDestination, dest.Path, "event is already there").WithName(key.Name)
	}
	master, err := m.master(ctx, src.Path, key.Name)
	if err != nil {
		return nil, err
	}
	if err := m.checkUnique(ctx, dest, master.UID, master.Name, ""); err != nil {
		return nil, err
	}
	if err := m.purgeTombstones(ctx, dest.Path, master.Name); err != nil {
		return nil, err
	}
	overrides, err := m.overridesOf(ctx, src.Path, master.Name)
	if err != nil {
		return nil, err
	}
	tx, err := m.env.Tx()
	if err != nil {
		return nil, err
	}

	var posts []notify.SysEvent
	moveRow := func(row *storage.Event) (*storage.Event, error) {
		moved := row.Clone()
		moved.ColPath = dest.Path
		moved.Owner = dest.Owner
		moved.Lastmod = m.env.Stamp(row.Lastmod)
		if err := tx.AddEvent(ctx, moved); err != nil {
			return nil, err
		}
		m.env.IndexEvent(moved, false)
		posts = append(posts, notify.SysEvent{
			Type:         notify.EntityMoved,
			Href:         moved.Href(),
			OldHref:      row.Href(),
			UID:          moved.UID,
			RecurrenceID: moved.RecurrenceID,
			Owner:        moved.Owner,
		})
		return moved, nil
	}

	moved, err := moveRow(master)
	if err != nil {
		return nil, err
	}
	for _, ov := range overrides {
		if _, err := moveRow(ov); err != nil {
			return nil, err
		}
		if err := tx.DeleteEvent(ctx, ov.ColPath, ov.Name, ov.RecurrenceID); err != nil {
			return nil, err
		}
		m.env.Pending().Unindex(index.DocEvent, ov.Key())
	}
	// Overrides are announced before their master.
	posts = append(posts[1:], posts[0])

	if src.Type == storage.CalTypePendingInbox {
		if err := tx.DeleteEvent(ctx, master.ColPath, master.Name, ""); err != nil {
			return nil, err
		}
		m.env.Pending().Unindex(index.DocEvent, master.Key())
	} else {
		tomb := master.Clone()
		tomb.Tombstone()
		tomb.Lastmod = m.env.Stamp(master.Lastmod)
		if err := tx.UpdateEvent(ctx, tomb, master.Lastmod); err != nil {
			return nil, err
		}
		m.env.IndexEvent(tomb, false)
	}

	if _, err := m.tree.Touch(ctx, src.Path); err != nil {
		return nil, err
	}
	if _, err := m.tree.Touch(ctx, dest.Path); err != nil {
		return nil, err
	}
	m.env.Logger().Info("event moved", "from", master.Href(), "to", moved.Href(), "overrides", len(overrides))
	for _, p := range posts {
		if err := m.env.Post(ctx, p); err != nil {
			return nil, err
		}
	}
	return moved.Clone(), nil
}
