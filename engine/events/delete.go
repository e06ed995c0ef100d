package events

import (
	"context"
	"slices"
	"time"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/index"
	"github.com/cyp0633/calcore/engine/notify"
	"github.com/cyp0633/calcore/engine/recurrence"
	"github.com/cyp0633/calcore/engine/storage"
)

// Delete removes the entity or the single instance addressed by key. The
// acting principal needs unbind on the collection.
//
// A master loses its overrides first and is then tombstoned, or removed when
// reallyDelete is set; deleting a tombstone without reallyDelete succeeds
// without doing anything. An instance loses its override and the master
// either drops the RDATE that produced it or gains an EXDATE for it.
func (m *Manager) Delete(ctx context.Context, key EventKey, reallyDelete bool) error {
	col, err := m.collection(ctx, key.ColPath, access.PrivUnbind)
	if err != nil {
		return err
	}
	tx, err := m.env.Tx()
	if err != nil {
		return err
	}
	master, err := tx.GetEvent(ctx, col.Path, key.Name, "")
	if err != nil {
		return err
	}
	if key.RecurrenceID != "" {
		if master.Tombstoned {
			return apperr.NotFound(master.Href(), "event deleted")
		}
		return m.deleteInstance(ctx, col, master, key.RecurrenceID)
	}
	if master.Tombstoned && !reallyDelete {
		return nil
	}

	overrides, err := m.overridesOf(ctx, col.Path, master.Name)
	if err != nil {
		return err
	}
	for _, ov := range overrides {
		if err := tx.DeleteEvent(ctx, ov.ColPath, ov.Name, ov.RecurrenceID); err != nil {
			return err
		}
		m.env.Pending().Unindex(index.DocEvent, ov.Key())
	}
	if reallyDelete {
		if err := tx.DeleteEvent(ctx, master.ColPath, master.Name, ""); err != nil {
			return err
		}
		m.env.Pending().Unindex(index.DocEvent, master.Key())
	} else {
		tomb := master.Clone()
		tomb.Tombstone()
		tomb.Lastmod = m.env.Stamp(master.Lastmod)
		if err := tx.UpdateEvent(ctx, tomb, master.Lastmod); err != nil {
			return err
		}
		m.env.IndexEvent(tomb, false)
	}

	if _, err := m.tree.Touch(ctx, col.Path); err != nil {
		return err
	}
	m.env.Logger().Info("event deleted", "href", master.Href(), "overrides", len(overrides), "really", reallyDelete)
	return m.env.Post(ctx, notify.SysEvent{
		Type:  notify.EntityDeleted,
		Href:  master.Href(),
		UID:   master.UID,
		Owner: master.Owner,
	})
}

func (m *Manager) deleteInstance(ctx context.Context, col *storage.Collection, master *storage.Event, rawRID string) error {
	tx, err := m.env.Tx()
	if err != nil {
		return err
	}
	rid, err := recurrence.NormalizeRecurrenceID(rawRID, master.AllDay)
	if err != nil {
		return apperr.NotFound(master.Href(), "bad recurrence id %q", rawRID)
	}
	instances, err := m.expand(master)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(instances, func(i recurrence.Instance) bool { return i.RecurrenceID == rid })

	ov, err := tx.GetEvent(ctx, col.Path, master.Name, rid)
	switch {
	case err == nil:
		if err := tx.DeleteEvent(ctx, ov.ColPath, ov.Name, ov.RecurrenceID); err != nil {
			return err
		}
		m.env.Pending().Unindex(index.DocEvent, ov.Key())
	case !isNotFound(err):
		return err
	case idx < 0:
		return apperr.NotFound(master.Href(), "no instance %s", rid)
	}

	if idx >= 0 {
		upd := master.Clone()
		if rd := slices.IndexFunc(upd.RDates, func(t time.Time) bool {
			return recurrence.FormatRecurrenceID(t, upd.AllDay) == rid
		}); rd >= 0 {
			upd.RDates = slices.Delete(upd.RDates, rd, rd+1)
		}
		upd.Recurring = isRecurring(upd)
		// An RDATE that duplicates a rule occurrence still leaves the
		// instance in place.
		rest, err := m.expand(upd)
		if err != nil {
			return err
		}
		if slices.ContainsFunc(rest, func(i recurrence.Instance) bool { return i.RecurrenceID == rid }) {
			upd.ExDates = append(upd.ExDates, instances[idx].Start)
		}
		upd.Lastmod = m.env.Stamp(master.Lastmod)
		if err := tx.UpdateEvent(ctx, upd, master.Lastmod); err != nil {
			return err
		}
		m.env.IndexEvent(upd, false)
	}

	if _, err := m.tree.Touch(ctx, col.Path); err != nil {
		return err
	}
	m.env.Logger().Info("instance deleted", "href", master.Href(), "rid", rid)
	return m.env.Post(ctx, notify.SysEvent{
		Type:         notify.EntityDeleted,
		Href:         master.Href(),
		UID:          master.UID,
		RecurrenceID: rid,
		Owner:        master.Owner,
	})
}
