package events

import (
	"context"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/index"
	"github.com/cyp0633/calcore/engine/notify"
	"github.com/cyp0633/calcore/engine/recurrence"
	"github.com/cyp0633/calcore/engine/storage"
)

// Update rewrites the master stored under ev's collection and name, and
// merges the supplied overrides into its override set. Passing an override
// as ev updates that single instance and leaves the master as it is. The
// acting principal needs write-content on the collection.
//
// When the instance set changes, overrides left without an instance are
// deleted and reported in DroppedOverrides. Each affected instance gets
// its own notification.
func (m *Manager) Update(ctx context.Context, ev *storage.Event, overrides []*storage.Event) (*UpdateResult, error) {
	col, err := m.collection(ctx, ev.ColPath, access.PrivWriteContent)
	if err != nil {
		return nil, err
	}
	cur, err := m.master(ctx, col.Path, ev.Name)
	if err != nil {
		return nil, err
	}
	if ev.IsOverride() {
		overrides = append([]*storage.Event{ev}, overrides...)
		ev = cur
	} else if !ev.Lastmod.IsZero() && ev.Lastmod != cur.Lastmod {
		return nil, apperr.Conflict(cur.Href(), "event changed since %s", ev.Lastmod.Tag())
	}

	next := ev.Clone()
	next.ColPath = cur.ColPath
	next.Name = cur.Name
	next.Owner = cur.Owner
	next.Creator = cur.Creator
	next.Created = cur.Created
	next.EntityType = cur.EntityType
	next.RecurrenceID = ""
	next.Tombstoned = false
	next.Recurring = isRecurring(next)
	if next.UID == "" {
		next.UID = cur.UID
	}
	changes := Diff(cur, next)
	if changes.Changed(FieldUID) {
		if err := m.checkUnique(ctx, col, next.UID, next.Name, next.Name); err != nil {
			return nil, err
		}
	}

	existing, err := m.overridesOf(ctx, col.Path, cur.Name)
	if err != nil {
		return nil, err
	}
	stored := make(map[string]*storage.Event, len(existing))
	for _, ov := range existing {
		stored[ov.RecurrenceID] = ov
	}
	supplied := make(map[string]*storage.Event, len(overrides))
	for _, ov := range overrides {
		p, err := prepareOverride(next, ov)
		if err != nil {
			return nil, err
		}
		supplied[p.RecurrenceID] = p
	}
	merged := make([]*storage.Event, 0, len(stored)+len(supplied))
	for _, rid := range sortedKeys(stored) {
		if _, ok := supplied[rid]; !ok {
			merged = append(merged, stored[rid])
		}
	}
	for _, rid := range sortedKeys(supplied) {
		merged = append(merged, supplied[rid])
	}

	plan, err := recurrence.Reconcile(recurrence.MasterOf(cur), recurrence.MasterOf(next), merged, m.env.Limits())
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindInvalidInput, Path: cur.Href(), Message: "cannot expand recurrence", Err: err}
	}
	keep, drop := plan.KeepOverrides, plan.DropOverrides
	if next.Recurring && len(keep) > 0 {
		// The date-only path keeps overrides it has no reason to drop; a
		// new override must still name a real instance.
		instances, err := m.expand(next)
		if err != nil {
			return nil, err
		}
		matched, failed := recurrence.MatchOverrides(instances, keep, next.AllDay)
		keep = keep[:0]
		for _, rid := range sortedKeys(matched) {
			keep = append(keep, matched[rid])
		}
		drop = append(drop, failed...)
	}

	tx, err := m.env.Tx()
	if err != nil {
		return nil, err
	}
	next.Lastmod = m.env.Stamp(cur.Lastmod)
	if err := tx.UpdateEvent(ctx, next, cur.Lastmod); err != nil {
		return nil, err
	}
	m.env.IndexEvent(next, false)

	res := &UpdateResult{Event: next, Changes: changes, Added: plan.Added, Removed: plan.Removed}
	var posts []notify.SysEvent
	post := func(t notify.EventType, rid string) {
		posts = append(posts, notify.SysEvent{Type: t, Href: next.Href(), UID: next.UID, RecurrenceID: rid, Owner: next.Owner})
	}

	gone := make(map[string]bool)
	for _, ov := range drop {
		if prev, ok := stored[ov.RecurrenceID]; ok {
			if err := tx.DeleteEvent(ctx, prev.ColPath, prev.Name, prev.RecurrenceID); err != nil {
				return nil, err
			}
			m.env.Pending().Unindex(index.DocEvent, prev.Key())
			post(notify.EntityDeleted, prev.RecurrenceID)
			gone[prev.RecurrenceID] = true
		}
		res.DroppedOverrides = append(res.DroppedOverrides, ov)
	}
	for _, ov := range keep {
		prev, ok := stored[ov.RecurrenceID]
		_, fresh := supplied[ov.RecurrenceID]
		switch {
		case fresh && ok:
			ov.Creator = prev.Creator
			ov.Created = prev.Created
			ov.Lastmod = m.env.Stamp(prev.Lastmod)
			if err := tx.UpdateEvent(ctx, ov, prev.Lastmod); err != nil {
				return nil, err
			}
			post(notify.EntityUpdated, ov.RecurrenceID)
		case fresh:
			ov.Creator = m.env.PrincipalHref()
			ov.Created = m.env.Now()
			ov.Lastmod = m.env.Stamp(storage.Lastmod{})
			if err := tx.AddEvent(ctx, ov); err != nil {
				return nil, err
			}
			post(notify.EntityAdded, ov.RecurrenceID)
		case changes.Changed(FieldUID):
			upd := ov.Clone()
			upd.UID = next.UID
			upd.Lastmod = m.env.Stamp(ov.Lastmod)
			if err := tx.UpdateEvent(ctx, upd, ov.Lastmod); err != nil {
				return nil, err
			}
			ov = upd
		default:
			continue
		}
		m.env.IndexEvent(ov, false)
	}
	for _, inst := range plan.Removed {
		if !gone[inst.RecurrenceID] {
			post(notify.EntityDeleted, inst.RecurrenceID)
		}
	}
	for _, inst := range plan.Added {
		post(notify.EntityAdded, inst.RecurrenceID)
	}
	if !changes.IsEmpty() || len(posts) == 0 {
		post(notify.EntityUpdated, "")
	}

	if _, err := m.tree.Touch(ctx, col.Path); err != nil {
		return nil, err
	}
	m.env.Logger().Info("event updated", "href", next.Href(), "changes", len(changes),
		"added", len(plan.Added), "removed", len(plan.Removed), "dropped", len(res.DroppedOverrides))
	for _, p := range posts {
		if err := m.env.Post(ctx, p); err != nil {
			return nil, err
		}
	}
	res.Event = next.Clone()
	return res, nil
}
