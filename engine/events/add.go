package events

import (
	"context"
	"slices"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/hierarchy"
	"github.com/cyp0633/calcore/engine/notify"
	"github.com/cyp0633/calcore/engine/recurrence"
	"github.com/cyp0633/calcore/engine/storage"
)

// Add stores ev in its collection together with the overrides supplied for
// it. The acting principal needs bind on the collection.
//
// Overrides are matched against the instances of ev; one that matches none
// is returned in FailedOverrides, or fails the whole add when
// opts.RollbackOnError is set.
func (m *Manager) Add(ctx context.Context, ev *storage.Event, overrides []*storage.Event, opts AddOptions) (*AddResult, error) {
	if ev.UID == "" {
		return nil, apperr.Invalid("event has no uid").WithName(ev.Name)
	}
	if ev.Name == "" {
		return nil, apperr.Invalid("event has no name").WithUID(ev.UID)
	}
	if ev.IsOverride() {
		return nil, apperr.Structural(apperr.InvalidOverride, ev.ColPath,
			"an override cannot be added on its own").WithName(ev.Name)
	}
	if err := hierarchy.ValidateName(ev.Name, true); err != nil {
		return nil, err
	}
	col, err := m.collection(ctx, ev.ColPath, access.PrivBind)
	if err != nil {
		return nil, err
	}
	if err := m.checkUnique(ctx, col, ev.UID, ev.Name, ""); err != nil {
		return nil, err
	}
	tx, err := m.env.Tx()
	if err != nil {
		return nil, err
	}
	if err := m.purgeTombstones(ctx, col.Path, ev.Name); err != nil {
		return nil, err
	}

	master := ev.Clone()
	master.ColPath = col.Path
	master.Owner = col.Owner
	master.Creator = m.env.PrincipalHref()
	master.Created = m.env.Now()
	master.Recurring = isRecurring(master)
	master.Tombstoned = false
	master.RecurrenceID = ""

	res := &AddResult{}
	matched := map[string]*storage.Event{}
	if master.Recurring {
		res.Instances, err = m.expand(master)
		if err != nil {
			return nil, err
		}
		var prepared []*storage.Event
		for _, ov := range overrides {
			p, err := prepareOverride(master, ov)
			if err != nil {
				if opts.RollbackOnError || apperr.ReasonOf(err) != apperr.InvalidOverride {
					return nil, err
				}
				res.FailedOverrides = append(res.FailedOverrides, ov)
				continue
			}
			prepared = append(prepared, p)
		}
		var failed []*storage.Event
		matched, failed = recurrence.MatchOverrides(res.Instances, prepared, master.AllDay)
		res.FailedOverrides = append(res.FailedOverrides, failed...)
	} else {
		res.FailedOverrides = slices.Clone(overrides)
	}
	if len(res.FailedOverrides) > 0 {
		m.env.Logger().Warn("overrides match no instance", "href", master.Href(), "count", len(res.FailedOverrides))
		if opts.RollbackOnError {
			return nil, apperr.Structural(apperr.InvalidOverride, col.Path,
				"%d override(s) match no instance", len(res.FailedOverrides)).WithName(master.Name).WithUID(master.UID)
		}
	}

	master.Lastmod = m.env.Stamp(storage.Lastmod{})
	if err := tx.AddEvent(ctx, master); err != nil {
		return nil, err
	}
	m.env.IndexEvent(master, false)

	for _, rid := range sortedKeys(matched) {
		ov := matched[rid]
		ov.Creator = master.Creator
		ov.Created = master.Created
		ov.Lastmod = m.env.Stamp(storage.Lastmod{})
		if err := tx.AddEvent(ctx, ov); err != nil {
			return nil, err
		}
		m.env.IndexEvent(ov, false)
	}

	if _, err := m.tree.Touch(ctx, col.Path); err != nil {
		return nil, err
	}
	m.env.Logger().Info("event added", "href", master.Href(), "uid", master.UID,
		"overrides", len(matched), "instances", len(res.Instances))
	if err := m.env.Post(ctx, notify.SysEvent{
		Type:  notify.EntityAdded,
		Href:  master.Href(),
		UID:   master.UID,
		Owner: master.Owner,
	}); err != nil {
		return nil, err
	}
	res.Event = master.Clone()
	return res, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
