package events

import (
	"context"
	"fmt"
	"sort"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/recurrence"
	"github.com/cyp0633/calcore/engine/storage"
)

// Get returns the master addressed by key with its overrides. A key with a
// recurrence id yields the materialized instance as Master and no
// overrides.
func (m *Manager) Get(ctx context.Context, key EventKey) (*EventInfo, error) {
	col, err := m.readable(ctx, key.ColPath, access.PrivRead)
	if err != nil {
		return nil, err
	}
	master, err := m.master(ctx, col.Path, key.Name)
	if err != nil {
		return nil, err
	}
	if key.RecurrenceID != "" {
		inst, err := m.instance(ctx, master, key.RecurrenceID)
		if err != nil {
			return nil, err
		}
		return &EventInfo{Master: inst}, nil
	}
	overrides, err := m.overridesOf(ctx, col.Path, master.Name)
	if err != nil {
		return nil, err
	}
	sort.Slice(overrides, func(i, j int) bool { return overrides[i].RecurrenceID < overrides[j].RecurrenceID })
	return &EventInfo{Master: master, Overrides: overrides}, nil
}

func (m *Manager) instance(ctx context.Context, master *storage.Event, rawRID string) (*storage.Event, error) {
	rid, err := recurrence.NormalizeRecurrenceID(rawRID, master.AllDay)
	if err != nil {
		return nil, apperr.NotFound(master.Href(), "bad recurrence id %q", rawRID)
	}
	instances, err := m.expand(master)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.RecurrenceID != rid {
			continue
		}
		tx, err := m.env.Tx()
		if err != nil {
			return nil, err
		}
		ov, err := tx.GetEvent(ctx, master.ColPath, master.Name, rid)
		if err != nil && !isNotFound(err) {
			return nil, err
		}
		return recurrence.Materialize(master, ov, inst), nil
	}
	return nil, apperr.NotFound(master.Href(), "no instance %s", rid)
}

// Instances materializes the instances of the entity at key that overlap
// window, overrides applied. A non-recurring entity is its own single
// instance.
func (m *Manager) Instances(ctx context.Context, key EventKey, window *storage.TimeRange) ([]*storage.Event, error) {
	col, err := m.readable(ctx, key.ColPath, access.PrivRead)
	if err != nil {
		return nil, err
	}
	master, err := m.master(ctx, col.Path, key.Name)
	if err != nil {
		return nil, err
	}
	overrides, err := m.overridesOf(ctx, col.Path, master.Name)
	if err != nil {
		return nil, err
	}
	return m.materialize(master, overrides, window)
}

func (m *Manager) materialize(master *storage.Event, overrides []*storage.Event, window *storage.TimeRange) ([]*storage.Event, error) {
	if !master.Recurring {
		// Match also knows how free-busy entities overlap a window.
		f := storage.EventFilter{TimeRange: window, Deleted: storage.DeletedInclude}
		if f.Match(master) {
			return []*storage.Event{master.Clone()}, nil
		}
		return nil, nil
	}
	instances, err := m.expand(master)
	if err != nil {
		return nil, err
	}
	matched, _ := recurrence.MatchOverrides(instances, overrides, master.AllDay)
	var out []*storage.Event
	for _, inst := range instances {
		ev := recurrence.Materialize(master, matched[inst.RecurrenceID], inst)
		if window.Overlaps(ev.Start, ev.End) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Query lists the rows matching f in collections the acting principal can
// read. With expand, recurring masters are replaced by their materialized
// instances inside f.TimeRange and overrides are folded into them.
func (m *Manager) Query(ctx context.Context, f *storage.EventFilter, expand bool) ([]*storage.Event, error) {
	return m.query(ctx, f, expand, access.PrivRead)
}

// FreeBusyInstances lists the expanded instances of every entity in cols
// overlapping window, checking only read-free-busy on each collection.
func (m *Manager) FreeBusyInstances(ctx context.Context, cols []string, window *storage.TimeRange) ([]*storage.Event, error) {
	return m.query(ctx, &storage.EventFilter{
		Collections: cols,
		TimeRange:   window,
		EntityTypes: []storage.EntityType{storage.EntityEvent, storage.EntityFreeBusy},
	}, true, access.PrivReadFreeBusy)
}

func (m *Manager) query(ctx context.Context, f *storage.EventFilter, expand bool, desired access.Privilege) ([]*storage.Event, error) {
	if f == nil || len(f.Collections) == 0 {
		return nil, apperr.Invalid("query names no collection")
	}
	cols := make([]string, 0, len(f.Collections))
	for _, p := range f.Collections {
		col, err := m.readable(ctx, p, desired)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col.Path)
	}
	tx, err := m.env.Tx()
	if err != nil {
		return nil, err
	}
	q := *f
	q.Collections = cols
	if !expand {
		return tx.QueryEvents(ctx, &q)
	}

	q.MastersOnly = true
	q.Deleted = storage.DeletedExclude
	masters, err := tx.QueryEvents(ctx, &q)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	var out []*storage.Event
	for _, master := range masters {
		var overrides []*storage.Event
		if master.Recurring {
			if overrides, err = m.overridesOf(ctx, master.ColPath, master.Name); err != nil {
				return nil, err
			}
		}
		insts, err := m.materialize(master, overrides, f.TimeRange)
		if err != nil {
			m.env.Logger().Warn("skipping unexpandable event", "href", master.Href(), "error", err)
			continue
		}
		out = append(out, insts...)
	}
	return out, nil
}

// readable returns the collection at path if the acting principal holds
// desired on it. Unlike writes, reads accept any collection type.
func (m *Manager) readable(ctx context.Context, path string, desired access.Privilege) (*storage.Collection, error) {
	w, err := m.tree.MustGet(ctx, path, desired)
	if err != nil {
		return nil, err
	}
	return w.Collection(), nil
}
