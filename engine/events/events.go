// Package events stores calendar entities: standalone events, recurring
// masters and their per-instance overrides. It keeps the override set of a
// master consistent with its recurrence rules on every write and queues the
// index writes and change notifications the write implies.
package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/env"
	"github.com/cyp0633/calcore/engine/hierarchy"
	"github.com/cyp0633/calcore/engine/index"
	"github.com/cyp0633/calcore/engine/recurrence"
	"github.com/cyp0633/calcore/engine/storage"
)

// EventKey addresses a stored entity or one instance of a recurring master.
type EventKey struct {
	ColPath      string
	Name         string
	RecurrenceID string
}

// KeyOf returns the key of ev.
func KeyOf(ev *storage.Event) EventKey {
	return EventKey{ColPath: ev.ColPath, Name: ev.Name, RecurrenceID: ev.RecurrenceID}
}

// Href is the resource path shared by a master and its instances.
func (k EventKey) Href() string { return storage.Join(k.ColPath, k.Name) }

func (k EventKey) String() string {
	if k.RecurrenceID == "" {
		return k.Href()
	}
	return k.Href() + "#" + k.RecurrenceID
}

// AddOptions tunes Add.
type AddOptions struct {
	// RollbackOnError turns an override that matches no instance into an
	// error instead of a partial success.
	RollbackOnError bool
}

// AddResult is the outcome of Add.
type AddResult struct {
	Event           *storage.Event
	FailedOverrides []*storage.Event
	Instances       []recurrence.Instance
}

// UpdateResult is the outcome of Update.
type UpdateResult struct {
	Event            *storage.Event
	Changes          ChangeTable
	Added            []recurrence.Instance
	Removed          []recurrence.Instance
	DroppedOverrides []*storage.Event
}

// EventInfo is a master with its live overrides, ordered by recurrence id.
type EventInfo struct {
	Master    *storage.Event
	Overrides []*storage.Event
}

// Manager operates on the events of one session.
type Manager struct {
	env  *env.Env
	tree *hierarchy.Manager
}

// New creates a manager bound to the session context e. Collection lookups
// and touches go through tree.
func New(e *env.Env, tree *hierarchy.Manager) *Manager {
	return &Manager{env: e, tree: tree}
}

// collection returns the live calendar collection at path provided the
// acting principal holds desired on it.
func (m *Manager) collection(ctx context.Context, path string, desired access.Privilege) (*storage.Collection, error) {
	w, err := m.tree.MustGet(ctx, path, desired)
	if err != nil {
		return nil, err
	}
	col := w.Collection()
	if !col.Type.IsCalendarCollection() {
		return nil, apperr.Invalid("%s is a %s, not a calendar collection", col.Path, col.Type)
	}
	return col, nil
}

// master fetches the live master stored under colPath/name.
func (m *Manager) master(ctx context.Context, colPath, name string) (*storage.Event, error) {
	tx, err := m.env.Tx()
	if err != nil {
		return nil, err
	}
	ev, err := tx.GetEvent(ctx, colPath, name, "")
	if err != nil {
		return nil, err
	}
	if ev.Tombstoned {
		return nil, apperr.NotFound(ev.Href(), "event deleted")
	}
	return ev, nil
}

// overridesOf lists the live overrides stored under colPath/name.
func (m *Manager) overridesOf(ctx context.Context, colPath, name string) ([]*storage.Event, error) {
	tx, err := m.env.Tx()
	if err != nil {
		return nil, err
	}
	rows, err := tx.EventsByName(ctx, colPath, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list rows of %s: %w", storage.Join(colPath, name), err)
	}
	var out []*storage.Event
	for _, r := range rows {
		if r.IsOverride() && !r.Tombstoned {
			out = append(out, r)
		}
	}
	return out, nil
}

// checkUnique enforces UID and name uniqueness inside col. Rows stored under
// skipName belong to the entity being written and are ignored.
func (m *Manager) checkUnique(ctx context.Context, col *storage.Collection, uid, name, skipName string) error {
	tx, err := m.env.Tx()
	if err != nil {
		return err
	}
	if name != skipName {
		rows, err := tx.EventsByName(ctx, col.Path, name)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if !r.Tombstoned {
				return apperr.Structural(apperr.DuplicateName, col.Path, "name already in use").WithName(name)
			}
		}
	}
	if !col.Type.RequiresUniqueUID() {
		return nil
	}
	rows, err := tx.FindEvents(ctx, col.Path, uid)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if !r.Tombstoned && r.Name != skipName {
			return apperr.Structural(apperr.DuplicateGuid, col.Path, "uid already in use by %s", r.Name).WithUID(uid)
		}
	}
	return nil
}

// purgeTombstones clears tombstoned rows stored under colPath/name so a new
// entity can take the name.
func (m *Manager) purgeTombstones(ctx context.Context, colPath, name string) error {
	tx, err := m.env.Tx()
	if err != nil {
		return err
	}
	rows, err := tx.EventsByName(ctx, colPath, name)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if !r.Tombstoned {
			continue
		}
		if err := tx.DeleteEvent(ctx, r.ColPath, r.Name, r.RecurrenceID); err != nil {
			return fmt.Errorf("failed to purge tombstone %s: %w", r.Key(), err)
		}
		m.env.Pending().Unindex(index.DocEvent, r.Key())
	}
	return nil
}

// prepareOverride checks that ov may hang off master and fills in the
// fields it shares with it.
func prepareOverride(master, ov *storage.Event) (*storage.Event, error) {
	if ov.UID != "" && ov.UID != master.UID {
		return nil, apperr.Structural(apperr.CannotOverrideUid, master.ColPath,
			"override uid %q differs from master", ov.UID).WithUID(master.UID).WithName(master.Name)
	}
	if ov.Name != "" && ov.Name != master.Name {
		return nil, apperr.Structural(apperr.CannotOverrideName, master.ColPath,
			"override name %q differs from master", ov.Name).WithUID(master.UID).WithName(master.Name)
	}
	rid, err := recurrence.NormalizeRecurrenceID(ov.RecurrenceID, master.AllDay)
	if err != nil {
		return nil, apperr.Structural(apperr.InvalidOverride, master.ColPath,
			"bad recurrence id %q", ov.RecurrenceID).WithName(master.Name)
	}
	out := ov.Clone()
	out.UID = master.UID
	out.Name = master.Name
	out.ColPath = master.ColPath
	out.EntityType = master.EntityType
	out.Owner = master.Owner
	out.RecurrenceID = rid
	out.Recurring = false
	out.RRules = nil
	out.RDates = nil
	out.ExDates = nil
	out.Tombstoned = false
	return out, nil
}

// expand lists the instances of master, or nil for a non-recurring entity.
func (m *Manager) expand(master *storage.Event) ([]recurrence.Instance, error) {
	if !master.Recurring {
		return nil, nil
	}
	instances, err := m.env.Expand(recurrence.MasterOf(master))
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindInvalidInput, Path: master.Href(), Message: "cannot expand recurrence", Err: err}
	}
	return instances, nil
}

// isRecurring reports whether ev carries a rule set producing instances.
func isRecurring(ev *storage.Event) bool {
	return !recurrence.InfoFromEvent(ev).IsEmpty()
}

func isNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}
