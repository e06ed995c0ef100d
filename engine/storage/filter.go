package storage

import (
	"slices"
	"time"
)

// DeletedState selects how tombstoned events take part in a query.
type DeletedState int

const (
	DeletedExclude DeletedState = iota
	DeletedInclude
	DeletedOnly
)

// TimeRange is a half-open [Start, End) window; nil bounds are open.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

// NewTimeRange builds a closed window from two instants.
func NewTimeRange(start, end time.Time) *TimeRange {
	return &TimeRange{Start: &start, End: &end}
}

// Overlaps applies the CalDAV time-range test to [start, end). Instantaneous
// entities (end == start) match when start lies inside the window.
func (tr *TimeRange) Overlaps(start, end time.Time) bool {
	if tr == nil {
		return true
	}
	if end.Before(start) {
		end = start
	}
	if end.Equal(start) {
		if tr.Start != nil && start.Before(*tr.Start) {
			return false
		}
		if tr.End != nil && !start.Before(*tr.End) {
			return false
		}
		return true
	}
	if tr.Start != nil && !end.After(*tr.Start) {
		return false
	}
	if tr.End != nil && !start.Before(*tr.End) {
		return false
	}
	return true
}

// EventFilter selects stored events. Recurring masters always pass the time
// test: their instances are only known after expansion.
type EventFilter struct {
	Collections []string
	TimeRange   *TimeRange
	EntityTypes []EntityType
	UID         string
	Name        string
	// MastersOnly drops overrides.
	MastersOnly bool
	Deleted     DeletedState
}

// Match reports whether ev satisfies the filter.
func (f *EventFilter) Match(ev *Event) bool {
	if ev == nil {
		return false
	}
	if f == nil {
		return !ev.Tombstoned
	}
	switch f.Deleted {
	case DeletedExclude:
		if ev.Tombstoned {
			return false
		}
	case DeletedOnly:
		if !ev.Tombstoned {
			return false
		}
	}
	if len(f.Collections) > 0 && !slices.Contains(f.Collections, ev.ColPath) {
		return false
	}
	if len(f.EntityTypes) > 0 && !slices.Contains(f.EntityTypes, ev.EntityType) {
		return false
	}
	if f.UID != "" && ev.UID != f.UID {
		return false
	}
	if f.Name != "" && ev.Name != f.Name {
		return false
	}
	if f.MastersOnly && ev.IsOverride() {
		return false
	}
	if ev.Recurring && !ev.IsOverride() {
		return true
	}
	if ev.EntityType == EntityFreeBusy && len(ev.FreeBusy) > 0 {
		for _, p := range ev.FreeBusy {
			if f.TimeRange.Overlaps(p.Start, p.End) {
				return true
			}
		}
		return false
	}
	return f.TimeRange.Overlaps(ev.Start, ev.End)
}
