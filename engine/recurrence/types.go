// Package recurrence expands recurring calendar entities into instances and
// reconciles override sets when a master's rule set changes. Everything here
// is pure: persistence and notifications live in the events package.
package recurrence

import (
	"slices"
	"time"

	"github.com/cyp0633/calcore/engine/storage"
)

// Info contains all recurrence-related information for a master.
type Info struct {
	RRules  []string    // RRULE values without the "RRULE:" prefix
	RDates  []time.Time // Additional recurrence dates
	ExDates []time.Time // Exception dates (excluded occurrences)
}

// InfoFromEvent extracts the recurrence fields of ev.
func InfoFromEvent(ev *storage.Event) Info {
	if ev == nil {
		return Info{}
	}
	return Info{
		RRules:  slices.Clone(ev.RRules),
		RDates:  slices.Clone(ev.RDates),
		ExDates: slices.Clone(ev.ExDates),
	}
}

// IsEmpty reports whether the info produces no instances besides DTSTART.
func (i Info) IsEmpty() bool {
	return len(i.RRules) == 0 && len(i.RDates) == 0
}

// RulesEqual compares the rule text only.
func (i Info) RulesEqual(o Info) bool {
	return slices.Equal(i.RRules, o.RRules)
}

// Equal compares rules and both date lists.
func (i Info) Equal(o Info) bool {
	return i.RulesEqual(o) && timesEqual(i.RDates, o.RDates) && timesEqual(i.ExDates, o.ExDates)
}

func timesEqual(a, b []time.Time) bool {
	return slices.EqualFunc(a, b, time.Time.Equal)
}

// Master is the part of a recurring entity that drives expansion.
type Master struct {
	Start  time.Time
	End    time.Time
	AllDay bool
	Info   Info
}

// MasterOf builds the expansion input for ev.
func MasterOf(ev *storage.Event) Master {
	return Master{Start: ev.Start, End: ev.End, AllDay: ev.AllDay, Info: InfoFromEvent(ev)}
}

// Instance is a single occurrence of a recurring master.
type Instance struct {
	RecurrenceID string
	Start        time.Time
	End          time.Time
	// FromRDate is set when the occurrence is listed in RDATE.
	FromRDate bool
}

// Limits bounds expansion.
type Limits struct {
	MaxYears     int
	MaxInstances int
}

// DefaultLimits keep expansion of open-ended rules finite.
var DefaultLimits = Limits{
	MaxYears:     10,
	MaxInstances: 1000,
}

func (l Limits) normalized() Limits {
	if l.MaxYears <= 0 {
		l.MaxYears = DefaultLimits.MaxYears
	}
	if l.MaxInstances <= 0 {
		l.MaxInstances = DefaultLimits.MaxInstances
	}
	return l
}
