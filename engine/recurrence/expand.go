package recurrence

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/cyp0633/calcore/engine/storage"
)

// Expand generates the instance set of m: DTSTART, every RRULE occurrence and
// every RDATE, minus EXDATEs, ordered by start. Generation stops at
// limits.MaxYears after DTSTART and at limits.MaxInstances instances.
func Expand(m Master, limits Limits) ([]Instance, error) {
	limits = limits.normalized()
	horizon := m.Start.AddDate(limits.MaxYears, 0, 0)
	duration := m.End.Sub(m.Start)
	if duration < 0 {
		duration = 0
	}

	starts := []time.Time{m.Start}
	for _, r := range m.Info.RRules {
		occ, err := expandRRule(m.Start, r, horizon, limits.MaxInstances)
		if err != nil {
			return nil, err
		}
		starts = append(starts, occ...)
	}
	for _, rd := range m.Info.RDates {
		if !rd.After(horizon) {
			starts = append(starts, rd)
		}
	}
	slices.SortFunc(starts, func(a, b time.Time) int { return a.Compare(b) })

	out := make([]Instance, 0, min(len(starts), limits.MaxInstances))
	var last string
	for _, s := range starts {
		if isExcluded(s, m.Info.ExDates, m.AllDay) {
			continue
		}
		rid := FormatRecurrenceID(s, m.AllDay)
		// The generator yields DTSTART a second time when it also matches the
		// rule; so does an RDATE equal to a rule occurrence.
		if rid == last {
			continue
		}
		last = rid
		out = append(out, Instance{
			RecurrenceID: rid,
			Start:        s,
			End:          s.Add(duration),
			FromRDate:    containsTime(m.Info.RDates, s),
		})
		if len(out) == limits.MaxInstances {
			break
		}
	}
	return out, nil
}

// ExpandWindow returns the instances of m that overlap window.
func ExpandWindow(m Master, window *storage.TimeRange, limits Limits) ([]Instance, error) {
	all, err := Expand(m, limits)
	if err != nil {
		return nil, err
	}
	if window == nil {
		return all, nil
	}
	out := all[:0]
	for _, inst := range all {
		if window.Overlaps(inst.Start, inst.End) {
			out = append(out, inst)
		}
	}
	return out, nil
}

// expandRRule expands one RRULE from masterStart up to horizon.
func expandRRule(masterStart time.Time, rule string, horizon time.Time, max int) ([]time.Time, error) {
	rule = strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:")
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RRULE '%s': %w", rule, err)
	}
	opt.Dtstart = masterStart
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("failed to build RRULE '%s': %w", rule, err)
	}

	var out []time.Time
	next := r.Iterator()
	for len(out) <= max {
		t, ok := next()
		if !ok || t.After(horizon) {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// isExcluded checks if a given time is in the EXDATE list. Instances of an
// all-day master are matched by calendar day, timed ones by exact instant.
func isExcluded(t time.Time, exdates []time.Time, allDay bool) bool {
	for _, exdate := range exdates {
		if t.Equal(exdate) {
			return true
		}
		if allDay && truncateDay(t).Equal(truncateDay(exdate)) {
			return true
		}
	}
	return false
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func containsTime(list []time.Time, t time.Time) bool {
	return slices.ContainsFunc(list, t.Equal)
}

// FormatRecurrenceID renders the identity of the occurrence starting at t.
func FormatRecurrenceID(t time.Time, allDay bool) string {
	return storage.FormatICalTime(t, allDay)
}

// ParseRecurrenceID parses a DATE or UTC DATE-TIME recurrence id.
func ParseRecurrenceID(rid string) (t time.Time, allDay bool, err error) {
	switch len(rid) {
	case len("20060102"):
		t, err = time.Parse("20060102", rid)
		return t, true, err
	default:
		t, err = time.Parse(storage.LastmodLayout, rid)
		return t, false, err
	}
}

// NormalizeRecurrenceID rewrites rid in the form instances of a master with
// the given all-day flag use, so "20240103" and "20240103T000000Z" compare
// equal against an all-day master.
func NormalizeRecurrenceID(rid string, allDay bool) (string, error) {
	t, _, err := ParseRecurrenceID(rid)
	if err != nil {
		return "", fmt.Errorf("invalid recurrence id %q: %w", rid, err)
	}
	return FormatRecurrenceID(t, allDay), nil
}
