package recurrence

import (
	"slices"
	"time"

	"github.com/cyp0633/calcore/engine/storage"
)

// MatchOverrides attaches each override to the instance sharing its
// recurrence id. Overrides whose id matches no instance are returned in
// failed, in input order.
func MatchOverrides(instances []Instance, overrides []*storage.Event, allDay bool) (matched map[string]*storage.Event, failed []*storage.Event) {
	ids := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		ids[inst.RecurrenceID] = struct{}{}
	}
	matched = make(map[string]*storage.Event, len(overrides))
	for _, ov := range overrides {
		rid, err := NormalizeRecurrenceID(ov.RecurrenceID, allDay)
		if err != nil {
			failed = append(failed, ov)
			continue
		}
		if _, ok := ids[rid]; !ok {
			failed = append(failed, ov)
			continue
		}
		matched[rid] = ov
	}
	return matched, failed
}

// Plan is the outcome of reconciling a master's instance set after an update.
type Plan struct {
	// Full is set when the instance set was regenerated; otherwise only the
	// EXDATE/RDATE delta was applied.
	Full bool
	// Added lists instances that did not exist before.
	Added []Instance
	// Removed lists instances that no longer exist.
	Removed []Instance
	// KeepOverrides still match an instance.
	KeepOverrides []*storage.Event
	// DropOverrides match no instance and must be deleted.
	DropOverrides []*storage.Event
}

// Reconcile diffs the instance sets of prev and next. When only the EXDATE or
// RDATE lists changed the full regeneration is skipped: the affected
// instances are derived from the date delta, checked against the rule
// occurrences.
func Reconcile(prev, next Master, overrides []*storage.Event, limits Limits) (Plan, error) {
	if next.Info.IsEmpty() {
		return Plan{Full: true, DropOverrides: slices.Clone(overrides)}, nil
	}
	if datesOnly(prev, next) {
		return reconcileDates(prev, next, overrides, limits)
	}

	before, err := Expand(prev, limits)
	if err != nil {
		return Plan{}, err
	}
	if prev.Info.IsEmpty() {
		before = nil
	}
	after, err := Expand(next, limits)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{Full: true}
	beforeIDs := idSet(before)
	afterIDs := idSet(after)
	for _, inst := range before {
		if _, ok := afterIDs[inst.RecurrenceID]; !ok {
			plan.Removed = append(plan.Removed, inst)
		}
	}
	for _, inst := range after {
		if _, ok := beforeIDs[inst.RecurrenceID]; !ok {
			plan.Added = append(plan.Added, inst)
		}
	}
	plan.KeepOverrides, plan.DropOverrides = splitOverrides(overrides, afterIDs, next.AllDay)
	return plan, nil
}

// datesOnly reports whether prev and next differ in EXDATE/RDATE at most.
func datesOnly(prev, next Master) bool {
	return !prev.Info.IsEmpty() &&
		prev.Info.RulesEqual(next.Info) &&
		prev.Start.Equal(next.Start) &&
		prev.End.Equal(next.End) &&
		prev.AllDay == next.AllDay
}

func reconcileDates(prev, next Master, overrides []*storage.Event, limits Limits) (Plan, error) {
	rule, err := Expand(Master{Start: next.Start, End: next.End, AllDay: next.AllDay, Info: Info{RRules: next.Info.RRules}}, limits)
	if err != nil {
		return Plan{}, err
	}
	ruleIDs := idSet(rule)
	member := func(m Master, t time.Time) bool {
		if isExcluded(t, m.Info.ExDates, m.AllDay) {
			return false
		}
		if _, ok := ruleIDs[FormatRecurrenceID(t, m.AllDay)]; ok {
			return true
		}
		return containsTime(m.Info.RDates, t)
	}

	var plan Plan
	duration := next.End.Sub(next.Start)
	inst := func(t time.Time, rdates []time.Time) Instance {
		return Instance{
			RecurrenceID: FormatRecurrenceID(t, next.AllDay),
			Start:        t,
			End:          t.Add(duration),
			FromRDate:    containsTime(rdates, t),
		}
	}

	// Candidates come from the date delta; only those whose membership
	// actually flips are reported.
	seen := make(map[string]struct{})
	var gone, came []time.Time
	for _, rd := range prev.Info.RDates {
		if !containsTime(next.Info.RDates, rd) {
			gone = append(gone, rd)
		}
	}
	for _, ex := range next.Info.ExDates {
		if !containsTime(prev.Info.ExDates, ex) {
			gone = append(gone, ex)
		}
	}
	for _, rd := range next.Info.RDates {
		if !containsTime(prev.Info.RDates, rd) {
			came = append(came, rd)
		}
	}
	for _, ex := range prev.Info.ExDates {
		if !containsTime(next.Info.ExDates, ex) {
			came = append(came, ex)
		}
	}
	for _, t := range gone {
		i := inst(t, prev.Info.RDates)
		if _, dup := seen[i.RecurrenceID]; dup || !member(prev, t) || member(next, t) {
			continue
		}
		seen[i.RecurrenceID] = struct{}{}
		plan.Removed = append(plan.Removed, i)
	}
	for _, t := range came {
		i := inst(t, next.Info.RDates)
		if _, dup := seen[i.RecurrenceID]; dup || member(prev, t) || !member(next, t) {
			continue
		}
		seen[i.RecurrenceID] = struct{}{}
		plan.Added = append(plan.Added, i)
	}
	byStart := func(a, b Instance) int { return a.Start.Compare(b.Start) }
	slices.SortFunc(plan.Removed, byStart)
	slices.SortFunc(plan.Added, byStart)

	for _, ov := range overrides {
		rid, err := NormalizeRecurrenceID(ov.RecurrenceID, next.AllDay)
		if err != nil {
			plan.DropOverrides = append(plan.DropOverrides, ov)
			continue
		}
		t, _, _ := ParseRecurrenceID(rid)
		if member(next, t) {
			plan.KeepOverrides = append(plan.KeepOverrides, ov)
		} else {
			plan.DropOverrides = append(plan.DropOverrides, ov)
		}
	}
	return plan, nil
}

func idSet(instances []Instance) map[string]struct{} {
	ids := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		ids[inst.RecurrenceID] = struct{}{}
	}
	return ids
}

func splitOverrides(overrides []*storage.Event, ids map[string]struct{}, allDay bool) (keep, drop []*storage.Event) {
	for _, ov := range overrides {
		rid, err := NormalizeRecurrenceID(ov.RecurrenceID, allDay)
		if err != nil {
			drop = append(drop, ov)
			continue
		}
		if _, ok := ids[rid]; ok {
			keep = append(keep, ov)
		} else {
			drop = append(drop, ov)
		}
	}
	return keep, drop
}

// Materialize builds the concrete event for one instance of master. An
// override is a sparse delta: fields it leaves empty are taken from the
// master.
func Materialize(master, override *storage.Event, inst Instance) *storage.Event {
	ev := master.Clone()
	ev.RRules = nil
	ev.RDates = nil
	ev.ExDates = nil
	ev.Recurring = false
	ev.RecurrenceID = inst.RecurrenceID
	ev.Start = inst.Start
	ev.End = inst.End
	if override == nil {
		return ev
	}

	ov := override
	if !ov.Start.IsZero() {
		ev.Start = ov.Start
		ev.End = ov.End
		if ev.End.Before(ev.Start) {
			ev.End = ev.Start
		}
		ev.AllDay = ov.AllDay
	}
	if ov.Summary != "" {
		ev.Summary = ov.Summary
	}
	if ov.Description != "" {
		ev.Description = ov.Description
	}
	if ov.Location != "" {
		ev.Location = ov.Location
	}
	if ov.Status != "" {
		ev.Status = ov.Status
	}
	if ov.Transparency != "" {
		ev.Transparency = ov.Transparency
	}
	if ov.Attendees != nil {
		ev.Attendees = slices.Clone(ov.Attendees)
	}
	if ov.Categories != nil {
		ev.Categories = slices.Clone(ov.Categories)
	}
	if ov.Comments != nil {
		ev.Comments = slices.Clone(ov.Comments)
	}
	if ov.Resources != nil {
		ev.Resources = slices.Clone(ov.Resources)
	}
	if ov.Alarms != nil {
		ev.Alarms = slices.Clone(ov.Alarms)
	}
	if ov.Sequence > ev.Sequence {
		ev.Sequence = ov.Sequence
	}
	ev.Suppressed = ov.Suppressed
	ev.Lastmod = ov.Lastmod
	return ev
}
