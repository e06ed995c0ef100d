// Package freebusy folds expanded calendar instances into per-type busy
// periods over a query window.
package freebusy

import (
	"sort"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/calcore/engine/storage"
)

// Options tunes Aggregate.
type Options struct {
	// IgnoreTransparency counts transparent events as busy.
	IgnoreTransparency bool
	// Principal selects per-attendee transparency.
	Principal string
}

// Result is the aggregate of one query.
type Result struct {
	// Event is a synthetic VFREEBUSY entity covering exactly the window.
	Event *storage.Event
	// Periods holds the merged periods of each busy type.
	Periods map[string][]storage.Period
}

// busyTypes lists the types that are reported, in output order.
var busyTypes = []string{
	storage.FBTypeBusy,
	storage.FBTypeBusyTentative,
	storage.FBTypeBusyUnavailable,
}

// Aggregate merges instances into busy periods clipped to [start, end).
// Cancelled, suppressed and deleted instances never count; transparent
// ones count only with IgnoreTransparency. Periods merge only with periods
// of the same type.
func Aggregate(instances []*storage.Event, start, end time.Time, opts Options) *Result {
	byType := make(map[string][]storage.Period)
	add := func(p storage.Period) {
		if p.Start.Before(start) {
			p.Start = start
		}
		if p.End.After(end) {
			p.End = end
		}
		if !p.End.After(p.Start) {
			return
		}
		byType[p.Type] = append(byType[p.Type], p)
	}

	for _, ev := range instances {
		if ev == nil || ev.Tombstoned || ev.Suppressed || ev.Status == storage.StatusCancelled {
			continue
		}
		if ev.EntityType == storage.EntityFreeBusy {
			for _, p := range ev.FreeBusy {
				if p.Type == "" {
					p.Type = storage.FBTypeBusy
				}
				if p.Type != storage.FBTypeFree {
					add(p)
				}
			}
			continue
		}
		if !opts.IgnoreTransparency && ev.TransparencyFor(opts.Principal) == storage.TranspTransparent {
			continue
		}
		add(storage.Period{Start: ev.Start, End: ev.End, Type: typeOf(ev)})
	}

	res := &Result{
		Event: &storage.Event{
			EntityType: storage.EntityFreeBusy,
			Start:      start,
			End:        end,
		},
		Periods: make(map[string][]storage.Period),
	}
	for _, t := range busyTypes {
		merged := merge(byType[t])
		if len(merged) == 0 {
			continue
		}
		res.Periods[t] = merged
		res.Event.FreeBusy = append(res.Event.FreeBusy, merged...)
	}
	return res
}

func typeOf(ev *storage.Event) string {
	if ev.Status == storage.StatusTentative {
		return storage.FBTypeBusyTentative
	}
	return storage.FBTypeBusy
}

// merge sweeps periods of one type in start order, extending the open
// period while the next one starts no later than its end.
func merge(periods []storage.Period) []storage.Period {
	if len(periods) == 0 {
		return nil
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Start.Before(periods[j].Start) })
	out := []storage.Period{periods[0]}
	for _, p := range periods[1:] {
		cur := &out[len(out)-1]
		if !p.Start.After(cur.End) {
			if p.End.After(cur.End) {
				cur.End = p.End
			}
			continue
		}
		out = append(out, p)
	}
	return out
}

// Busy reports whether any period of any type is present.
func (r *Result) Busy() bool {
	return len(r.Event.FreeBusy) > 0
}

// Component renders the result as a VFREEBUSY component. organizer, when
// set, becomes the ORGANIZER property.
func (r *Result) Component(uid, organizer string, stamp time.Time) *ical.Component {
	comp := ical.NewComponent(ical.CompFreeBusy)
	comp.Props.SetText(ical.PropUID, uid)
	comp.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	comp.Props.SetDateTime(ical.PropDateTimeStart, r.Event.Start.UTC())
	comp.Props.SetDateTime(ical.PropDateTimeEnd, r.Event.End.UTC())
	if organizer != "" {
		prop := ical.NewProp(ical.PropOrganizer)
		prop.Value = organizer
		comp.Props.Set(prop)
	}
	for _, p := range r.Event.FreeBusy {
		comp.Props.Add(storage.FreeBusyProp(p))
	}
	return comp
}
