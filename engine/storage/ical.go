package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

const (
	dateLayout     = "20060102"
	dateTimeLayout = "20060102T150405Z"

	// ProductID is written into every VCALENDAR the engine produces.
	ProductID = "-//calcore//NONSGML v1.0//EN"

	paramPerUserTransp = "X-CALCORE-TRANSP"
	compAvailability   = "VAVAILABILITY"
)

// FormatICalTime renders t as an iCalendar DATE or UTC DATE-TIME value.
func FormatICalTime(t time.Time, allDay bool) string {
	if allDay {
		return t.Format(dateLayout)
	}
	return t.UTC().Format(dateTimeLayout)
}

// EntityTypeOf maps a component name to an entity type.
func EntityTypeOf(name string) (EntityType, bool) {
	switch strings.ToUpper(name) {
	case ical.CompEvent:
		return EntityEvent, true
	case ical.CompToDo:
		return EntityTodo, true
	case ical.CompJournal:
		return EntityJournal, true
	case ical.CompFreeBusy:
		return EntityFreeBusy, true
	case compAvailability:
		return EntityAvailability, true
	}
	return 0, false
}

// EventToComponent renders ev as an iCalendar component.
func EventToComponent(ev *Event) *ical.Component {
	comp := ical.NewComponent(ev.EntityType.String())
	comp.Props.SetText(ical.PropUID, ev.UID)

	stamp := ev.Lastmod.Time()
	if stamp.IsZero() {
		stamp = time.Now()
	}
	comp.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())

	if ev.Summary != "" {
		comp.Props.SetText(ical.PropSummary, ev.Summary)
	}
	if ev.Description != "" {
		comp.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		comp.Props.SetText(ical.PropLocation, ev.Location)
	}
	if !ev.Start.IsZero() {
		setTimeProp(comp, ical.PropDateTimeStart, ev.Start, ev.AllDay)
	}
	if !ev.End.IsZero() {
		name := ical.PropDateTimeEnd
		if ev.EntityType == EntityTodo {
			name = ical.PropDue
		}
		setTimeProp(comp, name, ev.End, ev.AllDay)
	}
	if ev.Status != "" {
		comp.Props.SetText(ical.PropStatus, ev.Status)
	}
	if ev.Transparency != "" && ev.EntityType == EntityEvent {
		comp.Props.SetText(ical.PropTransparency, ev.Transparency)
	}
	if ev.Sequence > 0 {
		seq := ical.NewProp(ical.PropSequence)
		seq.Value = strconv.Itoa(ev.Sequence)
		comp.Props.Set(seq)
	}

	for _, a := range ev.Attendees {
		prop := ical.NewProp(ical.PropAttendee)
		prop.Value = a.Address
		if a.PartStat != "" {
			prop.Params.Set(ical.ParamParticipationStatus, a.PartStat)
		}
		if a.Role != "" {
			prop.Params.Set(ical.ParamRole, a.Role)
		}
		if a.Transparency != "" {
			prop.Params.Set(paramPerUserTransp, a.Transparency)
		}
		comp.Props.Add(prop)
	}
	if len(ev.Categories) > 0 {
		prop := ical.NewProp(ical.PropCategories)
		prop.Value = joinTextList(ev.Categories)
		comp.Props.Add(prop)
	}
	for _, c := range ev.Comments {
		prop := ical.NewProp(ical.PropComment)
		prop.SetText(c)
		comp.Props.Add(prop)
	}
	if len(ev.Resources) > 0 {
		prop := ical.NewProp(ical.PropResources)
		prop.Value = joinTextList(ev.Resources)
		comp.Props.Add(prop)
	}

	for _, r := range ev.RRules {
		prop := ical.NewProp(ical.PropRecurrenceRule)
		prop.Value = r
		comp.Props.Add(prop)
	}
	if len(ev.RDates) > 0 {
		comp.Props.Add(dateListProp(ical.PropRecurrenceDates, ev.RDates, ev.AllDay))
	}
	if len(ev.ExDates) > 0 {
		comp.Props.Add(dateListProp(ical.PropExceptionDates, ev.ExDates, ev.AllDay))
	}
	if ev.RecurrenceID != "" {
		prop := ical.NewProp(ical.PropRecurrenceID)
		prop.Value = ev.RecurrenceID
		if len(ev.RecurrenceID) == len(dateLayout) {
			prop.Params.Set(ical.ParamValue, "DATE")
		}
		comp.Props.Set(prop)
	}

	for _, p := range ev.FreeBusy {
		comp.Props.Add(FreeBusyProp(p))
	}

	for _, a := range ev.Alarms {
		alarm := ical.NewComponent(ical.CompAlarm)
		alarm.Props.SetText(ical.PropAction, a.Action)
		trigger := ical.NewProp(ical.PropTrigger)
		trigger.Value = a.Trigger
		alarm.Props.Set(trigger)
		if a.Description != "" {
			alarm.Props.SetText(ical.PropDescription, a.Description)
		}
		comp.Children = append(comp.Children, alarm)
	}
	return comp
}

// FreeBusyProp renders a single FREEBUSY property.
func FreeBusyProp(p Period) *ical.Prop {
	prop := ical.NewProp(ical.PropFreeBusy)
	if p.Type != "" {
		prop.Params.Set(ical.ParamFreeBusyType, p.Type)
	}
	prop.Value = p.Start.UTC().Format(dateTimeLayout) + "/" + p.End.UTC().Format(dateTimeLayout)
	return prop
}

func setTimeProp(comp *ical.Component, name string, t time.Time, allDay bool) {
	if allDay {
		prop := ical.NewProp(name)
		prop.Params.Set(ical.ParamValue, "DATE")
		prop.Value = t.Format(dateLayout)
		comp.Props.Set(prop)
		return
	}
	comp.Props.SetDateTime(name, t.UTC())
}

func dateListProp(name string, dates []time.Time, allDay bool) *ical.Prop {
	prop := ical.NewProp(name)
	values := make([]string, 0, len(dates))
	for _, d := range dates {
		values = append(values, FormatICalTime(d, allDay))
	}
	if allDay {
		prop.Params.Set(ical.ParamValue, "DATE")
	}
	prop.Value = strings.Join(values, ",")
	return prop
}

// EventFromComponent parses a VEVENT, VTODO, VJOURNAL, VFREEBUSY or
// VAVAILABILITY component.
func EventFromComponent(comp *ical.Component) (*Event, error) {
	et, ok := EntityTypeOf(comp.Name)
	if !ok {
		return nil, fmt.Errorf("unsupported component %q", comp.Name)
	}
	ev := &Event{EntityType: et}

	var err error
	if ev.UID, err = comp.Props.Text(ical.PropUID); err != nil {
		return nil, fmt.Errorf("failed to read UID: %w", err)
	}
	ev.Summary, _ = comp.Props.Text(ical.PropSummary)
	ev.Description, _ = comp.Props.Text(ical.PropDescription)
	ev.Location, _ = comp.Props.Text(ical.PropLocation)
	ev.Status, _ = comp.Props.Text(ical.PropStatus)
	ev.Transparency, _ = comp.Props.Text(ical.PropTransparency)

	if p := comp.Props.Get(ical.PropSequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			ev.Sequence = n
		}
	}

	if p := comp.Props.Get(ical.PropDateTimeStart); p != nil {
		ev.AllDay = isDateValue(p)
		if ev.Start, err = p.DateTime(time.UTC); err != nil {
			return nil, fmt.Errorf("failed to parse DTSTART: %w", err)
		}
	}
	endName := ical.PropDateTimeEnd
	if et == EntityTodo {
		endName = ical.PropDue
	}
	if p := comp.Props.Get(endName); p != nil {
		if ev.End, err = p.DateTime(time.UTC); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", endName, err)
		}
	} else if p := comp.Props.Get(ical.PropDuration); p != nil {
		d, err := p.Duration()
		if err != nil {
			return nil, fmt.Errorf("failed to parse DURATION: %w", err)
		}
		ev.End = ev.Start.Add(d)
	} else if ev.AllDay {
		ev.End = ev.Start.AddDate(0, 0, 1)
	} else {
		ev.End = ev.Start
	}
	if !ev.AllDay {
		ev.Start = ev.Start.UTC()
		ev.End = ev.End.UTC()
	}

	for _, p := range comp.Props[ical.PropAttendee] {
		ev.Attendees = append(ev.Attendees, Attendee{
			Address:      p.Value,
			PartStat:     p.Params.Get(ical.ParamParticipationStatus),
			Role:         p.Params.Get(ical.ParamRole),
			Transparency: p.Params.Get(paramPerUserTransp),
		})
	}
	for _, p := range comp.Props[ical.PropCategories] {
		ev.Categories = append(ev.Categories, splitTextList(p.Value)...)
	}
	for _, p := range comp.Props[ical.PropComment] {
		text, err := p.Text()
		if err != nil {
			return nil, fmt.Errorf("failed to read COMMENT: %w", err)
		}
		ev.Comments = append(ev.Comments, text)
	}
	for _, p := range comp.Props[ical.PropResources] {
		ev.Resources = append(ev.Resources, splitTextList(p.Value)...)
	}

	for _, p := range comp.Props[ical.PropRecurrenceRule] {
		if p.Value != "" {
			ev.RRules = append(ev.RRules, p.Value)
		}
	}
	for _, p := range comp.Props[ical.PropRecurrenceDates] {
		ev.RDates = append(ev.RDates, ParseDateList(p.Value, p.Params)...)
	}
	for _, p := range comp.Props[ical.PropExceptionDates] {
		ev.ExDates = append(ev.ExDates, ParseDateList(p.Value, p.Params)...)
	}
	ev.Recurring = len(ev.RRules) > 0 || len(ev.RDates) > 0

	if p := comp.Props.Get(ical.PropRecurrenceID); p != nil && p.Value != "" {
		rid, err := p.DateTime(time.UTC)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RECURRENCE-ID: %w", err)
		}
		ev.RecurrenceID = FormatICalTime(rid, isDateValue(p))
	}

	for _, p := range comp.Props[ical.PropFreeBusy] {
		periods, err := parseFreeBusy(p)
		if err != nil {
			return nil, err
		}
		ev.FreeBusy = append(ev.FreeBusy, periods...)
	}
	if et == EntityFreeBusy && ev.Start.IsZero() && len(ev.FreeBusy) > 0 {
		ev.Start = ev.FreeBusy[0].Start
		ev.End = ev.FreeBusy[len(ev.FreeBusy)-1].End
	}

	for _, child := range comp.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		action, _ := child.Props.Text(ical.PropAction)
		desc, _ := child.Props.Text(ical.PropDescription)
		var trigger string
		if p := child.Props.Get(ical.PropTrigger); p != nil {
			trigger = p.Value
		}
		ev.Alarms = append(ev.Alarms, Alarm{Action: action, Trigger: trigger, Description: desc})
	}
	return ev, nil
}

func isDateValue(p *ical.Prop) bool {
	return strings.EqualFold(p.Params.Get(ical.ParamValue), "DATE") || len(p.Value) == len(dateLayout)
}

func parseFreeBusy(p ical.Prop) ([]Period, error) {
	fbType := strings.ToUpper(p.Params.Get(ical.ParamFreeBusyType))
	if fbType == "" {
		fbType = FBTypeBusy
	}
	var out []Period
	for _, raw := range strings.Split(p.Value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		start, end, ok := strings.Cut(raw, "/")
		if !ok {
			return nil, fmt.Errorf("malformed FREEBUSY period %q", raw)
		}
		s, err := time.Parse(dateTimeLayout, start)
		if err != nil {
			return nil, fmt.Errorf("malformed FREEBUSY start %q: %w", start, err)
		}
		var e time.Time
		if strings.HasPrefix(end, "P") || strings.HasPrefix(end, "+P") {
			dp := ical.NewProp(ical.PropDuration)
			dp.Value = end
			d, err := dp.Duration()
			if err != nil {
				return nil, fmt.Errorf("malformed FREEBUSY duration %q: %w", end, err)
			}
			e = s.Add(d)
		} else if e, err = time.Parse(dateTimeLayout, end); err != nil {
			return nil, fmt.Errorf("malformed FREEBUSY end %q: %w", end, err)
		}
		out = append(out, Period{Start: s, End: e, Type: fbType})
	}
	return out, nil
}

// ParseDateList parses an RDATE or EXDATE value list. Date-only values are
// stored as midnight UTC; unparseable entries are skipped.
func ParseDateList(value string, params map[string][]string) []time.Time {
	if value == "" {
		return nil
	}
	isDateOnly := false
	if v := params["VALUE"]; len(v) > 0 && strings.EqualFold(v[0], "DATE") {
		isDateOnly = true
	}
	var loc *time.Location
	if tz := params["TZID"]; len(tz) > 0 {
		if l, err := time.LoadLocation(tz[0]); err == nil {
			loc = l
		}
	}

	var dates []time.Time
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		var (
			t   time.Time
			err error
		)
		switch {
		case isDateOnly || len(s) == len(dateLayout):
			t, err = time.Parse(dateLayout, s)
		case strings.HasSuffix(s, "Z"):
			t, err = time.Parse(dateTimeLayout, s)
		case loc != nil:
			t, err = time.ParseInLocation("20060102T150405", s, loc)
			t = t.UTC()
		default:
			t, err = time.Parse("20060102T150405", s)
		}
		if err == nil {
			dates = append(dates, t)
		}
	}
	return dates
}

func joinTextList(items []string) string {
	escaped := make([]string, 0, len(items))
	r := strings.NewReplacer(`\`, `\\`, `,`, `\,`, `;`, `\;`)
	for _, it := range items {
		escaped = append(escaped, r.Replace(it))
	}
	return strings.Join(escaped, ",")
}

func splitTextList(value string) []string {
	var (
		out []string
		cur strings.Builder
	)
	escaped := false
	for _, r := range value {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// EncodeCalendar wraps components into a VCALENDAR and serializes it.
func EncodeCalendar(comps ...*ical.Component) (string, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)
	cal.Children = append(cal.Children, comps...)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.String(), nil
}

// EncodeEvents serializes events (masters and overrides) into one VCALENDAR.
func EncodeEvents(events ...*Event) (string, error) {
	comps := make([]*ical.Component, 0, len(events))
	for _, ev := range events {
		comps = append(comps, EventToComponent(ev))
	}
	return EncodeCalendar(comps...)
}

// DecodeCalendar reads every VCALENDAR in r and returns the entities found.
func DecodeCalendar(r io.Reader) ([]*Event, error) {
	dec := ical.NewDecoder(r)
	var events []*Event
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode calendar: %w", err)
		}
		evs, err := EventsFromCalendar(cal)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

// EventsFromCalendar converts every supported child component of cal.
func EventsFromCalendar(cal *ical.Calendar) ([]*Event, error) {
	var events []*Event
	for _, child := range cal.Children {
		if _, ok := EntityTypeOf(child.Name); !ok {
			continue
		}
		ev, err := EventFromComponent(child)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
