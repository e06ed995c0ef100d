package events

import (
	"slices"
	"time"

	"github.com/cyp0633/calcore/engine/storage"
)

// Field names a tracked event property.
type Field string

const (
	FieldUID          Field = "UID"
	FieldSummary      Field = "SUMMARY"
	FieldDescription  Field = "DESCRIPTION"
	FieldLocation     Field = "LOCATION"
	FieldStart        Field = "DTSTART"
	FieldEnd          Field = "DTEND"
	FieldAllDay       Field = "VALUE=DATE"
	FieldStatus       Field = "STATUS"
	FieldTransparency Field = "TRANSP"
	FieldAttendees    Field = "ATTENDEE"
	FieldCategories   Field = "CATEGORIES"
	FieldComments     Field = "COMMENT"
	FieldResources    Field = "RESOURCES"
	FieldAlarms       Field = "VALARM"
	FieldRRule        Field = "RRULE"
	FieldRDate        Field = "RDATE"
	FieldExDate       Field = "EXDATE"
	FieldFreeBusy     Field = "FREEBUSY"
	FieldSequence     Field = "SEQUENCE"
)

// ChangeTable lists the fields that differ between two versions of an
// event, in a fixed field order.
type ChangeTable []Field

// Diff compares prev and next field by field.
func Diff(prev, next *storage.Event) ChangeTable {
	var ct ChangeTable
	add := func(f Field, changed bool) {
		if changed {
			ct = append(ct, f)
		}
	}
	add(FieldUID, prev.UID != next.UID)
	add(FieldSummary, prev.Summary != next.Summary)
	add(FieldDescription, prev.Description != next.Description)
	add(FieldLocation, prev.Location != next.Location)
	add(FieldStart, !prev.Start.Equal(next.Start))
	add(FieldEnd, !prev.End.Equal(next.End))
	add(FieldAllDay, prev.AllDay != next.AllDay)
	add(FieldStatus, prev.Status != next.Status)
	add(FieldTransparency, prev.Transparency != next.Transparency)
	add(FieldAttendees, !slices.Equal(prev.Attendees, next.Attendees))
	add(FieldCategories, !slices.Equal(prev.Categories, next.Categories))
	add(FieldComments, !slices.Equal(prev.Comments, next.Comments))
	add(FieldResources, !slices.Equal(prev.Resources, next.Resources))
	add(FieldAlarms, !slices.Equal(prev.Alarms, next.Alarms))
	add(FieldRRule, !slices.Equal(prev.RRules, next.RRules))
	add(FieldRDate, !slices.EqualFunc(prev.RDates, next.RDates, time.Time.Equal))
	add(FieldExDate, !slices.EqualFunc(prev.ExDates, next.ExDates, time.Time.Equal))
	add(FieldFreeBusy, !slices.EqualFunc(prev.FreeBusy, next.FreeBusy, periodEqual))
	add(FieldSequence, prev.Sequence != next.Sequence)
	return ct
}

func periodEqual(a, b storage.Period) bool {
	return a.Type == b.Type && a.Start.Equal(b.Start) && a.End.Equal(b.End)
}

// Changed reports whether f is in the table.
func (ct ChangeTable) Changed(f Field) bool {
	return slices.Contains(ct, f)
}

// IsEmpty reports whether nothing changed.
func (ct ChangeTable) IsEmpty() bool { return len(ct) == 0 }

// RecurrenceChanged reports whether the instance set may differ: the rules,
// either date list or the timing of the master changed.
func (ct ChangeTable) RecurrenceChanged() bool {
	return ct.Changed(FieldRRule) || ct.DatesChanged() ||
		ct.Changed(FieldStart) || ct.Changed(FieldEnd) || ct.Changed(FieldAllDay)
}

// DatesChanged reports whether the RDATE or EXDATE list changed.
func (ct ChangeTable) DatesChanged() bool {
	return ct.Changed(FieldRDate) || ct.Changed(FieldExDate)
}
