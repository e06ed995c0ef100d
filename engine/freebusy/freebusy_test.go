package freebusy

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calcore/engine/storage"
)

func hm(h, m int) time.Time {
	return time.Date(2024, 3, 4, h, m, 0, 0, time.UTC)
}

func busy(start, end time.Time) *storage.Event {
	return &storage.Event{Start: start, End: end}
}

func TestAggregate(t *testing.T) {
	tentative := busy(hm(10, 15), hm(11, 0))
	tentative.Status = storage.StatusTentative
	transparent := busy(hm(13, 0), hm(14, 0))
	transparent.Transparency = storage.TranspTransparent
	cancelled := busy(hm(15, 0), hm(16, 0))
	cancelled.Status = storage.StatusCancelled
	suppressed := busy(hm(15, 0), hm(16, 0))
	suppressed.Suppressed = true
	attendeeTransp := busy(hm(17, 0), hm(18, 0))
	attendeeTransp.Attendees = []storage.Attendee{{Address: "mailto:bob@example.com", Transparency: storage.TranspTransparent}}

	tests := []struct {
		name   string
		in     []*storage.Event
		start  time.Time
		end    time.Time
		opts   Options
		expect map[string][]storage.Period
	}{
		{
			name:  "overlapping same type merges",
			in:    []*storage.Event{busy(hm(10, 0), hm(10, 30)), busy(hm(10, 15), hm(11, 0))},
			start: hm(0, 0), end: hm(23, 0),
			expect: map[string][]storage.Period{
				storage.FBTypeBusy: {{Start: hm(10, 0), End: hm(11, 0), Type: storage.FBTypeBusy}},
			},
		},
		{
			name:  "adjacent periods merge",
			in:    []*storage.Event{busy(hm(9, 0), hm(10, 0)), busy(hm(10, 0), hm(10, 30))},
			start: hm(0, 0), end: hm(23, 0),
			expect: map[string][]storage.Period{
				storage.FBTypeBusy: {{Start: hm(9, 0), End: hm(10, 30), Type: storage.FBTypeBusy}},
			},
		},
		{
			name:  "different types stay apart",
			in:    []*storage.Event{busy(hm(10, 0), hm(10, 30)), tentative},
			start: hm(0, 0), end: hm(23, 0),
			expect: map[string][]storage.Period{
				storage.FBTypeBusy:          {{Start: hm(10, 0), End: hm(10, 30), Type: storage.FBTypeBusy}},
				storage.FBTypeBusyTentative: {{Start: hm(10, 15), End: hm(11, 0), Type: storage.FBTypeBusyTentative}},
			},
		},
		{
			name:  "clipped to window",
			in:    []*storage.Event{busy(hm(8, 0), hm(12, 0)), busy(hm(20, 0), hm(21, 0))},
			start: hm(9, 0), end: hm(11, 0),
			expect: map[string][]storage.Period{
				storage.FBTypeBusy: {{Start: hm(9, 0), End: hm(11, 0), Type: storage.FBTypeBusy}},
			},
		},
		{
			name:   "skipped entries",
			in:     []*storage.Event{transparent, cancelled, suppressed, {Start: hm(9, 0), End: hm(9, 0)}},
			start:  hm(0, 0), end: hm(23, 0),
			expect: map[string][]storage.Period{},
		},
		{
			name:  "transparency ignored on request",
			in:    []*storage.Event{transparent},
			start: hm(0, 0), end: hm(23, 0),
			opts:  Options{IgnoreTransparency: true},
			expect: map[string][]storage.Period{
				storage.FBTypeBusy: {{Start: hm(13, 0), End: hm(14, 0), Type: storage.FBTypeBusy}},
			},
		},
		{
			name:   "per-attendee transparency",
			in:     []*storage.Event{attendeeTransp},
			start:  hm(0, 0), end: hm(23, 0),
			opts:   Options{Principal: "mailto:bob@example.com"},
			expect: map[string][]storage.Period{},
		},
		{
			name: "free-busy entities",
			in: []*storage.Event{{
				EntityType: storage.EntityFreeBusy,
				FreeBusy: []storage.Period{
					{Start: hm(9, 0), End: hm(10, 0), Type: storage.FBTypeBusyUnavailable},
					{Start: hm(11, 0), End: hm(12, 0), Type: storage.FBTypeFree},
					{Start: hm(12, 0), End: hm(13, 0)},
				},
			}},
			start: hm(0, 0), end: hm(23, 0),
			expect: map[string][]storage.Period{
				storage.FBTypeBusyUnavailable: {{Start: hm(9, 0), End: hm(10, 0), Type: storage.FBTypeBusyUnavailable}},
				storage.FBTypeBusy:            {{Start: hm(12, 0), End: hm(13, 0), Type: storage.FBTypeBusy}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Aggregate(tt.in, tt.start, tt.end, tt.opts)
			assert.Equal(t, tt.expect, res.Periods)
			assert.Equal(t, storage.EntityFreeBusy, res.Event.EntityType)
			assert.Equal(t, tt.start, res.Event.Start)
			assert.Equal(t, tt.end, res.Event.End)
			assert.Equal(t, len(tt.expect) > 0, res.Busy())
		})
	}
}

func TestResult_Component(t *testing.T) {
	tentative := busy(hm(10, 15), hm(11, 0))
	tentative.Status = storage.StatusTentative
	res := Aggregate([]*storage.Event{busy(hm(10, 0), hm(10, 30)), tentative}, hm(0, 0), hm(23, 0), Options{})

	comp := res.Component("fb-1", "mailto:alice@example.com", hm(8, 0))
	assert.Equal(t, ical.CompFreeBusy, comp.Name)
	props := comp.Props[ical.PropFreeBusy]
	require.Len(t, props, 2)
	assert.Equal(t, storage.FBTypeBusy, props[0].Params.Get(ical.ParamFreeBusyType))
	assert.Equal(t, "20240304T100000Z/20240304T103000Z", props[0].Value)
	assert.Equal(t, storage.FBTypeBusyTentative, props[1].Params.Get(ical.ParamFreeBusyType))

	out, err := storage.EncodeCalendar(comp)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "BEGIN:VFREEBUSY"))
	assert.True(t, strings.Contains(out, "ORGANIZER:mailto:alice@example.com"))
}
