package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calcore/engine/storage"
)

func at(day, hour int) time.Time {
	return time.Date(2024, 1, day, hour, 0, 0, 0, time.UTC)
}

func daily(count string) Master {
	rule := "FREQ=DAILY"
	if count != "" {
		rule += ";COUNT=" + count
	}
	return Master{
		Start: at(1, 10),
		End:   at(1, 11),
		Info:  Info{RRules: []string{rule}},
	}
}

func ids(instances []Instance) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.RecurrenceID
	}
	return out
}

func TestExpand(t *testing.T) {
	t.Run("daily count", func(t *testing.T) {
		got, err := Expand(daily("5"), DefaultLimits)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"20240101T100000Z", "20240102T100000Z", "20240103T100000Z",
			"20240104T100000Z", "20240105T100000Z",
		}, ids(got))
		assert.Equal(t, at(3, 11), got[2].End)
		assert.False(t, got[0].FromRDate)
	})

	t.Run("exdate removes instance", func(t *testing.T) {
		m := daily("5")
		m.Info.ExDates = []time.Time{at(3, 10)}
		got, err := Expand(m, DefaultLimits)
		require.NoError(t, err)
		assert.Len(t, got, 4)
		assert.NotContains(t, ids(got), "20240103T100000Z")
	})

	t.Run("midnight exdate removes one timed instance", func(t *testing.T) {
		m := Master{
			Start: at(1, 0),
			End:   at(1, 1),
			Info: Info{
				RRules:  []string{"FREQ=HOURLY;COUNT=48"},
				ExDates: []time.Time{at(2, 0)},
			},
		}
		got, err := Expand(m, DefaultLimits)
		require.NoError(t, err)
		assert.Len(t, got, 47)
		assert.NotContains(t, ids(got), "20240102T000000Z")
		assert.Contains(t, ids(got), "20240102T010000Z")
	})

	t.Run("exdate on all-day master matches by day", func(t *testing.T) {
		m := Master{
			Start:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			End:    time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
			AllDay: true,
			Info: Info{
				RRules:  []string{"FREQ=DAILY;COUNT=3"},
				ExDates: []time.Time{time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)},
			},
		}
		got, err := Expand(m, DefaultLimits)
		require.NoError(t, err)
		assert.Equal(t, []string{"20240301", "20240303"}, ids(got))
	})

	t.Run("rdate adds instance", func(t *testing.T) {
		m := daily("2")
		m.Info.RDates = []time.Time{at(10, 10)}
		got, err := Expand(m, DefaultLimits)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "20240110T100000Z", got[2].RecurrenceID)
		assert.True(t, got[2].FromRDate)
	})

	t.Run("rdate only", func(t *testing.T) {
		m := Master{Start: at(1, 9), End: at(1, 10), Info: Info{RDates: []time.Time{at(5, 9), at(3, 9)}}}
		got, err := Expand(m, DefaultLimits)
		require.NoError(t, err)
		assert.Equal(t, []string{"20240101T090000Z", "20240103T090000Z", "20240105T090000Z"}, ids(got))
	})

	t.Run("rdate equal to rule occurrence is not duplicated", func(t *testing.T) {
		m := daily("3")
		m.Info.RDates = []time.Time{at(2, 10)}
		got, err := Expand(m, DefaultLimits)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("instance cap", func(t *testing.T) {
		got, err := Expand(daily(""), Limits{MaxYears: 10, MaxInstances: 10})
		require.NoError(t, err)
		assert.Len(t, got, 10)
		assert.Equal(t, "20240110T100000Z", got[9].RecurrenceID)
	})

	t.Run("year cap", func(t *testing.T) {
		m := Master{Start: at(1, 10), End: at(1, 11), Info: Info{RRules: []string{"FREQ=YEARLY"}}}
		got, err := Expand(m, Limits{MaxYears: 3, MaxInstances: 100})
		require.NoError(t, err)
		assert.Len(t, got, 4)
	})

	t.Run("all day", func(t *testing.T) {
		m := Master{
			Start:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			End:    time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
			AllDay: true,
			Info:   Info{RRules: []string{"RRULE:FREQ=WEEKLY;COUNT=2"}},
		}
		got, err := Expand(m, DefaultLimits)
		require.NoError(t, err)
		assert.Equal(t, []string{"20240301", "20240308"}, ids(got))
	})

	t.Run("bad rule", func(t *testing.T) {
		m := Master{Start: at(1, 10), End: at(1, 11), Info: Info{RRules: []string{"FREQ=SOMETIMES"}}}
		_, err := Expand(m, DefaultLimits)
		assert.Error(t, err)
	})
}

func TestExpandWindow(t *testing.T) {
	got, err := ExpandWindow(daily("5"), storage.NewTimeRange(at(2, 0), at(4, 0)), DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, []string{"20240102T100000Z", "20240103T100000Z"}, ids(got))
}

func TestRecurrenceID(t *testing.T) {
	ts, allDay, err := ParseRecurrenceID("20240103T100000Z")
	require.NoError(t, err)
	assert.False(t, allDay)
	assert.Equal(t, at(3, 10), ts)

	ts, allDay, err = ParseRecurrenceID("20240103")
	require.NoError(t, err)
	assert.True(t, allDay)
	assert.Equal(t, at(3, 0), ts)

	rid, err := NormalizeRecurrenceID("20240103T000000Z", true)
	require.NoError(t, err)
	assert.Equal(t, "20240103", rid)

	_, err = NormalizeRecurrenceID("yesterday", false)
	assert.Error(t, err)
}
