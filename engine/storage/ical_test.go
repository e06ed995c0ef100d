package storage

import (
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup@example.com\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"DTSTART:20240108T090000Z\r\n" +
	"DTEND:20240108T091500Z\r\n" +
	"SUMMARY:Standup\r\n" +
	"RRULE:FREQ=DAILY;COUNT=5\r\n" +
	"EXDATE:20240110T090000Z\r\n" +
	"CATEGORIES:work,daily\r\n" +
	"ATTENDEE;PARTSTAT=ACCEPTED:mailto:bob@example.com\r\n" +
	"BEGIN:VALARM\r\n" +
	"ACTION:DISPLAY\r\n" +
	"TRIGGER:-PT5M\r\n" +
	"DESCRIPTION:soon\r\n" +
	"END:VALARM\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup@example.com\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"RECURRENCE-ID:20240109T090000Z\r\n" +
	"DTSTART:20240109T100000Z\r\n" +
	"DURATION:PT30M\r\n" +
	"SUMMARY:Standup (late)\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VTODO\r\n" +
	"UID:task@example.com\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"DTSTART;VALUE=DATE:20240112\r\n" +
	"SUMMARY:File report\r\n" +
	"END:VTODO\r\n" +
	"END:VCALENDAR\r\n"

func TestDecodeCalendar(t *testing.T) {
	events, err := DecodeCalendar(strings.NewReader(sampleICS))
	require.NoError(t, err)
	require.Len(t, events, 3)

	master := events[0]
	assert.Equal(t, "standup@example.com", master.UID)
	assert.True(t, master.Recurring)
	assert.Equal(t, []string{"FREQ=DAILY;COUNT=5"}, master.RRules)
	require.Len(t, master.ExDates, 1)
	assert.True(t, master.ExDates[0].Equal(time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, 15*time.Minute, master.Duration())
	assert.Equal(t, []string{"work", "daily"}, master.Categories)
	require.Len(t, master.Attendees, 1)
	assert.Equal(t, "ACCEPTED", master.Attendees[0].PartStat)
	require.Len(t, master.Alarms, 1)
	assert.Equal(t, "-PT5M", master.Alarms[0].Trigger)

	override := events[1]
	assert.Equal(t, "20240109T090000Z", override.RecurrenceID)
	assert.Equal(t, 30*time.Minute, override.Duration())

	todo := events[2]
	assert.Equal(t, EntityTodo, todo.EntityType)
	assert.True(t, todo.AllDay)
	assert.Equal(t, 24*time.Hour, todo.Duration())
}

func TestEncodeEvents_RoundTrip(t *testing.T) {
	events, err := DecodeCalendar(strings.NewReader(sampleICS))
	require.NoError(t, err)

	out, err := EncodeEvents(events...)
	require.NoError(t, err)
	assert.Contains(t, out, "PRODID:"+ProductID)
	assert.Contains(t, out, "RRULE:FREQ=DAILY;COUNT=5")

	again, err := DecodeCalendar(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, again, 3)
	assert.Equal(t, events[0].ExDates, again[0].ExDates)
	assert.Equal(t, events[1].RecurrenceID, again[1].RecurrenceID)
	assert.Equal(t, events[0].Categories, again[0].Categories)
	assert.Equal(t, events[2].Start, again[2].Start)
}

func TestParseDateList(t *testing.T) {
	dates := ParseDateList("20240101,20240105", map[string][]string{"VALUE": {"DATE"}})
	require.Len(t, dates, 2)
	assert.Equal(t, 5, dates[1].Day())

	dates = ParseDateList("20240101T100000", map[string][]string{"TZID": {"Europe/Berlin"}})
	require.Len(t, dates, 1)
	assert.Equal(t, 9, dates[0].Hour())

	assert.Empty(t, ParseDateList("garbage", nil))
}
