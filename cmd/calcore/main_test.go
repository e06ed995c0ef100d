package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calcore/engine/storage"
)

const testConfig = `
storage:
  driver: memory
principals:
  - href: /principals/users/admin
    account: admin
    superuser: true
  - href: /principals/users/alice
    account: alice
  - href: /principals/users/bob
    account: bob
`

const testICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup@example.com\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"DTSTART:20240102T100000Z\r\n" +
	"DTEND:20240102T110000Z\r\n" +
	"RRULE:FREQ=DAILY;COUNT=3\r\n" +
	"SUMMARY:Standup\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup@example.com\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"RECURRENCE-ID:20240103T100000Z\r\n" +
	"DTSTART:20240103T150000Z\r\n" +
	"DTEND:20240103T160000Z\r\n" +
	"SUMMARY:Moved\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:lost@example.com\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"RECURRENCE-ID:20240105T100000Z\r\n" +
	"DTSTART:20240105T100000Z\r\n" +
	"DTEND:20240105T110000Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	cfg := writeFile(t, "config.yaml", testConfig)
	var out bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &out
	require.NoError(t, cmd.Run(context.Background(), append([]string{"calcore", "-c", cfg}, args...)))
	return out.String()
}

func TestGroupByUID(t *testing.T) {
	evs, err := storage.DecodeCalendar(strings.NewReader(testICS))
	require.NoError(t, err)

	items, orphans := groupByUID(evs, "/user/alice/calendar")
	require.Len(t, items, 1)
	assert.Equal(t, "standup@example.com.ics", items[0].master.Name)
	assert.Equal(t, "/user/alice/calendar", items[0].master.ColPath)
	require.Len(t, items[0].overrides, 1)
	assert.Equal(t, "Moved", items[0].overrides[0].Summary)
	require.Len(t, orphans, 1)
	assert.Equal(t, "lost@example.com", orphans[0].UID)
}

func TestGroupByUID_GeneratesNames(t *testing.T) {
	items, _ := groupByUID([]*storage.Event{
		{Summary: "no uid", Start: time.Now(), End: time.Now().Add(time.Hour)},
		{UID: "a/b", Summary: "slash"},
	}, "/c")
	require.Len(t, items, 2)
	assert.NotEmpty(t, items[0].master.UID)
	assert.True(t, strings.HasSuffix(items[0].master.Name, ".ics"))
	assert.NotContains(t, items[1].master.Name, "/")
	assert.Equal(t, "a/b", items[1].master.UID)
}

func TestParseWhen(t *testing.T) {
	got, err := parseWhen("2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), got)

	got, err = parseWhen("2024-01-02T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), got)

	_, err = parseWhen("tomorrow")
	assert.Error(t, err)
}

func TestCommands(t *testing.T) {
	t.Run("validate", func(t *testing.T) {
		assert.Contains(t, run(t, "validate"), "config ok: memory storage, 3 principals")
	})

	t.Run("tree", func(t *testing.T) {
		out := run(t, "tree", "--as", "/principals/users/alice", "/user/alice")
		assert.Contains(t, out, "/user/alice\t")
		assert.Contains(t, out, "/user/alice/calendar\t")
		assert.Contains(t, out, "/user/alice/inbox\t")
	})

	t.Run("import", func(t *testing.T) {
		ics := writeFile(t, "in.ics", testICS)
		out := run(t, "import", "--as", "/principals/users/alice", "--calendar", "/user/alice/calendar", ics)
		assert.Contains(t, out, "/user/alice/calendar/standup@example.com.ics\t3 instances")
	})

	t.Run("freebusy", func(t *testing.T) {
		out := run(t, "freebusy", "--as", "/principals/users/admin",
			"--start", "2024-01-01", "--end", "2024-01-08",
			"/principals/users/alice", "/principals/users/bob")
		assert.Equal(t, 2, strings.Count(out, "BEGIN:VFREEBUSY"))
		assert.Contains(t, out, "ORGANIZER:/principals/users/alice")
	})

	t.Run("purge", func(t *testing.T) {
		assert.Empty(t, run(t, "purge"))
	})
}
