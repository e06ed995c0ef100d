package sqlite

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/index"
	"github.com/cyp0633/calcore/engine/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "calcore-index-*.db")
	require.NoError(t, err)
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := Open(dbFile.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_IndexFetchUnindex(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	start := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

	doc := index.Doc{
		Type: index.DocEvent, Href: "/user/a/cal/e.ics", ParentPath: "/user/a/cal",
		UID: "u1", Summary: "Planning", Categories: []string{"work"},
		Start: start, End: start.Add(time.Hour), Lastmod: "20240201T090000Z-000000",
	}
	require.NoError(t, db.IndexEntity(ctx, doc, true, false))

	got, err := db.Fetch(ctx, index.DocEvent, doc.Href)
	require.NoError(t, err)
	assert.Equal(t, "Planning", got.Summary)
	assert.Equal(t, []string{"work"}, got.Categories)
	assert.True(t, got.Start.Equal(start))

	doc.Summary = "Planning v2"
	require.NoError(t, db.IndexEntity(ctx, doc, false, true))
	kids, err := db.FetchChildren(ctx, "/user/a/cal/")
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, "Planning v2", kids[0].Summary)

	require.NoError(t, db.UnindexEntity(ctx, index.DocEvent, doc.Href))
	_, err = db.Fetch(ctx, index.DocEvent, doc.Href)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDB_Search(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2024, 3, d, 10, 0, 0, 0, time.UTC) }

	docs := []index.Doc{
		{Type: index.DocCollection, Href: "/user/a/cal", ParentPath: "/user/a", Summary: "Work calendar"},
		{Type: index.DocEvent, Href: "/user/a/cal/1.ics", ParentPath: "/user/a/cal", Summary: "Work sync", Start: day(1), End: day(1).Add(time.Hour)},
		{Type: index.DocEvent, Href: "/user/a/cal/2.ics", ParentPath: "/user/a/cal", Summary: "Lunch", Location: "work cafe", Start: day(5), End: day(5).Add(time.Hour)},
		{Type: index.DocEvent, Href: "/user/a/calx/3.ics", ParentPath: "/user/a/calx", Summary: "Work offsite", Start: day(2), End: day(2).Add(time.Hour)},
		{Type: index.DocEvent, Href: "/user/a/cal/4.ics", ParentPath: "/user/a/cal", Summary: "Work gone", Deleted: true},
	}
	for _, d := range docs {
		require.NoError(t, db.IndexEntity(ctx, d, false, false))
	}

	res, err := db.Search(ctx, index.Query{Text: "work", Types: []index.DocType{index.DocEvent}, Paths: []string{"/user/a/cal"}, Sort: index.SortStart})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "/user/a/cal/1.ics", res.Entries[0].Href)
	assert.Equal(t, "/user/a/cal/2.ics", res.Entries[1].Href)

	res, err = db.Search(ctx, index.Query{
		Types:     []index.DocType{index.DocEvent},
		TimeRange: storage.NewTimeRange(day(2), day(6)),
		Limit:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "/user/a/cal/2.ics", res.Entries[0].Href)

	res, err = db.Search(ctx, index.Query{Deleted: storage.DeletedOnly})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.True(t, res.Entries[0].Deleted)
}
