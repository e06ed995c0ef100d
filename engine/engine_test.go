package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/events"
	"github.com/cyp0633/calcore/engine/freebusy"
	"github.com/cyp0633/calcore/engine/index"
	"github.com/cyp0633/calcore/engine/notify"
	"github.com/cyp0633/calcore/engine/recurrence"
	"github.com/cyp0633/calcore/engine/storage"
	"github.com/cyp0633/calcore/internal/testutil"
)

const (
	aliceHome = "/user/alice"
	aliceCal  = "/user/alice/calendar"
)

func newManager(t *testing.T, w *testutil.World, opts ...engine.Option) *engine.Manager {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Hierarchy = w.Config
	cfg.Limits = w.Limits
	opts = append([]engine.Option{engine.WithSink(w.Sink), engine.WithClock(w.Now)}, opts...)
	m, err := engine.New(w.Store, w.Dir, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func begin(t *testing.T, m *engine.Manager, href string) *engine.Session {
	t.Helper()
	s, err := m.Open(context.Background(), href)
	require.NoError(t, err)
	require.NoError(t, s.BeginTransaction(context.Background()))
	return s
}

func folder(name string) *storage.Collection {
	return &storage.Collection{Name: name, Type: storage.CalTypeFolder}
}

func TestNew(t *testing.T) {
	w := testutil.NewWorld(t)
	_, err := engine.New(nil, w.Dir, engine.DefaultConfig())
	assert.ErrorIs(t, err, apperr.ErrConfigurationFault)
	_, err = engine.New(w.Store, nil, engine.DefaultConfig())
	assert.ErrorIs(t, err, apperr.ErrConfigurationFault)

	m := newManager(t, w)
	_, err = m.Open(context.Background(), "/principals/users/nobody")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTransactionLifecycle(t *testing.T) {
	w := testutil.NewWorld(t)
	ix := &index.MockIndexer{}
	ix.On("IndexEntity", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	m := newManager(t, w, engine.WithIndexer(ix))
	ctx := context.Background()

	s, err := m.Open(ctx, testutil.AliceHref)
	require.NoError(t, err)
	assert.Equal(t, testutil.AliceHref, s.PrincipalHref())

	_, err = s.AddCollection(ctx, folder("work"), aliceHome)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput, "no transaction")

	require.NoError(t, s.BeginTransaction(ctx))
	assert.ErrorIs(t, s.BeginTransaction(ctx), apperr.ErrInvalidInput)

	w.Advance(time.Minute)
	col, err := s.AddCollection(ctx, folder("work"), aliceHome)
	require.NoError(t, err)
	assert.Equal(t, "/user/alice/work", col.Path)
	assert.Positive(t, s.Pending().Len())
	assert.Empty(t, w.Sink.Events())

	require.NoError(t, s.EndTransaction(ctx))
	assert.False(t, s.InTransaction())
	assert.Zero(t, s.Pending().Len())

	notes := w.Sink.Events()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.CollectionAdded, notes[0].Type)

	// Only the final write waits for visibility.
	var calls []mock.Call
	for _, c := range ix.Calls {
		if c.Method == "IndexEntity" {
			calls = append(calls, c)
		}
	}
	require.NotEmpty(t, calls)
	for i, c := range calls {
		assert.Equal(t, i == len(calls)-1, c.Arguments.Bool(2))
	}
	var indexed []string
	for _, c := range calls {
		indexed = append(indexed, c.Arguments.Get(1).(index.Doc).Href)
	}
	assert.Contains(t, indexed, "/user/alice/work")

	// A later transaction sees the committed collection.
	require.NoError(t, s.BeginTransaction(ctx))
	got, err := s.Collection(ctx, "/user/alice/work")
	require.NoError(t, err)
	assert.Equal(t, col.Lastmod, got.Lastmod)
	require.NoError(t, s.EndTransaction(ctx))
}

func TestRollback(t *testing.T) {
	w := testutil.NewWorld(t)
	ix := &index.MockIndexer{}
	m := newManager(t, w, engine.WithIndexer(ix))
	ctx := context.Background()

	s := begin(t, m, testutil.AliceHref)
	_, err := s.AddCollection(ctx, folder("work"), aliceHome)
	require.NoError(t, err)
	require.NoError(t, s.Rollback())

	assert.Equal(t, engine.StateRolledBack, s.State())
	assert.Zero(t, s.Pending().Len())
	require.NoError(t, s.EndTransaction(ctx), "ending a rolled-back session does nothing")
	assert.Empty(t, w.Sink.Events())
	ix.AssertNotCalled(t, "IndexEntity", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, s.BeginTransaction(ctx))
	assert.Equal(t, engine.StateOpen, s.State())
	_, err = s.Collection(ctx, "/user/alice/work")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFailedMutationRollsBack(t *testing.T) {
	w := testutil.NewWorld(t)
	m := newManager(t, w)
	ctx := context.Background()

	s := begin(t, m, testutil.AliceHref)
	_, err := s.AddCollection(ctx, folder("work"), aliceHome)
	require.NoError(t, err)

	_, err = s.AddCollection(ctx, folder("calendar"), aliceHome)
	require.Error(t, err)
	assert.Equal(t, engine.StateRolledBack, s.State())
	assert.False(t, s.InTransaction())

	require.NoError(t, s.EndTransaction(ctx))
	assert.Empty(t, w.Sink.Events())

	require.NoError(t, s.BeginTransaction(ctx))
	_, err = s.Collection(ctx, "/user/alice/work")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestHomeLookupLeavesTransactionOpen(t *testing.T) {
	w := testutil.NewWorld(t)
	m := newManager(t, w)
	ctx := context.Background()
	carol := &access.Principal{Href: "/principals/users/carol", Account: "carol"}

	s := begin(t, m, testutil.AdminHref)
	_, err := s.AddCollection(ctx, folder("work"), aliceHome)
	require.NoError(t, err)

	_, err = s.Home(ctx, carol, false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.Special(ctx, carol, storage.CalTypeCalendar, false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, engine.StateOpen, s.State())
	assert.True(t, s.InTransaction())

	require.NoError(t, s.EndTransaction(ctx))
	require.NoError(t, s.BeginTransaction(ctx))
	col, err := s.Collection(ctx, "/user/alice/work")
	require.NoError(t, err)
	assert.Equal(t, "/user/alice/work", col.Path)
}

func TestSessions(t *testing.T) {
	w := testutil.NewWorld(t)
	m := newManager(t, w)
	ctx := context.Background()

	alice := begin(t, m, testutil.AliceHref)
	w.Advance(time.Second)
	bob := begin(t, m, testutil.BobHref)

	active := m.Active()
	require.Len(t, active, 2)
	assert.Equal(t, alice.ID(), active[0].ID())
	assert.Equal(t, bob.ID(), active[1].ID())

	_, err := alice.AddCollection(ctx, folder("work"), aliceHome)
	require.NoError(t, err)

	require.NoError(t, m.Kill(alice.ID()))
	assert.Equal(t, engine.StateKilled, alice.State())
	assert.Len(t, m.Active(), 1)
	require.NoError(t, alice.EndTransaction(ctx))
	assert.ErrorIs(t, alice.BeginTransaction(ctx), apperr.ErrInvalidInput)
	assert.ErrorIs(t, m.Kill(alice.ID()), apperr.ErrNotFound)

	require.NoError(t, bob.Close(ctx))
	assert.Equal(t, engine.StateClosed, bob.State())
	assert.Empty(t, m.Active())
	_, ok := m.Session(bob.ID())
	assert.False(t, ok)
	assert.Empty(t, w.Sink.Events())
}

func TestCloseCommits(t *testing.T) {
	w := testutil.NewWorld(t)
	m := newManager(t, w)
	ctx := context.Background()

	s := begin(t, m, testutil.AliceHref)
	_, err := s.AddCollection(ctx, folder("work"), aliceHome)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	assert.Empty(t, m.Active())
	require.Len(t, w.Sink.Events(), 1)

	check := begin(t, m, testutil.AliceHref)
	_, err = check.Collection(ctx, "/user/alice/work")
	assert.NoError(t, err)
}

func TestEvents(t *testing.T) {
	w := testutil.NewWorld(t)
	m := newManager(t, w)
	ctx := context.Background()

	s := begin(t, m, testutil.AliceHref)
	res, err := s.AddEvent(ctx, &storage.Event{
		Name:    "standup.ics",
		UID:     "standup-1",
		ColPath: aliceCal,
		Summary: "Standup",
		Start:   testutil.At(2, 10),
		End:     testutil.At(2, 11),
		RRules:  []string{"FREQ=DAILY;COUNT=3"},
	}, nil, events.AddOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Instances, 3)

	key := events.EventKey{ColPath: aliceCal, Name: "standup.ics"}
	insts, err := s.Instances(ctx, key, nil)
	require.NoError(t, err)
	assert.Len(t, insts, 3)

	moved, err := s.MoveEvent(ctx, key, aliceHome)
	assert.Error(t, err, "a folder holds no events")
	assert.Nil(t, moved)
	assert.Equal(t, engine.StateRolledBack, s.State())

	_, err = s.GetEvent(ctx, key)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput, "the rollback also closed the transaction")
}

func TestFreeBusy(t *testing.T) {
	w := testutil.NewWorld(t)
	m := newManager(t, w)
	ctx := context.Background()

	alice := begin(t, m, testutil.AliceHref)
	_, err := alice.AddEvent(ctx, &storage.Event{
		Name:    "standup.ics",
		UID:     "standup-1",
		ColPath: aliceCal,
		Summary: "Standup",
		Start:   testutil.At(2, 10),
		End:     testutil.At(2, 11),
		RRules:  []string{"FREQ=DAILY;COUNT=5"},
	}, []*storage.Event{{
		RecurrenceID: recurrence.FormatRecurrenceID(testutil.At(4, 10), false),
		Summary:      "Moved",
		Start:        testutil.At(4, 16),
		End:          testutil.At(4, 17),
	}}, events.AddOptions{RollbackOnError: true})
	require.NoError(t, err)
	require.NoError(t, alice.EndTransaction(ctx))

	bob := begin(t, m, testutil.BobHref)
	_, err = bob.AddCollection(ctx, &storage.Collection{Name: "alice", Type: storage.CalTypeAlias, AliasPath: aliceCal}, "/user/bob")
	require.NoError(t, err)

	// A failed read leaves the transaction open.
	_, err = bob.QueryEvents(ctx, &storage.EventFilter{Collections: []string{aliceCal}}, false)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
	require.True(t, bob.InTransaction())

	start, end := testutil.At(3, 0), testutil.At(5, 0)
	res, err := bob.FreeBusy(ctx, []string{"/user/bob/alice", aliceCal, "/user/nobody/calendar"}, start, end, freebusy.Options{})
	require.NoError(t, err)
	assert.Equal(t, map[string][]storage.Period{
		storage.FBTypeBusy: {
			{Start: testutil.At(3, 10), End: testutil.At(3, 11), Type: storage.FBTypeBusy},
			{Start: testutil.At(4, 16), End: testutil.At(4, 17), Type: storage.FBTypeBusy},
		},
	}, res.Periods)
	assert.Equal(t, start, res.Event.Start)
	assert.Equal(t, end, res.Event.End)

	_, err = bob.FreeBusy(ctx, []string{aliceCal}, end, start, freebusy.Options{})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestSearch(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()

	plain := newManager(t, w)
	s := begin(t, plain, testutil.BobHref)
	_, err := s.Search(ctx, index.Query{Text: "x"})
	assert.ErrorIs(t, err, apperr.ErrConfigurationFault)

	hits := index.SearchResult{
		Total: 10,
		Entries: []index.Doc{
			{Type: index.DocEvent, Href: aliceCal + "/standup.ics", ParentPath: aliceCal},
			{Type: index.DocCollection, Href: aliceCal, ParentPath: aliceHome},
			{Type: index.DocEvent, Href: "/user/bob/calendar/lunch.ics", ParentPath: "/user/bob/calendar"},
			{Type: index.DocCollection, Href: "/user/bob/old", ParentPath: "/user/bob", Deleted: true},
			{Type: index.DocEvent, Href: "/user/gone/x.ics", ParentPath: "/user/gone"},
		},
	}
	q := index.Query{Text: "lunch", Limit: 5}
	ix := &index.MockIndexer{}
	ix.On("Search", mock.Anything, q).Return(hits, nil)
	m := newManager(t, w, engine.WithIndexer(ix))

	bob := begin(t, m, testutil.BobHref)
	res, err := bob.Search(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Total)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "/user/bob/calendar/lunch.ics", res.Entries[0].Href)
	assert.Equal(t, "/user/bob/old", res.Entries[1].Href)

	admin := begin(t, m, testutil.AdminHref)
	res, err = admin.Search(ctx, q)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 4)
	ix.AssertExpectations(t)
}

func TestUpdateAccessThroughSession(t *testing.T) {
	w := testutil.NewWorld(t)
	m := newManager(t, w)
	ctx := context.Background()

	alice := begin(t, m, testutil.AliceHref)
	_, err := alice.UpdateAccess(ctx, aliceCal, testutil.Grant(access.User(testutil.BobHref), access.PrivRead))
	require.NoError(t, err)
	require.NoError(t, alice.EndTransaction(ctx))

	bob := begin(t, m, testutil.BobHref)
	col, err := bob.Collection(ctx, aliceCal)
	require.NoError(t, err)
	assert.Equal(t, aliceCal, col.Path)
}
