package hierarchy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/env"
	"github.com/cyp0633/calcore/engine/hierarchy"
	"github.com/cyp0633/calcore/engine/index"
	"github.com/cyp0633/calcore/engine/notify"
	"github.com/cyp0633/calcore/engine/storage"
	"github.com/cyp0633/calcore/internal/testutil"
)

const (
	aliceHome = "/user/alice"
	aliceCal  = "/user/alice/calendar"
)

func folder(name string) *storage.Collection {
	return &storage.Collection{Name: name, Type: storage.CalTypeFolder}
}

func calendar(name string) *storage.Collection {
	return &storage.Collection{Name: name, Type: storage.CalTypeCalendar}
}

// session opens an uncommitted transaction for p.
func session(t *testing.T, w *testutil.World, p *access.Principal) (*env.Env, *hierarchy.Manager) {
	e := w.Env(p)
	w.Begin(t, e)
	return e, hierarchy.New(e, w.Config)
}

func TestProvisioning(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()
	_, h := session(t, w, w.Alice)

	home, err := h.Home(ctx, w.Alice, false)
	require.NoError(t, err)
	assert.Equal(t, aliceHome, home.Path)
	assert.Equal(t, testutil.AliceHref, home.Owner)

	inbox, err := h.Special(ctx, w.Alice, storage.CalTypeInbox, false)
	require.NoError(t, err)
	assert.Equal(t, "/user/alice/inbox", inbox.Path)
	assert.Equal(t, storage.CalTypeInbox, inbox.Type)

	children, err := h.GetChildren(ctx, aliceHome)
	require.NoError(t, err)
	assert.Len(t, children, 7)

	_, err = h.Special(ctx, w.Alice, storage.CalTypeFolder, false)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestAdd(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()
	e, h := session(t, w, w.Alice)

	col, err := h.Add(ctx, folder("work"), aliceHome)
	require.NoError(t, err)
	assert.Equal(t, "/user/alice/work", col.Path)
	assert.Equal(t, aliceHome, col.ParentPath)
	assert.Equal(t, testutil.AliceHref, col.Owner)
	assert.Equal(t, testutil.AliceHref, col.Creator)
	assert.False(t, col.Lastmod.IsZero())

	p, ok := e.Pending().Lookup(index.DocCollection, col.Path)
	require.True(t, ok)
	assert.False(t, p.ForTouch)

	// Held until the transaction ends.
	assert.Empty(t, w.Sink.Events())
	w.Commit(t, e)
	events := w.Sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.CollectionAdded, events[0].Type)
	assert.Equal(t, "/user/alice/work", events[0].Href)
	assert.Equal(t, testutil.AliceHref, events[0].Principal)
}

func TestAddRejects(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		as     func(*testutil.World) *access.Principal
		col    *storage.Collection
		parent string
		reason apperr.Reason
		kind   apperr.Kind
	}{
		{"empty name", alice, folder(""), aliceHome, apperr.BadName, apperr.KindStructural},
		{"separator", alice, folder("a/b"), aliceHome, apperr.BadName, apperr.KindStructural},
		{"dot dot", alice, folder(".."), aliceHome, apperr.BadName, apperr.KindStructural},
		{"reserved", alice, folder("Inbox"), aliceHome, apperr.ReservedName, apperr.KindStructural},
		{"special type", alice, &storage.Collection{Name: "box", Type: storage.CalTypeOutbox}, aliceHome, apperr.IllegalCollectionCreation, apperr.KindStructural},
		{"inside calendar", alice, folder("sub"), aliceCal, apperr.IllegalCollectionCreation, apperr.KindStructural},
		{"calendar inside calendar", alice, calendar("sub"), aliceCal, apperr.IllegalCollectionCreation, apperr.KindStructural},
		{"duplicate", alice, calendar("calendar"), aliceHome, apperr.DuplicatePath, apperr.KindStructural},
		{"no bind", bob, folder("intruder"), aliceHome, apperr.ReasonNone, apperr.KindAccessDenied},
		{"missing parent", alice, folder("x"), "/user/alice/nowhere", apperr.ReasonNone, apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := session(t, w, tt.as(w))
			_, err := h.Add(ctx, tt.col, tt.parent)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Equal(t, tt.reason, apperr.ReasonOf(err))
		})
	}
}

func alice(w *testutil.World) *access.Principal { return w.Alice }
func bob(w *testutil.World) *access.Principal   { return w.Bob }

func TestAddOverTombstone(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()
	e, h := session(t, w, w.Alice)

	_, err := h.Add(ctx, folder("tmp"), aliceHome)
	require.NoError(t, err)
	require.NoError(t, h.Delete(ctx, "/user/alice/tmp", false))

	again, err := h.Add(ctx, calendar("tmp"), aliceHome)
	require.NoError(t, err)
	assert.False(t, again.Tombstoned)
	assert.Equal(t, storage.CalTypeCalendar, again.Type)
	w.Commit(t, e)
}

func TestDelete(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()

	t.Run("tombstone is idempotent", func(t *testing.T) {
		e, h := session(t, w, w.Alice)
		_, err := h.Add(ctx, folder("old"), aliceHome)
		require.NoError(t, err)
		require.NoError(t, h.Delete(ctx, "/user/alice/old", false))
		require.NoError(t, h.Delete(ctx, "/user/alice/old", false))

		tx, _ := e.Tx()
		col, err := tx.GetCollection(ctx, "/user/alice/old")
		require.NoError(t, err)
		assert.True(t, col.Tombstoned)

		_, err = h.Get(ctx, "/user/alice/old", access.PrivRead, false)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		w.Commit(t, e)
	})

	t.Run("really delete", func(t *testing.T) {
		e, h := session(t, w, w.Alice)
		_, err := h.Add(ctx, folder("gone"), aliceHome)
		require.NoError(t, err)
		require.NoError(t, h.Delete(ctx, "/user/alice/gone", true))

		tx, _ := e.Tx()
		_, err = tx.GetCollection(ctx, "/user/alice/gone")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		p, queued := e.Pending().Lookup(index.DocCollection, "/user/alice/gone")
		require.True(t, queued)
		assert.True(t, p.Unindex)
		home, queued := e.Pending().Lookup(index.DocCollection, aliceHome)
		require.True(t, queued)
		assert.False(t, home.Unindex)
	})

	t.Run("not empty", func(t *testing.T) {
		_, h := session(t, w, w.Alice)
		_, err := h.Add(ctx, folder("full"), aliceHome)
		require.NoError(t, err)
		_, err = h.Add(ctx, folder("child"), "/user/alice/full")
		require.NoError(t, err)
		err = h.Delete(ctx, "/user/alice/full", false)
		assert.ErrorIs(t, err, apperr.ErrNotEmpty)
	})

	t.Run("roots and homes", func(t *testing.T) {
		_, h := session(t, w, w.Admin)
		assert.ErrorIs(t, h.Delete(ctx, "/user", false), apperr.ErrCannotDeleteRoot)
		assert.ErrorIs(t, h.Delete(ctx, aliceHome, false), apperr.ErrCannotDeleteRoot)
	})

	t.Run("no unbind", func(t *testing.T) {
		_, h := session(t, w, w.Bob)
		err := h.Delete(ctx, aliceCal, false)
		assert.ErrorIs(t, err, apperr.ErrAccessDenied)
	})
}

func TestMove(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()
	e, h := session(t, w, w.Alice)

	for _, step := range []struct{ name, parent string }{
		{"a", aliceHome}, {"b", "/user/alice/a"}, {"c", "/user/alice/a/b"}, {"x", aliceHome},
	} {
		_, err := h.Add(ctx, folder(step.name), step.parent)
		require.NoError(t, err)
	}
	tx, _ := e.Tx()
	_, err := h.Add(ctx, calendar("cal"), "/user/alice/a/b/c")
	require.NoError(t, err)
	require.NoError(t, tx.AddEvent(ctx, &storage.Event{
		Name: "e.ics", UID: "u1", ColPath: "/user/alice/a/b/c/cal",
		Start: testutil.At(2, 10), End: testutil.At(2, 11), Lastmod: e.Stamp(storage.Lastmod{}),
	}))
	w.Commit(t, e)

	e, h = session(t, w, w.Alice)
	moved, err := h.Move(ctx, "/user/alice/a/b", "/user/alice/x")
	require.NoError(t, err)
	assert.Equal(t, "/user/alice/x/b", moved.Path)
	assert.Equal(t, "/user/alice/x", moved.ParentPath)

	tx, _ = e.Tx()
	for _, p := range []string{"/user/alice/x/b", "/user/alice/x/b/c", "/user/alice/x/b/c/cal"} {
		col, err := tx.GetCollection(ctx, p)
		require.NoError(t, err, p)
		assert.False(t, col.Tombstoned, p)
	}
	c, err := tx.GetCollection(ctx, "/user/alice/x/b/c")
	require.NoError(t, err)
	assert.Equal(t, "/user/alice/x/b", c.ParentPath)

	old, err := tx.GetCollection(ctx, "/user/alice/a/b")
	require.NoError(t, err)
	assert.True(t, old.Tombstoned)

	ev, err := tx.GetEvent(ctx, "/user/alice/x/b/c/cal", "e.ics", "")
	require.NoError(t, err)
	assert.Equal(t, "u1", ev.UID)
	_, err = tx.GetEvent(ctx, "/user/alice/a/b/c/cal", "e.ics", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	w.Commit(t, e)
	var moves []string
	for _, n := range w.Sink.Events() {
		if n.Type == notify.CollectionMoved {
			moves = append(moves, n.OldHref+" -> "+n.Href)
		}
	}
	assert.Equal(t, []string{
		"/user/alice/a/b -> /user/alice/x/b",
		"/user/alice/a/b/c -> /user/alice/x/b/c",
		"/user/alice/a/b/c/cal -> /user/alice/x/b/c/cal",
	}, moves)
}

func TestMoveRejects(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()
	_, h := session(t, w, w.Alice)
	_, err := h.Add(ctx, folder("a"), aliceHome)
	require.NoError(t, err)
	_, err = h.Add(ctx, folder("b"), "/user/alice/a")
	require.NoError(t, err)

	_, err = h.Move(ctx, "/user/alice/a", "/user/alice/a/b")
	assert.Equal(t, apperr.BadDestination, apperr.ReasonOf(err))

	_, err = h.Move(ctx, "/user/alice/a", aliceCal)
	assert.Equal(t, apperr.BadDestination, apperr.ReasonOf(err))

	_, err = h.Move(ctx, aliceHome, "/user/alice/a")
	assert.ErrorIs(t, err, apperr.ErrCannotDeleteRoot)
}

func TestMovePendingInboxLeavesNoTombstone(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()
	e, h := session(t, w, w.Alice)
	_, err := h.Add(ctx, folder("archive"), aliceHome)
	require.NoError(t, err)

	_, err = h.Move(ctx, "/user/alice/pending-inbox", "/user/alice/archive")
	require.NoError(t, err)

	tx, _ := e.Tx()
	_, err = tx.GetCollection(ctx, "/user/alice/pending-inbox")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = tx.GetCollection(ctx, "/user/alice/archive/pending-inbox")
	assert.NoError(t, err)
}

func TestRename(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()
	e, h := session(t, w, w.Alice)
	_, err := h.Add(ctx, calendar("work"), aliceHome)
	require.NoError(t, err)

	col, err := h.Rename(ctx, "/user/alice/work", "office")
	require.NoError(t, err)
	assert.Equal(t, "/user/alice/office", col.Path)
	assert.Equal(t, "office", col.Name)

	tx, _ := e.Tx()
	old, err := tx.GetCollection(ctx, "/user/alice/work")
	require.NoError(t, err)
	assert.True(t, old.Tombstoned)

	_, err = h.Rename(ctx, "/user/alice/office", "bad/name")
	assert.Equal(t, apperr.BadName, apperr.ReasonOf(err))
}

func TestUpdate(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()
	_, h := session(t, w, w.Alice)

	cur, err := h.Get(ctx, aliceCal, access.PrivRead, false)
	require.NoError(t, err)
	in := cur.Collection().Clone()
	in.Summary = "Personal"
	in.Color = "#ff0000"

	upd, err := h.Update(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "Personal", upd.Summary)
	assert.True(t, in.Lastmod.Less(upd.Lastmod))

	// A second write based on the stale copy is refused.
	_, err = h.Update(ctx, in)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, hb := session(t, w, w.Bob)
	_, err = hb.Update(ctx, &storage.Collection{Path: aliceCal, Summary: "mine"})
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
}

func TestUpdateAccess(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()

	_, hb := session(t, w, w.Bob)
	got, err := hb.Get(ctx, aliceCal, access.PrivRead, true)
	require.NoError(t, err)
	assert.Nil(t, got, "bob cannot read before the grant")

	w.Do(t, w.Alice, func(_ *env.Env, h *hierarchy.Manager) {
		_, err := h.UpdateAccess(ctx, aliceCal, testutil.Grant(access.User(testutil.BobHref), access.PrivRead))
		require.NoError(t, err)
	})

	_, hb = session(t, w, w.Bob)
	got, err = hb.Get(ctx, aliceCal, access.PrivRead, false)
	require.NoError(t, err)
	assert.Equal(t, aliceCal, got.Path())

	_, err = hb.UpdateAccess(ctx, aliceCal, &access.Acl{})
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
}

func TestGetChildrenNeedsRead(t *testing.T) {
	w := testutil.NewWorld(t)
	_, h := session(t, w, w.Bob)
	_, err := h.GetChildren(context.Background(), aliceHome)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
}

func TestSyncToken(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()
	e, h := session(t, w, w.Alice)

	_, err := h.Add(ctx, folder("x"), aliceHome)
	require.NoError(t, err)
	_, err = h.Add(ctx, calendar("xxx"), aliceHome)
	require.NoError(t, err)
	_, err = h.Add(ctx, calendar("cal"), "/user/alice/x")
	require.NoError(t, err)

	t1, err := h.SyncToken(ctx, "/user/alice/x")
	require.NoError(t, err)
	again, err := h.SyncToken(ctx, "/user/alice/x/")
	require.NoError(t, err)
	assert.Equal(t, t1, again, "no mutation, same token")

	// A sibling whose name extends ours does not move our token.
	xxx, err := h.Get(ctx, "/user/alice/xxx", access.PrivRead, false)
	require.NoError(t, err)
	in := xxx.Collection().Clone()
	in.Summary = "sibling"
	_, err = h.Update(ctx, in)
	require.NoError(t, err)
	t2, err := h.SyncToken(ctx, "/user/alice/x")
	require.NoError(t, err)
	assert.Equal(t, t1, t2)

	// Every mutation beneath moves it forward, deletes included.
	_, err = h.Touch(ctx, "/user/alice/x/cal")
	require.NoError(t, err)
	t3, err := h.SyncToken(ctx, "/user/alice/x")
	require.NoError(t, err)
	assert.Greater(t, t3, t2)

	require.NoError(t, h.Delete(ctx, "/user/alice/x/cal", false))
	t4, err := h.SyncToken(ctx, "/user/alice/x")
	require.NoError(t, err)
	assert.Greater(t, t4, t3)

	home, err := h.SyncToken(ctx, aliceHome)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, home, t4)
	w.Commit(t, e)
}

func TestAliasResolution(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()

	t.Run("follows a chain", func(t *testing.T) {
		_, h := session(t, w, w.Alice)
		_, err := h.Add(ctx, &storage.Collection{Name: "a1", Type: storage.CalTypeAlias, AliasPath: aliceCal}, aliceHome)
		require.NoError(t, err)
		_, err = h.Add(ctx, &storage.Collection{Name: "a2", Type: storage.CalTypeAlias, AliasPath: "/user/alice/a1"}, aliceHome)
		require.NoError(t, err)

		a2, err := h.Get(ctx, "/user/alice/a2", access.PrivRead, false)
		require.NoError(t, err)

		one := h.ResolveAlias(ctx, a2, false, false)
		require.True(t, one.IsOk())
		assert.Equal(t, "/user/alice/a1", one.MustGet().Path())

		all := h.ResolveAlias(ctx, a2, true, false)
		require.True(t, all.IsOk())
		assert.Equal(t, aliceCal, all.MustGet().Path())
	})

	t.Run("cycle terminates and disables", func(t *testing.T) {
		e, h := session(t, w, w.Alice)
		_, err := h.Add(ctx, &storage.Collection{Name: "p", Type: storage.CalTypeAlias, AliasPath: aliceCal}, aliceHome)
		require.NoError(t, err)
		_, err = h.Add(ctx, &storage.Collection{Name: "q", Type: storage.CalTypeAlias, AliasPath: "/user/alice/p"}, aliceHome)
		require.NoError(t, err)

		p, err := h.Get(ctx, "/user/alice/p", access.PrivRead, false)
		require.NoError(t, err)
		in := p.Collection().Clone()
		in.AliasPath = "/user/alice/q"
		_, err = h.Update(ctx, in)
		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.ErrAliasCycle)

		tx, _ := e.Tx()
		stored, err := tx.GetCollection(ctx, "/user/alice/p")
		require.NoError(t, err)
		assert.True(t, stored.Disabled)
	})

	t.Run("missing target disables own alias", func(t *testing.T) {
		_, h := session(t, w, w.Alice)
		col, err := h.Add(ctx, &storage.Collection{Name: "dangling", Type: storage.CalTypeAlias, AliasPath: "/user/alice/nothing"}, aliceHome)
		require.NoError(t, err)
		assert.True(t, col.Disabled)
	})

	t.Run("free-busy level", func(t *testing.T) {
		e, h := session(t, w, w.Bob)
		col, err := h.Add(ctx, &storage.Collection{Name: "alice", Type: storage.CalTypeAlias, AliasPath: aliceCal}, "/user/bob")
		require.NoError(t, err)
		require.False(t, col.Disabled)

		wr, err := e.Wrapped(ctx, col.Path)
		require.NoError(t, err)
		fb := h.ResolveAlias(ctx, wr, true, true)
		require.True(t, fb.IsOk())
		assert.Equal(t, aliceCal, fb.MustGet().Path())

		content := h.ResolveAlias(ctx, wr, true, false)
		assert.ErrorIs(t, content.Error(), apperr.ErrAccessDenied)
	})
}

func TestPurgeTombstones(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()
	w.Do(t, w.Alice, func(_ *env.Env, h *hierarchy.Manager) {
		_, err := h.Add(ctx, folder("old"), aliceHome)
		require.NoError(t, err)
		require.NoError(t, h.Delete(ctx, "/user/alice/old", false))
	})
	w.Advance(48 * time.Hour)

	_, h := session(t, w, w.Alice)
	_, err := h.PurgeTombstones(ctx, w.Now())
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)

	e, h := session(t, w, w.Admin)
	res, err := h.PurgeTombstones(ctx, w.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"/user/alice/old"}, res.Collections)
	_, queued := e.Pending().Lookup(index.DocCollection, "/user/alice/old")
	assert.True(t, queued)
}

func TestCacheRevalidatesOncePerTransaction(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()
	e := w.Env(w.Alice)
	h := hierarchy.New(e, w.Config)

	w.Begin(t, e)
	_, err := h.Get(ctx, aliceCal, access.PrivRead, false)
	require.NoError(t, err)
	w.Commit(t, e)

	w.Begin(t, e)
	before := e.Cache().Stats().Revalidations
	_, err = h.Get(ctx, aliceCal, access.PrivRead, false)
	require.NoError(t, err)
	first := e.Cache().Stats().Revalidations
	assert.Greater(t, first, before)

	_, err = h.Get(ctx, aliceCal, access.PrivRead, false)
	require.NoError(t, err)
	assert.Equal(t, first, e.Cache().Stats().Revalidations)
	w.Commit(t, e)
}
