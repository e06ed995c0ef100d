// Package testutil builds provisioned in-memory worlds for tests that cross
// package boundaries.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/env"
	"github.com/cyp0633/calcore/engine/hierarchy"
	"github.com/cyp0633/calcore/engine/notify"
	"github.com/cyp0633/calcore/engine/recurrence"
	"github.com/cyp0633/calcore/engine/storage"
	"github.com/cyp0633/calcore/engine/storage/memory"
)

const (
	AdminHref = "/principals/users/admin"
	AliceHref = "/principals/users/alice"
	BobHref   = "/principals/users/bob"
	StaffHref = "/principals/groups/staff"
)

// T0 is the fixed start of every world's clock.
var T0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

// World is a memory store with /user and /public bootstrapped and alice and
// bob provisioned.
type World struct {
	Store    *memory.Store
	Dir      *access.StaticDirectory
	Sink     *notify.Recorder
	Lastmods *storage.Clock
	Config   hierarchy.Config
	Limits   recurrence.Limits

	Admin *access.Principal
	Alice *access.Principal
	Bob   *access.Principal

	now time.Time
}

// RootACL grants every authenticated principal read-free-busy.
func RootACL() string {
	acl := &access.Acl{}
	acl.Set(access.Who{Type: access.WhoAuthenticated}, access.NewSet(access.PrivReadFreeBusy))
	return acl.Encode()
}

// NewWorld bootstraps and provisions a fresh world.
func NewWorld(t *testing.T) *World {
	t.Helper()
	w := &World{
		Store:  memory.New(),
		Sink:   &notify.Recorder{},
		Admin:  &access.Principal{Href: AdminHref, Account: "admin", Superuser: true},
		Alice:  &access.Principal{Href: AliceHref, Account: "alice", Groups: []string{StaffHref}},
		Bob:    &access.Principal{Href: BobHref, Account: "bob"},
		Limits: recurrence.DefaultLimits,
		now:    T0,
	}
	w.Lastmods = storage.NewClock(w.Now)
	w.Dir = access.NewStaticDirectory("/user", w.Admin, w.Alice, w.Bob,
		&access.Principal{Href: StaffHref, Account: "staff"})
	w.Config = hierarchy.DefaultConfig()
	w.Config.RootACL = RootACL()

	ctx := context.Background()
	w.Do(t, w.Admin, func(e *env.Env, h *hierarchy.Manager) {
		require.NoError(t, h.Bootstrap(ctx))
		for _, p := range []*access.Principal{w.Alice, w.Bob} {
			_, err := h.Provision(ctx, p)
			require.NoError(t, err)
		}
	})
	w.Sink.Reset()
	return w
}

// Now reads the world clock.
func (w *World) Now() time.Time { return w.now }

// Advance moves the world clock forward.
func (w *World) Advance(d time.Duration) { w.now = w.now.Add(d) }

// Env opens a session context for p.
func (w *World) Env(p *access.Principal) *env.Env {
	return env.New(w.Dir, p, w.Sink,
		env.WithClock(w.Now),
		env.WithLastmodClock(w.Lastmods),
		env.WithLimits(w.Limits),
		env.WithPublicRoot(w.Config.PublicRoot))
}

// Begin attaches a new transaction to e.
func (w *World) Begin(t *testing.T, e *env.Env) storage.Tx {
	t.Helper()
	tx, err := w.Store.Begin(context.Background())
	require.NoError(t, err)
	e.Attach(tx)
	return tx
}

// Commit commits the transaction attached to e and flushes its
// notifications.
func (w *World) Commit(t *testing.T, e *env.Env) {
	t.Helper()
	tx, err := e.Tx()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	e.Detach()
	require.NoError(t, e.Notifications().Flush(context.Background()))
}

// Do runs fn for p inside one committed transaction.
func (w *World) Do(t *testing.T, p *access.Principal, fn func(e *env.Env, h *hierarchy.Manager)) {
	t.Helper()
	e := w.Env(p)
	w.Begin(t, e)
	fn(e, hierarchy.New(e, w.Config))
	w.Commit(t, e)
}

// Grant returns an ACL granting privs to who.
func Grant(who access.Who, privs ...access.Privilege) *access.Acl {
	acl := &access.Acl{}
	acl.Set(who, access.NewSet(privs...))
	return acl
}

// At returns T0's date at the given day of January 2024 and hour, UTC.
func At(day, hour int) time.Time {
	return time.Date(2024, 1, day, hour, 0, 0, 0, time.UTC)
}
