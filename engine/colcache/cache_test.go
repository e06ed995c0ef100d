package colcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/storage"
)

type mockChecker struct {
	mock.Mock
}

func (m *mockChecker) GetSynchInfo(ctx context.Context, path, token string) (storage.SynchInfo, error) {
	args := m.Called(ctx, path, token)
	return args.Get(0).(storage.SynchInfo), args.Error(1)
}

func wrapper(path string) *access.CollectionWrapper {
	return access.Wrap(&storage.Collection{
		Path:    path,
		Lastmod: storage.NewLastmod(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func TestCache_HitWithoutRevalidation(t *testing.T) {
	checker := &mockChecker{}
	c := New(checker)
	w := wrapper("/a")
	c.Put(w)

	got := c.Get(context.Background(), "/a/")
	require.True(t, got.IsPresent())
	assert.Same(t, w, got.MustGet())
	checker.AssertNotCalled(t, "GetSynchInfo", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, Stats{Hits: 1}, c.Stats())
}

func TestCache_RevalidatesOncePerFlush(t *testing.T) {
	ctx := context.Background()
	checker := &mockChecker{}
	w := wrapper("/a")
	tag := w.Collection().Lastmod.Tag()
	checker.On("GetSynchInfo", ctx, "/a", tag).
		Return(storage.SynchInfo{Exists: true, Token: tag}, nil).Once()

	c := New(checker)
	c.Put(w)
	c.Flush()

	for i := 0; i < 3; i++ {
		assert.True(t, c.Get(ctx, "/a").IsPresent())
	}
	checker.AssertExpectations(t)
	assert.Equal(t, 1, c.Stats().Revalidations)
	assert.Equal(t, 3, c.Stats().Hits)
}

func TestCache_ChangedIsMiss(t *testing.T) {
	ctx := context.Background()
	checker := &mockChecker{}
	checker.On("GetSynchInfo", ctx, "/a", mock.Anything).
		Return(storage.SynchInfo{Exists: true, Changed: true}, nil)
	checker.On("GetSynchInfo", ctx, "/b", mock.Anything).
		Return(storage.SynchInfo{}, errors.New("boom"))

	c := New(checker)
	c.Put(wrapper("/a"))
	c.Put(wrapper("/b"))
	c.Flush()

	assert.False(t, c.Get(ctx, "/a").IsPresent())
	assert.False(t, c.Get(ctx, "/b").IsPresent())
	assert.Equal(t, 0, c.Len(), "stale entries are evicted")
}

func TestCache_GetWithToken(t *testing.T) {
	ctx := context.Background()
	c := New(&mockChecker{})
	w := wrapper("/a")
	c.Put(w)

	assert.True(t, c.GetWithToken(ctx, "/a", w.Collection().Lastmod.Tag()).IsPresent())
	assert.False(t, c.GetWithToken(ctx, "/a", "other").IsPresent())
}

func TestCache_FlushClearsAccessAndClearDrops(t *testing.T) {
	ctx := context.Background()
	dir := access.NewStaticDirectory("/user", &access.Principal{Href: "/principals/users/a", Account: "a"})
	w := access.Wrap(&storage.Collection{Path: "/user", Owner: "/principals/users/a"})
	e := access.NewEvaluator(dir, nil, nil)
	_, err := e.Evaluate(ctx, w, access.PrivRead, true)
	require.NoError(t, err)
	_, ok := w.CachedAccess(access.PrivRead)
	require.True(t, ok)

	c := New(nil)
	c.Put(w)
	c.Flush()
	_, ok = w.CachedAccess(access.PrivRead)
	assert.False(t, ok)
	assert.False(t, c.Get(ctx, "/user").IsPresent(), "no checker means no revalidation")

	c.Put(w)
	c.Put(wrapper("/user/a"))
	c.RemoveTree("/user")
	assert.Equal(t, 0, c.Len())

	c.Put(w)
	c.Remove("/user")
	assert.Equal(t, 0, c.Len())
	c.Put(w)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
