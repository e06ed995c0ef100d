package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestQueue_ImmediateWhenClosed(t *testing.T) {
	ctx := context.Background()
	sink := &MockSink{}
	ev := SysEvent{Type: CollectionAdded, Href: "/a"}
	sink.On("Post", ctx, ev).Return(nil).Once()

	q := NewQueue(sink)
	require.NoError(t, q.Post(ctx, ev))
	sink.AssertExpectations(t)
	assert.Empty(t, q.Pending())
}

func TestQueue_FIFOOnFlush(t *testing.T) {
	ctx := context.Background()
	rec := &Recorder{}
	q := NewQueue(rec)
	q.Open()

	for _, h := range []string{"/a", "/b", "/c"} {
		require.NoError(t, q.Post(ctx, SysEvent{Type: EntityAdded, Href: h}))
	}
	assert.Empty(t, rec.Events(), "held until flush")
	assert.Len(t, q.Pending(), 3)

	require.NoError(t, q.Flush(ctx))
	got := rec.Events()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"/a", "/b", "/c"}, []string{got[0].Href, got[1].Href, got[2].Href})
	assert.False(t, q.IsOpen())
}

func TestQueue_Discard(t *testing.T) {
	ctx := context.Background()
	sink := &MockSink{}
	q := NewQueue(sink)
	q.Open()
	require.NoError(t, q.Post(ctx, SysEvent{Type: EntityDeleted, Href: "/a"}))
	q.Discard()
	require.NoError(t, q.Flush(ctx))
	sink.AssertNotCalled(t, "Post", mock.Anything, mock.Anything)
}

func TestQueue_FlushErrorKeepsRest(t *testing.T) {
	ctx := context.Background()
	sink := &MockSink{}
	sink.On("Post", ctx, mock.MatchedBy(func(e SysEvent) bool { return e.Href == "/a" })).Return(errors.New("down"))

	q := NewQueue(sink)
	q.Open()
	require.NoError(t, q.Post(ctx, SysEvent{Type: EntityAdded, Href: "/a"}))
	require.NoError(t, q.Post(ctx, SysEvent{Type: EntityAdded, Href: "/b"}))
	assert.Error(t, q.Flush(ctx))
	assert.Len(t, q.Pending(), 1)
}

func TestSysEvent_String(t *testing.T) {
	ev := SysEvent{Type: EntityMoved, Href: "/x/e.ics", OldHref: "/a/e.ics", RecurrenceID: "20240101T100000Z"}
	assert.Equal(t, "entity-moved /x/e.ics#20240101T100000Z from /a/e.ics", ev.String())
}
