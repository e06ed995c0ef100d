// Package notify carries system change events from the engine to an
// external sink.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType names a system change.
type EventType string

const (
	EntityAdded       EventType = "entity-added"
	EntityUpdated     EventType = "entity-updated"
	EntityDeleted     EventType = "entity-deleted"
	EntityMoved       EventType = "entity-moved"
	CollectionAdded   EventType = "collection-added"
	CollectionUpdated EventType = "collection-updated"
	CollectionDeleted EventType = "collection-deleted"
	CollectionMoved   EventType = "collection-moved"
)

// SysEvent is one change notification.
type SysEvent struct {
	Type         EventType
	Href         string
	OldHref      string
	UID          string
	RecurrenceID string
	Owner        string
	Principal    string
	At           time.Time
}

func (e SysEvent) String() string {
	s := fmt.Sprintf("%s %s", e.Type, e.Href)
	if e.RecurrenceID != "" {
		s += "#" + e.RecurrenceID
	}
	if e.OldHref != "" {
		s += " from " + e.OldHref
	}
	return s
}

// Sink receives notifications.
type Sink interface {
	Post(ctx context.Context, ev SysEvent) error
}

// Queue holds notifications while a transaction is open and delivers them
// in FIFO order when it ends. With no transaction open, posts go straight
// to the sink.
type Queue struct {
	sink    Sink
	pending []SysEvent
	open    bool
}

// NewQueue creates a queue in front of sink.
func NewQueue(sink Sink) *Queue {
	return &Queue{sink: sink}
}

// Open starts holding notifications.
func (q *Queue) Open() { q.open = true }

// IsOpen reports whether notifications are being held.
func (q *Queue) IsOpen() bool { return q.open }

// Post queues ev, or delivers it immediately when no transaction is open.
func (q *Queue) Post(ctx context.Context, ev SysEvent) error {
	if !q.open {
		return q.deliver(ctx, ev)
	}
	q.pending = append(q.pending, ev)
	return nil
}

// Pending returns the held notifications in order.
func (q *Queue) Pending() []SysEvent {
	out := make([]SysEvent, len(q.pending))
	copy(out, q.pending)
	return out
}

// Flush delivers the held notifications in order and stops holding.
func (q *Queue) Flush(ctx context.Context) error {
	pending := q.pending
	q.pending = nil
	q.open = false
	for i, ev := range pending {
		if err := q.deliver(ctx, ev); err != nil {
			q.pending = pending[i+1:]
			return err
		}
	}
	return nil
}

// Discard drops the held notifications and stops holding.
func (q *Queue) Discard() {
	q.pending = nil
	q.open = false
}

func (q *Queue) deliver(ctx context.Context, ev SysEvent) error {
	if q.sink == nil {
		return nil
	}
	if err := q.sink.Post(ctx, ev); err != nil {
		return fmt.Errorf("post %s: %w", ev, err)
	}
	return nil
}

// LogSink writes notifications to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at Info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Post(_ context.Context, ev SysEvent) error {
	s.logger.Info("system event",
		"type", ev.Type, "href", ev.Href, "old_href", ev.OldHref,
		"rid", ev.RecurrenceID, "principal", ev.Principal)
	return nil
}

// Recorder keeps every notification it receives; it is safe for concurrent
// use by several sessions.
type Recorder struct {
	mu     sync.Mutex
	events []SysEvent
}

func (r *Recorder) Post(_ context.Context, ev SysEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of what was received.
func (r *Recorder) Events() []SysEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SysEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Reset forgets everything received.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
