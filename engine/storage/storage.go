package storage

import (
	"context"
	"time"
)

// Store is the persistence backend. All reads and writes go through a
// transaction; the engine holds at most one open transaction per session.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one atomic unit of work. Objects returned by a Tx are copies: callers
// mutate them and write them back explicitly.
type Tx interface {
	// GetCollection returns the collection at path, or a NotFound error.
	GetCollection(ctx context.Context, path string) (*Collection, error)
	// AddCollection persists a new collection; an occupied path is a
	// DuplicatePath structural error.
	AddCollection(ctx context.Context, col *Collection) error
	// UpdateCollection replaces the stored collection at col.Path provided the
	// stored lastmod still equals expect; otherwise it reports a Conflict.
	UpdateCollection(ctx context.Context, col *Collection, expect Lastmod) error
	// DeleteCollection removes the row at path.
	DeleteCollection(ctx context.Context, path string) error
	// GetChildCollections lists direct children, tombstones included.
	GetChildCollections(ctx context.Context, path string) ([]*Collection, error)
	// GetSynchInfo compares the stored lastmod of path with token.
	GetSynchInfo(ctx context.Context, path, token string) (SynchInfo, error)

	// GetEvent returns the master (recurrenceID == "") or one override.
	GetEvent(ctx context.Context, colPath, name, recurrenceID string) (*Event, error)
	// FindEvents returns every row of colPath carrying uid.
	FindEvents(ctx context.Context, colPath, uid string) ([]*Event, error)
	// EventsByName returns every row of colPath stored under name.
	EventsByName(ctx context.Context, colPath, name string) ([]*Event, error)
	// QueryEvents returns rows matching the filter ordered by key.
	QueryEvents(ctx context.Context, f *EventFilter) ([]*Event, error)
	AddEvent(ctx context.Context, ev *Event) error
	UpdateEvent(ctx context.Context, ev *Event, expect Lastmod) error
	DeleteEvent(ctx context.Context, colPath, name, recurrenceID string) error

	// PurgeTombstones hard-deletes tombstones last modified before the cutoff.
	PurgeTombstones(ctx context.Context, before time.Time) (PurgeResult, error)

	Commit() error
	Rollback() error
}
