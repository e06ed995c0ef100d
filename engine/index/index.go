// Package index defines the search-index boundary of the engine and the
// write-ahead queue that batches index writes per session.
package index

import (
	"context"
	"time"

	"github.com/cyp0633/calcore/engine/storage"
)

// DocType is the kind of an indexed document.
type DocType string

const (
	DocCollection DocType = "collection"
	DocEvent      DocType = "event"
	DocCategory   DocType = "category"
	DocLocation   DocType = "location"
	DocContact    DocType = "contact"
)

// Doc is the indexed projection of an entity.
type Doc struct {
	Type         DocType
	Href         string
	ParentPath   string
	Owner        string
	UID          string
	RecurrenceID string
	EntityType   string
	Summary      string
	Description  string
	Location     string
	Categories   []string
	Start        time.Time
	End          time.Time
	Lastmod      string
	Deleted      bool
}

// CollectionDoc projects a collection.
func CollectionDoc(c *storage.Collection) Doc {
	return Doc{
		Type:        DocCollection,
		Href:        c.Path,
		ParentPath:  c.ParentPath,
		Owner:       c.Owner,
		EntityType:  c.Type.String(),
		Summary:     c.Summary,
		Description: c.Description,
		Lastmod:     c.Lastmod.Tag(),
		Deleted:     c.Tombstoned,
	}
}

// EventDoc projects an event. Overrides are keyed by href#recurrence-id.
func EventDoc(ev *storage.Event) Doc {
	return Doc{
		Type:         DocEvent,
		Href:         ev.Key(),
		ParentPath:   ev.ColPath,
		Owner:        ev.Owner,
		UID:          ev.UID,
		RecurrenceID: ev.RecurrenceID,
		EntityType:   ev.EntityType.String(),
		Summary:      ev.Summary,
		Description:  ev.Description,
		Location:     ev.Location,
		Categories:   ev.Categories,
		Start:        ev.Start,
		End:          ev.End,
		Lastmod:      ev.Lastmod.Tag(),
		Deleted:      ev.Tombstoned,
	}
}

// SortKey orders search results.
type SortKey string

const (
	SortHref  SortKey = "href"
	SortStart SortKey = "start"
)

// Query selects documents.
type Query struct {
	// Text matches summary, description, location and categories.
	Text  string
	Types []DocType
	// Paths restricts hits to documents at or beneath these collections.
	Paths     []string
	TimeRange *storage.TimeRange
	Deleted   storage.DeletedState
	Sort      SortKey
	Offset    int
	Limit     int
}

// SearchResult is one page of hits plus the unpaged total.
type SearchResult struct {
	Entries []Doc
	Total   int
}

// Indexer is the external document index.
type Indexer interface {
	// IndexEntity writes doc. wait asks the index to make the write visible
	// before returning; forTouch marks a lastmod-only refresh.
	IndexEntity(ctx context.Context, doc Doc, wait, forTouch bool) error
	UnindexEntity(ctx context.Context, docType DocType, href string) error
	// Fetch returns one document or a NotFound error.
	Fetch(ctx context.Context, docType DocType, href string) (*Doc, error)
	FetchChildren(ctx context.Context, parentPath string) ([]Doc, error)
	Search(ctx context.Context, q Query) (SearchResult, error)
}
