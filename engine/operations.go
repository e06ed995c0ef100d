package engine

import (
	"context"
	"time"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/events"
	"github.com/cyp0633/calcore/engine/freebusy"
	"github.com/cyp0633/calcore/engine/index"
	"github.com/cyp0633/calcore/engine/storage"
)

// write runs a mutating operation under the session's rollback rule.
func write[T any](s *Session, op string, fn func() (T, error)) (T, error) {
	var out T
	err := s.mutate(op, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// read runs a read-only operation. Failed reads leave the transaction open.
func read[T any](s *Session, fn func() (T, error)) (T, error) {
	if err := s.check(); err != nil {
		var zero T
		return zero, err
	}
	return fn()
}

// Collection returns the live collection at path if it is readable.
func (s *Session) Collection(ctx context.Context, path string) (*storage.Collection, error) {
	return read(s, func() (*storage.Collection, error) {
		w, err := s.tree.MustGet(ctx, path, access.PrivRead)
		if err != nil {
			return nil, err
		}
		return w.Collection().Clone(), nil
	})
}

// Children lists the readable live children of path.
func (s *Session) Children(ctx context.Context, path string) ([]*storage.Collection, error) {
	return read(s, func() ([]*storage.Collection, error) {
		ws, err := s.tree.GetChildren(ctx, path)
		if err != nil {
			return nil, err
		}
		out := make([]*storage.Collection, 0, len(ws))
		for _, w := range ws {
			out = append(out, w.Collection().Clone())
		}
		return out, nil
	})
}

// Tree lists path and its readable live descendants, parents first.
func (s *Session) Tree(ctx context.Context, path string) ([]*storage.Collection, error) {
	return read(s, func() ([]*storage.Collection, error) { return s.tree.Tree(ctx, path) })
}

// SyncToken returns the change token of the subtree at path.
func (s *Session) SyncToken(ctx context.Context, path string) (string, error) {
	return read(s, func() (string, error) { return s.tree.SyncToken(ctx, path) })
}

// ResolveAlias follows the alias at path to the collection it references.
func (s *Session) ResolveAlias(ctx context.Context, path string, resolveSubAlias, freeBusy bool) (*storage.Collection, error) {
	return read(s, func() (*storage.Collection, error) {
		desired := access.PrivRead
		if freeBusy {
			desired = access.PrivReadFreeBusy
		}
		w, err := s.tree.MustGet(ctx, path, desired)
		if err != nil {
			return nil, err
		}
		target, err := s.tree.ResolveAlias(ctx, w, resolveSubAlias, freeBusy).Get()
		if err != nil {
			return nil, err
		}
		return target.Collection().Clone(), nil
	})
}

// AddCollection creates col under parentPath.
func (s *Session) AddCollection(ctx context.Context, col *storage.Collection, parentPath string) (*storage.Collection, error) {
	return write(s, "add collection", func() (*storage.Collection, error) { return s.tree.Add(ctx, col, parentPath) })
}

// UpdateCollection writes back the mutable properties of col.
func (s *Session) UpdateCollection(ctx context.Context, col *storage.Collection) (*storage.Collection, error) {
	return write(s, "update collection", func() (*storage.Collection, error) { return s.tree.Update(ctx, col) })
}

// UpdateAccess replaces the access-control list of the collection at path.
func (s *Session) UpdateAccess(ctx context.Context, path string, acl *access.Acl) (*storage.Collection, error) {
	return write(s, "update access", func() (*storage.Collection, error) { return s.tree.UpdateAccess(ctx, path, acl) })
}

// RenameCollection renames the collection at path within its parent.
func (s *Session) RenameCollection(ctx context.Context, path, newName string) (*storage.Collection, error) {
	return write(s, "rename collection", func() (*storage.Collection, error) { return s.tree.Rename(ctx, path, newName) })
}

// MoveCollection moves the collection at path under destParent.
func (s *Session) MoveCollection(ctx context.Context, path, destParent string) (*storage.Collection, error) {
	return write(s, "move collection", func() (*storage.Collection, error) { return s.tree.Move(ctx, path, destParent) })
}

// DeleteCollection tombstones or, with reallyDelete, removes the collection
// at path.
func (s *Session) DeleteCollection(ctx context.Context, path string, reallyDelete bool) error {
	return s.mutate("delete collection", func() error { return s.tree.Delete(ctx, path, reallyDelete) })
}

// Home returns the home collection of p, creating it when create is set.
// Without create it is a lookup and a missing home leaves the transaction
// open.
func (s *Session) Home(ctx context.Context, p *access.Principal, create bool) (*storage.Collection, error) {
	fn := func() (*storage.Collection, error) { return s.tree.Home(ctx, p, create) }
	if !create {
		return read(s, fn)
	}
	return write(s, "home", fn)
}

// Special returns the special collection of type ct in the home of p.
func (s *Session) Special(ctx context.Context, p *access.Principal, ct storage.CalType, create bool) (*storage.Collection, error) {
	fn := func() (*storage.Collection, error) { return s.tree.Special(ctx, p, ct, create) }
	if !create {
		return read(s, fn)
	}
	return write(s, "special collection", fn)
}

// Provision creates the home and special collections of p.
func (s *Session) Provision(ctx context.Context, p *access.Principal) ([]*storage.Collection, error) {
	return write(s, "provision", func() ([]*storage.Collection, error) { return s.tree.Provision(ctx, p) })
}

// Bootstrap creates the root collections.
func (s *Session) Bootstrap(ctx context.Context) error {
	return s.mutate("bootstrap", func() error { return s.tree.Bootstrap(ctx) })
}

// PurgeTombstones removes tombstones last modified before cutoff.
func (s *Session) PurgeTombstones(ctx context.Context, before time.Time) (storage.PurgeResult, error) {
	return write(s, "purge tombstones", func() (storage.PurgeResult, error) { return s.tree.PurgeTombstones(ctx, before) })
}

// AddEvent stores a new event together with its overrides.
func (s *Session) AddEvent(ctx context.Context, ev *storage.Event, overrides []*storage.Event, opts events.AddOptions) (*events.AddResult, error) {
	return write(s, "add event", func() (*events.AddResult, error) { return s.events.Add(ctx, ev, overrides, opts) })
}

// UpdateEvent rewrites an event or one of its instances.
func (s *Session) UpdateEvent(ctx context.Context, ev *storage.Event, overrides []*storage.Event) (*events.UpdateResult, error) {
	return write(s, "update event", func() (*events.UpdateResult, error) { return s.events.Update(ctx, ev, overrides) })
}

// DeleteEvent removes an event or one instance of it.
func (s *Session) DeleteEvent(ctx context.Context, key events.EventKey, reallyDelete bool) error {
	return s.mutate("delete event", func() error { return s.events.Delete(ctx, key, reallyDelete) })
}

// MoveEvent moves an event and its overrides to destCol.
func (s *Session) MoveEvent(ctx context.Context, key events.EventKey, destCol string) (*storage.Event, error) {
	return write(s, "move event", func() (*storage.Event, error) { return s.events.Move(ctx, key, destCol) })
}

// GetEvent returns an event with its overrides, or one instance.
func (s *Session) GetEvent(ctx context.Context, key events.EventKey) (*events.EventInfo, error) {
	return read(s, func() (*events.EventInfo, error) { return s.events.Get(ctx, key) })
}

// Instances materializes the instances of an event inside window.
func (s *Session) Instances(ctx context.Context, key events.EventKey, window *storage.TimeRange) ([]*storage.Event, error) {
	return read(s, func() ([]*storage.Event, error) { return s.events.Instances(ctx, key, window) })
}

// QueryEvents returns the readable events matching f, expanded into
// instances when expand is set.
func (s *Session) QueryEvents(ctx context.Context, f *storage.EventFilter, expand bool) ([]*storage.Event, error) {
	return read(s, func() ([]*storage.Event, error) { return s.events.Query(ctx, f, expand) })
}

// FreeBusy aggregates the busy time of cols over [start, end). Collections
// the principal cannot see at free-busy level are skipped, aliases are
// followed, and only calendar collections contribute.
func (s *Session) FreeBusy(ctx context.Context, cols []string, start, end time.Time, opts freebusy.Options) (*freebusy.Result, error) {
	return read(s, func() (*freebusy.Result, error) {
		if !end.After(start) {
			return nil, apperr.Invalid("free-busy window %s..%s is empty", start, end)
		}
		var paths []string
		seen := make(map[string]bool)
		for _, path := range cols {
			w, err := s.tree.Get(ctx, path, access.PrivReadFreeBusy, true)
			if err != nil {
				if apperr.KindOf(err) == apperr.KindNotFound {
					s.logger.Debug("free-busy collection missing", "path", path)
					continue
				}
				return nil, err
			}
			if w == nil {
				continue
			}
			target, err := s.tree.ResolveAlias(ctx, w, true, true).Get()
			if err != nil {
				s.logger.Warn("skipping unresolvable alias", "path", path, "error", err)
				continue
			}
			col := target.Collection()
			if !col.Type.IsCalendarCollection() || seen[col.Path] {
				continue
			}
			seen[col.Path] = true
			paths = append(paths, col.Path)
		}

		var instances []*storage.Event
		if len(paths) > 0 {
			var err error
			instances, err = s.events.FreeBusyInstances(ctx, paths, storage.NewTimeRange(start, end))
			if err != nil {
				return nil, err
			}
		}
		if opts.Principal == "" {
			opts.Principal = s.PrincipalHref()
		}
		return freebusy.Aggregate(instances, start, end, opts), nil
	})
}

// Search queries the index and drops hits in collections the principal
// cannot read. Total reports the index total before that filtering.
func (s *Session) Search(ctx context.Context, q index.Query) (index.SearchResult, error) {
	ix := s.mgr.indexer
	if ix == nil {
		return index.SearchResult{}, apperr.Config(nil, "no index configured")
	}
	return read(s, func() (index.SearchResult, error) {
		res, err := ix.Search(ctx, q)
		if err != nil {
			return index.SearchResult{}, err
		}
		readable := make(map[string]bool)
		canRead := func(path string) bool {
			if ok, done := readable[path]; done {
				return ok
			}
			ok := false
			if w, err := s.env.Wrapped(ctx, path); err == nil {
				ok = s.env.Access().CheckAccess(ctx, w, access.PrivRead)
			}
			readable[path] = ok
			return ok
		}

		out := index.SearchResult{Total: res.Total}
		for _, doc := range res.Entries {
			path := doc.ParentPath
			if doc.Type == index.DocCollection && !doc.Deleted {
				path = doc.Href
			}
			if path != "" && canRead(path) {
				out.Entries = append(out.Entries, doc)
			}
		}
		return out, nil
	})
}
