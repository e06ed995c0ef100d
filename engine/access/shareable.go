package access

import (
	"github.com/cyp0633/calcore/engine/storage"
)

// Shareable is an entity that carries an ACL. The set of implementations is
// closed: CollectionWrapper for collections and Resource for everything else.
type Shareable interface {
	Kind() Kind
	Path() string
	// ParentPath is the containing collection; empty for entities whose
	// container is their owner.
	ParentPath() string
	Owner() string
	ACL() string

	shareable()
}

// CollectionWrapper decorates a collection with per-session memoized access
// decisions and its resolved alias target.
type CollectionWrapper struct {
	col    *storage.Collection
	access map[Privilege]*CurrentAccess

	aliasTarget   *CollectionWrapper
	aliasResolved bool
}

// Wrap decorates col. The wrapper owns col from now on.
func Wrap(col *storage.Collection) *CollectionWrapper {
	return &CollectionWrapper{col: col}
}

// Collection returns the wrapped collection.
func (w *CollectionWrapper) Collection() *storage.Collection { return w.col }

func (w *CollectionWrapper) Kind() Kind         { return KindCollection }
func (w *CollectionWrapper) Path() string       { return w.col.Path }
func (w *CollectionWrapper) ParentPath() string { return w.col.ParentPath }
func (w *CollectionWrapper) Owner() string      { return w.col.Owner }
func (w *CollectionWrapper) ACL() string        { return w.col.ACL }
func (w *CollectionWrapper) shareable()         {}

// CachedAccess returns a memoized decision for desired.
func (w *CollectionWrapper) CachedAccess(desired Privilege) (*CurrentAccess, bool) {
	ca, ok := w.access[desired]
	return ca, ok
}

func (w *CollectionWrapper) remember(desired Privilege, ca *CurrentAccess) {
	if w.access == nil {
		w.access = make(map[Privilege]*CurrentAccess)
	}
	w.access[desired] = ca
}

// ClearAccess forgets every memoized decision and the resolved alias
// target.
func (w *CollectionWrapper) ClearAccess() {
	w.access = nil
	w.aliasTarget = nil
	w.aliasResolved = false
}

// AliasTarget returns the cached resolved target of an alias.
func (w *CollectionWrapper) AliasTarget() (*CollectionWrapper, bool) {
	return w.aliasTarget, w.aliasResolved
}

// SetAliasTarget caches the resolved target; nil records a broken alias.
func (w *CollectionWrapper) SetAliasTarget(t *CollectionWrapper) {
	w.aliasTarget = t
	w.aliasResolved = true
}

// Resource is a non-collection shareable entity. Events name their
// collection as parent; categories, locations and contacts have none.
type Resource struct {
	EntityKind Kind
	Href       string
	Parent     string
	OwnerHref  string
	Acl        string
}

// EventResource describes an event for access checks.
func EventResource(ev *storage.Event, colOwner string) *Resource {
	owner := ev.Owner
	if owner == "" {
		owner = colOwner
	}
	return &Resource{
		EntityKind: KindEvent,
		Href:       ev.Href(),
		Parent:     ev.ColPath,
		OwnerHref:  owner,
	}
}

func (r *Resource) Kind() Kind         { return r.EntityKind }
func (r *Resource) Path() string       { return r.Href }
func (r *Resource) ParentPath() string { return r.Parent }
func (r *Resource) Owner() string      { return r.OwnerHref }
func (r *Resource) ACL() string        { return r.Acl }
func (r *Resource) shareable()         {}
