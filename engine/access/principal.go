package access

import (
	"context"
	"sort"
	"sync"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/storage"
)

// Kind is the kind of a shareable entity.
type Kind int

const (
	KindCollection Kind = iota
	KindEvent
	KindCategory
	KindLocation
	KindContact
)

func (k Kind) String() string {
	switch k {
	case KindCollection:
		return "collection"
	case KindEvent:
		return "event"
	case KindCategory:
		return "category"
	case KindLocation:
		return "location"
	case KindContact:
		return "contact"
	default:
		return "unknown"
	}
}

// Principal is a user or group known to the directory.
type Principal struct {
	Href    string
	Account string
	Groups  []string

	Superuser bool

	// DefaultAccess holds, per owned entity kind, the encoded ACL that stands
	// in for a container when the entity has none.
	DefaultAccess map[Kind]string

	// MaxPrivileges caps whatever an ACL grants this principal. Nil means no
	// cap.
	MaxPrivileges *PrivilegeSet
}

// IsGroup reports whether the principal is a group.
func (p *Principal) IsGroup() bool {
	return p != nil && User(p.Href).Type == WhoGroup
}

// Directory resolves principals and their homes.
type Directory interface {
	// GetPrincipal returns the principal for href or a NotFound error.
	GetPrincipal(ctx context.Context, href string) (*Principal, error)
	// HomePath returns the calendar home of p.
	HomePath(p *Principal) string
	// UserRoot is the collection that holds every home.
	UserRoot() string
}

// StaticDirectory is a fixed, in-memory Directory.
type StaticDirectory struct {
	mu         sync.RWMutex
	userRoot   string
	principals map[string]*Principal
}

// NewStaticDirectory creates a directory with the given principals.
func NewStaticDirectory(userRoot string, principals ...*Principal) *StaticDirectory {
	d := &StaticDirectory{
		userRoot:   storage.Normalize(userRoot),
		principals: make(map[string]*Principal),
	}
	for _, p := range principals {
		d.Add(p)
	}
	return d
}

// Add registers or replaces a principal.
func (d *StaticDirectory) Add(p *Principal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.principals[p.Href] = p
}

func (d *StaticDirectory) GetPrincipal(_ context.Context, href string) (*Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.principals[href]
	if !ok {
		return nil, apperr.NotFound(href, "unknown principal")
	}
	return p, nil
}

func (d *StaticDirectory) HomePath(p *Principal) string {
	return storage.Join(d.userRoot, p.Account)
}

func (d *StaticDirectory) UserRoot() string { return d.userRoot }

// Principals lists every registered user principal ordered by href.
func (d *StaticDirectory) Principals() []*Principal {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Principal, 0, len(d.principals))
	for _, p := range d.principals {
		if !p.IsGroup() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Href < out[j].Href })
	return out
}
