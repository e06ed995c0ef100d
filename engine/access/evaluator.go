package access

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/storage"
)

// OwnerScope is the synthetic path under which an owner's default access is
// merged for entities that have no container.
const OwnerScope = "/owner"

// maxChainDepth bounds the parent walk against corrupt parent links.
const maxChainDepth = 256

// CollectionGetter fetches collections while walking up the tree.
type CollectionGetter interface {
	GetCollection(ctx context.Context, path string) (*storage.Collection, error)
}

// CurrentAccess is the decision for one entity and desired privilege.
type CurrentAccess struct {
	Allowed    bool
	Privileges PrivilegeSet
	Desired    Privilege
	// Acl is the merged ACL the decision was taken from; nil for synthetic
	// decisions.
	Acl *Acl
}

// Evaluator decides what one principal may do. A nil principal is
// unauthenticated.
type Evaluator struct {
	dir       Directory
	parents   CollectionGetter
	principal *Principal
	homeMax   PrivilegeSet
	logger    *slog.Logger
}

// Option represents a configuration option for the Evaluator
type Option func(*Evaluator)

// WithLogger sets the logger for the evaluator
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithUserHomeMaxPrivileges sets the ceiling applied to home collections.
func WithUserHomeMaxPrivileges(ceiling PrivilegeSet) Option {
	return func(e *Evaluator) {
		e.homeMax = ceiling
	}
}

// NewEvaluator creates an evaluator acting for principal.
func NewEvaluator(dir Directory, parents CollectionGetter, principal *Principal, opts ...Option) *Evaluator {
	e := &Evaluator{
		dir:       dir,
		parents:   parents,
		principal: principal,
		homeMax:   FullSet(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Principal returns the acting principal.
func (e *Evaluator) Principal() *Principal { return e.principal }

// Superuser reports whether the acting principal bypasses ACLs.
func (e *Evaluator) Superuser() bool { return e.principal != nil && e.principal.Superuser }

// Evaluate decides whether the acting principal holds desired on ent. When
// access is refused it fails with AccessDenied unless returnResult is set,
// in which case the non-allowed decision is returned.
func (e *Evaluator) Evaluate(ctx context.Context, ent Shareable, desired Privilege, returnResult bool) (*CurrentAccess, error) {
	w, isCol := ent.(*CollectionWrapper)
	if isCol {
		if ca, ok := w.CachedAccess(desired); ok {
			return e.finish(ca, ent, returnResult)
		}
	}
	ca, err := e.compute(ctx, ent, desired, returnResult)
	if err != nil {
		return nil, err
	}
	if isCol {
		w.remember(desired, ca)
	}
	return e.finish(ca, ent, returnResult)
}

// CheckAccess is Evaluate reduced to a boolean; errors count as refusal.
func (e *Evaluator) CheckAccess(ctx context.Context, ent Shareable, desired Privilege) bool {
	ca, err := e.Evaluate(ctx, ent, desired, true)
	return err == nil && ca.Allowed
}

// CurrentUserPrivileges lists what the acting principal may do on ent.
func (e *Evaluator) CurrentUserPrivileges(ctx context.Context, ent Shareable) ([]string, error) {
	ca, err := e.Evaluate(ctx, ent, PrivAny, true)
	if err != nil {
		return nil, err
	}
	if e.Superuser() {
		return FullSet().Names(), nil
	}
	return ca.Privileges.Names(), nil
}

func (e *Evaluator) finish(ca *CurrentAccess, ent Shareable, returnResult bool) (*CurrentAccess, error) {
	if ca.Allowed || returnResult {
		return ca, nil
	}
	who := "unauthenticated"
	if e.principal != nil {
		who = e.principal.Href
	}
	return nil, apperr.AccessDenied(ent.Path(), "%s lacks %s", who, ca.Desired)
}

func (e *Evaluator) compute(ctx context.Context, ent Shareable, desired Privilege, returnResult bool) (*CurrentAccess, error) {
	ca := &CurrentAccess{Desired: desired}
	superuser := e.Superuser()
	path := storage.Normalize(ent.Path())
	userRoot := e.dir.UserRoot()

	if ent.Kind() == KindCollection && path == userRoot {
		ca.Privileges = NewSet(PrivRead).Resolve(false)
		if superuser {
			ca.Privileges = FullSet()
		}
		ca.Allowed = superuser || ca.Privileges.Allows(desired)
		return ca, nil
	}

	owner, err := e.dir.GetPrincipal(ctx, ent.Owner())
	if err != nil {
		if returnResult {
			e.logger.Warn("owner lookup failed, denying", "path", path, "owner", ent.Owner(), "error", err)
			ca.Allowed = superuser
			return ca, nil
		}
		return nil, fmt.Errorf("owner of %s: %w", path, err)
	}
	isOwner := e.principal != nil && e.principal.Href == owner.Href

	acl, err := e.mergedACL(ctx, ent, owner)
	if err != nil {
		return nil, err
	}
	ca.Acl = acl

	privs := e.privilegesFor(acl, isOwner)
	if ent.Kind() == KindCollection && storage.Parent(path) == userRoot {
		if isOwner {
			privs = e.homeMax.Resolve(false)
		} else {
			privs = privs.Intersect(e.homeMax)
		}
	}
	if e.principal != nil && e.principal.MaxPrivileges != nil {
		privs = privs.Intersect(*e.principal.MaxPrivileges)
	}
	ca.Privileges = privs
	ca.Allowed = superuser || privs.Allows(desired)
	return ca, nil
}

// mergedACL picks the inheritance strategy by kind: containers for
// collections and events, the owner's default access for the rest.
func (e *Evaluator) mergedACL(ctx context.Context, ent Shareable, owner *Principal) (*Acl, error) {
	leaf, err := DecodeACL(ent.ACL())
	if err != nil {
		e.logger.Error("malformed acl", "path", ent.Path(), "error", err)
		return nil, err
	}
	switch ent.Kind() {
	case KindCollection, KindEvent:
		levels, err := e.containerLevels(ctx, ent)
		if err != nil {
			return nil, err
		}
		return Merge(append(levels, Level{Path: ent.Path(), Acl: leaf})...), nil
	default:
		def, err := DecodeACL(owner.DefaultAccess[ent.Kind()])
		if err != nil {
			e.logger.Error("malformed default access", "owner", owner.Href, "kind", ent.Kind(), "error", err)
			return nil, err
		}
		return Merge(Level{Path: OwnerScope, Acl: def}, Level{Path: ent.Path(), Acl: leaf}), nil
	}
}

func (e *Evaluator) containerLevels(ctx context.Context, ent Shareable) ([]Level, error) {
	var levels []Level
	rootPath, rootACL := ent.Path(), ent.ACL()
	parent := ent.ParentPath()
	for depth := 0; parent != ""; depth++ {
		if depth > maxChainDepth {
			return nil, apperr.Config(nil, "parent chain of %s too deep", ent.Path())
		}
		col, err := e.parents.GetCollection(ctx, parent)
		if err != nil {
			return nil, fmt.Errorf("ancestor %s: %w", parent, err)
		}
		acl, err := DecodeACL(col.ACL)
		if err != nil {
			e.logger.Error("malformed acl", "path", col.Path, "error", err)
			return nil, err
		}
		levels = append(levels, Level{Path: col.Path, Acl: acl})
		rootPath, rootACL = col.Path, col.ACL
		parent = col.ParentPath
	}
	if strings.TrimSpace(rootACL) == "" {
		if !e.Superuser() {
			e.logger.Error("no acl at hierarchy root", "root", rootPath)
			return nil, apperr.Config(nil, "no acl at hierarchy root %s", rootPath)
		}
		e.logger.Warn("no acl at hierarchy root, using default access", "root", rootPath)
	}
	slices.Reverse(levels)
	return levels, nil
}

// privilegesFor applies the first matching class of entry: owner, then the
// principal itself, its groups, (un)authenticated, other. An "all" entry
// fills whatever the match left open; the rest falls back to owner-allowed,
// everyone-else-denied.
func (e *Evaluator) privilegesFor(acl *Acl, isOwner bool) PrivilegeSet {
	var ps PrivilegeSet
	if isOwner {
		if ace, ok := acl.Find(Who{Type: WhoOwner}); ok {
			ps = ace.Privs
		}
		if ace, ok := acl.Find(User(e.principal.Href)); ok {
			ps = ps.Overlay(ace.Privs)
		}
		return ps.Resolve(true)
	}

	matched := false
	if p := e.principal; p != nil {
		if ace, ok := acl.Find(User(p.Href)); ok {
			ps, matched = ace.Privs, true
		}
		if !matched {
			for _, g := range p.Groups {
				if ace, ok := acl.Find(User(g)); ok {
					ps, matched = ps.Union(ace.Privs), true
				}
			}
		}
		if !matched {
			if ace, ok := acl.Find(Who{Type: WhoAuthenticated}); ok {
				ps, matched = ace.Privs, true
			}
		}
	} else if ace, ok := acl.Find(Who{Type: WhoUnauthenticated}); ok {
		ps, matched = ace.Privs, true
	}
	if !matched {
		if ace, ok := acl.Find(Who{Type: WhoOther}); ok {
			ps = ace.Privs
		}
	}
	if ace, ok := acl.Find(Who{Type: WhoAll}); ok {
		ps = ace.Privs.Overlay(ps)
	}
	return ps.Resolve(false)
}
