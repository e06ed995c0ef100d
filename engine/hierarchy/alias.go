package hierarchy

import (
	"context"
	"slices"
	"strings"

	"github.com/samber/mo"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
)

// ResolveAlias follows w to the collection it references. Non-alias
// collections resolve to themselves. With resolveSubAlias the whole chain is
// followed; otherwise only one hop. freeBusy resolves at read-free-busy
// rather than read.
//
// A chain that revisits a path disables the alias that closes the loop. A
// missing or inaccessible target disables the alias only when it is unsaved
// or owned by the acting principal.
func (m *Manager) ResolveAlias(ctx context.Context, w *access.CollectionWrapper, resolveSubAlias, freeBusy bool) mo.Result[*access.CollectionWrapper] {
	desired := access.PrivRead
	if freeBusy {
		desired = access.PrivReadFreeBusy
	}
	return m.resolve(ctx, w, resolveSubAlias, desired, nil)
}

// resolve carries the visited paths as a plain accumulator.
func (m *Manager) resolve(ctx context.Context, w *access.CollectionWrapper, sub bool, desired access.Privilege, visited []string) mo.Result[*access.CollectionWrapper] {
	col := w.Collection()
	if !col.IsAlias() {
		return mo.Ok(w)
	}
	if slices.Contains(visited, col.Path) {
		m.env.Logger().Warn("alias cycle", "path", col.Path, "chain", strings.Join(visited, " -> "))
		m.disable(ctx, w)
		return mo.Err[*access.CollectionWrapper](
			apperr.Structural(apperr.AliasCycle, col.Path, "alias chain %s loops", strings.Join(append(visited, col.Path), " -> ")))
	}
	visited = append(visited, col.Path)
	if col.Disabled {
		return mo.Err[*access.CollectionWrapper](apperr.NotFound(col.Path, "alias is disabled"))
	}

	target, cached := w.AliasTarget()
	if cached && target != nil {
		// The remembered target is only good while it is still the cached
		// copy of its path; a rewrite of the target replaces the wrapper.
		cur, ok := m.env.Cache().Get(ctx, target.Path()).Get()
		cached = ok && cur == target
	}
	if !cached || target == nil {
		t, err := m.fetchTarget(ctx, col.AliasPath)
		if err != nil {
			return m.broken(ctx, w, err)
		}
		target = t
		w.SetAliasTarget(target)
	}

	ca, err := m.env.Access().Evaluate(ctx, target, desired, true)
	if err != nil {
		return mo.Err[*access.CollectionWrapper](err)
	}
	if !ca.Allowed {
		return m.broken(ctx, w, apperr.AccessDenied(target.Path(), "alias target not accessible"))
	}

	if sub && target.Collection().IsAlias() {
		return m.resolve(ctx, target, sub, desired, visited)
	}
	return mo.Ok(target)
}

// broken reports an unusable target. Only the acting principal's own or
// unsaved aliases are disabled; other users' aliases are left untouched.
func (m *Manager) broken(ctx context.Context, w *access.CollectionWrapper, cause error) mo.Result[*access.CollectionWrapper] {
	col := w.Collection()
	m.env.Logger().Warn("alias target unavailable", "path", col.Path, "target", col.AliasPath, "error", cause)
	if col.Lastmod.IsZero() || col.Owner == m.env.PrincipalHref() {
		m.disable(ctx, w)
	}
	return mo.Err[*access.CollectionWrapper](cause)
}

func (m *Manager) fetchTarget(ctx context.Context, path string) (*access.CollectionWrapper, error) {
	if path == "" {
		return nil, apperr.NotFound("", "alias has no target")
	}
	w, err := m.env.Wrapped(ctx, path)
	if err != nil {
		return nil, err
	}
	if w.Collection().Tombstoned {
		return nil, apperr.NotFound(path, "alias target deleted")
	}
	return w, nil
}

// disable flags the alias and persists the flag when the alias is saved.
func (m *Manager) disable(ctx context.Context, w *access.CollectionWrapper) {
	col := w.Collection()
	if col.Disabled {
		return
	}
	if col.Lastmod.IsZero() {
		col.Disabled = true
		return
	}
	upd := col.Clone()
	upd.Disabled = true
	if err := m.save(ctx, upd); err != nil {
		m.env.Logger().Error("failed to disable alias", "path", col.Path, "error", err)
		return
	}
	col.Disabled = true
	m.env.IndexCollection(upd, false)
}
