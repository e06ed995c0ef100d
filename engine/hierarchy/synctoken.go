package hierarchy

import (
	"context"

	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/storage"
)

// SyncToken returns the greatest lastmod tag of path and every readable
// descendant, tombstones included so deletions move the token.
func (m *Manager) SyncToken(ctx context.Context, path string) (string, error) {
	root, err := m.MustGet(ctx, path, access.PrivRead)
	if err != nil {
		return "", err
	}
	target := storage.Normalize(root.Path())
	token := root.Collection().Lastmod.Tag()

	err = m.walk(ctx, root, func(w *access.CollectionWrapper) bool {
		col := w.Collection()
		// Children are listed by parent path, but a prefix match alone would
		// let /a/xxx into the token of /a/x.
		if !storage.IsDescendant(col.Path, target) {
			return false
		}
		if !m.env.Access().CheckAccess(ctx, w, access.PrivRead) {
			return false
		}
		if tag := col.Lastmod.Tag(); tag > token {
			token = tag
		}
		return true
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Tree lists the live collections under path that the acting principal can
// read, parents before children.
func (m *Manager) Tree(ctx context.Context, path string) ([]*storage.Collection, error) {
	root, err := m.MustGet(ctx, path, access.PrivRead)
	if err != nil {
		return nil, err
	}
	out := []*storage.Collection{root.Collection().Clone()}
	err = m.walk(ctx, root, func(w *access.CollectionWrapper) bool {
		if w.Collection().Tombstoned || !m.env.Access().CheckAccess(ctx, w, access.PrivRead) {
			return false
		}
		out = append(out, w.Collection().Clone())
		return true
	})
	return out, err
}

// walk visits the descendants of root depth-first. visit returns whether to
// descend into the node.
func (m *Manager) walk(ctx context.Context, root *access.CollectionWrapper, visit func(*access.CollectionWrapper) bool) error {
	children, err := m.children(ctx, root.Path())
	if err != nil {
		return err
	}
	for _, w := range children {
		if !visit(w) {
			continue
		}
		if err := m.walk(ctx, w, visit); err != nil {
			return err
		}
	}
	return nil
}
