package storage

import "strings"

// Separator delimits path segments.
const Separator = "/"

// Normalize strips trailing separators; the root stays "/".
func Normalize(path string) string {
	if path == "" {
		return ""
	}
	trimmed := strings.TrimRight(path, Separator)
	if trimmed == "" {
		return Separator
	}
	return trimmed
}

// Join appends name to a collection path.
func Join(parent, name string) string {
	parent = Normalize(parent)
	if parent == "" || parent == Separator {
		return Separator + name
	}
	return parent + Separator + name
}

// Parent returns the parent path, "" for top-level paths.
func Parent(path string) string {
	path = Normalize(path)
	i := strings.LastIndex(path, Separator)
	if i <= 0 {
		return ""
	}
	return path[:i]
}

// Base returns the last path segment.
func Base(path string) string {
	path = Normalize(path)
	return path[strings.LastIndex(path, Separator)+1:]
}

// IsDescendant reports whether path equals root or lies beneath it. The
// comparison respects segment boundaries: /a/xxx is not under /a/x.
func IsDescendant(path, root string) bool {
	path = Normalize(path)
	root = Normalize(root)
	if path == root {
		return true
	}
	if root == Separator {
		return strings.HasPrefix(path, Separator)
	}
	return strings.HasPrefix(path, root+Separator)
}

// IsStrictDescendant reports whether path lies beneath root and differs from
// it.
func IsStrictDescendant(path, root string) bool {
	return Normalize(path) != Normalize(root) && IsDescendant(path, root)
}

// Rebase moves path from under oldRoot to under newRoot. Paths outside
// oldRoot are returned unchanged.
func Rebase(path, oldRoot, newRoot string) string {
	if !IsDescendant(path, oldRoot) {
		return path
	}
	rest := strings.TrimPrefix(Normalize(path), Normalize(oldRoot))
	return Normalize(newRoot) + rest
}

// Depth counts path segments.
func Depth(path string) int {
	path = strings.Trim(path, Separator)
	if path == "" {
		return 0
	}
	return strings.Count(path, Separator) + 1
}
