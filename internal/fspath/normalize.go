package fspath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmptyPath is returned when an empty string is given as a path.
var ErrEmptyPath = errors.New("fspath: empty path")

// Normalize returns the absolute, symlink-resolved form of path.
//
// The path does not need to exist. Symlinks are resolved on the longest
// prefix that does exist and the remaining (not yet created) components
// are appended unchanged, so a file normalizes to the same string before
// and after it is created.
func Normalize(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if strings.ContainsRune(path, '\x00') {
		return "", fmt.Errorf("fspath: path %q contains a null byte", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("fspath: resolving %q: %w", path, err)
	}
	return resolveExisting(filepath.Clean(abs))
}

// NormalizeUnder is Normalize with relative paths resolved against base
// instead of the process working directory.
func NormalizeUnder(base, path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if !filepath.IsAbs(path) && base != "" {
		path = filepath.Join(base, path)
	}
	return Normalize(path)
}

// NormalizeAll normalizes every path in paths, preserving order.
func NormalizeAll(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		n, err := Normalize(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of
// clean and re-attaches the missing tail.
func resolveExisting(clean string) (string, error) {
	var tail []string
	cur := clean
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscallENOTDIR) {
			return "", fmt.Errorf("fspath: resolving symlinks in %q: %w", cur, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Nothing on the way to the root exists; keep the cleaned form.
			return clean, nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

// Within reports whether path is root itself or lies underneath it. Both
// arguments must already be normalized.
func Within(root, path string) bool {
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
