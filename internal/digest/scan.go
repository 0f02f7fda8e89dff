package digest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/gobwas/glob"
)

// PatternError reports an include or exclude pattern that does not compile.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %v", e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

type selector struct {
	includes []glob.Glob
	excludes []glob.Glob
}

func newSelector(includes, excludes []string) (*selector, error) {
	s := &selector{}
	for _, p := range includes {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, &PatternError{Pattern: p, Err: err}
		}
		s.includes = append(s.includes, g)
	}
	for _, p := range excludes {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, &PatternError{Pattern: p, Err: err}
		}
		s.excludes = append(s.excludes, g)
	}
	return s, nil
}

// selected reports whether rel (slash separated, relative to the root)
// passes the include and exclude patterns.
func (s *selector) selected(rel string) bool {
	included := len(s.includes) == 0
	for _, g := range s.includes {
		if g.Match(rel) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, g := range s.excludes {
		if g.Match(rel) {
			return false
		}
	}
	return true
}

// SelectFiles walks root and returns every regular file selected by the
// patterns, sorted lexicographically. A missing root selects nothing.
// Symlinked directories are not followed.
func SelectFiles(root string, includes, excludes []string) ([]string, error) {
	sel, err := newSelector(includes, excludes)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if sel.selected(filepath.ToSlash(rel)) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	// WalkDir is lexical per directory; sort anyway so the order never
	// depends on the walk implementation.
	slices.Sort(files)
	return files, nil
}
