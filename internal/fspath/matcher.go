package fspath

import (
	"fmt"
	"slices"
)

// Matcher is an immutable include/exclude path set.
//
// Each entry is either an exact path or a rooted prefix: an entry matches
// itself and everything underneath it. A candidate path matches iff it
// matches some include and no exclude.
type Matcher struct {
	includes []string
	excludes []string
}

// NewMatcher normalizes includes and excludes and returns the resulting
// Matcher. Duplicate entries are collapsed.
func NewMatcher(includes, excludes []string) (*Matcher, error) {
	inc, err := normalizeSet(includes)
	if err != nil {
		return nil, fmt.Errorf("fspath: include: %w", err)
	}
	exc, err := normalizeSet(excludes)
	if err != nil {
		return nil, fmt.Errorf("fspath: exclude: %w", err)
	}
	return &Matcher{includes: inc, excludes: exc}, nil
}

// Match reports whether the normalized path is covered by the matcher. A
// nil Matcher matches nothing.
func (m *Matcher) Match(path string) bool {
	if m == nil {
		return false
	}
	included := false
	for _, inc := range m.includes {
		if Within(inc, path) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, exc := range m.excludes {
		if Within(exc, path) {
			return false
		}
	}
	return true
}

// Includes returns a copy of the normalized include entries, sorted.
func (m *Matcher) Includes() []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.includes)
}

// Excludes returns a copy of the normalized exclude entries, sorted.
func (m *Matcher) Excludes() []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.excludes)
}

// Empty reports whether the matcher has no includes and therefore matches
// nothing.
func (m *Matcher) Empty() bool {
	return m == nil || len(m.includes) == 0
}

// WithExcludes returns a new Matcher that additionally excludes the given
// already-normalized entries. The receiver is not modified.
func (m *Matcher) WithExcludes(extra ...string) *Matcher {
	if m == nil {
		return nil
	}
	exc := append(slices.Clone(m.excludes), extra...)
	slices.Sort(exc)
	return &Matcher{includes: slices.Clone(m.includes), excludes: slices.Compact(exc)}
}

func normalizeSet(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		n, err := Normalize(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
