package digest

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"buildguard/internal/fspath"
)

// LocalPaths returns the normalized local files and directory roots that
// inputs refer to: file and directory paths, artifact locations and the
// files backing file and archive resources. The result is sorted and free
// of duplicates. Remote resources contribute nothing.
func LocalPaths(baseDir string, inputs InputSet) ([]string, error) {
	var out []string
	var walk func(Value) error
	add := func(raw string) error {
		p, err := fspath.NormalizeUnder(baseDir, raw)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	}
	walk = func(value Value) error {
		switch val := value.(type) {
		case nil, String:
			return nil
		case File:
			return add(val.Path)
		case Directory:
			return add(val.Path)
		case Artifact:
			if val.Location == "" {
				return nil
			}
			return add(val.Location)
		case Resource:
			if p, ok := resourceLocalPath(val.URL); ok {
				return add(p)
			}
			return nil
		case List:
			for _, item := range val {
				if err := walk(item); err != nil {
					return err
				}
			}
			return nil
		case Map:
			for _, k := range slices.Sorted(maps.Keys(val)) {
				if err := walk(val[k]); err != nil {
					return err
				}
			}
			return nil
		default:
			return fmt.Errorf("unsupported input value %T", value)
		}
	}

	for _, name := range slices.Sorted(maps.Keys(inputs)) {
		if err := walk(inputs[name]); err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// resourceLocalPath returns the on-disk file behind a file: or jar:file:
// resource URL.
func resourceLocalPath(raw string) (string, bool) {
	if rest, ok := strings.CutPrefix(raw, "jar:"); ok {
		raw, _, _ = strings.Cut(rest, "!/")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", false
	}
	return u.Path, true
}
