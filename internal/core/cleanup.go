package core

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"syscall"

	"buildguard/internal/fspath"
	"buildguard/internal/recovery/state"
)

// deleteObsolete removes the outputs of the previous run before the body
// runs again. Paths matched by track are kept; they are inputs as much as
// outputs. Paths go in reverse lexical order so that files are removed
// before their directories, and directories only when empty.
func deleteObsolete(paths, track []string, logger *slog.Logger) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	keep, err := fspath.NewMatcher(track, nil)
	if err != nil {
		return nil, &state.ConfigurationError{Code: "InvalidReadAndTrack", Message: err.Error(), Cause: err}
	}
	ordered := slices.Clone(paths)
	slices.Sort(ordered)
	slices.Reverse(ordered)

	var deleted []string
	for _, p := range ordered {
		if keep.Match(p) {
			continue
		}
		removed, err := removeIfEmpty(p)
		if err != nil {
			return deleted, &state.PersistenceError{Op: "delete", Path: p, Cause: err}
		}
		if removed {
			logger.Debug("deleted obsolete output", "path", p)
			deleted = append(deleted, p)
		}
	}
	return deleted, nil
}

// removeTemps deletes files written to temporary locations. Failures are
// logged; a leftover temp file never affects the next decision.
func removeTemps(paths []string, logger *slog.Logger) {
	ordered := slices.Clone(paths)
	slices.Sort(ordered)
	slices.Reverse(ordered)
	for _, p := range ordered {
		if _, err := removeIfEmpty(p); err != nil {
			logger.Warn("removing temporary file failed", "path", p, "error", err)
		}
	}
}

// removeIfEmpty removes p, leaving non-empty directories in place.
// It reports whether something was removed.
func removeIfEmpty(p string) (bool, error) {
	err := os.Remove(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case errors.Is(err, syscall.ENOTEMPTY), errors.Is(err, syscall.EEXIST):
		return false, nil
	}
	return false, err
}
