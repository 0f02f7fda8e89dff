package undo

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"syscall"

	"buildguard/internal/recovery/state"
)

// Result describes a recovery pass.
type Result struct {
	// Recovered is true when a log was found, meaning the previous run
	// terminated before persisting its state.
	Recovered bool
	// Deleted lists the recorded paths that were removed, in removal order.
	Deleted []string
}

// Recover deletes every path recorded in the log at path and then the log
// itself. It is a no-op when no log exists. Directories are removed only
// when empty; a path that no longer exists is skipped.
//
// The caller must invalidate the prior execution state before calling
// Recover, so that a crash during recovery repeats it on the next run.
func Recover(path string, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ok, err := Exists(path)
	if err != nil || !ok {
		return Result{}, err
	}
	records, err := Read(path)
	if err != nil {
		return Result{}, err
	}

	// Reverse lexical order visits children before their parent directory.
	targets := slices.Clone(records)
	slices.Sort(targets)
	targets = slices.Compact(targets)
	slices.Reverse(targets)

	res := Result{Recovered: true}
	for _, target := range targets {
		err := os.Remove(target)
		switch {
		case err == nil:
			logger.Info("crash recovery deleted output", "path", target)
			res.Deleted = append(res.Deleted, target)
		case errors.Is(err, fs.ErrNotExist):
		case errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST):
			logger.Debug("crash recovery kept non-empty directory", "path", target)
		default:
			return res, &state.CrashRecoveryError{Path: target, Cause: err}
		}
	}

	if err := remove(path); err != nil {
		return res, &state.CrashRecoveryError{Path: path, Cause: err}
	}
	logger.Info("crash recovery complete", "log", path, "deleted", len(res.Deleted))
	return res, nil
}
