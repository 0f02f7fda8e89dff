//go:build !unix

package state

import (
	"context"
	"os"
	"path/filepath"
)

// Lock is a placeholder on platforms without flock(2). Callers are
// expected to serialize runs against one state file themselves.
type Lock struct {
	f *os.File
}

func (s *Store) Lock(ctx context.Context) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.LockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &PersistenceError{Op: "lock", Path: path, Cause: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &PersistenceError{Op: "lock", Path: path, Cause: err}
	}
	return &Lock{f: f}, nil
}

func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
