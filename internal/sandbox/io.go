package sandbox

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"buildguard/internal/fspath"
)

// Open opens name for reading after CheckRead.
func Open(ctx context.Context, name string) (*os.File, error) {
	s, err := activeFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.CheckRead(name); err != nil {
		return nil, err
	}
	return os.Open(name)
}

// ReadFile reads name after CheckRead.
func ReadFile(ctx context.Context, name string) ([]byte, error) {
	s, err := activeFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.CheckRead(name); err != nil {
		return nil, err
	}
	return os.ReadFile(name)
}

// ReadDir lists name after CheckRead.
func ReadDir(ctx context.Context, name string) ([]os.DirEntry, error) {
	s, err := activeFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.CheckRead(name); err != nil {
		return nil, err
	}
	return os.ReadDir(name)
}

// Stat returns file info for name after CheckRead.
func Stat(ctx context.Context, name string) (fs.FileInfo, error) {
	s, err := activeFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.CheckRead(name); err != nil {
		return nil, err
	}
	return os.Stat(name)
}

// Create creates or truncates name after CheckAndRecordWrite.
func Create(ctx context.Context, name string) (*os.File, error) {
	s, err := activeFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.CheckAndRecordWrite(name); err != nil {
		return nil, err
	}
	return os.Create(name)
}

// WriteFile writes data to name after CheckAndRecordWrite.
func WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error {
	s, err := activeFrom(ctx)
	if err != nil {
		return err
	}
	if err := s.CheckAndRecordWrite(name); err != nil {
		return err
	}
	return os.WriteFile(name, data, perm)
}

// MkdirAll creates path and any missing parents. Each directory that has
// to be created is checked and recorded as a write; existing ones are not.
// Missing ancestors of a declared output or temporary root are created
// without being recorded.
func MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	s, err := activeFrom(ctx)
	if err != nil {
		return err
	}
	p, err := fspath.Normalize(path)
	if err != nil {
		return err
	}

	var missing []string
	for dir := p; ; dir = filepath.Dir(dir) {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return &fs.PathError{Op: "mkdir", Path: dir, Err: errors.New("not a directory")}
			}
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		missing = append(missing, dir)
		if filepath.Dir(dir) == dir {
			break
		}
	}
	for i := len(missing) - 1; i >= 0; i-- {
		dir := missing[i]
		if s.rootAncestor(dir) {
			if err := s.active(); err != nil {
				return err
			}
		} else if err := s.CheckAndRecordWrite(dir); err != nil {
			return err
		}
		if err := os.Mkdir(dir, perm); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

// Remove deletes name. Deleting is a write and is checked like one; once
// the file is gone it is no longer reported among the writes.
func Remove(ctx context.Context, name string) error {
	s, err := activeFrom(ctx)
	if err != nil {
		return err
	}
	if err := s.CheckAndRecordWrite(name); err != nil {
		return err
	}
	if err := os.Remove(name); err != nil {
		return err
	}
	s.forget(name)
	return nil
}

// Command returns an *exec.Cmd for name after CheckExec. The command starts
// with an empty environment; add declared properties read with Getenv.
func Command(ctx context.Context, name string, args ...string) (*exec.Cmd, error) {
	s, err := activeFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.CheckExec(name); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = []string{}
	return cmd, nil
}

// Getenv returns the value of property key and records the read.
func Getenv(ctx context.Context, key string) (string, error) {
	v, _, err := LookupEnv(ctx, key)
	return v, err
}

// LookupEnv is like Getenv and also reports whether key is set.
func LookupEnv(ctx context.Context, key string) (string, bool, error) {
	s, err := activeFrom(ctx)
	if err != nil {
		return "", false, err
	}
	if err := s.CheckAndRecordProperty(PropertyRead, key); err != nil {
		return "", false, err
	}
	v, ok := s.Property(key)
	return v, ok, nil
}

// Setenv sets property key in the sandbox's property source.
func Setenv(ctx context.Context, key, value string) error {
	s, err := activeFrom(ctx)
	if err != nil {
		return err
	}
	if err := s.CheckAndRecordProperty(PropertyWrite, key); err != nil {
		return err
	}
	s.setProperty(key, value)
	return nil
}

// Dial connects to address after CheckSocket.
func Dial(ctx context.Context, network, address string) (net.Conn, error) {
	s, err := activeFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.CheckSocket(address); err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}
