// Package undo implements the write-ahead log that makes builder outputs
// crash safe.
//
// Every path a builder is about to write is appended to the log and synced
// to stable storage before the write is permitted. The log is deleted only
// after the new execution state has been persisted, so its presence at the
// start of a run means the previous run died mid-write.
//
// Format: one JSON string per line, each line terminated by '\n'. A final
// line without a terminator is a record torn by the crash and is ignored.
package undo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"buildguard/internal/recovery/state"
)

// Log appends undo records to one file. The file is created lazily on the
// first Append. A Log is safe for concurrent use.
type Log struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func New(path string) *Log {
	return &Log{path: path}
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append durably records that target is about to be written. The caller
// must not write target if Append fails.
func (l *Log) Append(target string) error {
	record, err := json.Marshal(target)
	if err != nil {
		return &state.PersistenceError{Op: "append", Path: l.path, Cause: err}
	}
	record = append(record, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		if err := l.openLocked(); err != nil {
			return &state.PersistenceError{Op: "create", Path: l.path, Cause: err}
		}
	}
	if _, err := l.f.Write(record); err != nil {
		return &state.PersistenceError{Op: "append", Path: l.path, Cause: err}
	}
	if err := datasync(l.f); err != nil {
		return &state.PersistenceError{Op: "sync", Path: l.path, Cause: err}
	}
	return nil
}

func (l *Log) openLocked() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	// The directory entry must be durable before the first protected write.
	if err := state.SyncDir(dir); err != nil {
		_ = f.Close()
		return err
	}
	l.f = f
	return nil
}

// Close closes the log file without deleting it.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Remove closes and deletes the log. Call it only after the execution
// state has been persisted.
func (l *Log) Remove() error {
	if err := l.Close(); err != nil {
		return &state.PersistenceError{Op: "close", Path: l.path, Cause: err}
	}
	return remove(l.path)
}

func remove(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &state.PersistenceError{Op: "remove", Path: path, Cause: err}
	}
	if err := state.SyncDir(filepath.Dir(path)); err != nil {
		return &state.PersistenceError{Op: "sync", Path: filepath.Dir(path), Cause: err}
	}
	return nil
}

// Exists reports whether an undo log is present at path.
func Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &state.CrashRecoveryError{Path: path, Cause: err}
}

// Read returns the records in the log at path, in append order. A torn
// trailing record is dropped; any other malformed record is an error.
func Read(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &state.CrashRecoveryError{Path: path, Cause: err}
	}
	var records []string
	line := 1
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		var target string
		if err := json.Unmarshal(data[:i], &target); err != nil {
			return nil, &state.CrashRecoveryError{Path: path, Cause: fmt.Errorf("record %d: %w", line, err)}
		}
		if target == "" {
			return nil, &state.CrashRecoveryError{Path: path, Cause: fmt.Errorf("record %d: empty path", line)}
		}
		records = append(records, target)
		data = data[i+1:]
		line++
	}
	return records, nil
}

