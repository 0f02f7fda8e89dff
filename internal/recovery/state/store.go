package state

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"buildguard/internal/codec"
)

// FormatTag identifies a buildguard execution state file.
const FormatTag = "buildguard.state"

// FormatVersion is the version of the record remainder. The header layout
// (format tag, version, output paths) never changes.
const FormatVersion uint = 1

// UndoLogSuffix is appended to the state file path to name its undo log.
const UndoLogSuffix = "-undo"

// ErrCorruptHeader reports a state file whose header cannot be decoded.
// Crash and obsolete-output cleanup depend on the header, so this is never
// downgraded to "no prior state".
var ErrCorruptHeader = errors.New("corrupt execution state header")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("state: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("state: zstd decoder initialization failed: " + err.Error())
	}
}

// header is the self-describing first item of a state file. It is decoded
// independently of the remainder.
type header struct {
	Format      string   `cbor:"1,keyasint"`
	Version     uint     `cbor:"2,keyasint"`
	OutputPaths []string `cbor:"3,keyasint"`
}

// Loaded is the result of reading a state file.
//
// OutputPaths is populated whenever the header could be read, even if the
// remainder was discarded. State is nil when there is no usable prior state;
// Discarded then names the reason (empty when no file existed).
type Loaded struct {
	State       *ExecutionState
	OutputPaths []string
	Discarded   string
}

// Store persists the execution state of one builder in a single file:
//
//	<stateFile>          CBOR header, then a CBOR byte string holding the
//	                     zstd-compressed CBOR remainder
//	<stateFile>-undo     write-ahead undo log (see package undo)
//	<stateFile>.lock     advisory lock
//
// All writes are atomic and durable (file sync + atomic rename + dir sync).
type Store struct {
	path   string
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used to report discarded state.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewStore(path string, opts ...StoreOption) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("state file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve state file path: %w", err)
	}
	s := &Store{
		path:   abs,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the absolute path of the state file.
func (s *Store) Path() string { return s.path }

// UndoLogPath returns the path of the undo log colocated with the state file.
func (s *Store) UndoLogPath() string { return s.path + UndoLogSuffix }

// LockPath returns the path of the advisory lock file.
func (s *Store) LockPath() string { return s.path + ".lock" }

// Load reads the state file. It is total: a missing file, an unreadable
// file, a version mismatch or a corrupt remainder all yield "no prior
// state". Only a corrupt header is returned as an error.
func (s *Store) Load() (Loaded, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Loaded{}, nil
		}
		s.logger.Warn("execution state unreadable, treating as absent", "path", s.path, "error", err)
		return Loaded{Discarded: "unreadable"}, nil
	}
	loaded, err := Decode(data)
	if err != nil {
		return Loaded{}, &PersistenceError{Op: "decode", Path: s.path, Cause: err}
	}
	if loaded.State == nil && loaded.Discarded != "" {
		s.logger.Info("execution state discarded", "path", s.path, "reason", loaded.Discarded)
	}
	return loaded, nil
}

// Save atomically replaces the state file with st.
func (s *Store) Save(st *ExecutionState) error {
	if err := st.Validate(); err != nil {
		return fmt.Errorf("invalid execution state: %w", err)
	}
	data, err := Encode(st)
	if err != nil {
		return &PersistenceError{Op: "encode", Path: s.path, Cause: err}
	}
	if err := writeFileAtomicDurable(s.path, data, 0o644); err != nil {
		return &PersistenceError{Op: "write", Path: s.path, Cause: err}
	}
	return nil
}

// Invalidate rewrites the state file with its header only. The output
// paths stay available for cleanup while the next Load reports no usable
// state. A file whose header is already corrupt is removed.
func (s *Store) Invalidate() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &PersistenceError{Op: "read", Path: s.path, Cause: err}
	}
	loaded, err := Decode(data)
	if err != nil {
		return s.Remove()
	}
	out, err := encodeHeader(loaded.OutputPaths)
	if err != nil {
		return &PersistenceError{Op: "encode", Path: s.path, Cause: err}
	}
	if err := writeFileAtomicDurable(s.path, out, 0o644); err != nil {
		return &PersistenceError{Op: "write", Path: s.path, Cause: err}
	}
	return nil
}

// Remove deletes the state file. A missing file is not an error.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &PersistenceError{Op: "remove", Path: s.path, Cause: err}
	}
	if err := SyncDir(filepath.Dir(s.path)); err != nil {
		return &PersistenceError{Op: "sync", Path: filepath.Dir(s.path), Cause: err}
	}
	return nil
}

// Encode serializes st into the state file format.
func Encode(st *ExecutionState) ([]byte, error) {
	if st == nil {
		return nil, errors.New("nil ExecutionState")
	}
	norm := *st
	norm.normalize()

	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf)
	if err := enc.Encode(header{Format: FormatTag, Version: FormatVersion, OutputPaths: norm.OutputPaths}); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	body, err := codec.Marshal(&norm)
	if err != nil {
		return nil, fmt.Errorf("encode remainder: %w", err)
	}
	if err := enc.Encode(zstdEncoder.EncodeAll(body, nil)); err != nil {
		return nil, fmt.Errorf("encode remainder: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeHeader(outputs []string) ([]byte, error) {
	return codec.Marshal(header{Format: FormatTag, Version: FormatVersion, OutputPaths: sortedSet(outputs)})
}

// Decode parses a state file. See Load for which failures are tolerated.
func Decode(data []byte) (Loaded, error) {
	if len(data) == 0 {
		return Loaded{Discarded: "empty"}, nil
	}
	dec := codec.NewDecoder(bytes.NewReader(data))

	var h header
	if err := dec.Decode(&h); err != nil {
		return Loaded{}, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	if h.Format != FormatTag {
		return Loaded{}, fmt.Errorf("%w: unrecognized format %q", ErrCorruptHeader, h.Format)
	}
	out := Loaded{OutputPaths: h.OutputPaths}
	if h.Version != FormatVersion {
		out.Discarded = fmt.Sprintf("version %d, want %d", h.Version, FormatVersion)
		return out, nil
	}

	var compressed []byte
	if err := dec.Decode(&compressed); err != nil {
		if errors.Is(err, io.EOF) {
			out.Discarded = "invalidated"
		} else {
			out.Discarded = "corrupt remainder"
		}
		return out, nil
	}
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		out.Discarded = "corrupt remainder"
		return out, nil
	}
	var st ExecutionState
	if err := codec.Unmarshal(raw, &st); err != nil {
		out.Discarded = "corrupt remainder"
		return out, nil
	}
	st.OutputPaths = h.OutputPaths
	if err := st.Validate(); err != nil {
		out.Discarded = "invalid remainder"
		return out, nil
	}
	out.State = &st
	return out, nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return SyncDir(dir)
}

// SyncDir fsyncs a directory so that entries created, renamed or removed
// in it are durable.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
