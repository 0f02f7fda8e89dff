package sandbox

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"buildguard/internal/fspath"
	"buildguard/internal/recovery/state"
)

// Undo receives a record for every write before it is permitted.
// An Append error is fatal for the invocation.
type Undo interface {
	Append(path string) error
}

// OutputTracker is notified of every permitted output write.
type OutputTracker interface {
	OutputWritten(path string)
}

// Config holds the resolved declarations of one builder invocation. Path
// lists are normalized by New; entries are exact paths or directory roots.
type Config struct {
	Reads           []string
	Writes          []string
	Temps           []string
	ReadExceptions  []string
	WriteExceptions []string
	// ReadAndTrack paths may be read, and overwritten although they exist.
	ReadAndTrack []string
	// Exec lists the literal command strings the builder may execute.
	Exec    []string
	Network bool

	// Properties is the property source. When nil the process environment
	// is used. Writes through the sandbox never reach os.Environ.
	Properties map[string]string

	Undo    Undo
	Tracker OutputTracker
	Logger  *slog.Logger
}

// State is the lifecycle state of a Sandbox.
type State int32

const (
	StateUnentered State = iota
	StateActive
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateUnentered:
		return "unentered"
	case StateActive:
		return "active"
	case StateLeft:
		return "left"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// PropertyAction is the access mode of a property check.
type PropertyAction int

const (
	PropertyRead PropertyAction = iota
	PropertyWrite
	PropertyReadWrite
)

// Sandbox mediates one builder invocation. All methods are safe for
// concurrent use.
type Sandbox struct {
	read      *fspath.Matcher
	write     *fspath.Matcher
	temp      *fspath.Matcher
	readExc   *fspath.Matcher
	writeExc  *fspath.Matcher
	track     *fspath.Matcher
	roots     []string
	exec      map[string]struct{}
	network   bool
	undo      Undo
	tracker   OutputTracker
	logger    *slog.Logger
	lifecycle atomic.Int32

	// mu guards the write sets together with the on-disk existence check,
	// so that a file created by this invocation is never observed as a
	// pre-existing file by a concurrent check.
	mu         sync.Mutex
	writes     map[string]struct{}
	tempWrites map[string]struct{}
	fatal      error

	vmu        sync.Mutex
	violations map[violationKey]Violation
	vorder     []violationKey

	pmu            sync.Mutex
	properties     map[string]string
	propertiesRead map[string]struct{}

	tmu     sync.Mutex
	tracked map[string]struct{}
}

// New builds a sandbox from cfg. Write and temporary roots are made
// disjoint independently of declaration order: a root nested inside a root
// of the other kind is carved out of it, and a root declared as both is a
// configuration error.
func New(cfg Config) (*Sandbox, error) {
	writes, err := fspath.NormalizeAll(cfg.Writes)
	if err != nil {
		return nil, configError("InvalidWrite", "invalid write declaration", err)
	}
	temps, err := fspath.NormalizeAll(cfg.Temps)
	if err != nil {
		return nil, configError("InvalidTemp", "invalid temporary declaration", err)
	}

	var writeCarve, tempCarve []string
	var overlap []string
	for _, w := range writes {
		for _, t := range temps {
			switch {
			case w == t:
				overlap = append(overlap, w)
			case fspath.Within(w, t):
				writeCarve = append(writeCarve, t)
			case fspath.Within(t, w):
				tempCarve = append(tempCarve, w)
			}
		}
	}
	if len(overlap) > 0 {
		slices.Sort(overlap)
		return nil, configError("WriteTempOverlap",
			"paths declared both as output and as temporary: "+strings.Join(slices.Compact(overlap), ", "), nil)
	}

	s := &Sandbox{
		roots:          slices.Concat(writes, temps),
		exec:           make(map[string]struct{}, len(cfg.Exec)),
		network:        cfg.Network,
		undo:           cfg.Undo,
		tracker:        cfg.Tracker,
		logger:         cfg.Logger,
		writes:         make(map[string]struct{}),
		tempWrites:     make(map[string]struct{}),
		violations:     make(map[violationKey]Violation),
		propertiesRead: make(map[string]struct{}),
		tracked:        make(map[string]struct{}),
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, c := range cfg.Exec {
		s.exec[c] = struct{}{}
	}
	if cfg.Properties != nil {
		s.properties = maps.Clone(cfg.Properties)
	} else {
		s.properties = Environ()
	}

	builds := []struct {
		dst      **fspath.Matcher
		code     string
		includes []string
		excludes []string
	}{
		{&s.read, "InvalidRead", cfg.Reads, nil},
		{&s.write, "InvalidWrite", writes, writeCarve},
		{&s.temp, "InvalidTemp", temps, tempCarve},
		{&s.readExc, "InvalidReadException", cfg.ReadExceptions, nil},
		{&s.writeExc, "InvalidWriteException", cfg.WriteExceptions, nil},
		{&s.track, "InvalidReadAndTrack", cfg.ReadAndTrack, nil},
	}
	for _, b := range builds {
		m, err := fspath.NewMatcher(b.includes, b.excludes)
		if err != nil {
			return nil, configError(b.code, "invalid path declaration", err)
		}
		*b.dst = m
	}
	return s, nil
}

func configError(code, msg string, cause error) error {
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return &state.ConfigurationError{Code: code, Message: msg, Cause: cause}
}

// Environ returns the process environment as a property map.
func Environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// Enter activates the sandbox. It can be entered once.
func (s *Sandbox) Enter() error {
	if !s.lifecycle.CompareAndSwap(int32(StateUnentered), int32(StateActive)) {
		return fmt.Errorf("sandbox: cannot enter from state %s", s.State())
	}
	return nil
}

// Leave deactivates the sandbox. Every later check fails with
// ErrStaleContext. Leave is idempotent.
func (s *Sandbox) Leave() {
	s.lifecycle.Store(int32(StateLeft))
}

func (s *Sandbox) State() State {
	return State(s.lifecycle.Load())
}

func (s *Sandbox) active() error {
	if s == nil {
		return ErrNoSandbox
	}
	if s.State() != StateActive {
		return ErrStaleContext
	}
	return nil
}

// CheckRead decides whether path may be read. It returns nil to allow, a
// *DeniedError to deny, or ErrStaleContext.
//
// Paths written during this invocation, read exceptions and read-and-track
// paths are always readable. Directories inside output or temporary roots
// may be listed. Any other path outside the read declarations is readable
// only while it does not exist.
func (s *Sandbox) CheckRead(path string) error {
	if err := s.active(); err != nil {
		return err
	}
	p, err := fspath.Normalize(path)
	if err != nil {
		return err
	}

	if s.writtenHere(p) {
		return nil
	}

	if s.readExc.Match(p) {
		return nil
	}
	if s.track.Match(p) {
		s.markTracked(p)
		return nil
	}
	if s.read.Match(p) {
		return nil
	}

	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() && (s.write.Match(p) || s.temp.Match(p)) {
		return nil
	}
	// A concurrent write records p before creating it, so a file that
	// appeared after the first lookup is in the write set by now.
	if s.writtenHere(p) {
		return nil
	}
	return s.deny(KindRead, p)
}

// rootAncestor reports whether dir is a proper ancestor of a declared
// output or temporary root.
func (s *Sandbox) rootAncestor(dir string) bool {
	return slices.ContainsFunc(s.roots, func(root string) bool {
		return root != dir && fspath.Within(dir, root)
	})
}

// forget drops a removed path from the write sets.
func (s *Sandbox) forget(path string) {
	p, err := fspath.Normalize(path)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.writes, p)
	delete(s.tempWrites, p)
	s.mu.Unlock()
}

func (s *Sandbox) writtenHere(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, w := s.writes[p]
	_, tw := s.tempWrites[p]
	return w || tw
}

// CheckAndRecordWrite decides whether path may be written and records it.
//
// A write never clobbers a file that existed before it was first written
// in this invocation, unless the file is declared read-and-track. Output
// writes are reported to the OutputTracker. Every recorded write is
// appended to the undo log first; an undo failure is returned as a
// *state.PersistenceError and the write must not happen.
func (s *Sandbox) CheckAndRecordWrite(path string) error {
	if err := s.active(); err != nil {
		return err
	}
	p, err := fspath.Normalize(path)
	if err != nil {
		return err
	}
	if s.writeExc.Match(p) {
		return nil
	}

	output, err := s.recordWrite(p)
	if err != nil {
		return err
	}
	if output && s.tracker != nil {
		s.tracker.OutputWritten(p)
	}
	return nil
}

func (s *Sandbox) recordWrite(p string) (output bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.writes[p]; ok {
		return false, nil
	}
	if _, ok := s.tempWrites[p]; ok {
		return false, nil
	}

	_, statErr := os.Lstat(p)
	switch {
	case statErr == nil:
		if !s.track.Match(p) {
			return false, s.deny(KindWrite, p)
		}
	case !errors.Is(statErr, fs.ErrNotExist):
		return false, statErr
	}

	var set map[string]struct{}
	switch {
	case s.write.Match(p):
		set, output = s.writes, true
	case s.temp.Match(p):
		set = s.tempWrites
	default:
		return false, s.deny(KindWrite, p)
	}
	if s.fatal != nil {
		return false, s.fatal
	}
	if s.undo != nil {
		if err := s.undo.Append(p); err != nil {
			s.fatal = err
			return false, err
		}
	}
	set[p] = struct{}{}
	if s.track.Match(p) {
		s.markTracked(p)
	}
	return output, nil
}

// CheckExec allows command iff it was declared verbatim.
func (s *Sandbox) CheckExec(command string) error {
	if err := s.active(); err != nil {
		return err
	}
	if _, ok := s.exec[command]; ok {
		return nil
	}
	return s.deny(KindExecute, command)
}

// CheckAndRecordProperty records reads of property name. Property access
// is never denied; writes are not recorded because they are not inputs.
func (s *Sandbox) CheckAndRecordProperty(action PropertyAction, name string) error {
	if err := s.active(); err != nil {
		return err
	}
	if action == PropertyRead || action == PropertyReadWrite {
		s.pmu.Lock()
		s.propertiesRead[name] = struct{}{}
		s.pmu.Unlock()
	}
	return nil
}

// CheckSocket allows opening a connection to address iff network access
// was declared.
func (s *Sandbox) CheckSocket(address string) error {
	if err := s.active(); err != nil {
		return err
	}
	if s.network {
		return nil
	}
	return s.deny(KindNetwork, address)
}

func (s *Sandbox) deny(kind Kind, target string) error {
	key := violationKey{kind: kind, target: target}

	s.vmu.Lock()
	_, seen := s.violations[key]
	if !seen {
		s.violations[key] = Violation{Kind: kind, Target: target, Stack: captureStack()}
		s.vorder = append(s.vorder, key)
	}
	s.vmu.Unlock()

	if !seen {
		s.logger.Warn("access violation", "kind", string(kind), "path", target)
	}
	return &DeniedError{Kind: kind, Target: target}
}

// Property returns the current value of a property without recording the
// access. Use Getenv from builder code.
func (s *Sandbox) Property(name string) (string, bool) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	v, ok := s.properties[name]
	return v, ok
}

func (s *Sandbox) setProperty(name, value string) {
	s.pmu.Lock()
	s.properties[name] = value
	s.pmu.Unlock()
}

// Fatal returns the first undo log failure. Once set, every later write
// fails with it and the invocation must be aborted even if the builder
// body ignored the error.
func (s *Sandbox) Fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Violations returns the recorded violations in first-occurrence order.
func (s *Sandbox) Violations() []Violation {
	s.vmu.Lock()
	defer s.vmu.Unlock()
	out := make([]Violation, 0, len(s.vorder))
	for _, k := range s.vorder {
		out = append(out, s.violations[k])
	}
	return out
}

// Err returns a *ViolationsError when violations were recorded.
func (s *Sandbox) Err() error {
	v := s.Violations()
	if len(v) == 0 {
		return nil
	}
	return &ViolationsError{Violations: v}
}

// Writes returns the recorded output writes, sorted.
func (s *Sandbox) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.writes))
}

// TempWrites returns the recorded temporary writes, sorted.
func (s *Sandbox) TempWrites() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.tempWrites))
}

// PropertiesRead returns the names of the properties read, sorted.
func (s *Sandbox) PropertiesRead() []string {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return slices.Sorted(maps.Keys(s.propertiesRead))
}

func (s *Sandbox) markTracked(p string) {
	s.tmu.Lock()
	s.tracked[p] = struct{}{}
	s.tmu.Unlock()
}

// TrackedReads returns the read-and-track paths that were read or
// written, sorted.
func (s *Sandbox) TrackedReads() []string {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return slices.Sorted(maps.Keys(s.tracked))
}
