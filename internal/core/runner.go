package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"

	"buildguard/internal/digest"
	"buildguard/internal/fspath"
	"buildguard/internal/recovery/state"
	"buildguard/internal/recovery/undo"
	"buildguard/internal/sandbox"
	"buildguard/internal/trace"
)

// Decision reasons. They appear in logs, results and trace events.
const (
	ReasonUpToDate          = "UpToDate"
	ReasonEscalated         = "Escalated"
	ReasonCrashRecovered    = "CrashRecovered"
	ReasonNoPreviousState   = "NoPreviousState"
	ReasonInputsChanged     = "InputsChanged"
	ReasonExceptionsChanged = "ExceptionsChanged"
	ReasonPropertiesChanged = "PropertiesChanged"
	ReasonClasspathChanged  = "ClasspathChanged"
)

// Runner decides whether builders are up to date and runs them.
type Runner struct {
	baseDir    string
	engine     *digest.Engine
	logger     *slog.Logger
	sink       MessageSink
	tracker    sandbox.OutputTracker
	trace      trace.Sink
	properties map[string]string
	escalate   bool
}

// NewRunner returns a Runner resolving relative builder paths against
// baseDir (the process working directory when empty).
func NewRunner(baseDir string, opts ...Option) *Runner {
	r := &Runner{
		baseDir: baseDir,
		engine:  digest.NewEngine(baseDir),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sink == nil {
		r.sink = LogSink{Logger: r.logger}
	}
	return r
}

// Result describes one Run.
type Result struct {
	Builder   string
	StateFile string

	// Skipped is true when the previous outputs were still valid.
	Skipped bool
	// Reason is one of the Reason constants.
	Reason string
	// Recovered is true when a crashed previous run was cleaned up.
	Recovered bool

	Digest     *digest.Digest
	Outputs    []string
	Deleted    []string
	Messages   []state.Message
	Violations []sandbox.Violation
}

// Run brings builder b up to date using the execution state kept in
// stateFile. Only one Run works on a state file at a time.
//
// The returned error is a *state.ConfigurationError for invalid
// declarations, a *state.PersistenceError or *state.CrashRecoveryError when
// crash safety could not be maintained, a *sandbox.ViolationsError when the
// body accessed undeclared paths, a *state.BuilderError when the body
// failed, and a *BuildFailedError when error messages were reported or
// replayed. The Result is non-nil whenever a decision was taken.
func (r *Runner) Run(ctx context.Context, b *Builder, stateFile string) (*Result, error) {
	if err := b.Validate(); err != nil {
		return nil, &state.ConfigurationError{Code: "InvalidBuilder", Message: err.Error(), Cause: err}
	}
	logger := r.logger.With("builder", b.Name)

	store, err := state.NewStore(stateFile, state.WithStoreLogger(logger))
	if err != nil {
		return nil, &state.ConfigurationError{Code: "InvalidStateFile", Message: err.Error(), Cause: err}
	}
	lock, err := store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("releasing state lock failed", "path", store.LockPath(), "error", err)
		}
	}()

	res := &Result{Builder: b.Name, StateFile: store.Path()}

	recovered, err := r.recoverCrash(store, logger)
	if err != nil {
		return nil, err
	}
	if recovered.Recovered {
		res.Recovered = true
		r.record(trace.Event{Kind: trace.EventBuilderRecovered, Builder: b.Name, Reason: ReasonCrashRecovered, Paths: recovered.Deleted})
	}

	loaded, err := store.Load()
	if err != nil {
		return nil, err
	}

	decl, err := r.resolve(b)
	if err != nil {
		return nil, err
	}
	current, err := r.engine.Compute(ctx, decl.inputs)
	if err != nil {
		return nil, inputError(err)
	}
	res.Digest = current
	classpath, err := r.classpathDigest(ctx, decl.classpath)
	if err != nil {
		return nil, inputError(err)
	}
	props := r.propertySource()

	reason, err := r.decide(res, loaded.State, current, classpath, props, logger)
	if err != nil {
		return nil, err
	}
	res.Reason = reason
	if reason == ReasonUpToDate {
		return r.skip(b, loaded.State, res, logger)
	}
	return r.execute(ctx, b, store, loaded, decl, run{digest: current, classpath: classpath, props: props}, res, logger)
}

func (r *Runner) record(e trace.Event) {
	trace.SafeRecord(r.trace, e)
}

// recoverCrash runs the crash recovery pass. The previous state is invalidated
// before any recorded output is deleted.
func (r *Runner) recoverCrash(store *state.Store, logger *slog.Logger) (undo.Result, error) {
	present, err := undo.Exists(store.UndoLogPath())
	if err != nil || !present {
		return undo.Result{}, err
	}
	logger.Warn("previous run did not complete, recovering", "undo_log", store.UndoLogPath())
	if err := store.Invalidate(); err != nil {
		return undo.Result{}, err
	}
	return undo.Recover(store.UndoLogPath(), logger)
}

func inputError(err error) error {
	var pe *digest.PatternError
	if errors.As(err, &pe) {
		return &state.ConfigurationError{Code: "InvalidPattern", Message: err.Error(), Cause: err}
	}
	return fmt.Errorf("digesting inputs: %w", err)
}

// declarations are a builder's declared paths, normalized.
type declarations struct {
	inputs    digest.InputSet
	reads     []string
	outputs   []string
	temps     []string
	readExc   []string
	writeExc  []string
	track     []string
	classpath []string
}

func (r *Runner) resolve(b *Builder) (*declarations, error) {
	d := &declarations{}
	lists := []struct {
		dst  *[]string
		src  []string
		code string
	}{
		{&d.reads, b.Reads, "InvalidRead"},
		{&d.outputs, b.Outputs, "InvalidOutput"},
		{&d.temps, b.Temps, "InvalidTemp"},
		{&d.readExc, b.ReadExceptions, "InvalidReadException"},
		{&d.writeExc, b.WriteExceptions, "InvalidWriteException"},
		{&d.track, b.ReadAndTrack, "InvalidReadAndTrack"},
		{&d.classpath, b.Classpath, "InvalidClasspath"},
	}
	for _, l := range lists {
		out := make([]string, 0, len(l.src))
		for _, p := range l.src {
			n, err := fspath.NormalizeUnder(r.baseDir, p)
			if err != nil {
				return nil, &state.ConfigurationError{Code: l.code, Message: fmt.Sprintf("%q: %v", p, err), Cause: err}
			}
			out = append(out, n)
		}
		slices.Sort(out)
		*l.dst = slices.Compact(out)
	}

	local, err := digest.LocalPaths(r.baseDir, b.Inputs)
	if err != nil {
		return nil, &state.ConfigurationError{Code: "InvalidInput", Message: err.Error(), Cause: err}
	}
	d.reads = append(d.reads, local...)
	d.reads = append(d.reads, d.classpath...)

	d.inputs = maps.Clone(b.Inputs)
	if d.inputs == nil {
		d.inputs = digest.InputSet{}
	}
	exec := slices.Clone(b.Exec)
	slices.Sort(exec)
	d.inputs[declarationsMember] = digest.Map{
		"reads":           stringList(d.reads),
		"outputs":         stringList(d.outputs),
		"temps":           stringList(d.temps),
		"readExceptions":  stringList(d.readExc),
		"writeExceptions": stringList(d.writeExc),
		"readAndTrack":    stringList(d.track),
		"exec":            stringList(exec),
		"network":         digest.String(strconv.FormatBool(b.Network)),
	}
	return d, nil
}

func stringList(in []string) digest.List {
	out := make(digest.List, len(in))
	for i, s := range in {
		out[i] = digest.String(s)
	}
	return out
}

func (r *Runner) classpathDigest(ctx context.Context, classpath []string) (digest.Hash, error) {
	if len(classpath) == 0 {
		return digest.Hash{}, nil
	}
	files := make(digest.List, len(classpath))
	for i, p := range classpath {
		files[i] = digest.File{Path: p}
	}
	d, err := r.engine.Compute(ctx, digest.InputSet{"classpath": files})
	if err != nil {
		return digest.Hash{}, err
	}
	return d.Members["classpath"], nil
}

func (r *Runner) propertySource() map[string]string {
	if r.properties != nil {
		return maps.Clone(r.properties)
	}
	return sandbox.Environ()
}

// propertyDigest hashes the current value of each named property. Unset
// properties map to the zero hash so that setting one later is a change.
func propertyDigest(names []string, props map[string]string) map[string]digest.Hash {
	out := make(map[string]digest.Hash, len(names))
	for _, name := range names {
		if v, ok := props[name]; ok {
			out[name] = digest.HashString(v)
		} else {
			out[name] = digest.Hash{}
		}
	}
	return out
}

func (r *Runner) decide(res *Result, old *state.ExecutionState, current *digest.Digest, classpath digest.Hash, props map[string]string, logger *slog.Logger) (string, error) {
	switch {
	case r.escalate:
		return ReasonEscalated, nil
	case res.Recovered:
		return ReasonCrashRecovered, nil
	case old == nil:
		return ReasonNoPreviousState, nil
	}
	if !current.Equal(old.InputsDigest) {
		logger.Debug("inputs changed",
			"members", current.ChangedMembers(old.InputsDigest),
			"files", current.ChangedFiles(old.InputsDigest))
		return ReasonInputsChanged, nil
	}
	exceptions, err := r.engine.DigestFiles(slices.Sorted(maps.Keys(old.ExceptionsDigest)))
	if err != nil {
		return "", fmt.Errorf("digesting tracked exceptions: %w", err)
	}
	if !maps.Equal(exceptions, old.ExceptionsDigest) {
		return ReasonExceptionsChanged, nil
	}
	if !maps.Equal(propertyDigest(slices.Collect(maps.Keys(old.Properties)), props), old.Properties) {
		return ReasonPropertiesChanged, nil
	}
	if classpath != old.ClasspathDigest {
		return ReasonClasspathChanged, nil
	}
	return ReasonUpToDate, nil
}

func (r *Runner) skip(b *Builder, old *state.ExecutionState, res *Result, logger *slog.Logger) (*Result, error) {
	res.Skipped = true
	res.Outputs = old.OutputPaths
	res.Messages = old.Messages
	logger.Info("builder up to date, skipping", "outputs", len(old.OutputPaths), "messages", len(old.Messages))
	r.record(trace.Event{Kind: trace.EventBuilderSkipped, Builder: b.Name, Reason: ReasonUpToDate})

	if errs := replay(b.Name, old.Messages, r.sink); len(errs) > 0 {
		r.record(trace.Event{Kind: trace.EventBuilderFailed, Builder: b.Name, Reason: "ReplayedErrors"})
		return res, &BuildFailedError{Builder: b.Name, Replayed: true, Messages: errs}
	}
	return res, nil
}

// run carries the values computed for the decision into execution.
type run struct {
	digest    *digest.Digest
	classpath digest.Hash
	props     map[string]string
}

func (r *Runner) execute(ctx context.Context, b *Builder, store *state.Store, loaded state.Loaded, decl *declarations, cur run, res *Result, logger *slog.Logger) (*Result, error) {
	logger.Info("running builder", "reason", res.Reason)
	r.record(trace.Event{Kind: trace.EventBuilderExecuted, Builder: b.Name, Reason: res.Reason})

	// The old state must stop vouching for its outputs before any of them
	// disappear; the header keeps the paths for a later cleanup.
	if loaded.State != nil {
		if err := store.Invalidate(); err != nil {
			r.record(trace.Event{Kind: trace.EventBuilderFailed, Builder: b.Name, Reason: "PersistenceError"})
			return res, err
		}
	}

	deleted, err := deleteObsolete(loaded.OutputPaths, decl.track, logger)
	res.Deleted = deleted
	if len(deleted) > 0 {
		r.record(trace.Event{Kind: trace.EventOutputDeleted, Builder: b.Name, Reason: "Obsolete", Paths: deleted})
	}
	if err != nil {
		return res, err
	}

	ulog := undo.New(store.UndoLogPath())
	sb, err := sandbox.New(sandbox.Config{
		Reads:           decl.reads,
		Writes:          decl.outputs,
		Temps:           decl.temps,
		ReadExceptions:  decl.readExc,
		WriteExceptions: decl.writeExc,
		ReadAndTrack:    decl.track,
		Exec:            b.Exec,
		Network:         b.Network,
		Properties:      cur.props,
		Undo:            ulog,
		Tracker:         r.tracker,
		Logger:          logger,
	})
	if err != nil {
		return res, err
	}

	inv := newInvocation(b.Name, r.sink)
	bodyErr := invoke(sandbox.WithSandbox(ctx, sb), sb, b, inv)
	removeTemps(sb.TempWrites(), logger)

	if fatal := persistenceFailure(sb, bodyErr); fatal != nil {
		_ = ulog.Close()
		logger.Error("aborting builder, undo log or state could not be written", "error", fatal)
		r.record(trace.Event{Kind: trace.EventBuilderFailed, Builder: b.Name, Reason: "PersistenceError"})
		return res, fatal
	}

	messages := inv.Messages()
	var be *state.BuilderError
	if errors.As(bodyErr, &be) {
		m := state.Message{Text: be.Cause.Error(), Severity: state.SeverityError, Cause: fmt.Sprintf("%T", be.Cause)}.Normalized()
		messages = append(messages, m)
		r.sink.Message(b.Name, m)
	} else if bodyErr != nil {
		return res, bodyErr
	}

	violations := sb.Violations()
	for _, v := range violations {
		m := state.Message{Text: "access violation: " + v.String(), Severity: state.SeverityError}
		if v.Kind == sandbox.KindRead || v.Kind == sandbox.KindWrite {
			m.Location = v.Target
		}
		messages = append(messages, m)
		r.sink.Message(b.Name, m)
		r.record(trace.Event{Kind: trace.EventViolationRecorded, Builder: b.Name, Reason: string(v.Kind), Paths: []string{v.Target}})
	}

	exceptions, err := r.engine.DigestFiles(sb.TrackedReads())
	if err != nil {
		_ = ulog.Close()
		return res, fmt.Errorf("digesting tracked exceptions: %w", err)
	}
	st := &state.ExecutionState{
		InputsDigest:       cur.digest,
		Properties:         propertyDigest(sb.PropertiesRead(), cur.props),
		ClasspathDigest:    cur.classpath,
		OutputPaths:        sb.Writes(),
		CompileSourceRoots: b.CompileSourceRoots,
		ResourceRoots:      b.ResourceRoots,
		Messages:           messages,
		ExceptionsDigest:   exceptions,
	}
	if err := store.Save(st); err != nil {
		_ = ulog.Close()
		r.record(trace.Event{Kind: trace.EventBuilderFailed, Builder: b.Name, Reason: "PersistenceError"})
		return res, err
	}
	if err := ulog.Remove(); err != nil {
		return res, err
	}

	res.Outputs = st.OutputPaths
	res.Messages = messages
	res.Violations = violations
	logger.Info("builder finished", "outputs", len(res.Outputs), "violations", len(violations))

	switch {
	case len(violations) > 0:
		r.record(trace.Event{Kind: trace.EventBuilderFailed, Builder: b.Name, Reason: "Violations"})
		return res, &sandbox.ViolationsError{Builder: b.Name, Violations: violations}
	case be != nil:
		r.record(trace.Event{Kind: trace.EventBuilderFailed, Builder: b.Name, Reason: "BuilderError"})
		return res, be
	}
	if errs := errorMessages(messages); len(errs) > 0 {
		r.record(trace.Event{Kind: trace.EventBuilderFailed, Builder: b.Name, Reason: "ErrorMessages"})
		return res, &BuildFailedError{Builder: b.Name, Messages: errs}
	}
	return res, nil
}

// invoke runs the body inside the entered sandbox. The sandbox is left
// when the body returns or panics. Errors other than persistence failures
// are wrapped in *state.BuilderError.
func invoke(ctx context.Context, sb *sandbox.Sandbox, b *Builder, inv *Invocation) (err error) {
	if err := sb.Enter(); err != nil {
		return err
	}
	defer sb.Leave()
	defer func() {
		if p := recover(); p != nil {
			err = &state.BuilderError{Builder: b.Name, Cause: fmt.Errorf("panic: %v", p)}
		}
	}()

	if err := b.Body(ctx, inv); err != nil {
		var pe *state.PersistenceError
		if errors.As(err, &pe) {
			return err
		}
		return &state.BuilderError{Builder: b.Name, Cause: err}
	}
	return nil
}

func persistenceFailure(sb *sandbox.Sandbox, bodyErr error) error {
	if err := sb.Fatal(); err != nil {
		return err
	}
	var pe *state.PersistenceError
	if errors.As(bodyErr, &pe) {
		return bodyErr
	}
	return nil
}

func errorMessages(messages []state.Message) []state.Message {
	var out []state.Message
	for _, m := range messages {
		if m.Severity == state.SeverityError {
			out = append(out, m)
		}
	}
	return out
}
