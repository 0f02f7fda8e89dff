package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"buildguard/internal/digest"
	"buildguard/internal/recovery/state"
	"buildguard/internal/recovery/undo"
	"buildguard/internal/sandbox"
	"buildguard/internal/trace"
)

func realTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

type collectingSink struct {
	messages []state.Message
}

func (s *collectingSink) Message(_ string, m state.Message) {
	s.messages = append(s.messages, m)
}

// counterBuilder adds step to *counter on every run and writes the total
// to out/counter.txt.
func counterBuilder(dir string, step int, counter *int) *Builder {
	out := filepath.Join(dir, "out")
	return &Builder{
		Name:    "counter",
		Inputs:  digest.InputSet{"step": digest.String(strconv.Itoa(step))},
		Outputs: []string{out},
		Body: func(ctx context.Context, inv *Invocation) error {
			*counter += step
			if err := sandbox.MkdirAll(ctx, out, 0o755); err != nil {
				return err
			}
			return sandbox.WriteFile(ctx, filepath.Join(out, "counter.txt"), []byte(strconv.Itoa(*counter)), 0o644)
		},
	}
}

func TestRun_CounterSkipsUntilStepChanges(t *testing.T) {
	dir := realTempDir(t)
	stateFile := filepath.Join(dir, "state", "counter.state")
	r := NewRunner(dir)
	counter := 0

	res, err := r.Run(context.Background(), counterBuilder(dir, 1, &counter), stateFile)
	require.NoError(t, err)
	require.Equal(t, 1, counter)
	require.False(t, res.Skipped)
	require.Equal(t, ReasonNoPreviousState, res.Reason)
	require.Equal(t, []string{filepath.Join(dir, "out"), filepath.Join(dir, "out", "counter.txt")}, res.Outputs)

	res, err = r.Run(context.Background(), counterBuilder(dir, 1, &counter), stateFile)
	require.NoError(t, err)
	require.Equal(t, 1, counter)
	require.True(t, res.Skipped)
	require.Equal(t, ReasonUpToDate, res.Reason)
	require.Equal(t, []string{filepath.Join(dir, "out"), filepath.Join(dir, "out", "counter.txt")}, res.Outputs)

	res, err = r.Run(context.Background(), counterBuilder(dir, 2, &counter), stateFile)
	require.NoError(t, err)
	require.Equal(t, 3, counter)
	require.Equal(t, ReasonInputsChanged, res.Reason)

	data, err := os.ReadFile(filepath.Join(dir, "out", "counter.txt"))
	require.NoError(t, err)
	require.Equal(t, "3", string(data))

	present, err := undo.Exists(stateFile + state.UndoLogSuffix)
	require.NoError(t, err)
	require.False(t, present)
}

func TestRun_CrashRecoveryDeletesRecordedOutputsAndRebuilds(t *testing.T) {
	dir := realTempDir(t)
	stateFile := filepath.Join(dir, "counter.state")
	r := NewRunner(dir)
	counter := 0

	_, err := r.Run(context.Background(), counterBuilder(dir, 1, &counter), stateFile)
	require.NoError(t, err)

	// A run that wrote outputs and died before persisting its state.
	out := filepath.Join(dir, "out")
	stale := filepath.Join(out, "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("half"), 0o644))
	l := undo.New(stateFile + state.UndoLogSuffix)
	for _, p := range []string{out, filepath.Join(out, "counter.txt"), stale} {
		require.NoError(t, l.Append(p))
	}
	require.NoError(t, l.Close())
	require.NoError(t, os.Remove(stateFile))

	rec := trace.NewRecorder()
	r = NewRunner(dir, WithTrace(rec))
	res, err := r.Run(context.Background(), counterBuilder(dir, 1, &counter), stateFile)
	require.NoError(t, err)
	require.True(t, res.Recovered)
	require.Equal(t, ReasonCrashRecovered, res.Reason)
	require.Equal(t, 2, counter)
	require.NoFileExists(t, stale)
	require.FileExists(t, filepath.Join(out, "counter.txt"))
	require.FileExists(t, stateFile)

	events := rec.Snapshot()
	require.NotEmpty(t, events)
	require.Equal(t, trace.EventBuilderRecovered, events[0].Kind)
	require.Contains(t, events[0].Paths, stale)

	// The fresh state makes the next run a skip.
	res, err = r.Run(context.Background(), counterBuilder(dir, 1, &counter), stateFile)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, 2, counter)
}

func TestRun_CrashRecoveryInvalidatesSurvivingState(t *testing.T) {
	dir := realTempDir(t)
	stateFile := filepath.Join(dir, "counter.state")
	r := NewRunner(dir)
	counter := 0

	_, err := r.Run(context.Background(), counterBuilder(dir, 1, &counter), stateFile)
	require.NoError(t, err)

	// The state survived but the undo log says a later run was cut short.
	l := undo.New(stateFile + state.UndoLogSuffix)
	require.NoError(t, l.Append(filepath.Join(dir, "out", "counter.txt")))
	require.NoError(t, l.Close())

	res, err := r.Run(context.Background(), counterBuilder(dir, 1, &counter), stateFile)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, ReasonCrashRecovered, res.Reason)
	require.Equal(t, 2, counter)
}

func TestRun_UndeclaredReadIsExactlyOneViolation(t *testing.T) {
	dir := realTempDir(t)
	secret := filepath.Join(dir, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o644))
	stateFile := filepath.Join(dir, "b.state")
	sink := &collectingSink{}
	r := NewRunner(dir, WithSink(sink))

	b := &Builder{
		Name:    "reader",
		Outputs: []string{filepath.Join(dir, "out")},
		Body: func(ctx context.Context, inv *Invocation) error {
			_, _ = sandbox.ReadFile(ctx, secret)
			_, _ = sandbox.ReadFile(ctx, secret)
			return nil
		},
	}
	res, err := r.Run(context.Background(), b, stateFile)
	var ve *sandbox.ViolationsError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Violations, 1)
	require.Equal(t, sandbox.KindRead, ve.Violations[0].Kind)
	require.Equal(t, secret, ve.Violations[0].Target)
	require.Equal(t, state.FailureClassViolation, state.Classify(err))
	require.Len(t, res.Violations, 1)

	// The violation is persisted as an error message and replayed.
	res, err = r.Run(context.Background(), b, stateFile)
	var bf *BuildFailedError
	require.ErrorAs(t, err, &bf)
	require.True(t, bf.Replayed)
	require.True(t, res.Skipped)
	require.Len(t, bf.Messages, 1)
	require.Equal(t, secret, bf.Messages[0].Location)
	require.Equal(t, state.FailureClassBuild, state.Classify(err))
}

func TestRun_BodyErrorIsPersistedAndReplayed(t *testing.T) {
	dir := realTempDir(t)
	stateFile := filepath.Join(dir, "b.state")
	sink := &collectingSink{}
	r := NewRunner(dir, WithSink(sink))
	runs := 0

	b := &Builder{
		Name: "failing",
		Body: func(ctx context.Context, inv *Invocation) error {
			runs++
			inv.Warnf("pom.xml", 3, 7, "deprecated element")
			return errors.New("boom")
		},
	}
	_, err := r.Run(context.Background(), b, stateFile)
	var be *state.BuilderError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "failing", be.Builder)

	_, err = r.Run(context.Background(), b, stateFile)
	var bf *BuildFailedError
	require.ErrorAs(t, err, &bf)
	require.True(t, bf.Replayed)
	require.Equal(t, 1, runs)
	require.Equal(t, "boom", bf.Messages[0].Text)

	// warning + error live, then both replayed
	require.Len(t, sink.messages, 4)
	require.Equal(t, state.SeverityWarning, sink.messages[2].Severity)
	require.Equal(t, "pom.xml", sink.messages[2].Location)
}

func TestRun_EmptyBodyErrorIsStillPersisted(t *testing.T) {
	dir := realTempDir(t)
	stateFile := filepath.Join(dir, "b.state")
	out := filepath.Join(dir, "out")
	runs := 0

	b := &Builder{
		Name:    "silent",
		Outputs: []string{out},
		Body: func(ctx context.Context, inv *Invocation) error {
			runs++
			if err := sandbox.WriteFile(ctx, out, []byte("x"), 0o644); err != nil {
				return err
			}
			return errors.New("")
		},
	}
	_, err := NewRunner(dir).Run(context.Background(), b, stateFile)
	var be *state.BuilderError
	require.ErrorAs(t, err, &be)
	require.FileExists(t, stateFile)
	present, err := undo.Exists(stateFile + state.UndoLogSuffix)
	require.NoError(t, err)
	require.False(t, present)

	_, err = NewRunner(dir).Run(context.Background(), b, stateFile)
	var bf *BuildFailedError
	require.ErrorAs(t, err, &bf)
	require.True(t, bf.Replayed)
	require.Equal(t, 1, runs)
	require.Equal(t, "(no message)", bf.Messages[0].Text)
	require.FileExists(t, out)
}

func TestRun_UnknownSeverityIsRecordedAsError(t *testing.T) {
	dir := realTempDir(t)
	stateFile := filepath.Join(dir, "odd.state")
	b := &Builder{
		Name: "odd",
		Body: func(ctx context.Context, inv *Invocation) error {
			inv.Report(state.Message{Text: "odd", Severity: "fatal", Line: -1})
			return nil
		},
	}
	_, err := NewRunner(dir).Run(context.Background(), b, stateFile)
	var bf *BuildFailedError
	require.ErrorAs(t, err, &bf)
	require.Equal(t, state.SeverityError, bf.Messages[0].Severity)
	require.Zero(t, bf.Messages[0].Line)
	require.FileExists(t, stateFile)
}

func TestRun_ReportedErrorFailsBuild(t *testing.T) {
	dir := realTempDir(t)
	r := NewRunner(dir)
	b := &Builder{
		Name: "lint",
		Body: func(ctx context.Context, inv *Invocation) error {
			inv.Errorf("a.go", 1, 1, "unused variable %s", "x")
			return nil
		},
	}
	_, err := r.Run(context.Background(), b, filepath.Join(dir, "lint.state"))
	var bf *BuildFailedError
	require.ErrorAs(t, err, &bf)
	require.False(t, bf.Replayed)
	require.Equal(t, "unused variable x", bf.Messages[0].Text)
}

func TestRun_EscalationForcesRun(t *testing.T) {
	dir := realTempDir(t)
	stateFile := filepath.Join(dir, "counter.state")
	counter := 0

	_, err := NewRunner(dir).Run(context.Background(), counterBuilder(dir, 1, &counter), stateFile)
	require.NoError(t, err)
	res, err := NewRunner(dir, WithEscalation(true)).Run(context.Background(), counterBuilder(dir, 1, &counter), stateFile)
	require.NoError(t, err)
	require.Equal(t, ReasonEscalated, res.Reason)
	require.Equal(t, 2, counter)
}

func TestRun_RunKilledAfterCleanupIsNotUpToDate(t *testing.T) {
	dir := realTempDir(t)
	stateFile := filepath.Join(dir, "counter.state")
	counter := 0

	_, err := NewRunner(dir).Run(context.Background(), counterBuilder(dir, 1, &counter), stateFile)
	require.NoError(t, err)

	// Dies after the old outputs are gone and before anything is written.
	killed := counterBuilder(dir, 1, &counter)
	killed.Body = func(context.Context, *Invocation) error {
		runtime.Goexit()
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = NewRunner(dir, WithEscalation(true)).Run(context.Background(), killed, stateFile)
	}()
	<-done
	require.NoFileExists(t, filepath.Join(dir, "out", "counter.txt"))

	res, err := NewRunner(dir).Run(context.Background(), counterBuilder(dir, 1, &counter), stateFile)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, ReasonNoPreviousState, res.Reason)
	require.Equal(t, 2, counter)
	require.FileExists(t, filepath.Join(dir, "out", "counter.txt"))
}

func TestRun_UndoFailureAbortsWithoutSavingState(t *testing.T) {
	for _, swallow := range []bool{false, true} {
		t.Run(fmt.Sprintf("swallowed=%t", swallow), func(t *testing.T) {
			dir := realTempDir(t)
			stateFile := filepath.Join(dir, "counter.state")
			undoPath := stateFile + state.UndoLogSuffix
			out := filepath.Join(dir, "out")
			counter := 0

			_, err := NewRunner(dir).Run(context.Background(), counterBuilder(dir, 1, &counter), stateFile)
			require.NoError(t, err)

			b := counterBuilder(dir, 2, &counter)
			b.Body = func(ctx context.Context, inv *Invocation) error {
				// A directory in its place makes every undo append fail.
				if err := os.Mkdir(undoPath, 0o755); err != nil {
					return err
				}
				err := sandbox.WriteFile(ctx, out, []byte("x"), 0o644)
				if swallow {
					return nil
				}
				return err
			}
			_, err = NewRunner(dir).Run(context.Background(), b, stateFile)
			var pe *state.PersistenceError
			require.ErrorAs(t, err, &pe)
			require.NoFileExists(t, out)
			require.DirExists(t, undoPath)

			store, err := state.NewStore(stateFile)
			require.NoError(t, err)
			loaded, err := store.Load()
			require.NoError(t, err)
			require.Nil(t, loaded.State)
		})
	}
}

func TestRun_PropertiesReadAreTracked(t *testing.T) {
	dir := realTempDir(t)
	stateFile := filepath.Join(dir, "p.state")
	var seen []string
	b := &Builder{
		Name: "props",
		Body: func(ctx context.Context, inv *Invocation) error {
			v, err := sandbox.Getenv(ctx, "MODE")
			seen = append(seen, v)
			return err
		},
	}

	_, err := NewRunner(dir, WithProperties(map[string]string{"MODE": "debug"})).Run(context.Background(), b, stateFile)
	require.NoError(t, err)
	res, err := NewRunner(dir, WithProperties(map[string]string{"MODE": "debug", "OTHER": "1"})).Run(context.Background(), b, stateFile)
	require.NoError(t, err)
	require.True(t, res.Skipped)

	res, err = NewRunner(dir, WithProperties(map[string]string{"MODE": "release"})).Run(context.Background(), b, stateFile)
	require.NoError(t, err)
	require.Equal(t, ReasonPropertiesChanged, res.Reason)

	res, err = NewRunner(dir, WithProperties(map[string]string{})).Run(context.Background(), b, stateFile)
	require.NoError(t, err)
	require.Equal(t, ReasonPropertiesChanged, res.Reason)
	require.Equal(t, []string{"debug", "release", ""}, seen)
}

func TestRun_TrackedExceptionChangeRerunsBuilder(t *testing.T) {
	dir := realTempDir(t)
	tracked := filepath.Join(dir, "generated.idx")
	require.NoError(t, os.WriteFile(tracked, []byte("v1"), 0o644))
	stateFile := filepath.Join(dir, "t.state")
	runs := 0
	b := &Builder{
		Name:         "indexer",
		ReadAndTrack: []string{tracked},
		Body: func(ctx context.Context, inv *Invocation) error {
			runs++
			_, err := sandbox.ReadFile(ctx, tracked)
			return err
		},
	}
	r := NewRunner(dir)

	_, err := r.Run(context.Background(), b, stateFile)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), b, stateFile)
	require.NoError(t, err)
	require.True(t, res.Skipped)

	require.NoError(t, os.WriteFile(tracked, []byte("v2"), 0o644))
	res, err = r.Run(context.Background(), b, stateFile)
	require.NoError(t, err)
	require.Equal(t, ReasonExceptionsChanged, res.Reason)
	require.Equal(t, 2, runs)
}

func TestRun_ClasspathChangeRerunsBuilder(t *testing.T) {
	dir := realTempDir(t)
	jar := filepath.Join(dir, "lib", "dep.jar")
	require.NoError(t, os.MkdirAll(filepath.Dir(jar), 0o755))
	require.NoError(t, os.WriteFile(jar, []byte("v1"), 0o644))
	stateFile := filepath.Join(dir, "c.state")
	b := &Builder{
		Name:      "compile",
		Classpath: []string{"lib/dep.jar"},
		Body: func(ctx context.Context, inv *Invocation) error {
			_, err := sandbox.ReadFile(ctx, jar)
			return err
		},
	}
	r := NewRunner(dir)

	_, err := r.Run(context.Background(), b, stateFile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(jar, []byte("v2"), 0o644))
	res, err := r.Run(context.Background(), b, stateFile)
	require.NoError(t, err)
	require.Equal(t, ReasonClasspathChanged, res.Reason)
}

func TestRun_DeclarationChangeIsAnInputChange(t *testing.T) {
	dir := realTempDir(t)
	stateFile := filepath.Join(dir, "d.state")
	b := &Builder{
		Name: "decl",
		Body: func(ctx context.Context, inv *Invocation) error { return nil },
	}
	r := NewRunner(dir)
	_, err := r.Run(context.Background(), b, stateFile)
	require.NoError(t, err)

	b.Outputs = []string{"target"}
	res, err := r.Run(context.Background(), b, stateFile)
	require.NoError(t, err)
	require.Equal(t, ReasonInputsChanged, res.Reason)
}

func TestRun_TempsAreDeletedAndObsoleteOutputsRemoved(t *testing.T) {
	dir := realTempDir(t)
	stateFile := filepath.Join(dir, "o.state")
	out := filepath.Join(dir, "out")
	tmp := filepath.Join(dir, "tmp")
	require.NoError(t, os.MkdirAll(tmp, 0o755))

	builder := func(names ...string) *Builder {
		return &Builder{
			Name:    "gen",
			Inputs:  digest.InputSet{"names": stringList(names)},
			Outputs: []string{out},
			Temps:   []string{tmp},
			Body: func(ctx context.Context, inv *Invocation) error {
				if err := sandbox.WriteFile(ctx, filepath.Join(tmp, "scratch"), []byte("s"), 0o644); err != nil {
					return err
				}
				if err := sandbox.MkdirAll(ctx, out, 0o755); err != nil {
					return err
				}
				for _, n := range names {
					if err := sandbox.WriteFile(ctx, filepath.Join(out, n), []byte(n), 0o644); err != nil {
						return err
					}
				}
				return nil
			},
		}
	}
	r := NewRunner(dir)

	res, err := r.Run(context.Background(), builder("a.txt", "b.txt"), stateFile)
	require.NoError(t, err)
	require.NoFileExists(t, filepath.Join(tmp, "scratch"))
	require.DirExists(t, tmp)
	require.NotContains(t, res.Outputs, filepath.Join(tmp, "scratch"))

	res, err = r.Run(context.Background(), builder("a.txt"), stateFile)
	require.NoError(t, err)
	require.Contains(t, res.Deleted, filepath.Join(out, "b.txt"))
	require.NoFileExists(t, filepath.Join(out, "b.txt"))
	require.FileExists(t, filepath.Join(out, "a.txt"))
	require.Equal(t, []string{out, filepath.Join(out, "a.txt")}, res.Outputs)
}

func TestRun_InvalidBuilderIsConfigurationError(t *testing.T) {
	dir := realTempDir(t)
	_, err := NewRunner(dir).Run(context.Background(), &Builder{Name: "x"}, filepath.Join(dir, "x.state"))
	var ce *state.ConfigurationError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "InvalidBuilder", ce.Code)
	require.Equal(t, state.FailureClassConfiguration, state.Classify(err))
}

func TestRun_PanicBecomesBuilderError(t *testing.T) {
	dir := realTempDir(t)
	b := &Builder{
		Name: "panics",
		Body: func(ctx context.Context, inv *Invocation) error { panic("bad") },
	}
	_, err := NewRunner(dir).Run(context.Background(), b, filepath.Join(dir, "p.state"))
	var be *state.BuilderError
	require.ErrorAs(t, err, &be)
	require.ErrorContains(t, err, "panic: bad")
}

func TestRun_TraceRecordsDecisions(t *testing.T) {
	dir := realTempDir(t)
	stateFile := filepath.Join(dir, "counter.state")
	rec := trace.NewRecorder()
	r := NewRunner(dir, WithTrace(rec))
	counter := 0

	for range 2 {
		_, err := r.Run(context.Background(), counterBuilder(dir, 1, &counter), stateFile)
		require.NoError(t, err)
	}
	tr := rec.Trace("b1")
	require.NoError(t, tr.Validate())
	var kinds []trace.EventKind
	for _, e := range tr.Events {
		kinds = append(kinds, e.Kind)
	}
	// canonical order, not recording order
	require.Equal(t, []trace.EventKind{trace.EventBuilderSkipped, trace.EventBuilderExecuted}, kinds)
	require.Equal(t, trace.EventBuilderExecuted, rec.Snapshot()[0].Kind)
}
