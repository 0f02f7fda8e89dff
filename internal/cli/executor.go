package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"buildguard/internal/core"
	"buildguard/internal/dag"
	"buildguard/internal/digest"
	"buildguard/internal/recovery/state"
	"buildguard/internal/trace"
)

// CLIResult is the outcome of one invocation.
type CLIResult struct {
	ExitCode int
	Walk     *dag.WalkResult
	Builders map[string]*core.Result
}

// Execute runs a canonical invocation. Builder messages go to stdout, logs
// to stderr.
func Execute(ctx context.Context, inv Invocation, stdout, stderr io.Writer) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	defer func() {
		if r := recover(); r != nil {
			res.ExitCode = ExitInternalError
			execErr = fmt.Errorf("panic: %v", r)
		}
	}()

	switch inv.Command {
	case CommandRun:
		return execute(ctx, inv, stdout, stderr)
	case CommandInspect:
		return inspect(inv, stdout)
	}
	return res, invalidInvocationf("unknown command %q", inv.Command)
}

func execute(ctx context.Context, inv Invocation, stdout, stderr io.Writer) (CLIResult, error) {
	res := CLIResult{ExitCode: ExitInternalError, Builders: make(map[string]*core.Result)}
	logger := newLogger(inv, stderr)

	bf, err := LoadBuildFile(inv.ConfigPath)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	g, err := bf.Graph()
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	var subset []string
	if len(inv.Builders) > 0 {
		if subset, err = g.Closure(inv.Builders); err != nil {
			res.ExitCode = ExitConfigError
			return res, err
		}
	}

	rec := trace.NewRecorder()
	runner := core.NewRunner(bf.dir,
		core.WithLogger(logger),
		core.WithSink(&writerSink{w: stdout}),
		core.WithTrace(rec),
		core.WithEscalation(inv.Escalate),
	)

	walk := g.Walk(ctx, subset, func(ctx context.Context, name string) error {
		spec, _ := bf.Spec(name)
		stateFile := filepath.Join(inv.StateDir, name+".state")
		r, err := runner.Run(ctx, bf.Builder(spec), stateFile)
		if r != nil {
			res.Builders[name] = r
		}
		if err != nil {
			logger.Error("builder failed", "builder", name, "class", state.Classify(err), "error", err)
		}
		return err
	})
	res.Walk = walk

	if inv.TracePath != "" {
		tr := rec.Trace(digest.HashString(inv.ConfigPath).String()[:16])
		if err := writeTrace(inv.TracePath, tr); err != nil {
			return res, fmt.Errorf("write trace: %w", err)
		}
	}

	res.ExitCode = exitCodeFor(walk)
	return res, walk.Err()
}

// exitCodeFor maps the worst failure of a walk to an exit code. Blocked
// builders are accounted for by the failure that blocked them.
func exitCodeFor(walk *dag.WalkResult) int {
	code := ExitSuccess
	for _, name := range walk.Order {
		var c int
		switch walk.States[name] {
		case dag.StateSucceeded:
			continue
		case dag.StateBlocked:
			c = ExitBuildFailure
		default:
			switch state.Classify(walk.Errors[name]) {
			case state.FailureClassConfiguration:
				c = ExitConfigError
			case state.FailureClassViolation, state.FailureClassBuild:
				c = ExitBuildFailure
			default:
				c = ExitInternalError
			}
		}
		code = max(code, c)
	}
	return code
}

// writerSink prints builder messages, one per line.
type writerSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *writerSink) Message(builder string, m state.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "[%s] %s\n", builder, m.String())
}

func writeTrace(path string, tr trace.BuildTrace) error {
	b, err := tr.CanonicalJSON()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, b, 0o644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
