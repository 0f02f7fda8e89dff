package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"buildguard/internal/sandbox"
)

// Exec runs an external command as a builder body.
//
// The command must be declared in the builder's Exec list, exactly as
// Argv[0] is written. The child starts with an empty environment; only
// the properties named in Env are passed, and each is recorded as read.
// The child's own file accesses are not observed, so everything it reads
// or writes has to be declared as an input or an output.
type Exec struct {
	Argv []string
	Dir  string
	Env  []string

	// Stdout, when set, is an output file receiving the command's
	// standard output.
	Stdout string
}

// Body returns the builder body running the command.
func (e Exec) Body() Body {
	return func(ctx context.Context, inv *Invocation) error {
		return e.run(ctx, inv)
	}
}

func (e Exec) run(ctx context.Context, inv *Invocation) error {
	if len(e.Argv) == 0 || e.Argv[0] == "" {
		return errors.New("exec: command is empty")
	}
	cmd, err := sandbox.Command(ctx, e.Argv[0], e.Argv[1:]...)
	if err != nil {
		return err
	}
	cmd.Dir = e.Dir
	cmd.Env, err = isolatedEnv(ctx, e.Env)
	if err != nil {
		return err
	}
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("exec %s cancelled: %w", e.Argv[0], ctx.Err())
	}

	if s := strings.TrimSpace(stderr.String()); s != "" {
		inv.Warnf(e.Argv[0], 0, 0, "%s", s)
	}
	if e.Stdout != "" {
		if err := sandbox.MkdirAll(ctx, filepath.Dir(e.Stdout), 0o755); err != nil {
			return err
		}
		if err := sandbox.WriteFile(ctx, e.Stdout, stdout.Bytes(), 0o644); err != nil {
			return err
		}
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(runErr, &exitErr):
		return fmt.Errorf("exec %s: exit status %d", e.Argv[0], exitErr.ExitCode())
	case runErr != nil:
		return fmt.Errorf("exec %s: %w", e.Argv[0], runErr)
	}
	return nil
}

// isolatedEnv builds the child environment from the named properties.
// Unset properties are left out rather than passed empty.
func isolatedEnv(ctx context.Context, names []string) ([]string, error) {
	env := []string{}
	for _, name := range names {
		v, ok, err := sandbox.LookupEnv(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			env = append(env, name+"="+v)
		}
	}
	return env, nil
}

