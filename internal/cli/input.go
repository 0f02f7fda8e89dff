package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
)

const (
	ExitSuccess           = 0
	ExitBuildFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// Command is the subcommand of an invocation.
type Command string

const (
	CommandRun     Command = "run"
	CommandInspect Command = "inspect"
)

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Invocation is the canonical description of one CLI call. Every path is
// clean and absolute; relative paths are resolved against WorkDir.
type Invocation struct {
	Command Command
	WorkDir string

	// run
	ConfigPath string
	StateDir   string
	Builders   []string
	Escalate   bool
	TracePath  string

	// inspect
	StateFile string
	Diagnose  bool

	LogFormat LogFormat
	Debug     bool
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

const usage = `usage:
  buildguard run --config FILE [--state-dir DIR] [--builder NAME]... [--escalate] [--trace FILE]
  buildguard inspect [--diagnose] STATEFILE

common flags: --workdir DIR --log-format text|json --debug`

// ParseInvocation parses args (without the program name). workDir is used
// when --workdir is not given and must be absolute.
func ParseInvocation(args []string, workDir string) (Invocation, error) {
	if len(args) == 0 {
		return Invocation{}, invalidInvocationf("missing command\n%s", usage)
	}
	inv := Invocation{Command: Command(args[0])}
	if inv.Command != CommandRun && inv.Command != CommandInspect {
		return Invocation{}, invalidInvocationf("unknown command %q\n%s", args[0], usage)
	}

	fs := pflag.NewFlagSet("buildguard "+args[0], pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	var logFormat string
	fs.StringVar(&inv.WorkDir, "workdir", workDir, "directory relative paths are resolved against")
	fs.StringVar(&logFormat, "log-format", string(LogFormatText), "log format: text|json")
	fs.BoolVar(&inv.Debug, "debug", false, "log at debug level")
	switch inv.Command {
	case CommandRun:
		fs.StringVarP(&inv.ConfigPath, "config", "c", "", "build file (required)")
		fs.StringVar(&inv.StateDir, "state-dir", ".buildguard", "directory holding one state file per builder")
		fs.StringArrayVarP(&inv.Builders, "builder", "b", nil, "run only this builder and its dependencies (repeatable)")
		fs.BoolVar(&inv.Escalate, "escalate", false, "run every builder regardless of its previous state")
		fs.StringVar(&inv.TracePath, "trace", "", "write the decision trace as JSON to this file")
	case CommandInspect:
		fs.BoolVar(&inv.Diagnose, "diagnose", false, "also print the state header in CBOR diagnostic notation")
	}

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Invocation{}, invalidInvocationf("%s\n%s", usage, fs.FlagUsages())
		}
		return Invocation{}, invalidInvocationf("%v", err)
	}

	inv.WorkDir = filepath.Clean(inv.WorkDir)
	if inv.WorkDir == "." || !filepath.IsAbs(inv.WorkDir) {
		return Invocation{}, invalidInvocationf("--workdir must be an absolute path (got %q)", inv.WorkDir)
	}
	switch LogFormat(strings.ToLower(logFormat)) {
	case LogFormatText, LogFormatJSON:
		inv.LogFormat = LogFormat(strings.ToLower(logFormat))
	default:
		return Invocation{}, invalidInvocationf("invalid --log-format %q (expected text|json)", logFormat)
	}

	var err error
	switch inv.Command {
	case CommandRun:
		if fs.NArg() != 0 {
			return Invocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
		}
		if inv.ConfigPath == "" {
			return Invocation{}, invalidInvocationf("--config is required")
		}
		if inv.ConfigPath, err = resolveUnderWorkDir(inv.WorkDir, inv.ConfigPath); err != nil {
			return Invocation{}, err
		}
		if inv.StateDir, err = resolveUnderWorkDir(inv.WorkDir, inv.StateDir); err != nil {
			return Invocation{}, err
		}
		if strings.TrimSpace(inv.TracePath) != "" {
			if inv.TracePath, err = resolveUnderWorkDir(inv.WorkDir, inv.TracePath); err != nil {
				return Invocation{}, err
			}
		}
	case CommandInspect:
		if fs.NArg() != 1 {
			return Invocation{}, invalidInvocationf("inspect takes exactly one state file")
		}
		if inv.StateFile, err = resolveUnderWorkDir(inv.WorkDir, fs.Arg(0)); err != nil {
			return Invocation{}, err
		}
	}
	return inv, nil
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Join(workDir, clean), nil
}

// ExitCode extracts the exit code carried by an invocation error.
func ExitCode(err error) int {
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if err == nil {
		return ExitSuccess
	}
	return ExitInternalError
}
