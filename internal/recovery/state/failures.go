package state

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an invalid builder declaration: an unresolvable
// path, a malformed pattern, or overlapping write and temporary roots.
// It is raised before any builder code runs.
type ConfigurationError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("configuration error (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// BuilderError wraps an error or panic raised by a builder body. It is
// recorded as an error message and does not prevent state persistence.
type BuilderError struct {
	Builder string
	Cause   error
}

func (e *BuilderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Builder != "" {
		return fmt.Sprintf("builder %s failed: %v", e.Builder, e.Cause)
	}
	return fmt.Sprintf("builder failed: %v", e.Cause)
}

func (e *BuilderError) Unwrap() error { return e.Cause }

// PersistenceError reports an I/O failure on the undo log or the execution
// state file. It always aborts the run.
type PersistenceError struct {
	Op    string
	Path  string
	Cause error
}

func (e *PersistenceError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("state persistence failure: %s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// CrashRecoveryError reports a recovery pass that could not complete.
// A torn trailing undo record is not an error.
type CrashRecoveryError struct {
	Path  string
	Cause error
}

func (e *CrashRecoveryError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("crash recovery failure: %s: %v", e.Path, e.Cause)
}

func (e *CrashRecoveryError) Unwrap() error { return e.Cause }

// FailureClass groups errors by how a caller must react to them.
type FailureClass string

const (
	FailureClassNone          FailureClass = ""
	FailureClassConfiguration FailureClass = "configuration"
	FailureClassViolation     FailureClass = "violation"
	FailureClassBuild         FailureClass = "build"
	FailureClassPersistence   FailureClass = "persistence"
	FailureClassRecovery      FailureClass = "recovery"
	FailureClassSystem        FailureClass = "system"
)

// Classifier is implemented by errors defined outside this package that
// belong to a failure class (for example violation reports).
type Classifier interface {
	FailureClass() FailureClass
}

// Classify maps err onto the failure taxonomy. Persistence and recovery
// failures take precedence over everything they are wrapped in, because
// they invalidate crash safety. Unknown errors are system failures.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureClassNone
	}

	var pe *PersistenceError
	if errors.As(err, &pe) && pe != nil {
		return FailureClassPersistence
	}
	var re *CrashRecoveryError
	if errors.As(err, &re) && re != nil {
		return FailureClassRecovery
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) && ce != nil {
		return FailureClassConfiguration
	}
	var cl Classifier
	if errors.As(err, &cl) && cl != nil {
		if c := cl.FailureClass(); c != FailureClassNone {
			return c
		}
	}
	var be *BuilderError
	if errors.As(err, &be) && be != nil {
		return FailureClassBuild
	}
	return FailureClassSystem
}
