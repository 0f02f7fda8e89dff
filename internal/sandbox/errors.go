package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"buildguard/internal/recovery/state"
)

var (
	// ErrNoSandbox is returned by mediated helpers called with a context
	// that carries no sandbox.
	ErrNoSandbox = errors.New("sandbox: no sandbox in context")

	// ErrStaleContext is returned by checks on a sandbox that has not been
	// entered or has already been left.
	ErrStaleContext = errors.New("sandbox: stale context, sandbox is not active")

	// ErrAccessDenied matches every DeniedError.
	ErrAccessDenied = errors.New("sandbox: access denied")
)

// DeniedError is returned by a check that refused an access. The access is
// also recorded as a Violation.
type DeniedError struct {
	Kind   Kind
	Target string
}

func (e *DeniedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("sandbox: %s access denied: %s", e.Kind, e.Target)
}

func (e *DeniedError) Is(target error) bool { return target == ErrAccessDenied }

// ViolationsError reports every violation recorded during one invocation.
type ViolationsError struct {
	Builder    string
	Violations []Violation
}

func (e *ViolationsError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Builder != "" {
		fmt.Fprintf(&b, "builder %s: ", e.Builder)
	}
	fmt.Fprintf(&b, "%d access violation(s)", len(e.Violations))
	for _, v := range e.Violations {
		b.WriteString("\n  ")
		b.WriteString(v.String())
		for _, f := range v.Stack {
			fmt.Fprintf(&b, "\n      at %s", f)
		}
	}
	return b.String()
}

// FailureClass places violation reports in the failure taxonomy.
func (e *ViolationsError) FailureClass() state.FailureClass {
	return state.FailureClassViolation
}
