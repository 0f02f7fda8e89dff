package sandbox

import (
	"fmt"
	"runtime"
	"strings"
)

// Kind is the kind of access a Violation refers to.
type Kind string

const (
	KindRead    Kind = "read"
	KindWrite   Kind = "write"
	KindExecute Kind = "execute"
	KindNetwork Kind = "network"
)

// Frame is one entry of the call stack captured with a Violation.
type Frame struct {
	Function string
	File     string
	Line     int
}

func (f Frame) String() string {
	return fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line)
}

// Violation is an access outside the declared permissions. Violations are
// deduplicated by Kind and Target; the stack is that of the first occurrence.
type Violation struct {
	Kind   Kind
	Target string
	Stack  []Frame
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s", v.Kind, v.Target)
}

type violationKey struct {
	kind   Kind
	target string
}

const maxStackDepth = 32

// captureStack returns the caller frames above the sandbox package.
func captureStack() []Frame {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var out []Frame
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, packagePath+".") {
			out = append(out, Frame{Function: f.Function, File: f.File, Line: f.Line})
		}
		if !more {
			break
		}
	}
	return out
}

const packagePath = "buildguard/internal/sandbox"
