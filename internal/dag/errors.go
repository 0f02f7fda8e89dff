package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph = errors.New("invalid builder graph")
	ErrCycleFound   = errors.New("dependency cycle")
)

// GraphError reports a build file whose builders cannot be ordered.
// Kind is ErrInvalidGraph or ErrCycleFound.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Msg
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(names []string) error {
	if len(names) == 0 {
		return &GraphError{Kind: ErrCycleFound}
	}
	return &GraphError{Kind: ErrCycleFound, Msg: strings.Join(names, " -> ")}
}
