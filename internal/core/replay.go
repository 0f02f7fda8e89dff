package core

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"buildguard/internal/recovery/state"
)

// MessageSink receives builder diagnostics. Live messages and messages
// replayed from a previous run go through the same sink.
type MessageSink interface {
	Message(builder string, m state.Message)
}

// LogSink writes messages to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Message(builder string, m state.Message) {
	if s.Logger == nil {
		return
	}
	level := slog.LevelInfo
	switch m.Severity {
	case state.SeverityError:
		level = slog.LevelError
	case state.SeverityWarning:
		level = slog.LevelWarn
	}
	s.Logger.Log(context.Background(), level, m.Text,
		"builder", builder,
		"location", m.Location,
		"line", m.Line,
		"column", m.Column,
	)
}

// Invocation is the handle a running builder body reports through.
// It is safe for concurrent use.
type Invocation struct {
	builder string
	sink    MessageSink

	mu       sync.Mutex
	messages []state.Message
}

func newInvocation(builder string, sink MessageSink) *Invocation {
	return &Invocation{builder: builder, sink: sink}
}

// Builder returns the name of the running builder.
func (i *Invocation) Builder() string { return i.builder }

// Report records m with the execution state and forwards it to the sink.
// A message with error severity fails the build, now and on every replay.
func (i *Invocation) Report(m state.Message) {
	m = m.Normalized()
	i.mu.Lock()
	i.messages = append(i.messages, m)
	i.mu.Unlock()
	if i.sink != nil {
		i.sink.Message(i.builder, m)
	}
}

// Errorf reports an error message attached to location.
func (i *Invocation) Errorf(location string, line, column int, format string, args ...any) {
	i.Report(state.Message{Location: location, Line: line, Column: column, Text: fmt.Sprintf(format, args...), Severity: state.SeverityError})
}

// Warnf reports a warning attached to location.
func (i *Invocation) Warnf(location string, line, column int, format string, args ...any) {
	i.Report(state.Message{Location: location, Line: line, Column: column, Text: fmt.Sprintf(format, args...), Severity: state.SeverityWarning})
}

// Messages returns a copy of the messages reported so far.
func (i *Invocation) Messages() []state.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.messages)
}

// replay sends the messages of a previous run to sink and returns the
// error messages among them.
func replay(builder string, messages []state.Message, sink MessageSink) []state.Message {
	var errs []state.Message
	for _, m := range messages {
		if sink != nil {
			sink.Message(builder, m)
		}
		if m.Severity == state.SeverityError {
			errs = append(errs, m)
		}
	}
	return errs
}

// BuildFailedError reports error messages, live or replayed, that fail the
// build.
type BuildFailedError struct {
	Builder  string
	Replayed bool
	Messages []state.Message
}

func (e *BuildFailedError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "builder %s failed with %d error message(s)", e.Builder, len(e.Messages))
	if e.Replayed {
		b.WriteString(" from its previous run")
	}
	for _, m := range e.Messages {
		b.WriteString("\n  ")
		b.WriteString(m.String())
	}
	return b.String()
}

func (e *BuildFailedError) FailureClass() state.FailureClass {
	return state.FailureClassBuild
}
