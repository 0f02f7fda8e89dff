package state

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"buildguard/internal/digest"
)

// Severity is the level of a recorded diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityError, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// Message is a diagnostic produced by a builder. Messages are persisted with
// the execution state and replayed verbatim when the builder is skipped.
type Message struct {
	Location string   `cbor:"1,keyasint,omitempty" json:"location,omitempty"`
	Line     int      `cbor:"2,keyasint,omitempty" json:"line,omitempty"`
	Column   int      `cbor:"3,keyasint,omitempty" json:"column,omitempty"`
	Text     string   `cbor:"4,keyasint" json:"text"`
	Severity Severity `cbor:"5,keyasint" json:"severity"`
	Cause    string   `cbor:"6,keyasint,omitempty" json:"cause,omitempty"`
}

func (m Message) Validate() error {
	var errs []error
	if strings.TrimSpace(m.Text) == "" {
		errs = append(errs, errors.New("text is required"))
	}
	if !m.Severity.valid() {
		errs = append(errs, fmt.Errorf("invalid severity %q", m.Severity))
	}
	if m.Line < 0 || m.Column < 0 {
		errs = append(errs, errors.New("line and column must be >= 0"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Normalized returns m in a form that always passes Validate. Blank text
// becomes "(no message)", an empty severity becomes info and an unknown
// one becomes error. Negative positions are clamped to zero.
func (m Message) Normalized() Message {
	switch {
	case m.Severity == "":
		m.Severity = SeverityInfo
	case !m.Severity.valid():
		m.Severity = SeverityError
	}
	if strings.TrimSpace(m.Text) == "" {
		m.Text = "(no message)"
	}
	m.Line, m.Column = max(m.Line, 0), max(m.Column, 0)
	return m
}

// String renders the message in the conventional "file:line:col: severity: text" form.
func (m Message) String() string {
	var b strings.Builder
	if m.Location != "" {
		b.WriteString(m.Location)
		if m.Line > 0 {
			fmt.Fprintf(&b, ":%d", m.Line)
			if m.Column > 0 {
				fmt.Fprintf(&b, ":%d", m.Column)
			}
		}
		b.WriteString(": ")
	}
	b.WriteString(string(m.Severity))
	b.WriteString(": ")
	b.WriteString(m.Text)
	if m.Cause != "" {
		b.WriteString(" (caused by: ")
		b.WriteString(m.Cause)
		b.WriteString(")")
	}
	return b.String()
}

// ExecutionState is the durable record of one successful builder run.
//
// OutputPaths is stored in the record header, separately from the other
// fields, so it survives a change to the encoding of the remainder.
type ExecutionState struct {
	InputsDigest       *digest.Digest         `cbor:"1,keyasint"`
	Properties         map[string]digest.Hash `cbor:"2,keyasint"`
	ClasspathDigest    digest.Hash            `cbor:"3,keyasint"`
	CompileSourceRoots []string               `cbor:"4,keyasint"`
	ResourceRoots      []string               `cbor:"5,keyasint"`
	Messages           []Message              `cbor:"6,keyasint"`
	ExceptionsDigest   map[string]digest.Hash `cbor:"7,keyasint"`

	OutputPaths []string `cbor:"-"`
}

func (s *ExecutionState) Validate() error {
	if s == nil {
		return errors.New("nil ExecutionState")
	}
	var errs []error
	if s.InputsDigest == nil {
		errs = append(errs, errors.New("inputs digest is required"))
	}
	for i, p := range s.OutputPaths {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("output_paths[%d] must not be empty", i))
		}
	}
	for i, m := range s.Messages {
		if err := m.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("messages[%d]: %w", i, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// HasErrors reports whether any recorded message has error severity.
func (s *ExecutionState) HasErrors() bool {
	if s == nil {
		return false
	}
	return slices.ContainsFunc(s.Messages, func(m Message) bool {
		return m.Severity == SeverityError
	})
}

// normalize sorts and compacts the set-valued fields so that equal states
// encode to identical bytes.
func (s *ExecutionState) normalize() {
	s.OutputPaths = sortedSet(s.OutputPaths)
	s.CompileSourceRoots = sortedSet(s.CompileSourceRoots)
	s.ResourceRoots = sortedSet(s.ResourceRoots)
}

func sortedSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
