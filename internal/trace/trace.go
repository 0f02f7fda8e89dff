package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// BuildTrace is the canonical record of the decisions taken for a set of
// builders in one invocation.
//
// It captures logical facts only: which builders were recovered, skipped,
// executed or failed, which outputs were deleted and which violations were
// recorded. No timestamps, durations or error strings; two invocations that
// take the same decisions produce byte-identical traces.
type BuildTrace struct {
	// BuildID identifies the build configuration (for example the hash of
	// the build file).
	BuildID string
	Events  []Event
}

// EventKind discriminates Events. The string values are part of the
// canonical bytes; do not rename.
type EventKind string

const (
	EventBuilderRecovered  EventKind = "BuilderRecovered"
	EventOutputDeleted     EventKind = "OutputDeleted"
	EventBuilderSkipped    EventKind = "BuilderSkipped"
	EventBuilderExecuted   EventKind = "BuilderExecuted"
	EventViolationRecorded EventKind = "ViolationRecorded"
	EventBuilderFailed     EventKind = "BuilderFailed"
)

// Event is one logical decision.
//
// Reason is a stable reason code ("InputsChanged", "Escalated", "CrashRecovered",
// "Obsolete", "read", ...). Paths lists the affected files; it is sorted during
// canonicalization.
type Event struct {
	Kind    EventKind
	Builder string
	Reason  string
	Paths   []string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *BuildTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.BuildID == "" {
		return errors.New("buildId is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Builder == "" {
			return fmt.Errorf("events[%d].builder is required for kind %q", i, e.Kind)
		}
		for j, p := range e.Paths {
			if p == "" {
				return fmt.Errorf("events[%d].paths[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts the trace into its canonical form: events ordered by
// (builder, kind order, reason, paths), paths sorted, empty path lists nil.
func (t *BuildTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Paths) == 0 {
			t.Events[i].Paths = nil
			continue
		}
		paths := slices.Clone(t.Events[i].Paths)
		slices.Sort(paths)
		t.Events[i].Paths = paths
	}

	slices.SortStableFunc(t.Events, func(a, b Event) int {
		if c := strings.Compare(a.Builder, b.Builder); c != 0 {
			return c
		}
		if c := kindOrder(a.Kind) - kindOrder(b.Kind); c != 0 {
			return c
		}
		if c := strings.Compare(a.Reason, b.Reason); c != 0 {
			return c
		}
		return slices.Compare(a.Paths, b.Paths)
	})
}

// kindOrder follows the order in which the orchestrator takes decisions.
func kindOrder(k EventKind) int {
	switch k {
	case EventBuilderRecovered:
		return 10
	case EventOutputDeleted:
		return 20
	case EventBuilderSkipped:
		return 30
	case EventBuilderExecuted:
		return 40
	case EventViolationRecorded:
		return 50
	case EventBuilderFailed:
		return 60
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical JSON encoding of the trace. It works
// on a copy and leaves the receiver untouched.
func (t BuildTrace) CanonicalJSON() ([]byte, error) {
	c := BuildTrace{BuildID: t.BuildID, Events: slices.Clone(t.Events)}
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the hex trace hash of the canonical JSON bytes.
func (t BuildTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON fixes field order.
func (t BuildTrace) MarshalJSON() ([]byte, error) {
	if t.BuildID == "" {
		return nil, errors.New("buildId is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"buildId":`)
	id, _ := json.Marshal(t.BuildID)
	buf.Write(id)

	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	writeField := func(name string, v any) {
		b, _ := json.Marshal(v)
		buf.WriteString(`"` + name + `":`)
		buf.Write(b)
	}

	buf.WriteByte('{')
	writeField("kind", string(e.Kind))
	if e.Builder != "" {
		buf.WriteByte(',')
		writeField("builder", e.Builder)
	}
	if e.Reason != "" {
		buf.WriteByte(',')
		writeField("reason", e.Reason)
	}
	if len(e.Paths) > 0 {
		paths := slices.Clone(e.Paths)
		slices.Sort(paths)
		buf.WriteByte(',')
		writeField("paths", paths)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
