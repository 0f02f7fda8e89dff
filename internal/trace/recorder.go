package trace

import (
	"slices"
	"sync"
)

// Sink receives decision events from the runner. Recording is best effort:
// a sink has no way to report failure and the runner never waits on it.
type Sink interface {
	Record(event Event)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord hands event to s. A nil sink is skipped and a panicking one
// is ignored, so tracing can never fail a build.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Record(event)
}

// Recorder keeps events in memory in arrival order. Canonical ordering is
// applied only by Trace, so interleaved recording does not change the
// result.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Snapshot copies the events recorded so far, in arrival order.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Trace returns the recorded events as a canonical trace for buildID.
func (r *Recorder) Trace(buildID string) BuildTrace {
	tr := BuildTrace{BuildID: buildID, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}
