package core

import (
	"log/slog"
	"maps"
	"net/http"

	"buildguard/internal/sandbox"
	"buildguard/internal/trace"
)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger. Decisions are logged at Info,
// violations at Warn.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSink sets where builder messages go. The default logs them.
func WithSink(sink MessageSink) Option {
	return func(r *Runner) { r.sink = sink }
}

// WithTracker registers a collaborator notified of every output write.
func WithTracker(tracker sandbox.OutputTracker) Option {
	return func(r *Runner) { r.tracker = tracker }
}

// WithTrace records decision events into sink.
func WithTrace(sink trace.Sink) Option {
	return func(r *Runner) { r.trace = sink }
}

// WithProperties replaces the process environment as property source.
func WithProperties(props map[string]string) Option {
	return func(r *Runner) { r.properties = maps.Clone(props) }
}

// WithEscalation forces every builder to run regardless of its digest.
func WithEscalation(escalate bool) Option {
	return func(r *Runner) { r.escalate = escalate }
}

// WithHashConcurrency bounds parallel file hashing per directory input.
func WithHashConcurrency(n int) Option {
	return func(r *Runner) { r.engine.Concurrency = n }
}

// WithHTTPClient sets the client used to digest remote resources.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.engine.HTTPClient = c }
}
