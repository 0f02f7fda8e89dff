package sandbox

import (
	"context"
	"sync"
)

type ctxKey struct{}

// WithSandbox returns a context carrying s. Mediated helpers called with the
// returned context, or any context derived from it, are checked against s.
func WithSandbox(ctx context.Context, s *Sandbox) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the sandbox carried by ctx, or ErrNoSandbox.
func FromContext(ctx context.Context) (*Sandbox, error) {
	if ctx == nil {
		return nil, ErrNoSandbox
	}
	s, _ := ctx.Value(ctxKey{}).(*Sandbox)
	if s == nil {
		return nil, ErrNoSandbox
	}
	return s, nil
}

func activeFrom(ctx context.Context) (*Sandbox, error) {
	s, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.active(); err != nil {
		return nil, err
	}
	return s, nil
}

// Go runs fn on a new goroutine with ctx, the only way builder code should
// hand its sandbox to a worker. fn is not started when ctx carries no
// active sandbox. The returned function waits for fn and returns its error;
// it may be called more than once.
func Go(ctx context.Context, fn func(context.Context) error) (wait func() error) {
	done := make(chan error, 1)
	go func() {
		if _, err := activeFrom(ctx); err != nil {
			done <- err
			return
		}
		done <- fn(ctx)
	}()
	return sync.OnceValue(func() error { return <-done })
}
