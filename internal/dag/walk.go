package dag

import (
	"context"
	"errors"
	"fmt"
)

// State is the outcome of one builder within a Walk.
type State string

const (
	StatePending   State = "PENDING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	// StateBlocked marks builders not run because a dependency failed or
	// the walk was cancelled.
	StateBlocked State = "BLOCKED"
)

// WalkResult records what happened to each builder of a Walk.
type WalkResult struct {
	Order  []string
	States map[string]State
	Errors map[string]error
}

// Failed reports whether any builder failed or was blocked.
func (r *WalkResult) Failed() bool {
	for _, s := range r.States {
		if s != StateSucceeded {
			return true
		}
	}
	return false
}

// Err joins the builder errors in walk order.
func (r *WalkResult) Err() error {
	var errs []error
	for _, n := range r.Order {
		if err := r.Errors[n]; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Walk calls fn for every builder in subset (all builders when subset is
// nil) in topological order, one at a time. A builder whose dependency did
// not succeed is blocked; fn is never called for it.
func (g *Graph) Walk(ctx context.Context, subset []string, fn func(ctx context.Context, name string) error) *WalkResult {
	include := make(map[string]bool, len(g.names))
	if subset == nil {
		subset = g.names
	}
	for _, n := range subset {
		include[n] = true
	}

	res := &WalkResult{States: make(map[string]State, len(include)), Errors: make(map[string]error)}
	for _, name := range g.Order() {
		if !include[name] {
			continue
		}
		res.Order = append(res.Order, name)
		res.States[name] = StatePending

		if err := ctx.Err(); err != nil {
			res.States[name] = StateBlocked
			res.Errors[name] = err
			continue
		}
		blocked := ""
		for _, dep := range g.Dependencies(name) {
			if include[dep] && res.States[dep] != StateSucceeded {
				blocked = dep
				break
			}
		}
		if blocked != "" {
			res.States[name] = StateBlocked
			res.Errors[name] = fmt.Errorf("builder %s blocked: dependency %s did not succeed", name, blocked)
			continue
		}

		if err := fn(ctx, name); err != nil {
			res.States[name] = StateFailed
			res.Errors[name] = err
			continue
		}
		res.States[name] = StateSucceeded
	}
	return res
}
