package backends

import (
	"context"

	"github.com/ZanzyTHEbar/flowgraph"
)

// Synchronous runs each task on the submitting goroutine. It is the default
// executor.
type Synchronous struct{}

// NewSynchronous creates a Synchronous executor.
func NewSynchronous() *Synchronous {
	return &Synchronous{}
}

// Submit runs task to completion before returning.
func (s *Synchronous) Submit(ctx context.Context, task *flowgraph.Task) (flowgraph.Future, error) {
	f := newFuture(nil)
	f.complete(runLocal(ctx, task))
	return f, nil
}

func (s *Synchronous) Close() error {
	return nil
}
