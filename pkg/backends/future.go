// Package backends provides TaskExecutor implementations: an in-line
// synchronous executor, a bounded goroutine pool, and a remote executor that
// ships tasks to workers through a Transport.
package backends

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ZanzyTHEbar/flowgraph"
)

// ErrClosed is returned when submitting to a closed executor.
var ErrClosed = errors.New("executor is closed")

// future is the Future shared by all backends.
type future struct {
	done   chan struct{}
	once   sync.Once
	out    map[string]flowgraph.Result
	err    error
	cancel context.CancelFunc
}

func newFuture(cancel context.CancelFunc) *future {
	return &future{done: make(chan struct{}), cancel: cancel}
}

func (f *future) complete(out map[string]flowgraph.Result, err error) {
	f.once.Do(func() {
		f.out, f.err = out, err
		close(f.done)
	})
}

func (f *future) Done() <-chan struct{} {
	return f.done
}

func (f *future) Result() (map[string]flowgraph.Result, error) {
	<-f.done
	return f.out, f.err
}

func (f *future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

func runLocal(ctx context.Context, task *flowgraph.Task) (out map[string]flowgraph.Result, err error) {
	if task.Execute == nil {
		return nil, flowgraph.NewInternalError(flowgraph.StageExecution, "task "+task.ID+" has no local body", nil)
	}
	if err := ctx.Err(); err != nil {
		task.UpdateStatus(flowgraph.TaskStatusCancelled)
		return nil, flowgraph.NewCancelledError(err)
	}
	defer func() {
		if r := recover(); r != nil {
			task.UpdateStatus(flowgraph.TaskStatusFailed)
			out, err = nil, flowgraph.NewInternalError(flowgraph.StageExecution, "task panicked", panicError{r})
		}
	}()
	return task.Execute(ctx)
}

type panicError struct{ v any }

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.v)
}
