package backends

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph"
)

// Remote ships tasks to workers through a Transport. Workers must be built
// from the same modules and configuration so node names and types agree.
type Remote struct {
	transport Transport
	codec     *Codec
	queue     string
	logger    *zap.Logger

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// RemoteOption configures a Remote executor.
type RemoteOption func(*Remote)

// WithQueue sets the task queue name.
func WithQueue(queue string) RemoteOption {
	return func(r *Remote) {
		if queue != "" {
			r.queue = queue
		}
	}
}

// WithRemoteLogger sets the executor's logger.
func WithRemoteLogger(logger *zap.Logger) RemoteOption {
	return func(r *Remote) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRemote creates a Remote executor for graph.
func NewRemote(transport Transport, graph *flowgraph.FunctionGraph, opts ...RemoteOption) *Remote {
	r := &Remote{
		transport: transport,
		codec:     NewCodec(graph),
		queue:     DefaultQueue,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit encodes and dispatches task. Cancelling the future stops waiting
// for the reply.
func (r *Remote) Submit(ctx context.Context, task *flowgraph.Task) (flowgraph.Future, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.pending.Add(1)
	r.mu.Unlock()

	payload, err := r.codec.EncodeTask(task)
	if err != nil {
		r.pending.Done()
		return nil, err
	}
	if err := r.transport.Dispatch(ctx, r.queue, payload); err != nil {
		r.pending.Done()
		return nil, err
	}
	r.logger.Debug("task dispatched",
		zap.String("task_id", task.ID),
		zap.String("group", task.Group),
		zap.String("queue", r.queue))

	waitCtx, cancel := context.WithCancel(ctx)
	f := newFuture(cancel)
	go func() {
		defer r.pending.Done()
		defer cancel()
		f.complete(r.await(waitCtx, task))
	}()
	return f, nil
}

func (r *Remote) await(ctx context.Context, task *flowgraph.Task) (map[string]flowgraph.Result, error) {
	raw, err := r.transport.Await(ctx, task.ID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, flowgraph.NewCancelledError(err)
		}
		return nil, flowgraph.NewExecutionError(flowgraph.ErrCodeExecutor,
			fmt.Sprintf("awaiting task %s", task.ID), err, task.Nodes...)
	}
	id, out, err := r.codec.DecodeReply(raw)
	if err != nil {
		return nil, err
	}
	if id != task.ID {
		return nil, flowgraph.NewInternalError(flowgraph.StageExecution,
			fmt.Sprintf("reply for task %s delivered to %s", id, task.ID), nil)
	}
	return out, nil
}

// Close waits for outstanding replies. The transport is owned by the caller.
func (r *Remote) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.pending.Wait()
	return nil
}
