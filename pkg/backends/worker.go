package backends

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/internal/engine"
)

// Worker consumes tasks dispatched by a Remote executor and runs them
// against its own copy of the graph.
type Worker struct {
	transport   Transport
	codec       *Codec
	runner      *engine.Runner
	queue       string
	concurrency int
	logger      *zap.Logger
	runnerOpts  engine.RunnerOptions
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerQueue sets the queue to consume.
func WithWorkerQueue(queue string) WorkerOption {
	return func(w *Worker) {
		if queue != "" {
			w.queue = queue
		}
	}
}

// WithConcurrency sets how many tasks the worker runs at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(logger *zap.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithNodeHooks runs hooks around every node the worker evaluates.
func WithNodeHooks(hooks ...flowgraph.NodeExecutionHook) WorkerOption {
	return func(w *Worker) {
		w.runnerOpts.Hooks = append(w.runnerOpts.Hooks, hooks...)
	}
}

// NewWorker creates a Worker for graph.
func NewWorker(graph *flowgraph.FunctionGraph, transport Transport, opts ...WorkerOption) *Worker {
	w := &Worker{
		transport:   transport,
		codec:       NewCodec(graph),
		queue:       DefaultQueue,
		concurrency: 1,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.runnerOpts.Logger = w.logger
	w.runner = engine.NewRunner(graph, w.runnerOpts)
	return w
}

// Run consumes tasks until ctx is cancelled or the transport fails.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", zap.String("queue", w.queue), zap.Int("concurrency", w.concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.consume(gctx)
		})
	}
	err := g.Wait()
	w.logger.Info("worker stopped", zap.Error(err))
	return err
}

func (w *Worker) consume(ctx context.Context) error {
	for {
		payload, err := w.transport.Receive(ctx, w.queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := w.handle(ctx, payload); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle runs one task and publishes its reply. A task that cannot be
// decoded is answered with the decode error when its id is readable.
func (w *Worker) handle(ctx context.Context, payload []byte) error {
	task, err := w.codec.DecodeTask(payload)
	if err != nil {
		var head struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(payload, &head) != nil || head.ID == "" {
			w.logger.Error("dropping unreadable task", zap.Error(err))
			return nil
		}
		reply, encErr := w.codec.EncodeReply(head.ID, nil, err)
		if encErr != nil {
			return encErr
		}
		return w.transport.Reply(ctx, head.ID, reply)
	}

	logger := w.logger.With(zap.String("run_id", task.RunID), zap.String("task_id", task.ID))
	logger.Debug("task received", zap.String("group", task.Group), zap.Stringer("branch", task.Branch))

	out, runErr := w.runner.Run(ctx, task)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Warn("task failed", zap.Error(runErr))
	}
	reply, err := w.codec.EncodeReply(task.ID, out, runErr)
	if err != nil {
		return err
	}
	return w.transport.Reply(ctx, task.ID, reply)
}
