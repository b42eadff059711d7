// Package engine runs an execution plan: it enumerates the branches of every
// task group, materialises tasks with their inputs, submits them wave by
// wave to a TaskExecutor and assembles the requested outputs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/internal/expander"
	"github.com/ZanzyTHEbar/flowgraph/internal/grouper"
)

// Options configures an Engine.
type Options struct {
	Executor  flowgraph.TaskExecutor
	TaskHooks []flowgraph.TaskExecutionHook
	Runner    RunnerOptions
	Logger    *zap.Logger
}

// Engine executes plans over one graph. It is safe for concurrent use; all
// per-run state lives in Run.
type Engine struct {
	graph *flowgraph.FunctionGraph
	opts  Options
}

// Outcome is the result of a run.
type Outcome struct {
	Values  map[string]any
	Metrics flowgraph.ExecutionMetrics
}

// New creates an Engine. Executor must be set.
func New(graph *flowgraph.FunctionGraph, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Runner.Logger == nil {
		opts.Runner.Logger = opts.Logger
	}
	return &Engine{graph: graph, opts: opts}
}

// Run executes plan. provided holds the override, input and config values
// the resolver selected. The outcome is never nil; on error it carries only
// metrics.
func (e *Engine) Run(ctx context.Context, runID string, plan *grouper.Plan, provided map[string]any) (*Outcome, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	start := time.Now()
	metrics := &runMetrics{}
	logger := e.opts.Logger.With(zap.String("run_id", runID))

	runner := NewRunner(e.graph, e.opts.Runner)
	runner.metrics = metrics

	st := newState(e.graph, plan)
	fail := func(err error) (*Outcome, error) {
		metrics.finish(time.Since(start))
		logger.Warn("execution failed", zap.Error(err))
		return &Outcome{Metrics: metrics.Copy()}, err
	}

	if err := e.seed(ctx, st, plan, provided, metrics); err != nil {
		return fail(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, wave := range plan.Waves {
		if err := runCtx.Err(); err != nil {
			return fail(flowgraph.NewCancelledError(err))
		}
		logger.Debug("running wave", zap.Int("wave", i), zap.Int("groups", len(wave)))
		if err := e.runWave(runCtx, cancel, runID, runner, st, wave, metrics); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !flowgraph.IsCancelled(err) {
				err = flowgraph.NewCancelledError(ctxErr)
			}
			return fail(err)
		}
	}

	values := make(map[string]any, len(plan.Outputs))
	for _, out := range plan.Outputs {
		if v, ok := provided[out]; ok {
			values[out] = v
			continue
		}
		r, ok := st.get(out, nil)
		if !ok {
			return fail(flowgraph.NewInternalError(flowgraph.StageExecution,
				fmt.Sprintf("output '%s' was not computed", out), nil))
		}
		if r.IsErrored() {
			return fail(flowgraph.NewNodeFailedError(r.Errored().Node, r.Errored()))
		}
		values[out] = r.Value()
	}

	metrics.finish(time.Since(start))
	m := metrics.Copy()
	logger.Debug("execution finished",
		zap.Int("tasks", m.TasksSubmitted),
		zap.Int("branches", m.BranchesSpawned),
		zap.Duration("duration", m.TotalDuration))
	return &Outcome{Values: values, Metrics: m}, nil
}

// seed stores caller-supplied values. A supplied expand must be a sequence.
func (e *Engine) seed(ctx context.Context, st *state, plan *grouper.Plan, provided map[string]any, metrics *runMetrics) error {
	for name, v := range provided {
		if !plan.IsSource(name) {
			st.put(name, nil, flowgraph.Value(v))
			continue
		}
		values, err := expander.Materialize(ctx, v)
		if err != nil {
			return flowgraph.NewResolutionError(flowgraph.ErrCodeTypeMismatch,
				fmt.Sprintf("value supplied for expand '%s' is not a sequence", name), err, name)
		}
		st.put(name, nil, flowgraph.Value(values))
		metrics.branchesSpawned(len(values))
	}
	return nil
}

// runWave submits one task per group instance and waits for all of them,
// even after a failure.
func (e *Engine) runWave(ctx context.Context, cancel context.CancelFunc, runID string, runner *Runner,
	st *state, wave []*grouper.Group, metrics *runMetrics) error {

	var tasks []*flowgraph.Task
	for _, g := range wave {
		for _, path := range st.instances(g.Scope) {
			inputs, err := st.inputs(g, path)
			if err != nil {
				return err
			}
			task := &flowgraph.Task{
				ID:     uuid.NewString(),
				RunID:  runID,
				Group:  g.ID,
				Nodes:  append([]string(nil), g.Nodes...),
				Branch: path,
				Inputs: inputs,
			}
			task.Execute = func(ctx context.Context) (map[string]flowgraph.Result, error) {
				return runner.Run(ctx, task)
			}
			tasks = append(tasks, task)
		}
	}

	var (
		futures   []flowgraph.Future
		submitted []*flowgraph.Task
		submitErr error
	)
	for _, task := range tasks {
		for _, h := range e.opts.TaskHooks {
			h.BeforeTaskSubmission(ctx, task)
		}
		f, err := e.opts.Executor.Submit(ctx, task)
		if err != nil {
			submitErr = flowgraph.NewExecutionError(flowgraph.ErrCodeExecutor,
				fmt.Sprintf("submitting task for group '%s'", task.Group), err, task.Nodes...)
			for _, h := range e.opts.TaskHooks {
				h.AfterTaskCompletion(ctx, task, submitErr)
			}
			cancel()
			break
		}
		metrics.taskSubmitted()
		futures = append(futures, f)
		submitted = append(submitted, task)

		// Inline backends finish before Submit returns.
		if failedEarly(f) {
			cancel()
			break
		}
	}

	_, waitErr := flowgraph.AwaitAll(futures, func(error) { cancel() })

	for i, f := range futures {
		task := submitted[i]
		out, err := f.Result()
		if err != nil {
			err = asExecutionError(err)
		}
		for _, h := range e.opts.TaskHooks {
			h.AfterTaskCompletion(ctx, task, err)
		}
		if err != nil {
			continue
		}
		for _, name := range task.Nodes {
			r, ok := out[name]
			if !ok {
				continue
			}
			st.put(name, task.Branch, r)
			metrics.nodeFinished(name, r)
			if n, _ := e.graph.Node(name); n.Kind == flowgraph.KindExpand && !r.IsErrored() {
				values, _ := r.Value().([]any)
				metrics.branchesSpawned(len(values))
			}
		}
	}

	if submitErr != nil {
		return submitErr
	}
	if waitErr != nil {
		return asExecutionError(waitErr)
	}
	return nil
}

func failedEarly(f flowgraph.Future) bool {
	select {
	case <-f.Done():
		_, err := f.Result()
		return err != nil
	default:
		return false
	}
}

func asExecutionError(err error) error {
	var fe *flowgraph.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return flowgraph.NewCancelledError(err)
	}
	return flowgraph.NewExecutionError(flowgraph.ErrCodeExecutor, "executor failed", err)
}
