package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/internal/expander"
)

// CacheTag marks nodes whose values may be served from the result cache.
const CacheTag = "cache"

// Cache stores node values across executions. Get errors are treated as
// misses.
type Cache interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any) error
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Hooks  []flowgraph.NodeExecutionHook
	Cache  Cache
	Logger *zap.Logger
	// NodeTimeout bounds each node body. Zero means no limit.
	NodeTimeout time.Duration
}

// Runner evaluates the nodes of one task in order. It is shared by the
// in-process path and by remote workers.
type Runner struct {
	graph   *flowgraph.FunctionGraph
	opts    RunnerOptions
	metrics *runMetrics
}

// NewRunner creates a Runner over graph.
func NewRunner(graph *flowgraph.FunctionGraph, opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{graph: graph, opts: opts}
}

// Run evaluates task. Failures inside a branch are returned as Errored
// results; the returned error is reserved for failures that abort the whole
// execution.
func (r *Runner) Run(ctx context.Context, task *flowgraph.Task) (map[string]flowgraph.Result, error) {
	task.UpdateStatus(flowgraph.TaskStatusRunning)

	local := make(map[string]flowgraph.Result, len(task.Inputs)+len(task.Nodes))
	for k, v := range task.Inputs {
		local[k] = v
	}
	out := make(map[string]flowgraph.Result, len(task.Nodes))

	for _, name := range task.Nodes {
		if err := ctx.Err(); err != nil {
			task.UpdateStatus(flowgraph.TaskStatusCancelled)
			return nil, flowgraph.NewCancelledError(err)
		}
		n, ok := r.graph.Node(name)
		if !ok {
			task.UpdateStatus(flowgraph.TaskStatusFailed)
			return nil, flowgraph.NewInternalError(flowgraph.StageExecution,
				fmt.Sprintf("task %s names unknown node '%s'", task.ID, name), nil)
		}
		res, err := r.runNode(ctx, task, n, local)
		if err != nil {
			task.UpdateStatus(flowgraph.TaskStatusFailed)
			return nil, err
		}
		local[name] = res
		out[name] = res
	}

	task.UpdateStatus(flowgraph.TaskStatusCompleted)
	return out, nil
}

func (r *Runner) runNode(ctx context.Context, task *flowgraph.Task, n *flowgraph.Node, local map[string]flowgraph.Result) (flowgraph.Result, error) {
	info := flowgraph.NodeRunInfo{RunID: task.RunID, TaskID: task.ID, Node: n, Branch: task.Branch}
	logger := r.opts.Logger.With(
		zap.String("run_id", task.RunID),
		zap.String("task_id", task.ID),
		zap.String("node", n.Name),
		zap.Stringer("branch", task.Branch),
	)

	args, skipped, err := r.arguments(n, local)
	if err != nil {
		return flowgraph.Result{}, err
	}

	for _, h := range r.opts.Hooks {
		h.BeforeNodeExecution(ctx, info)
	}
	if skipped != nil {
		logger.Debug("node skipped", zap.String("failed_node", skipped.Node))
		res := flowgraph.Failed(skipped)
		r.after(ctx, flowgraph.NodeRunOutcome{NodeRunInfo: info, Result: res, Skipped: true})
		return res, nil
	}

	start := time.Now()
	value, cached, err := r.evaluate(ctx, n, args)
	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.nodeTimed(elapsed, cached)
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return flowgraph.Result{}, flowgraph.NewCancelledError(ctxErr)
		}
		if len(task.Branch) == 0 {
			logger.Error("node failed", zap.Error(err))
			res := flowgraph.Failed(&flowgraph.Errored{Node: n.Name, Cause: err})
			r.after(ctx, flowgraph.NodeRunOutcome{NodeRunInfo: info, Result: res, Duration: elapsed})
			return flowgraph.Result{}, flowgraph.NewNodeFailedError(n.Name, err)
		}
		logger.Warn("node failed in branch", zap.Error(err))
		res := flowgraph.Failed(&flowgraph.Errored{Node: n.Name, Branch: task.Branch, Cause: err})
		r.after(ctx, flowgraph.NodeRunOutcome{NodeRunInfo: info, Result: res, Duration: elapsed})
		return res, nil
	}

	res := flowgraph.Value(value)
	r.after(ctx, flowgraph.NodeRunOutcome{NodeRunInfo: info, Result: res, Cached: cached, Duration: elapsed})
	return res, nil
}

func (r *Runner) after(ctx context.Context, outcome flowgraph.NodeRunOutcome) {
	for _, h := range r.opts.Hooks {
		h.AfterNodeExecution(ctx, outcome)
	}
}

// arguments builds the body arguments. A failed dependency that the node
// did not opt into is returned as skipped.
func (r *Runner) arguments(n *flowgraph.Node, local map[string]flowgraph.Result) (map[string]any, *flowgraph.Errored, error) {
	args := make(map[string]any, len(n.Inputs))
	for _, dep := range n.Inputs {
		in, ok := local[dep.Name]
		if !ok {
			if dep.Optional {
				args[dep.Name] = dep.Default
				continue
			}
			return nil, nil, flowgraph.NewInternalError(flowgraph.StageExecution,
				fmt.Sprintf("no value for '%s' required by '%s'", dep.Name, n.Name), nil)
		}

		switch {
		case dep.Collected && in.IsErrored():
			return nil, in.Errored(), nil
		case dep.Collected:
			v, err := collectArgument(n, dep, in)
			if err != nil {
				return nil, nil, err
			}
			args[dep.Name] = v
		case dep.AcceptsErrors:
			args[dep.Name] = in
		case in.IsErrored():
			return nil, in.Errored(), nil
		default:
			args[dep.Name] = in.Value()
		}
	}
	return args, nil, nil
}

// collectArgument turns the gathered branch results into the collect
// parameter. Without an opt-in any failed branch escalates.
func collectArgument(n *flowgraph.Node, dep flowgraph.Dependency, in flowgraph.Result) (any, error) {
	seq, ok := in.Value().([]flowgraph.Result)
	if !ok && in.Value() != nil {
		return nil, flowgraph.NewInternalError(flowgraph.StageExecution,
			fmt.Sprintf("collect '%s' received %T", n.Name, in.Value()), nil)
	}
	if dep.AcceptsErrors {
		if seq == nil {
			seq = []flowgraph.Result{}
		}
		return seq, nil
	}

	out := reflect.MakeSlice(dep.Type, len(seq), len(seq))
	for i, item := range seq {
		if item.IsErrored() {
			return nil, flowgraph.NewEscalatedError(n.Name, item.Errored())
		}
		v, err := expander.ArgValue(item.Value(), dep.Type.Elem())
		if err != nil {
			return nil, flowgraph.NewNodeFailedError(n.Name, fmt.Errorf("branch %d: %w", i, err))
		}
		out.Index(i).Set(v)
	}
	return out.Interface(), nil
}

func (r *Runner) evaluate(ctx context.Context, n *flowgraph.Node, args map[string]any) (any, bool, error) {
	key, cacheable := r.cacheKey(n, args)
	if cacheable {
		if v, err := r.opts.Cache.Get(ctx, key); err == nil {
			return v, true, nil
		}
	}

	nodeCtx := ctx
	if r.opts.NodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, r.opts.NodeTimeout)
		defer cancel()
	}

	value, err := n.Body(nodeCtx, args)
	if err == nil && n.Kind == flowgraph.KindExpand {
		value, err = expander.Materialize(nodeCtx, value)
	}
	if err == nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("node exceeded %s: %w", r.opts.NodeTimeout, context.DeadlineExceeded)
	}
	if err != nil {
		return nil, false, err
	}

	if cacheable {
		if err := r.opts.Cache.Set(ctx, key, value); err != nil {
			r.opts.Logger.Debug("result not cached", zap.String("node", n.Name), zap.Error(err))
		}
	}
	return value, false, nil
}

// cacheKey is the node name plus its JSON-encoded arguments. Arguments that
// do not encode make the node uncacheable for this call.
func (r *Runner) cacheKey(n *flowgraph.Node, args map[string]any) (string, bool) {
	if r.opts.Cache == nil || !n.HasTag(CacheTag) {
		return "", false
	}
	for _, dep := range n.Inputs {
		if dep.AcceptsErrors {
			return "", false
		}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return n.Name + "|" + string(b), true
}
