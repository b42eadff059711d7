package driver

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/internal/engine"
	"github.com/ZanzyTHEbar/flowgraph/internal/grouper"
	"github.com/ZanzyTHEbar/flowgraph/internal/resolver"
)

// ExecuteOption configures one call.
type ExecuteOption func(*callOptions)

type callOptions struct {
	inputs    map[string]any
	overrides map[string]any
	executor  flowgraph.TaskExecutor
	runID     string
}

// WithInputs supplies values for external inputs. An input named like a
// node replaces that node's computation.
func WithInputs(inputs map[string]any) ExecuteOption {
	return func(o *callOptions) {
		for k, v := range inputs {
			o.inputs[k] = v
		}
	}
}

// WithOverrides short-circuits the named nodes with the given values. Their
// upstream is not computed unless something else needs it.
func WithOverrides(overrides map[string]any) ExecuteOption {
	return func(o *callOptions) {
		for k, v := range overrides {
			o.overrides[k] = v
		}
	}
}

// Using runs this call on executor instead of the driver's default.
func Using(executor flowgraph.TaskExecutor) ExecuteOption {
	return func(o *callOptions) {
		o.executor = executor
	}
}

// WithRunID sets the id reported to hooks and events.
func WithRunID(id string) ExecuteOption {
	return func(o *callOptions) {
		o.runID = id
	}
}

// Execute computes outputs and returns their values keyed by name. Build,
// resolution and validation failures are returned before any node runs.
func (d *Driver) Execute(ctx context.Context, outputs []string, opts ...ExecuteOption) (map[string]any, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	rc := d.newRun(outputs, opts)
	return d.machine().Execute(ctx, rc)
}

// Materialize executes outputs and shapes them with the result builder.
func (d *Driver) Materialize(ctx context.Context, outputs []string, opts ...ExecuteOption) (any, error) {
	values, err := d.Execute(ctx, outputs, opts...)
	if err != nil {
		return nil, err
	}
	return d.builder.Build(outputs, values)
}

func (d *Driver) newRun(outputs []string, opts []ExecuteOption) *RunContext {
	o := &callOptions{
		inputs:    make(map[string]any),
		overrides: make(map[string]any),
		executor:  d.executor,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	req := resolver.Request{
		Outputs:   append([]string(nil), outputs...),
		Inputs:    o.inputs,
		Overrides: o.overrides,
	}
	return NewRunContext(o.runID, req, o.executor)
}

// machine wires the execution phases: resolve the minimal subgraph, lay it
// out into groups and regions, then run it.
func (d *Driver) machine() *StateMachine {
	sm := NewStateMachine(d.logger)
	sm.RegisterTransition(StateInit, func(context.Context, *RunContext) (RunState, error) {
		return StateResolving, nil
	})
	sm.RegisterTransition(StateResolving, d.resolve)
	sm.RegisterTransition(StatePlanning, d.plan)
	sm.RegisterTransition(StateExecuting, d.run)
	return sm
}

func (d *Driver) resolve(_ context.Context, rc *RunContext) (RunState, error) {
	sub, err := resolver.Resolve(d.graph, rc.Request, d.checker)
	if err != nil {
		return StateError, err
	}
	rc.Subgraph = sub
	return StatePlanning, nil
}

func (d *Driver) plan(_ context.Context, rc *RunContext) (RunState, error) {
	p, err := grouper.Build(d.graph, rc.Subgraph)
	if err != nil {
		return StateError, err
	}
	rc.Plan = p
	return StateExecuting, nil
}

func (d *Driver) run(ctx context.Context, rc *RunContext) (RunState, error) {
	info := flowgraph.GraphRunInfo{
		RunID:     rc.ID,
		Graph:     d.graph,
		Outputs:   rc.Outputs,
		Inputs:    rc.Request.Inputs,
		Overrides: rc.Request.Overrides,
		Regions:   rc.Plan.Regions,
		Groups:    len(rc.Plan.Groups),
	}
	for _, h := range d.graphHooks {
		h.BeforeGraphExecution(ctx, info)
	}

	eng := engine.New(d.graph, engine.Options{
		Executor:  rc.Executor,
		TaskHooks: d.taskHooks,
		Runner: engine.RunnerOptions{
			Hooks:       d.nodeHooks,
			Cache:       d.cache,
			Logger:      d.logger,
			NodeTimeout: d.timeout,
		},
		Logger: d.logger,
	})

	start := time.Now()
	out, err := eng.Run(ctx, rc.ID, rc.Plan, rc.Subgraph.Provided)
	rc.Metrics = out.Metrics

	outcome := flowgraph.GraphRunOutcome{
		GraphRunInfo: info,
		Results:      out.Values,
		Err:          err,
		Duration:     time.Since(start),
		Metrics:      out.Metrics,
	}
	for _, h := range d.graphHooks {
		h.AfterGraphExecution(ctx, outcome)
	}
	if err != nil {
		return StateError, err
	}

	rc.Results = out.Values
	d.logger.Debug("execution complete",
		zap.String("run_id", rc.ID),
		zap.Strings("outputs", rc.Outputs),
		zap.Duration("duration", outcome.Duration))
	return StateComplete, nil
}
