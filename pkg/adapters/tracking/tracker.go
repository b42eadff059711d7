// Package tracking forwards graph, task and node lifecycle events to an
// event bus.
package tracking

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/pkg/eventbus"
)

const source = "flowgraph.tracking"

// GraphSnapshot is the payload of EventGraphBuilt.
type GraphSnapshot struct {
	Nodes  []NodeSnapshot `json:"nodes"`
	Config map[string]any `json:"config,omitempty"`
}

// NodeSnapshot describes one node of a built graph.
type NodeSnapshot struct {
	Name      string         `json:"name"`
	Type      string         `json:"type,omitempty"`
	Kind      string         `json:"kind"`
	Module    string         `json:"module,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Tags      map[string]any `json:"tags,omitempty"`
	Hidden    bool           `json:"hidden,omitempty"`
}

// Tracker is a lifecycle adapter. Node events are only emitted when Nodes
// is enabled, since a large fan-out produces one per branch.
type Tracker struct {
	bus    eventbus.EventBus
	logger *zap.Logger
	nodes  bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithNodeEvents enables per-node events.
func WithNodeEvents() Option {
	return func(t *Tracker) { t.nodes = true }
}

// WithLogger sets the logger used for publish failures.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a Tracker publishing to bus.
func New(bus eventbus.EventBus, opts ...Option) *Tracker {
	t := &Tracker{bus: bus, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var (
	_ flowgraph.GraphConstructionHook = (*Tracker)(nil)
	_ flowgraph.GraphExecutionHook    = (*Tracker)(nil)
	_ flowgraph.TaskExecutionHook     = (*Tracker)(nil)
	_ flowgraph.NodeExecutionHook     = (*Tracker)(nil)
)

// Snapshot describes graph for tracking consumers.
func Snapshot(graph *flowgraph.FunctionGraph) GraphSnapshot {
	s := GraphSnapshot{Config: graph.Config()}
	for _, n := range graph.Nodes() {
		ns := NodeSnapshot{
			Name:   n.Name,
			Kind:   string(n.Kind),
			Module: n.Module,
			Tags:   n.Tags,
			Hidden: n.Hidden,
		}
		if n.Type != nil {
			ns.Type = n.Type.String()
		}
		for _, dep := range n.Inputs {
			ns.DependsOn = append(ns.DependsOn, dep.Name)
		}
		sort.Strings(ns.DependsOn)
		s.Nodes = append(s.Nodes, ns)
	}
	return s
}

func (t *Tracker) AfterGraphBuilt(graph *flowgraph.FunctionGraph) {
	t.publish(context.Background(), eventbus.NewEvent(eventbus.EventGraphBuilt, Snapshot(graph), source,
		map[string]any{"nodes": graph.Len()}))
}

func (t *Tracker) BeforeGraphExecution(ctx context.Context, info flowgraph.GraphRunInfo) {
	t.publish(ctx, eventbus.NewEvent(eventbus.EventExecutionStarted, info.Outputs, source, map[string]any{
		"run_id":  info.RunID,
		"groups":  info.Groups,
		"regions": len(info.Regions),
	}))
}

func (t *Tracker) AfterGraphExecution(ctx context.Context, o flowgraph.GraphRunOutcome) {
	meta := map[string]any{
		"run_id":      o.RunID,
		"duration_ms": o.Duration.Milliseconds(),
		"tasks":       o.Metrics.TasksSubmitted,
		"branches":    o.Metrics.BranchesSpawned,
		"failed":      o.Metrics.NodesFailed,
	}
	typ := eventbus.EventExecutionSuccess
	switch {
	case flowgraph.IsCancelled(o.Err):
		typ = eventbus.EventExecutionCancelled
		meta["error"] = o.Err.Error()
	case o.Err != nil:
		typ = eventbus.EventExecutionFailure
		meta["error"] = o.Err.Error()
	}
	t.publish(ctx, eventbus.NewEvent(typ, o.Outputs, source, meta))
}

func (t *Tracker) BeforeTaskSubmission(ctx context.Context, task *flowgraph.Task) {
	t.publish(ctx, eventbus.NewEvent(eventbus.EventTaskSubmitted, task.Nodes, source, taskMeta(task)))
}

func (t *Tracker) AfterTaskCompletion(ctx context.Context, task *flowgraph.Task, err error) {
	meta := taskMeta(task)
	meta["duration_ms"] = task.Duration().Milliseconds()
	typ := eventbus.EventTaskSuccess
	if err != nil {
		typ = eventbus.EventTaskFailure
		meta["error"] = err.Error()
	}
	t.publish(ctx, eventbus.NewEvent(typ, task.Nodes, source, meta))
}

func (t *Tracker) BeforeNodeExecution(ctx context.Context, info flowgraph.NodeRunInfo) {
	if !t.nodes {
		return
	}
	t.publish(ctx, eventbus.NewEvent(eventbus.EventNodeStarted, info.Node.Name, source, nodeMeta(info)))
}

func (t *Tracker) AfterNodeExecution(ctx context.Context, o flowgraph.NodeRunOutcome) {
	if !t.nodes {
		return
	}
	meta := nodeMeta(o.NodeRunInfo)
	meta["duration_ms"] = o.Duration.Milliseconds()
	meta["cached"] = o.Cached

	typ := eventbus.EventNodeSuccess
	switch {
	case o.Skipped:
		typ = eventbus.EventNodeSkipped
		meta["failed_node"] = o.Result.Errored().Node
	case o.Result.IsErrored():
		typ = eventbus.EventNodeFailure
		meta["error"] = o.Result.Errored().Error()
	}
	t.publish(ctx, eventbus.NewEvent(typ, o.Node.Name, source, meta))
}

// publish detaches from the caller's cancellation so the events of a
// failing run are still delivered.
func (t *Tracker) publish(ctx context.Context, e eventbus.Event) {
	if err := t.bus.Publish(context.WithoutCancel(ctx), e); err != nil {
		t.logger.Debug("tracking event dropped", zap.String("event_type", string(e.Type())), zap.Error(err))
	}
}

func taskMeta(task *flowgraph.Task) map[string]any {
	return map[string]any{
		"run_id":  task.RunID,
		"task_id": task.ID,
		"group":   task.Group,
		"branch":  task.Branch.String(),
	}
}

func nodeMeta(info flowgraph.NodeRunInfo) map[string]any {
	return map[string]any{
		"run_id":  info.RunID,
		"task_id": info.TaskID,
		"node":    info.Node.Name,
		"branch":  info.Branch.String(),
	}
}
