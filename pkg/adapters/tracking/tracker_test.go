package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/pkg/eventbus"
)

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) handle(_ context.Context, e eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []eventbus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventbus.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type()
	}
	return out
}

func newBus(t *testing.T) (*eventbus.ChannelEventBus, *recorder) {
	t.Helper()
	bus := eventbus.NewChannelEventBus(eventbus.WithWorkerCount(1))
	rec := &recorder{}
	_, err := bus.SubscribeAll(rec.handle)
	require.NoError(t, err)
	return bus, rec
}

func testGraph() *flowgraph.FunctionGraph {
	return flowgraph.NewFunctionGraph([]*flowgraph.Node{
		{Name: "a", Kind: flowgraph.KindStandard, Module: "m"},
		{Name: "b", Kind: flowgraph.KindExpand, Module: "m",
			Inputs: []flowgraph.Dependency{{Name: "x"}, {Name: "a"}}},
	}, map[string]any{"mode": "fast"})
}

func TestSnapshot(t *testing.T) {
	s := Snapshot(testGraph())
	require.Len(t, s.Nodes, 2)
	assert.Equal(t, "a", s.Nodes[0].Name)
	assert.Equal(t, "expand", s.Nodes[1].Kind)
	assert.Equal(t, []string{"a", "x"}, s.Nodes[1].DependsOn)
	assert.Equal(t, map[string]any{"mode": "fast"}, s.Config)
}

func TestTracker_ExecutionEvents(t *testing.T) {
	bus, rec := newBus(t)
	tr := New(bus)
	ctx := context.Background()
	g := testGraph()
	node, _ := g.Node("a")

	tr.AfterGraphBuilt(g)
	tr.BeforeGraphExecution(ctx, flowgraph.GraphRunInfo{RunID: "r1", Outputs: []string{"a"}})
	task := &flowgraph.Task{ID: "t1", RunID: "r1", Group: "a", Nodes: []string{"a"}}
	tr.BeforeTaskSubmission(ctx, task)
	tr.BeforeNodeExecution(ctx, flowgraph.NodeRunInfo{RunID: "r1", Node: node})
	tr.AfterTaskCompletion(ctx, task, nil)
	tr.AfterGraphExecution(ctx, flowgraph.GraphRunOutcome{GraphRunInfo: flowgraph.GraphRunInfo{RunID: "r1"}})
	require.NoError(t, bus.Close())

	assert.Equal(t, []eventbus.EventType{
		eventbus.EventGraphBuilt,
		eventbus.EventExecutionStarted,
		eventbus.EventTaskSubmitted,
		eventbus.EventTaskSuccess,
		eventbus.EventExecutionSuccess,
	}, rec.types(), "node events are off by default")

	snap, ok := rec.events[0].Payload().(GraphSnapshot)
	require.True(t, ok)
	assert.Len(t, snap.Nodes, 2)
	assert.Equal(t, "r1", rec.events[2].Metadata()["run_id"])
}

func TestTracker_FailureEvents(t *testing.T) {
	bus, rec := newBus(t)
	tr := New(bus, WithNodeEvents())
	g := testGraph()
	node, _ := g.Node("b")

	// A cancelled caller context must not drop the events.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	branch := flowgraph.BranchPath{{Expand: "b", Index: 1}}
	info := flowgraph.NodeRunInfo{RunID: "r1", TaskID: "t1", Node: node, Branch: branch}
	failed := flowgraph.Failed(&flowgraph.Errored{Node: "b", Branch: branch, Cause: errors.New("boom")})
	skipped := flowgraph.Failed(&flowgraph.Errored{Node: "a", Cause: errors.New("boom")})

	tr.BeforeNodeExecution(ctx, info)
	tr.AfterNodeExecution(ctx, flowgraph.NodeRunOutcome{NodeRunInfo: info, Result: failed})
	tr.AfterNodeExecution(ctx, flowgraph.NodeRunOutcome{NodeRunInfo: info, Result: skipped, Skipped: true})
	tr.AfterNodeExecution(ctx, flowgraph.NodeRunOutcome{NodeRunInfo: info, Result: flowgraph.Value(1)})
	tr.AfterTaskCompletion(ctx, &flowgraph.Task{ID: "t1"}, errors.New("lost"))
	tr.AfterGraphExecution(ctx, flowgraph.GraphRunOutcome{Err: flowgraph.NewCancelledError(context.Canceled)})
	tr.AfterGraphExecution(ctx, flowgraph.GraphRunOutcome{Err: flowgraph.NewNodeFailedError("a", errors.New("boom"))})
	require.NoError(t, bus.Close())

	assert.Equal(t, []eventbus.EventType{
		eventbus.EventNodeStarted,
		eventbus.EventNodeFailure,
		eventbus.EventNodeSkipped,
		eventbus.EventNodeSuccess,
		eventbus.EventTaskFailure,
		eventbus.EventExecutionCancelled,
		eventbus.EventExecutionFailure,
	}, rec.types())

	assert.Equal(t, "b[1]", rec.events[1].Metadata()["branch"])
	assert.Equal(t, "a", rec.events[2].Metadata()["failed_node"])
}
