package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ZanzyTHEbar/flowgraph"
)

func TestCollector_Executions(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	ctx := context.Background()

	c.BeforeGraphExecution(ctx, flowgraph.GraphRunInfo{})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeExecutions))

	c.AfterGraphExecution(ctx, flowgraph.GraphRunOutcome{
		Duration: time.Millisecond,
		Metrics:  flowgraph.ExecutionMetrics{BranchesSpawned: 3},
	})
	c.BeforeGraphExecution(ctx, flowgraph.GraphRunInfo{})
	c.AfterGraphExecution(ctx, flowgraph.GraphRunOutcome{Err: flowgraph.NewCancelledError(context.Canceled)})
	c.BeforeGraphExecution(ctx, flowgraph.GraphRunInfo{})
	c.AfterGraphExecution(ctx, flowgraph.GraphRunOutcome{Err: errors.New("boom")})

	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeExecutions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.branches))
}

func TestCollector_TasksAndNodes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	ctx := context.Background()
	node := &flowgraph.Node{Name: "f"}
	info := flowgraph.NodeRunInfo{Node: node}
	errored := flowgraph.Failed(&flowgraph.Errored{Node: "f", Cause: errors.New("boom")})

	c.AfterTaskCompletion(ctx, &flowgraph.Task{}, nil)
	c.AfterTaskCompletion(ctx, &flowgraph.Task{}, errors.New("lost"))
	c.AfterNodeExecution(ctx, flowgraph.NodeRunOutcome{NodeRunInfo: info, Result: flowgraph.Value(1)})
	c.AfterNodeExecution(ctx, flowgraph.NodeRunOutcome{NodeRunInfo: info, Result: flowgraph.Value(1), Cached: true})
	c.AfterNodeExecution(ctx, flowgraph.NodeRunOutcome{NodeRunInfo: info, Result: errored})
	c.AfterNodeExecution(ctx, flowgraph.NodeRunOutcome{NodeRunInfo: info, Result: errored, Skipped: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("failure")))
	for _, st := range []string{"success", "cached", "failure", "skipped"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(c.nodes.WithLabelValues("f", st)), st)
	}

	n, err := testutil.GatherAndCount(reg, "flowgraph_node_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}
