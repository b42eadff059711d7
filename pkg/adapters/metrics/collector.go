// Package metrics exports execution metrics to Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ZanzyTHEbar/flowgraph"
)

// Collector is a lifecycle adapter recording executions, tasks and nodes.
type Collector struct {
	executions       *prometheus.CounterVec
	executionTime    prometheus.Histogram
	activeExecutions prometheus.Gauge
	branches         prometheus.Counter
	tasks            *prometheus.CounterVec
	taskDuration     prometheus.Histogram
	nodes            *prometheus.CounterVec
	nodeDuration     *prometheus.HistogramVec
}

var (
	_ flowgraph.GraphExecutionHook = (*Collector)(nil)
	_ flowgraph.TaskExecutionHook  = (*Collector)(nil)
	_ flowgraph.NodeExecutionHook  = (*Collector)(nil)
)

// NewCollector registers the flowgraph metrics with reg. A nil reg uses the
// default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowgraph_executions_total",
				Help: "Total number of graph executions",
			},
			[]string{"status"},
		),
		executionTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flowgraph_execution_duration_seconds",
				Help:    "Graph execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		activeExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowgraph_active_executions",
				Help: "Number of currently running executions",
			},
		),
		branches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flowgraph_branches_spawned_total",
				Help: "Total number of expand branches spawned",
			},
		),
		tasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowgraph_tasks_total",
				Help: "Total number of tasks completed",
			},
			[]string{"status"},
		),
		taskDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flowgraph_task_duration_seconds",
				Help:    "Task duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		nodes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowgraph_nodes_total",
				Help: "Total number of node evaluations",
			},
			[]string{"node", "status"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowgraph_node_duration_seconds",
				Help:    "Node evaluation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"node"},
		),
	}
}

func (c *Collector) BeforeGraphExecution(context.Context, flowgraph.GraphRunInfo) {
	c.activeExecutions.Inc()
}

func (c *Collector) AfterGraphExecution(_ context.Context, o flowgraph.GraphRunOutcome) {
	c.activeExecutions.Dec()
	c.executions.WithLabelValues(status(o.Err)).Inc()
	c.executionTime.Observe(o.Duration.Seconds())
	c.branches.Add(float64(o.Metrics.BranchesSpawned))
}

func (c *Collector) BeforeTaskSubmission(context.Context, *flowgraph.Task) {}

func (c *Collector) AfterTaskCompletion(_ context.Context, task *flowgraph.Task, err error) {
	c.tasks.WithLabelValues(status(err)).Inc()
	c.taskDuration.Observe(task.Duration().Seconds())
}

func (c *Collector) BeforeNodeExecution(context.Context, flowgraph.NodeRunInfo) {}

func (c *Collector) AfterNodeExecution(_ context.Context, o flowgraph.NodeRunOutcome) {
	st := "success"
	switch {
	case o.Skipped:
		st = "skipped"
	case o.Result.IsErrored():
		st = "failure"
	case o.Cached:
		st = "cached"
	}
	c.nodes.WithLabelValues(o.Node.Name, st).Inc()
	if !o.Skipped {
		c.nodeDuration.WithLabelValues(o.Node.Name).Observe(o.Duration.Seconds())
	}
}

func status(err error) string {
	switch {
	case err == nil:
		return "success"
	case flowgraph.IsCancelled(err):
		return "cancelled"
	default:
		return "failure"
	}
}
