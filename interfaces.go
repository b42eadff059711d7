package flowgraph

import (
	"context"
	"reflect"
	"time"

	"golang.org/x/sync/errgroup"
)

// TaskExecutor runs concrete tasks. Implementations must accept tasks whose
// inputs are fully materialised and may complete them in any order.
type TaskExecutor interface {
	// Submit schedules a task and returns a handle to its outcome.
	Submit(ctx context.Context, task *Task) (Future, error)

	// Close waits for outstanding work and releases resources.
	Close() error
}

// Future is the pending outcome of a submitted task.
type Future interface {
	// Done is closed once the task has finished.
	Done() <-chan struct{}

	// Result blocks until the task has finished.
	Result() (map[string]Result, error)

	// Cancel asks the backend to abandon the task if it has not started.
	// Result must still be awaited.
	Cancel()
}

// AwaitAll waits for every future, even after one fails, and returns their
// outcomes in submission order together with the first error. onError, if
// set, runs once on the first failure so callers can cancel outstanding work.
func AwaitAll(futures []Future, onError func(error)) ([]map[string]Result, error) {
	out := make([]map[string]Result, len(futures))
	var g errgroup.Group
	for i, f := range futures {
		g.Go(func() error {
			res, err := f.Result()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// TypeChecker decides whether a producer's declared type can feed a
// consumer's declared type.
type TypeChecker interface {
	IsCompatible(producer, consumer reflect.Type) bool
}

// TypeCheckerFunc adapts a function to TypeChecker.
type TypeCheckerFunc func(producer, consumer reflect.Type) bool

func (f TypeCheckerFunc) IsCompatible(producer, consumer reflect.Type) bool {
	return f(producer, consumer)
}

// AssignableTypes is the default TypeChecker: untyped ends are compatible,
// otherwise the producer must be assignable to the consumer.
var AssignableTypes TypeChecker = TypeCheckerFunc(func(producer, consumer reflect.Type) bool {
	if producer == nil || consumer == nil {
		return true
	}
	return producer.AssignableTo(consumer)
})

// LifecycleAdapter is any value implementing one or more of the hook
// interfaces below. Hooks may be called concurrently from executor workers.
type LifecycleAdapter any

// GraphConstructionHook receives the built graph once per driver.
type GraphConstructionHook interface {
	AfterGraphBuilt(graph *FunctionGraph)
}

// GraphRunInfo describes one execute call.
type GraphRunInfo struct {
	RunID     string
	Graph     *FunctionGraph
	Outputs   []string
	Inputs    map[string]any
	Overrides map[string]any
	Regions   []Region
	Groups    int
}

// GraphRunOutcome is passed to the after-graph hook.
type GraphRunOutcome struct {
	GraphRunInfo
	Results  map[string]any
	Err      error
	Duration time.Duration
	Metrics  ExecutionMetrics
}

// GraphExecutionHook runs around each execute call.
type GraphExecutionHook interface {
	BeforeGraphExecution(ctx context.Context, info GraphRunInfo)
	AfterGraphExecution(ctx context.Context, outcome GraphRunOutcome)
}

// NodeRunInfo describes one node evaluation in one branch.
type NodeRunInfo struct {
	RunID  string
	TaskID string
	Node   *Node
	Branch BranchPath
}

// NodeRunOutcome is passed to the after-node hook.
type NodeRunOutcome struct {
	NodeRunInfo
	Result   Result
	Skipped  bool
	Cached   bool
	Duration time.Duration
}

// NodeExecutionHook runs around every node evaluation, wherever the task
// executes.
type NodeExecutionHook interface {
	BeforeNodeExecution(ctx context.Context, info NodeRunInfo)
	AfterNodeExecution(ctx context.Context, outcome NodeRunOutcome)
}

// TaskExecutionHook runs in the driver around each submitted task.
type TaskExecutionHook interface {
	BeforeTaskSubmission(ctx context.Context, task *Task)
	AfterTaskCompletion(ctx context.Context, task *Task, err error)
}

// StaticValidator inspects each node at build time. Returning false vetoes
// the build with reason.
type StaticValidator interface {
	ValidateNode(node *Node) (ok bool, reason string)
}

// GraphValidator inspects the whole graph at build time.
type GraphValidator interface {
	ValidateGraph(graph *FunctionGraph) error
}

// ResultBuilder shapes the requested outputs into the value returned by
// Driver.Materialize.
type ResultBuilder interface {
	Build(outputs []string, values map[string]any) (any, error)
}

// ExecutionMetrics summarises one execute call.
type ExecutionMetrics struct {
	TasksSubmitted  int
	NodesExecuted   int
	NodesSucceeded  int
	NodesFailed     int
	NodesSkipped    int
	NodesCached     int
	BranchesSpawned int
	TotalDuration   time.Duration
	LongestNodeTime time.Duration
}

// DataLoader reads a value at a graph boundary.
type DataLoader interface {
	Load(ctx context.Context, spec map[string]any) (value any, metadata map[string]any, err error)
}

// DataSaver writes a value at a graph boundary.
type DataSaver interface {
	Save(ctx context.Context, value any, spec map[string]any) (metadata map[string]any, err error)
}
