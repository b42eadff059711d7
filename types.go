package flowgraph

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"
)

// NodeKind distinguishes nodes that open or close expand regions.
type NodeKind string

const (
	// KindStandard nodes run once per branch of their scope.
	KindStandard NodeKind = "standard"
	// KindExpand nodes yield a sequence; every yielded value spawns a branch.
	KindExpand NodeKind = "expand"
	// KindCollect nodes gather the branches of the innermost open region.
	KindCollect NodeKind = "collect"
)

// Body computes a node's value from its resolved dependencies, keyed by
// dependency name.
type Body func(ctx context.Context, args map[string]any) (any, error)

// Dependency is one named input of a node.
type Dependency struct {
	Name string
	// Type is the consumer-side type. For a collect dependency it is the slice
	// type the node receives.
	Type     reflect.Type
	Optional bool
	Default  any
	// AcceptsErrors is set when the parameter is declared as Result or
	// []Result and receives failed branches instead of being skipped.
	AcceptsErrors bool
	// Collected marks the single dependency of a collect node.
	Collected bool
}

// Node is a single computable unit of the graph. Nodes are created by the
// graph builder and never mutated afterwards.
type Node struct {
	Name        string
	Type        reflect.Type
	Kind        NodeKind
	Inputs      []Dependency
	Body        Body
	Tags        map[string]any
	Module      string
	Originating string
	Hidden      bool
}

// Dependency returns the named dependency.
func (n *Node) Dependency(name string) (Dependency, bool) {
	for _, d := range n.Inputs {
		if d.Name == name {
			return d, true
		}
	}
	return Dependency{}, false
}

// Tag returns a tag value.
func (n *Node) Tag(key string) (any, bool) {
	v, ok := n.Tags[key]
	return v, ok
}

// HasTag reports whether key is set to a truthy value (true, "true" or any
// non-bool, non-string value).
func (n *Node) HasTag(key string) bool {
	v, ok := n.Tags[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	default:
		return true
	}
}

// FunctionGraph is the immutable name -> Node mapping built from
// declarations plus the configuration used to build it. It is safe for
// concurrent read-only use.
type FunctionGraph struct {
	nodes      map[string]*Node
	names      []string
	config     map[string]any
	dependents map[string][]string
}

// NewFunctionGraph snapshots nodes and config into a graph. Callers must not
// mutate the nodes afterwards.
func NewFunctionGraph(nodes []*Node, config map[string]any) *FunctionGraph {
	g := &FunctionGraph{
		nodes:      make(map[string]*Node, len(nodes)),
		names:      make([]string, 0, len(nodes)),
		config:     make(map[string]any, len(config)),
		dependents: make(map[string][]string),
	}
	for k, v := range config {
		g.config[k] = v
	}
	for _, n := range nodes {
		g.nodes[n.Name] = n
		g.names = append(g.names, n.Name)
	}
	sort.Strings(g.names)
	for _, name := range g.names {
		for _, dep := range g.nodes[name].Inputs {
			if _, ok := g.nodes[dep.Name]; ok {
				g.dependents[dep.Name] = append(g.dependents[dep.Name], name)
			}
		}
	}
	return g
}

// Node returns the named node.
func (g *FunctionGraph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Names returns every node name in sorted order.
func (g *FunctionGraph) Names() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// Nodes returns every node sorted by name.
func (g *FunctionGraph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.names))
	for _, name := range g.names {
		out = append(out, g.nodes[name])
	}
	return out
}

// Len returns the number of nodes.
func (g *FunctionGraph) Len() int {
	return len(g.nodes)
}

// Config returns a copy of the configuration the graph was built with.
func (g *FunctionGraph) Config() map[string]any {
	out := make(map[string]any, len(g.config))
	for k, v := range g.config {
		out[k] = v
	}
	return out
}

// ConfigValue looks up one configuration entry.
func (g *FunctionGraph) ConfigValue(key string) (any, bool) {
	v, ok := g.config[key]
	return v, ok
}

// Dependents returns the nodes that declare name as a dependency.
func (g *FunctionGraph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Region describes one expand node's dynamic fan-out closure.
type Region struct {
	Expand   string   `json:"expand"`
	Members  []string `json:"members"`
	Collects []string `json:"collects"`
	// Parent is the expand node of the enclosing region, if nested.
	Parent string `json:"parent,omitempty"`
}

// TaskStatus represents the possible states of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskFunc runs a task locally.
type TaskFunc func(ctx context.Context) (map[string]Result, error)

// Task is one concrete unit of scheduled work: a group of nodes evaluated
// for one branch with fully materialised inputs.
type Task struct {
	ID     string            `json:"id"`
	RunID  string            `json:"run_id"`
	Group  string            `json:"group"`
	Nodes  []string          `json:"nodes"`
	Branch BranchPath        `json:"branch,omitempty"`
	Inputs map[string]Result `json:"-"`

	// Execute runs the task in-process. Remote backends ship the task's
	// fields instead and rebuild the runner on the worker.
	Execute TaskFunc `json:"-"`

	status    TaskStatus
	startTime time.Time
	endTime   time.Time
	mutex     sync.Mutex
}

// GetStatus safely retrieves the task's current status.
func (t *Task) GetStatus() TaskStatus {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.status == "" {
		return TaskStatusPending
	}
	return t.status
}

// UpdateStatus safely updates the task's status and timing.
func (t *Task) UpdateStatus(newStatus TaskStatus) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	old := t.status
	t.status = newStatus
	now := time.Now()
	if newStatus == TaskStatusRunning && old != TaskStatusRunning {
		t.startTime = now
	}
	if newStatus.terminal() && !old.terminal() {
		t.endTime = now
	}
}

// Duration returns the execution duration of the task.
func (t *Task) Duration() time.Duration {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.startTime.IsZero() {
		return 0
	}
	if t.endTime.IsZero() {
		return time.Since(t.startTime)
	}
	return t.endTime.Sub(t.startTime)
}

func (s TaskStatus) terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}
