package engine

import (
	"fmt"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/internal/grouper"
)

// state holds every result of one execution, keyed by node and by the
// branch the node ran in. It is only touched between waves, so it needs no
// locking.
type state struct {
	graph   *flowgraph.FunctionGraph
	plan    *grouper.Plan
	results map[string]map[string]flowgraph.Result
}

func newState(graph *flowgraph.FunctionGraph, plan *grouper.Plan) *state {
	return &state{
		graph:   graph,
		plan:    plan,
		results: make(map[string]map[string]flowgraph.Result),
	}
}

func (s *state) put(name string, branch flowgraph.BranchPath, r flowgraph.Result) {
	m, ok := s.results[name]
	if !ok {
		m = make(map[string]flowgraph.Result)
		s.results[name] = m
	}
	m[branch.String()] = r
}

func (s *state) get(name string, branch flowgraph.BranchPath) (flowgraph.Result, bool) {
	r, ok := s.results[name][branch.String()]
	return r, ok
}

func (s *state) isExpand(name string) bool {
	if s.plan.IsSource(name) {
		return true
	}
	n, ok := s.graph.Node(name)
	return ok && n.Kind == flowgraph.KindExpand
}

// yields returns the values an expand produced for the instance of its own
// scope that path lies in. A failed expand returns its failure.
func (s *state) yields(expand string, path flowgraph.BranchPath) ([]any, *flowgraph.Errored, bool) {
	r, ok := s.get(expand, path.Project(s.plan.Scope(expand)))
	if !ok {
		return nil, nil, false
	}
	if r.IsErrored() {
		return nil, r.Errored(), true
	}
	values, _ := r.Value().([]any)
	return values, nil, true
}

// lookup returns the value name has on path. Values from outer scopes are
// shared by every branch nested inside them.
func (s *state) lookup(name string, path flowgraph.BranchPath) (flowgraph.Result, bool) {
	if !s.isExpand(name) {
		return s.get(name, path.Project(s.plan.OutputScope(name)))
	}

	values, errored, ok := s.yields(name, path)
	if !ok {
		return flowgraph.Result{}, false
	}
	if errored != nil {
		return flowgraph.Failed(errored), true
	}
	for _, step := range path {
		if step.Expand == name && step.Index < len(values) {
			return flowgraph.Value(values[step.Index]), true
		}
	}
	return flowgraph.Result{}, false
}

// instances enumerates the branches of scope in yield order. A branch of a
// failed or empty expand has no instances below it.
func (s *state) instances(scope []string) []flowgraph.BranchPath {
	paths := []flowgraph.BranchPath{nil}
	for _, expand := range scope {
		var next []flowgraph.BranchPath
		for _, p := range paths {
			values, errored, ok := s.yields(expand, p)
			if !ok || errored != nil {
				continue
			}
			for j := range values {
				next = append(next, p.Append(expand, j))
			}
		}
		paths = next
	}
	return paths
}

// inputs gathers what a group's nodes read from outside the group on path.
func (s *state) inputs(g *grouper.Group, path flowgraph.BranchPath) (map[string]flowgraph.Result, error) {
	inGroup := make(map[string]struct{}, len(g.Nodes))
	for _, name := range g.Nodes {
		inGroup[name] = struct{}{}
	}

	out := make(map[string]flowgraph.Result)
	for _, name := range g.Nodes {
		n, _ := s.graph.Node(name)
		for _, dep := range n.Inputs {
			if _, ok := inGroup[dep.Name]; ok {
				continue
			}
			if _, done := out[dep.Name]; done {
				continue
			}
			if dep.Collected {
				r, err := s.gather(n, dep.Name, path)
				if err != nil {
					return nil, err
				}
				out[dep.Name] = r
				continue
			}
			r, ok := s.lookup(dep.Name, path)
			if !ok {
				if dep.Optional {
					continue
				}
				return nil, flowgraph.NewInternalError(flowgraph.StageExecution,
					fmt.Sprintf("no value for '%s' in branch %q", dep.Name, path), nil)
			}
			out[dep.Name] = r
		}
	}
	return out, nil
}

// gather collects dep across the branches of the expand the collect
// closes, in yield order.
func (s *state) gather(collect *flowgraph.Node, dep string, path flowgraph.BranchPath) (flowgraph.Result, error) {
	scope := s.plan.OutputScope(dep)
	if len(scope) == 0 {
		return flowgraph.Result{}, flowgraph.NewInternalError(flowgraph.StageExecution,
			fmt.Sprintf("collect '%s' has no region to close", collect.Name), nil)
	}
	inner := scope[len(scope)-1]

	values, errored, ok := s.yields(inner, path)
	if !ok {
		return flowgraph.Result{}, flowgraph.NewInternalError(flowgraph.StageExecution,
			fmt.Sprintf("expand '%s' has not run for branch %q", inner, path), nil)
	}
	if errored != nil {
		return flowgraph.Failed(errored), nil
	}

	seq := make([]flowgraph.Result, len(values))
	for j := range values {
		r, ok := s.lookup(dep, path.Append(inner, j))
		if !ok {
			return flowgraph.Result{}, flowgraph.NewInternalError(flowgraph.StageExecution,
				fmt.Sprintf("no value for '%s' in branch %q", dep, path.Append(inner, j)), nil)
		}
		seq[j] = r
	}
	return flowgraph.Value(seq), nil
}
