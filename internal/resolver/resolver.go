// Package resolver extracts the minimal subgraph needed to compute a set of
// requested outputs.
package resolver

import (
	"fmt"
	"reflect"

	"github.com/ZanzyTHEbar/flowgraph"
)

// Origin records how a name outside the executed set is satisfied.
type Origin string

const (
	OriginOverride Origin = "override"
	OriginInput    Origin = "input"
	OriginConfig   Origin = "config"
)

// Request is what a caller wants computed and what it already has.
type Request struct {
	Outputs   []string
	Inputs    map[string]any
	Overrides map[string]any
}

// Subgraph is the outcome of resolution.
type Subgraph struct {
	Outputs []string
	// Order lists the nodes to execute, every node after its dependencies.
	Order []string
	// Provided holds the override, input and config values the execution
	// reads, keyed by name.
	Provided map[string]any
	Origins  map[string]Origin

	executes map[string]struct{}
}

// Executes reports whether name is computed by the subgraph.
func (s *Subgraph) Executes(name string) bool {
	_, ok := s.executes[name]
	return ok
}

// IsProvided reports whether name is satisfied without running a node.
func (s *Subgraph) IsProvided(name string) bool {
	_, ok := s.Provided[name]
	if ok {
		return true
	}
	_, ok = s.Origins[name]
	return ok
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

type resolver struct {
	graph   *flowgraph.FunctionGraph
	req     Request
	checker flowgraph.TypeChecker
	state   map[string]visitState
	sub     *Subgraph
}

// Resolve walks back from each requested output. Overrides, then inputs,
// terminate a branch before a node of the same name is considered; config
// entries and optional defaults only stand in for names no node produces.
func Resolve(graph *flowgraph.FunctionGraph, req Request, checker flowgraph.TypeChecker) (*Subgraph, error) {
	if checker == nil {
		checker = flowgraph.AssignableTypes
	}
	r := &resolver{
		graph:   graph,
		req:     req,
		checker: checker,
		state:   make(map[string]visitState),
		sub: &Subgraph{
			Outputs:  append([]string(nil), req.Outputs...),
			Provided: make(map[string]any),
			Origins:  make(map[string]Origin),
			executes: make(map[string]struct{}),
		},
	}

	for _, out := range req.Outputs {
		if r.provide(out) {
			continue
		}
		n, ok := graph.Node(out)
		if !ok {
			if v, ok := graph.ConfigValue(out); ok {
				r.record(out, v, OriginConfig)
				continue
			}
			return nil, flowgraph.NewMissingOutputError(out)
		}
		if n.Hidden {
			return nil, flowgraph.NewResolutionError(flowgraph.ErrCodeMissingOutput,
				fmt.Sprintf("'%s' is an internal node and cannot be requested", out), nil, out)
		}
		if r.state[out] == visited {
			continue
		}
		if err := r.visit(n); err != nil {
			return nil, err
		}
	}
	return r.sub, nil
}

func (r *resolver) visit(n *flowgraph.Node) error {
	r.state[n.Name] = visiting

	for _, dep := range n.Inputs {
		if r.provide(dep.Name) {
			if err := r.checkProvided(n, dep); err != nil {
				return err
			}
			continue
		}
		if producer, ok := r.graph.Node(dep.Name); ok {
			switch r.state[dep.Name] {
			case visiting:
				return flowgraph.NewCycleError(flowgraph.Edge{From: dep.Name, To: n.Name})
			case unvisited:
				if err := r.visit(producer); err != nil {
					return err
				}
			}
			continue
		}
		if v, ok := r.graph.ConfigValue(dep.Name); ok {
			r.record(dep.Name, v, OriginConfig)
			if err := r.checkProvided(n, dep); err != nil {
				return err
			}
			continue
		}
		if dep.Optional {
			continue
		}
		return flowgraph.NewUnresolvedDependencyError(dep.Name, n.Name)
	}

	r.state[n.Name] = visited
	r.sub.Order = append(r.sub.Order, n.Name)
	r.sub.executes[n.Name] = struct{}{}
	return nil
}

func (r *resolver) provide(name string) bool {
	if v, ok := r.req.Overrides[name]; ok {
		r.record(name, v, OriginOverride)
		return true
	}
	if v, ok := r.req.Inputs[name]; ok {
		r.record(name, v, OriginInput)
		return true
	}
	return false
}

func (r *resolver) record(name string, v any, origin Origin) {
	r.sub.Provided[name] = v
	r.sub.Origins[name] = origin
}

// checkProvided type-checks a caller-supplied value against its consumer.
func (r *resolver) checkProvided(consumer *flowgraph.Node, dep flowgraph.Dependency) error {
	if dep.AcceptsErrors || dep.Collected || dep.Type == nil {
		return nil
	}
	if producer, ok := r.graph.Node(dep.Name); ok && producer.Kind == flowgraph.KindExpand {
		return nil
	}
	v := r.sub.Provided[dep.Name]
	if v == nil {
		return nil
	}
	if r.checker.IsCompatible(reflect.TypeOf(v), dep.Type) {
		return nil
	}
	msg := fmt.Sprintf("%s '%s' is %T but '%s' expects %s",
		r.sub.Origins[dep.Name], dep.Name, v, consumer.Name, dep.Type)
	return flowgraph.NewResolutionError(flowgraph.ErrCodeTypeMismatch, msg, nil, dep.Name, consumer.Name)
}
