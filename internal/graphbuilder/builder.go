// Package graphbuilder merges declaration namespaces into one immutable
// FunctionGraph.
package graphbuilder

import (
	"fmt"

	"github.com/Knetic/govaluate"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/internal/expander"
)

// Options controls graph construction.
type Options struct {
	// TypeChecker decides edge compatibility; defaults to flowgraph.AssignableTypes.
	TypeChecker flowgraph.TypeChecker
	// AllowOverrides lets a later module replace a node of an earlier one.
	AllowOverrides  bool
	GuardFunctions  map[string]govaluate.ExpressionFunction
	Validators      []flowgraph.StaticValidator
	GraphValidators []flowgraph.GraphValidator
	Logger          *zap.Logger
}

// Build expands every declaration of every module, merges them into one
// namespace, wires and type-checks the edges, rejects cycles, and runs the
// static validators.
func Build(modules []flowgraph.Module, config map[string]any, opts Options) (*flowgraph.FunctionGraph, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checker := opts.TypeChecker
	if checker == nil {
		checker = flowgraph.AssignableTypes
	}

	exp := expander.New(config, opts.GuardFunctions)
	nodes := make(map[string]*flowgraph.Node)
	var order []string

	for _, m := range modules {
		decls := make([]*flowgraph.Declaration, len(m.Declarations))
		for i, d := range m.Declarations {
			c := *d
			c.Module = m.Name
			decls[i] = &c
		}

		selected, err := exp.Select(decls)
		if err != nil {
			return nil, err
		}
		for _, d := range selected {
			expanded, err := exp.Expand(d)
			if err != nil {
				return nil, err
			}
			for _, n := range expanded {
				if prev, exists := nodes[n.Name]; exists {
					if prev.Module == n.Module || !opts.AllowOverrides {
						return nil, flowgraph.NewNameCollisionError(n.Name, prev.Module, n.Module)
					}
					logger.Warn("module overrides node",
						zap.String("node", n.Name),
						zap.String("previous_module", prev.Module),
						zap.String("module", n.Module))
				} else {
					order = append(order, n.Name)
				}
				nodes[n.Name] = n
			}
		}
	}

	for _, name := range order {
		n := nodes[name]
		for _, dep := range n.Inputs {
			producer, ok := nodes[dep.Name]
			if !ok {
				continue
			}
			if err := checkEdge(checker, producer, n, dep); err != nil {
				return nil, err
			}
		}
	}

	if edge, found := findCycle(nodes, order); found {
		return nil, flowgraph.NewCycleError(edge)
	}

	list := make([]*flowgraph.Node, 0, len(order))
	for _, name := range order {
		list = append(list, nodes[name])
	}
	graph := flowgraph.NewFunctionGraph(list, config)

	if err := validate(graph, opts); err != nil {
		return nil, err
	}

	logger.Debug("graph built",
		zap.Int("modules", len(modules)),
		zap.Int("nodes", graph.Len()))
	return graph, nil
}

func checkEdge(checker flowgraph.TypeChecker, producer, consumer *flowgraph.Node, dep flowgraph.Dependency) error {
	if dep.AcceptsErrors {
		return nil
	}
	want := dep.Type
	if dep.Collected && want != nil {
		want = want.Elem()
	}
	if checker.IsCompatible(producer.Type, want) {
		return nil
	}
	msg := fmt.Sprintf("'%s' produces %s but '%s' expects %s for '%s'",
		producer.Name, producer.Type, consumer.Name, want, dep.Name)
	return flowgraph.NewBuildError(flowgraph.ErrCodeTypeMismatch, msg, nil, consumer.Name, producer.Name)
}

func validate(graph *flowgraph.FunctionGraph, opts Options) error {
	for _, n := range graph.Nodes() {
		for _, v := range opts.Validators {
			if ok, reason := v.ValidateNode(n); !ok {
				return flowgraph.NewValidatorError(n.Name, reason, nil)
			}
		}
	}
	for _, v := range opts.GraphValidators {
		if err := v.ValidateGraph(graph); err != nil {
			return flowgraph.NewValidatorError("", err.Error(), err)
		}
	}
	return nil
}
