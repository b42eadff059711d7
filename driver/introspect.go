package driver

import (
	"context"
	"reflect"
	"sort"

	"github.com/ZanzyTHEbar/flowgraph"
)

// Variable describes one name that can be requested or supplied.
type Variable struct {
	Name        string         `json:"name"`
	Type        string         `json:"type,omitempty"`
	Kind        string         `json:"kind,omitempty"`
	Module      string         `json:"module,omitempty"`
	Originating string         `json:"originating,omitempty"`
	Tags        map[string]any `json:"tags,omitempty"`
	// External marks names no node produces; they come from inputs or
	// configuration.
	External bool `json:"external,omitempty"`
	// Required is false for external names every consumer declares optional.
	Required bool `json:"required,omitempty"`
}

// ListAvailableVariables lists every public node and every external input,
// sorted by name.
func (d *Driver) ListAvailableVariables() []Variable {
	var vars []Variable
	external := make(map[string]*Variable)

	for _, n := range d.graph.Nodes() {
		if !n.Hidden {
			vars = append(vars, Variable{
				Name:        n.Name,
				Type:        typeName(n.Type),
				Kind:        string(n.Kind),
				Module:      n.Module,
				Originating: n.Originating,
				Tags:        n.Tags,
			})
		}
		for _, dep := range n.Inputs {
			if _, ok := d.graph.Node(dep.Name); ok {
				continue
			}
			v, ok := external[dep.Name]
			if !ok {
				v = &Variable{Name: dep.Name, Type: typeName(dep.Type), External: true}
				external[dep.Name] = v
			}
			if !dep.Optional {
				v.Required = true
			}
		}
	}
	for _, v := range external {
		vars = append(vars, *v)
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars
}

// UpstreamOf returns every node the named nodes transitively depend on,
// sorted by name.
func (d *Driver) UpstreamOf(names ...string) ([]string, error) {
	return d.walk(names, func(name string) []string {
		n, _ := d.graph.Node(name)
		var deps []string
		for _, dep := range n.Inputs {
			if _, ok := d.graph.Node(dep.Name); ok {
				deps = append(deps, dep.Name)
			}
		}
		return deps
	})
}

// DownstreamOf returns every node that transitively depends on the named
// nodes, sorted by name.
func (d *Driver) DownstreamOf(names ...string) ([]string, error) {
	return d.walk(names, d.graph.Dependents)
}

func (d *Driver) walk(start []string, next func(string) []string) ([]string, error) {
	seen := make(map[string]struct{})
	stack := make([]string, 0, len(start))
	for _, name := range start {
		if _, ok := d.graph.Node(name); !ok {
			return nil, flowgraph.NewMissingOutputError(name)
		}
		stack = append(stack, name)
	}

	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, m := range next(name) {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			stack = append(stack, m)
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// PlanGroup is one task group of an ExecutionPlan.
type PlanGroup struct {
	ID    string   `json:"id"`
	Kind  string   `json:"kind"`
	Nodes []string `json:"nodes"`
	// Scope lists the expand nodes the group runs once per branch of.
	Scope []string `json:"scope,omitempty"`
	Wave  int      `json:"wave"`
}

// ExecutionPlan describes how a call would run without running it.
type ExecutionPlan struct {
	Outputs []string `json:"outputs"`
	// Order lists the nodes that would execute, dependencies first.
	Order   []string           `json:"order"`
	Groups  []PlanGroup        `json:"groups"`
	Regions []flowgraph.Region `json:"regions,omitempty"`
	// Provided maps each name satisfied without running a node to where its
	// value comes from: override, input or config.
	Provided map[string]string `json:"provided,omitempty"`
}

// ValidateExecution reports whether Execute could run outputs with opts,
// without running any node.
func (d *Driver) ValidateExecution(ctx context.Context, outputs []string, opts ...ExecuteOption) error {
	_, err := d.Plan(ctx, outputs, opts...)
	return err
}

// Plan resolves and lays out a call without running it.
func (d *Driver) Plan(ctx context.Context, outputs []string, opts ...ExecuteOption) (*ExecutionPlan, error) {
	rc := d.newRun(outputs, opts)
	sm := NewStateMachine(d.logger)
	sm.RegisterTransition(StateInit, func(context.Context, *RunContext) (RunState, error) {
		return StateResolving, nil
	})
	sm.RegisterTransition(StateResolving, d.resolve)
	sm.RegisterTransition(StatePlanning, func(ctx context.Context, rc *RunContext) (RunState, error) {
		if _, err := d.plan(ctx, rc); err != nil {
			return StateError, err
		}
		return StateComplete, nil
	})
	if _, err := sm.Execute(ctx, rc); err != nil {
		return nil, err
	}

	p := rc.Plan
	plan := &ExecutionPlan{
		Outputs:  p.Outputs,
		Order:    p.Order,
		Regions:  p.Regions,
		Provided: make(map[string]string, len(rc.Subgraph.Origins)),
	}
	for i, wave := range p.Waves {
		for _, g := range wave {
			plan.Groups = append(plan.Groups, PlanGroup{
				ID:    g.ID,
				Kind:  string(g.Kind),
				Nodes: g.Nodes,
				Scope: g.Scope,
				Wave:  i,
			})
		}
	}
	for name, origin := range rc.Subgraph.Origins {
		plan.Provided[name] = string(origin)
	}
	return plan, nil
}

func typeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	return t.String()
}
