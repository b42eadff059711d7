// Package grouper partitions a resolved subgraph into task groups and expand
// regions, and orders the groups into waves.
//
// Every node is given a scope: the ordered list of expand nodes whose
// branches it runs in. A standard node inherits the union of its
// dependencies' scopes; an expand adds itself to the scope of everything
// downstream; a collect removes the innermost expand from its dependency's
// scope. A node is evaluated once per combination of yielded indices of the
// expands in its scope, so two unrelated expands produce a cross-product.
package grouper

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/internal/resolver"
)

// Group is a set of nodes evaluated together as one task per branch of
// Scope. Expand and collect nodes are always alone in their group.
type Group struct {
	ID    string             `json:"id"`
	Kind  flowgraph.NodeKind `json:"kind"`
	Nodes []string           `json:"nodes"`
	Scope []string           `json:"scope,omitempty"`
	Level int                `json:"level"`
}

// Plan is the execution layout of one resolved subgraph.
type Plan struct {
	Outputs []string `json:"outputs"`
	// Order lists executed nodes, dependencies first.
	Order   []string           `json:"order"`
	Groups  []*Group           `json:"groups"`
	Waves   [][]*Group         `json:"-"`
	Regions []flowgraph.Region `json:"regions,omitempty"`
	// Sources are expand nodes whose yields are supplied by the caller.
	Sources []string `json:"sources,omitempty"`

	scopes  map[string][]string
	outputs map[string][]string
	groupOf map[string]*Group
	rank    map[string]int
}

// Scope returns the expand nodes a node is evaluated across.
func (p *Plan) Scope(name string) []string {
	return p.scopes[name]
}

// OutputScope returns the scope a node's values are indexed by. It differs
// from Scope only for expand nodes, which add themselves.
func (p *Plan) OutputScope(name string) []string {
	return p.outputs[name]
}

// GroupOf returns the group that evaluates a node.
func (p *Plan) GroupOf(name string) (*Group, bool) {
	g, ok := p.groupOf[name]
	return g, ok
}

// IsSource reports whether name is a caller-supplied expand.
func (p *Plan) IsSource(name string) bool {
	for _, s := range p.Sources {
		if s == name {
			return true
		}
	}
	return false
}

// Build lays out the execution of sub.
func Build(graph *flowgraph.FunctionGraph, sub *resolver.Subgraph) (*Plan, error) {
	p := &Plan{
		Outputs: append([]string(nil), sub.Outputs...),
		Order:   append([]string(nil), sub.Order...),
		scopes:  make(map[string][]string),
		outputs: make(map[string][]string),
		groupOf: make(map[string]*Group),
		rank:    make(map[string]int),
	}

	for name := range sub.Provided {
		if n, ok := graph.Node(name); ok && n.Kind == flowgraph.KindExpand {
			p.Sources = append(p.Sources, name)
		}
	}
	sort.Strings(p.Sources)
	for i, name := range p.Sources {
		p.rank[name] = i
		p.outputs[name] = []string{name}
	}
	for i, name := range p.Order {
		p.rank[name] = len(p.Sources) + i
	}

	closes := make(map[string]string)
	for _, name := range p.Order {
		n, _ := graph.Node(name)
		if err := p.assignScope(n, closes); err != nil {
			return nil, err
		}
	}

	for _, out := range p.Outputs {
		if !sub.Executes(out) {
			continue
		}
		if scope := p.outputs[out]; len(scope) > 0 {
			return nil, flowgraph.NewResolutionError(flowgraph.ErrCodeInvalidRegion,
				fmt.Sprintf("output '%s' is produced per branch of %s and must be collected before it can be requested",
					out, strings.Join(scope, ", ")), nil, out)
		}
	}

	p.group(graph)
	p.regions(closes)
	return p, nil
}

func (p *Plan) assignScope(n *flowgraph.Node, closes map[string]string) error {
	var merged []string
	for _, dep := range n.Inputs {
		merged = p.merge(merged, p.outputs[dep.Name])
	}

	switch n.Kind {
	case flowgraph.KindExpand:
		p.scopes[n.Name] = merged
		p.outputs[n.Name] = p.merge(merged, []string{n.Name})
	case flowgraph.KindCollect:
		if len(merged) == 0 {
			return flowgraph.NewResolutionError(flowgraph.ErrCodeInvalidRegion,
				fmt.Sprintf("collect '%s' has no expand upstream to close", n.Name), nil, n.Name)
		}
		inner := merged[len(merged)-1]
		outer := append([]string(nil), merged[:len(merged)-1]...)
		if len(outer) == 0 {
			outer = nil
		}
		p.scopes[n.Name] = outer
		p.outputs[n.Name] = outer
		closes[n.Name] = inner
	default:
		p.scopes[n.Name] = merged
		p.outputs[n.Name] = merged
	}
	return nil
}

// merge is the rank-ordered union of two scopes.
func (p *Plan) merge(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return p.rank[out[i]] < p.rank[out[j]] })
	return out
}

// group assigns levels and merges same-scope standard nodes of one level.
// An edge between two standard nodes of equal scope keeps the level, every
// other edge raises it, so edges between groups always point to a later
// level.
func (p *Plan) group(graph *flowgraph.FunctionGraph) {
	level := make(map[string]int, len(p.Order))
	byKey := make(map[string]*Group)

	for _, name := range p.Order {
		n, _ := graph.Node(name)
		lvl := 0
		for _, dep := range n.Inputs {
			dl, ok := level[dep.Name]
			if !ok {
				continue
			}
			d, _ := graph.Node(dep.Name)
			w := 1
			if n.Kind == flowgraph.KindStandard && d.Kind == flowgraph.KindStandard &&
				scopeKey(p.scopes[name]) == scopeKey(p.scopes[dep.Name]) {
				w = 0
			}
			if dl+w > lvl {
				lvl = dl + w
			}
		}
		level[name] = lvl

		if n.Kind != flowgraph.KindStandard {
			g := &Group{ID: name, Kind: n.Kind, Nodes: []string{name}, Scope: p.scopes[name], Level: lvl}
			p.Groups = append(p.Groups, g)
			p.groupOf[name] = g
			continue
		}
		key := fmt.Sprintf("%d|%s", lvl, scopeKey(p.scopes[name]))
		g, ok := byKey[key]
		if !ok {
			g = &Group{ID: name, Kind: flowgraph.KindStandard, Scope: p.scopes[name], Level: lvl}
			byKey[key] = g
			p.Groups = append(p.Groups, g)
		}
		g.Nodes = append(g.Nodes, name)
		p.groupOf[name] = g
	}

	sort.SliceStable(p.Groups, func(i, j int) bool {
		if p.Groups[i].Level != p.Groups[j].Level {
			return p.Groups[i].Level < p.Groups[j].Level
		}
		return p.rank[p.Groups[i].ID] < p.rank[p.Groups[j].ID]
	})
	for _, g := range p.Groups {
		if len(p.Waves) == 0 || p.Waves[len(p.Waves)-1][0].Level != g.Level {
			p.Waves = append(p.Waves, nil)
		}
		p.Waves[len(p.Waves)-1] = append(p.Waves[len(p.Waves)-1], g)
	}
}

func (p *Plan) regions(closes map[string]string) {
	var expands []string
	expands = append(expands, p.Sources...)
	for _, name := range p.Order {
		if p.groupOf[name].Kind == flowgraph.KindExpand {
			expands = append(expands, name)
		}
	}

	for _, e := range expands {
		r := flowgraph.Region{Expand: e}
		if parent := p.scopes[e]; len(parent) > 0 {
			r.Parent = parent[len(parent)-1]
		}
		for _, name := range p.Order {
			if contains(p.scopes[name], e) {
				r.Members = append(r.Members, name)
			}
			if closes[name] == e {
				r.Collects = append(r.Collects, name)
			}
		}
		p.Regions = append(p.Regions, r)
	}
}

func scopeKey(scope []string) string {
	return strings.Join(scope, ",")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
