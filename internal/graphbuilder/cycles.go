package graphbuilder

import (
	"github.com/ZanzyTHEbar/flowgraph"
)

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// findCycle walks node-to-node edges depth first and returns the first back
// edge it meets.
func findCycle(nodes map[string]*flowgraph.Node, order []string) (flowgraph.Edge, bool) {
	state := make(map[string]visitState, len(nodes))

	var visit func(name string) (flowgraph.Edge, bool)
	visit = func(name string) (flowgraph.Edge, bool) {
		state[name] = visiting
		for _, dep := range nodes[name].Inputs {
			if _, ok := nodes[dep.Name]; !ok {
				continue
			}
			switch state[dep.Name] {
			case visiting:
				return flowgraph.Edge{From: dep.Name, To: name}, true
			case unvisited:
				if edge, found := visit(dep.Name); found {
					return edge, true
				}
			}
		}
		state[name] = visited
		return flowgraph.Edge{}, false
	}

	for _, name := range order {
		if state[name] == unvisited {
			if edge, found := visit(name); found {
				return edge, true
			}
		}
	}
	return flowgraph.Edge{}, false
}
