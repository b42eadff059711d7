package driver

import "github.com/ZanzyTHEbar/flowgraph"

// MapResult returns the requested outputs as a map keyed by name.
type MapResult struct{}

var _ flowgraph.ResultBuilder = MapResult{}

func (MapResult) Build(outputs []string, values map[string]any) (any, error) {
	out := make(map[string]any, len(outputs))
	for _, name := range outputs {
		out[name] = values[name]
	}
	return out, nil
}

// ListResult returns the requested outputs as a slice in request order.
type ListResult struct{}

var _ flowgraph.ResultBuilder = ListResult{}

func (ListResult) Build(outputs []string, values map[string]any) (any, error) {
	out := make([]any, len(outputs))
	for i, name := range outputs {
		out[i] = values[name]
	}
	return out, nil
}
