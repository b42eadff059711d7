package expander

import (
	"fmt"

	"github.com/ZanzyTHEbar/flowgraph"
)

// RawSuffix names the hidden node holding a piped declaration's own output.
const RawSuffix = "raw"

// pipeline rewires base into a chain of step nodes. Steps whose guard does
// not match the configuration are dropped; if none remain the declaration
// is left untouched.
func (e *Expander) pipeline(d *flowgraph.Declaration, base *flowgraph.Node, name string) ([]*flowgraph.Node, error) {
	var active []*flowgraph.StepSpec
	for _, s := range d.Steps {
		ok, err := e.matches(s.Guard)
		if err != nil {
			return nil, flowgraph.NewBuildError(flowgraph.ErrCodeInvalidGuard,
				fmt.Sprintf("invalid step guard on '%s'", d.Name), err, d.Name)
		}
		if ok {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return []*flowgraph.Node{base}, nil
	}

	base.Name = fmt.Sprintf("%s.%s", name, RawSuffix)
	base.Hidden = true
	nodes := []*flowgraph.Node{base}
	prev := base

	for i, s := range active {
		last := i == len(active)-1
		n, err := stepNode(d, name, s, i, prev, last)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
		prev = n
	}
	return nodes, nil
}

func stepNode(d *flowgraph.Declaration, public string, s *flowgraph.StepSpec, index int, prev *flowgraph.Node, last bool) (*flowgraph.Node, error) {
	label := s.Name
	if label == "" {
		label = fmt.Sprintf("step_%d", index)
	}

	sig, err := analyze(s.Fn)
	if err != nil {
		return nil, invalidStep(d, label, err)
	}
	if len(sig.params) == 0 {
		return nil, invalidStep(d, label, fmt.Errorf("step must accept the previous output"))
	}
	if len(s.Params) != len(sig.params)-1 {
		return nil, invalidStep(d, label, fmt.Errorf("step takes %d extra parameters but %d names were given",
			len(sig.params)-1, len(s.Params)))
	}
	for p := range s.Sources {
		if !contains(s.Params, p) {
			return nil, invalidStep(d, label, fmt.Errorf("source for unknown parameter '%s'", p))
		}
	}
	for p := range s.Values {
		if !contains(s.Params, p) {
			return nil, invalidStep(d, label, fmt.Errorf("value for unknown parameter '%s'", p))
		}
	}

	name := public
	if !last {
		name = fmt.Sprintf("%s.%s", public, label)
	}
	n := &flowgraph.Node{
		Name:   name,
		Type:   sig.out,
		Kind:   flowgraph.KindStandard,
		Hidden: !last,
	}

	binds := make([]binding, 0, len(sig.params))
	binds = append(binds, binding{param: "previous", dep: prev.Name, typ: sig.params[0]})
	n.Inputs = append(n.Inputs, flowgraph.Dependency{Name: prev.Name, Type: sig.params[0]})

	for j, p := range s.Params {
		typ := sig.params[j+1]
		if v, ok := s.Values[p]; ok {
			binds = append(binds, binding{param: p, literal: v, isLiteral: true, typ: typ})
			continue
		}
		dep := p
		if src, ok := s.Sources[p]; ok {
			dep = src
		}
		binds = append(binds, binding{param: p, dep: dep, typ: typ})
		n.Inputs = append(n.Inputs, flowgraph.Dependency{
			Name:          dep,
			Type:          typ,
			AcceptsErrors: typ == flowgraph.ResultType(),
		})
	}
	n.Body = makeBody(sig, binds)
	return n, nil
}

func invalidStep(d *flowgraph.Declaration, label string, cause error) *flowgraph.Error {
	return flowgraph.NewBuildError(flowgraph.ErrCodeInvalidDeclaration,
		fmt.Sprintf("invalid step '%s' of '%s'", label, d.Name), cause, d.Name)
}
