// Package expander turns declarations into graph nodes: it selects
// config-conditional variants and expands step pipelines and field
// extraction into the nodes they stand for.
package expander

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/ZanzyTHEbar/flowgraph"
)

// ModuleTag is set on every node to the namespace it was declared in.
const ModuleTag = "module"

// Expander holds the build-time configuration that expansion depends on.
type Expander struct {
	config map[string]any
	funcs  map[string]govaluate.ExpressionFunction
}

// New creates an Expander. funcs are made available to WhenExpr guards.
func New(config map[string]any, funcs map[string]govaluate.ExpressionFunction) *Expander {
	if config == nil {
		config = map[string]any{}
	}
	if funcs == nil {
		funcs = map[string]govaluate.ExpressionFunction{}
	}
	return &Expander{config: config, funcs: funcs}
}

// BaseName strips a "__suffix" from a guarded declaration's name.
func BaseName(d *flowgraph.Declaration) string {
	if d.Guard == nil {
		return d.Name
	}
	if i := strings.LastIndex(d.Name, "__"); i > 0 {
		return d.Name[:i]
	}
	return d.Name
}

// Select resolves config-conditional variants within one module. Every base
// name must end up with exactly one declaration. Expand names the winner's
// node after its base name.
func (e *Expander) Select(decls []*flowgraph.Declaration) ([]*flowgraph.Declaration, error) {
	var order []string
	groups := make(map[string][]*flowgraph.Declaration)
	for _, d := range decls {
		base := BaseName(d)
		if _, seen := groups[base]; !seen {
			order = append(order, base)
		}
		groups[base] = append(groups[base], d)
	}

	out := make([]*flowgraph.Declaration, 0, len(order))
	for _, base := range order {
		candidates := groups[base]
		if len(candidates) == 1 && candidates[0].Guard == nil {
			out = append(out, candidates[0])
			continue
		}

		var matched []*flowgraph.Declaration
		names := make([]string, 0, len(candidates))
		for _, d := range candidates {
			names = append(names, d.Name)
			ok, err := e.matches(d.Guard)
			if err != nil {
				return nil, flowgraph.NewBuildError(flowgraph.ErrCodeInvalidGuard,
					fmt.Sprintf("invalid guard on '%s'", d.Name), err, d.Name)
			}
			if ok {
				matched = append(matched, d)
			}
		}

		switch len(matched) {
		case 0:
			return nil, flowgraph.NewMissingImplementationError(base, names)
		case 1:
			out = append(out, matched[0])
		default:
			matchedNames := make([]string, len(matched))
			for i, d := range matched {
				matchedNames[i] = d.Name
			}
			return nil, flowgraph.NewAmbiguousImplementationError(base, matchedNames)
		}
	}
	return out, nil
}

// Expand emits the nodes for one selected declaration: the node itself, or
// a pipeline of hidden step nodes, followed by one node per extracted field.
func (e *Expander) Expand(d *flowgraph.Declaration) ([]*flowgraph.Node, error) {
	sig, err := analyze(d.Fn)
	if err != nil {
		return nil, invalidDeclaration(d, err)
	}
	if len(d.Params) != len(sig.params) {
		return nil, invalidDeclaration(d, fmt.Errorf("function takes %d parameters but %d names were given",
			len(sig.params), len(d.Params)))
	}
	for param := range d.Defaults {
		if !contains(d.Params, param) {
			return nil, invalidDeclaration(d, fmt.Errorf("default for unknown parameter '%s'", param))
		}
	}
	if d.Kind == flowgraph.KindExpand && len(d.Steps) > 0 {
		return nil, invalidExpansion(d, "step pipelines cannot be applied to an expand node")
	}
	if d.Kind == flowgraph.KindCollect && len(d.Steps) > 0 {
		return nil, invalidExpansion(d, "step pipelines cannot be applied to a collect node")
	}
	if d.Kind == flowgraph.KindExpand && len(d.Fields) > 0 {
		return nil, invalidExpansion(d, "fields cannot be extracted from an expand node")
	}

	base, err := e.baseNode(d, sig, BaseName(d))
	if err != nil {
		return nil, err
	}

	nodes := []*flowgraph.Node{base}
	if len(d.Steps) > 0 {
		nodes, err = e.pipeline(d, base, BaseName(d))
		if err != nil {
			return nil, err
		}
	}
	if len(d.Fields) > 0 {
		final := nodes[len(nodes)-1]
		fieldNodes, err := extractFields(d, final)
		if err != nil {
			return nil, err
		}
		final.Hidden = true
		nodes = append(nodes, fieldNodes...)
	}

	for _, n := range nodes {
		n.Module = d.Module
		n.Originating = d.Name
		tags := make(map[string]any, len(d.Tags)+1)
		for k, v := range d.Tags {
			tags[k] = v
		}
		tags[ModuleTag] = d.Module
		n.Tags = tags
	}
	return nodes, nil
}

func (e *Expander) baseNode(d *flowgraph.Declaration, sig *signature, name string) (*flowgraph.Node, error) {
	n := &flowgraph.Node{
		Name: name,
		Type: sig.out,
		Kind: d.Kind,
	}

	switch d.Kind {
	case flowgraph.KindExpand:
		elem, ok := ElementType(sig.out)
		if !ok {
			return nil, invalidDeclaration(d, fmt.Errorf("expand node must return a slice, channel or iter.Seq, got %s", sig.out))
		}
		n.Type = elem
	case flowgraph.KindCollect:
		if len(d.Params) != 1 {
			return nil, invalidDeclaration(d, fmt.Errorf("collect node must depend on exactly one name, got %d", len(d.Params)))
		}
		if sig.params[0].Kind() != reflect.Slice {
			return nil, invalidDeclaration(d, fmt.Errorf("collect parameter must be a slice, got %s", sig.params[0]))
		}
	}

	binds := make([]binding, len(d.Params))
	for i, p := range d.Params {
		typ := sig.params[i]
		def, optional := d.Defaults[p]
		dep := flowgraph.Dependency{
			Name:     p,
			Type:     typ,
			Optional: optional,
			Default:  def,
		}
		if d.Kind == flowgraph.KindCollect {
			dep.Collected = true
			dep.AcceptsErrors = typ == flowgraph.ResultSliceType()
		} else {
			dep.AcceptsErrors = typ == flowgraph.ResultType()
		}
		n.Inputs = append(n.Inputs, dep)
		binds[i] = binding{param: p, dep: p, typ: typ}
	}
	n.Body = makeBody(sig, binds)
	return n, nil
}

func invalidDeclaration(d *flowgraph.Declaration, cause error) *flowgraph.Error {
	return flowgraph.NewBuildError(flowgraph.ErrCodeInvalidDeclaration,
		fmt.Sprintf("invalid declaration '%s'", d.Name), cause, d.Name)
}

func invalidExpansion(d *flowgraph.Declaration, reason string) *flowgraph.Error {
	return flowgraph.NewBuildError(flowgraph.ErrCodeInvalidExpansion,
		fmt.Sprintf("invalid expansion of '%s': %s", d.Name, reason), nil, d.Name)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
