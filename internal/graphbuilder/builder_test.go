package graphbuilder

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/flowgraph"
)

func chain() flowgraph.Module {
	return flowgraph.NewModule("chain",
		flowgraph.Define("a", func(x int) int { return x + 1 }, flowgraph.Params("x")),
		flowgraph.Define("b", func(a int) int { return a * 2 }, flowgraph.Params("a")),
	)
}

func TestBuild_Basic(t *testing.T) {
	g, err := Build([]flowgraph.Module{chain()}, map[string]any{"k": "v"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, g.Names())
	assert.Equal(t, []string{"b"}, g.Dependents("a"))
	assert.Equal(t, map[string]any{"k": "v"}, g.Config())

	b, ok := g.Node("b")
	require.True(t, ok)
	assert.Equal(t, "chain", b.Module)
}

func TestBuild_DoesNotMutateDeclarations(t *testing.T) {
	m := chain()
	_, err := Build([]flowgraph.Module{m}, nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, m.Declarations[0].Module)
}

func TestBuild_NameCollision(t *testing.T) {
	other := flowgraph.NewModule("other",
		flowgraph.Define("a", func() int { return 7 }))

	_, err := Build([]flowgraph.Module{chain(), other}, nil, Options{})
	require.Error(t, err)
	assert.True(t, flowgraph.IsBuildError(err))
	assert.True(t, flowgraph.HasCode(err, flowgraph.ErrCodeNameCollision))

	var fe *flowgraph.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, []string{"a"}, fe.Nodes)
}

func TestBuild_AllowOverrides(t *testing.T) {
	other := flowgraph.NewModule("other",
		flowgraph.Define("a", func() int { return 7 }))

	g, err := Build([]flowgraph.Module{chain(), other}, nil, Options{AllowOverrides: true})
	require.NoError(t, err)
	a, _ := g.Node("a")
	assert.Equal(t, "other", a.Module)
	assert.Empty(t, a.Inputs)
}

func TestBuild_SameModuleDuplicateAlwaysFails(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("xy", func() map[string]any { return nil },
			flowgraph.ExtractFields(flowgraph.FieldOf[int]("x"))),
		flowgraph.Define("x", func() int { return 1 }),
	)
	_, err := Build([]flowgraph.Module{m}, nil, Options{AllowOverrides: true})
	require.Error(t, err)
	assert.True(t, flowgraph.HasCode(err, flowgraph.ErrCodeNameCollision))
}

func TestBuild_TypeMismatch(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("a", func() string { return "s" }),
		flowgraph.Define("b", func(a int) int { return a }, flowgraph.Params("a")),
	)
	_, err := Build([]flowgraph.Module{m}, nil, Options{})
	require.Error(t, err)
	assert.True(t, flowgraph.HasCode(err, flowgraph.ErrCodeTypeMismatch))

	lenient := flowgraph.TypeCheckerFunc(func(_, _ reflect.Type) bool { return true })
	_, err = Build([]flowgraph.Module{m}, nil, Options{TypeChecker: lenient})
	assert.NoError(t, err)
}

func TestBuild_CollectAndErrorParamsTypeCheck(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("items", func() []int { return nil }, flowgraph.AsExpand()),
		flowgraph.Define("double", func(items int) int { return items * 2 }, flowgraph.Params("items")),
		flowgraph.Define("all", func(double []int) int { return len(double) },
			flowgraph.Params("double"), flowgraph.AsCollect()),
		flowgraph.Define("safe", func(double flowgraph.Result) bool { return double.IsErrored() },
			flowgraph.Params("double")),
	)
	_, err := Build([]flowgraph.Module{m}, nil, Options{})
	require.NoError(t, err)

	bad := flowgraph.NewModule("m",
		flowgraph.Define("items", func() []int { return nil }, flowgraph.AsExpand()),
		flowgraph.Define("all", func(items []string) int { return len(items) },
			flowgraph.Params("items"), flowgraph.AsCollect()),
	)
	_, err = Build([]flowgraph.Module{bad}, nil, Options{})
	assert.True(t, flowgraph.HasCode(err, flowgraph.ErrCodeTypeMismatch))
}

func TestBuild_Cycle(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("a", func(c int) int { return c }, flowgraph.Params("c")),
		flowgraph.Define("b", func(a int) int { return a }, flowgraph.Params("a")),
		flowgraph.Define("c", func(b int) int { return b }, flowgraph.Params("b")),
	)
	_, err := Build([]flowgraph.Module{m}, nil, Options{})
	require.Error(t, err)
	assert.True(t, flowgraph.IsCycleError(err))

	var fe *flowgraph.Error
	require.True(t, errors.As(err, &fe))
	require.NotNil(t, fe.Edge)
	onCycle := map[string]string{"c": "a", "a": "b", "b": "c"}
	assert.Equal(t, onCycle[fe.Edge.From], fe.Edge.To, "edge %s is not on the cycle", fe.Edge)
}

type requireTag struct{ key string }

func (v requireTag) ValidateNode(n *flowgraph.Node) (bool, string) {
	if n.Hidden {
		return true, ""
	}
	if _, ok := n.Tag(v.key); !ok {
		return false, fmt.Sprintf("missing tag %q", v.key)
	}
	return true, ""
}

type maxNodes int

func (m maxNodes) ValidateGraph(g *flowgraph.FunctionGraph) error {
	if g.Len() > int(m) {
		return fmt.Errorf("graph has %d nodes, limit %d", g.Len(), int(m))
	}
	return nil
}

func TestBuild_Validators(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("a", func() int { return 1 }, flowgraph.Tag("owner", "ops")),
		flowgraph.Define("b", func(a int) int { return a }, flowgraph.Params("a")),
	)

	_, err := Build([]flowgraph.Module{m}, nil, Options{Validators: []flowgraph.StaticValidator{requireTag{"owner"}}})
	require.Error(t, err)
	assert.True(t, flowgraph.IsValidatorError(err))
	var fe *flowgraph.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, []string{"b"}, fe.Nodes)

	_, err = Build([]flowgraph.Module{m}, nil, Options{GraphValidators: []flowgraph.GraphValidator{maxNodes(1)}})
	require.Error(t, err)
	assert.True(t, flowgraph.IsValidatorError(err))

	_, err = Build([]flowgraph.Module{m}, nil, Options{GraphValidators: []flowgraph.GraphValidator{maxNodes(2)}})
	assert.NoError(t, err)
}

func TestBuild_VariantsPerModule(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("f__a", func() string { return "a" }, flowgraph.When("mode", "a")),
		flowgraph.Define("f__b", func() string { return "b" }, flowgraph.When("mode", "b")),
		flowgraph.Define("use", func(f string) string { return f }, flowgraph.Params("f")),
	)
	g, err := Build([]flowgraph.Module{m}, map[string]any{"mode": "b"}, Options{})
	require.NoError(t, err)
	f, ok := g.Node("f")
	require.True(t, ok)
	assert.Equal(t, "f__b", f.Originating)

	_, err = Build([]flowgraph.Module{m}, map[string]any{"mode": "c"}, Options{})
	assert.True(t, flowgraph.HasCode(err, flowgraph.ErrCodeMissingImplementation))
}
