package flowgraph

import (
	"reflect"
)

// Declaration describes one transform before expansion. Build declarations
// with Define and its options; the graph builder expands each into one or
// more Nodes.
type Declaration struct {
	Name     string
	Fn       any
	Params   []string
	Defaults map[string]any
	Kind     NodeKind
	Tags     map[string]any
	Fields   []Field
	Guard    *Guard
	Steps    []*StepSpec
	Module   string
	Doc      string
}

// Option configures a Declaration.
type Option func(*Declaration)

// Define declares a transform. fn is any function, optionally taking a
// context.Context first; its remaining parameters are bound, in order, to the
// names given with Params. It returns a value, or a value and an error.
func Define(name string, fn any, opts ...Option) *Declaration {
	d := &Declaration{
		Name:     name,
		Fn:       fn,
		Kind:     KindStandard,
		Defaults: make(map[string]any),
		Tags:     make(map[string]any),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Params names fn's parameters (after an optional leading context).
func Params(names ...string) Option {
	return func(d *Declaration) {
		d.Params = append(d.Params, names...)
	}
}

// Default makes the named parameter optional, falling back to v when nothing
// provides it.
func Default(param string, v any) Option {
	return func(d *Declaration) {
		d.Defaults[param] = v
	}
}

// Tags merges metadata into the declaration. Tags are copied onto every node
// the declaration expands into.
func Tags(tags map[string]any) Option {
	return func(d *Declaration) {
		for k, v := range tags {
			d.Tags[k] = v
		}
	}
}

// Tag sets one metadata entry.
func Tag(key string, value any) Option {
	return func(d *Declaration) {
		d.Tags[key] = value
	}
}

// Doc attaches a description.
func Doc(text string) Option {
	return func(d *Declaration) {
		d.Doc = text
	}
}

// AsExpand marks the declaration as an expand node. fn must return a slice,
// an array, a receive channel, or an iter.Seq; each element opens a branch.
func AsExpand() Option {
	return func(d *Declaration) {
		d.Kind = KindExpand
	}
}

// AsCollect marks the declaration as a collect node. It must have exactly
// one parameter, declared as a slice of the upstream type (or []Result).
func AsCollect() Option {
	return func(d *Declaration) {
		d.Kind = KindCollect
	}
}

// Field is one extracted element of a structured output.
type Field struct {
	Name string
	Type reflect.Type
}

// FieldOf declares a field of type T.
func FieldOf[T any](name string) Field {
	return Field{Name: name, Type: reflect.TypeFor[T]()}
}

// ExtractFields splits the declaration's struct or map output into one node
// per field.
func ExtractFields(fields ...Field) Option {
	return func(d *Declaration) {
		d.Fields = append(d.Fields, fields...)
	}
}

// Guard selects a declaration variant from the configuration. All non-empty
// conditions must hold.
type Guard struct {
	Equals map[string]any
	In     map[string][]any
	NotIn  map[string][]any
	Expr   []string
}

func (d *Declaration) guard() *Guard {
	if d.Guard == nil {
		d.Guard = &Guard{
			Equals: make(map[string]any),
			In:     make(map[string][]any),
			NotIn:  make(map[string][]any),
		}
	}
	return d.Guard
}

// When selects this variant when config[key] equals value. Variants share a
// base name and differ by a "__suffix", e.g. "f__a" and "f__b".
func When(key string, value any) Option {
	return func(d *Declaration) {
		d.guard().Equals[key] = value
	}
}

// WhenIn selects this variant when config[key] is one of values.
func WhenIn(key string, values ...any) Option {
	return func(d *Declaration) {
		g := d.guard()
		g.In[key] = append(g.In[key], values...)
	}
}

// WhenNot selects this variant when config[key] is absent or none of values.
func WhenNot(key string, values ...any) Option {
	return func(d *Declaration) {
		g := d.guard()
		g.NotIn[key] = append(g.NotIn[key], values...)
	}
}

// WhenExpr selects this variant when the boolean expression holds over the
// configuration, e.g. "mode == 'a' && retries > 2".
func WhenExpr(expr string) Option {
	return func(d *Declaration) {
		g := d.guard()
		g.Expr = append(g.Expr, expr)
	}
}

// StepSpec is one stage of a step pipeline.
type StepSpec struct {
	Fn      any
	Name    string
	Params  []string
	Sources map[string]string
	Values  map[string]any
	Guard   *Guard
}

// StepOption configures a StepSpec.
type StepOption func(*StepSpec)

// Step declares a pipeline stage. fn takes the previous stage's output as
// its first parameter (after an optional context) and the parameters named
// with StepParams after it.
func Step(fn any, opts ...StepOption) *StepSpec {
	s := &StepSpec{
		Fn:      fn,
		Sources: make(map[string]string),
		Values:  make(map[string]any),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StepParams names the step's extra parameters. Unless bound otherwise, each
// resolves to the node of the same name.
func StepParams(names ...string) StepOption {
	return func(s *StepSpec) {
		s.Params = append(s.Params, names...)
	}
}

// StepSource binds param to the output of an upstream node.
func StepSource(param, upstream string) StepOption {
	return func(s *StepSpec) {
		s.Sources[param] = upstream
	}
}

// StepValue binds param to a literal.
func StepValue(param string, v any) StepOption {
	return func(s *StepSpec) {
		s.Values[param] = v
	}
}

// StepName overrides the generated intermediate node suffix.
func StepName(name string) StepOption {
	return func(s *StepSpec) {
		s.Name = name
	}
}

// StepWhen keeps the step only when config[key] equals value.
func StepWhen(key string, value any) StepOption {
	return func(s *StepSpec) {
		if s.Guard == nil {
			s.Guard = &Guard{Equals: make(map[string]any)}
		}
		s.Guard.Equals[key] = value
	}
}

// Pipe applies steps, in order, to the declaration's output. Intermediate
// results become hidden nodes and only the last step carries the public name.
func Pipe(steps ...*StepSpec) Option {
	return func(d *Declaration) {
		d.Steps = append(d.Steps, steps...)
	}
}

// Module is a namespace of declarations.
type Module struct {
	Name         string
	Declarations []*Declaration
}

// NewModule groups declarations under name.
func NewModule(name string, decls ...*Declaration) Module {
	return Module{Name: name, Declarations: decls}
}
