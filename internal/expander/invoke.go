package expander

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ZanzyTHEbar/flowgraph"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// signature is the analysed shape of a declared function.
type signature struct {
	fn           reflect.Value
	takesContext bool
	params       []reflect.Type
	out          reflect.Type
	returnsError bool
}

func analyze(fn any) (*signature, error) {
	if fn == nil {
		return nil, fmt.Errorf("function is nil")
	}
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("expected a function, got %s", t)
	}
	if t.IsVariadic() {
		return nil, fmt.Errorf("variadic functions cannot be wired by name")
	}

	s := &signature{fn: v}
	start := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		s.takesContext = true
		start = 1
	}
	for i := start; i < t.NumIn(); i++ {
		s.params = append(s.params, t.In(i))
	}

	switch t.NumOut() {
	case 1:
		if t.Out(0) == errorType {
			return nil, fmt.Errorf("function must return a value, not only an error")
		}
		s.out = t.Out(0)
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("second return value must be error, got %s", t.Out(1))
		}
		s.out = t.Out(0)
		s.returnsError = true
	default:
		return nil, fmt.Errorf("function must return (T) or (T, error), got %d results", t.NumOut())
	}
	return s, nil
}

// call invokes the function, converting panics into errors.
func (s *signature) call(ctx context.Context, args []reflect.Value) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	in := args
	if s.takesContext {
		if ctx == nil {
			ctx = context.Background()
		}
		in = append([]reflect.Value{reflect.ValueOf(&ctx).Elem()}, args...)
	}
	res := s.fn.Call(in)
	if s.returnsError {
		if e := res[1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
	}
	return res[0].Interface(), nil
}

// binding feeds one positional parameter from a dependency or a literal.
type binding struct {
	param     string
	dep       string
	literal   any
	isLiteral bool
	typ       reflect.Type
}

func makeBody(sig *signature, binds []binding) flowgraph.Body {
	return func(ctx context.Context, args map[string]any) (any, error) {
		in := make([]reflect.Value, len(binds))
		for i, b := range binds {
			v := b.literal
			if !b.isLiteral {
				v = args[b.dep]
			}
			rv, err := ArgValue(v, b.typ)
			if err != nil {
				return nil, fmt.Errorf("argument '%s': %w", b.param, err)
			}
			in[i] = rv
		}
		return sig.call(ctx, in)
	}
}

// ArgValue converts v for a parameter of type t. nil becomes the zero value.
func ArgValue(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		if rv.Type() == t {
			return rv, nil
		}
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %s as %s", rv.Type(), t)
}

// ElementType returns the element type yielded by an expand node's output:
// a slice, array, receive channel, or iter.Seq.
func ElementType(t reflect.Type) (reflect.Type, bool) {
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		return t.Elem(), true
	case reflect.Chan:
		if t.ChanDir()&reflect.RecvDir != 0 {
			return t.Elem(), true
		}
	case reflect.Func:
		if t.NumIn() == 1 && t.NumOut() == 0 {
			y := t.In(0)
			if y.Kind() == reflect.Func && y.NumIn() == 1 && y.NumOut() == 1 && y.Out(0).Kind() == reflect.Bool {
				return y.In(0), true
			}
		}
	}
	return nil, false
}

// Materialize drains an expand node's output into its yielded values, in
// yield order.
func Materialize(ctx context.Context, v any) (values []any, err error) {
	if v == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while yielding: %v", r)
		}
	}()

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		values = make([]any, rv.Len())
		for i := range values {
			values[i] = rv.Index(i).Interface()
		}
		return values, nil
	case reflect.Chan:
		cases := []reflect.SelectCase{
			{Dir: reflect.SelectRecv, Chan: rv},
			{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		}
		for {
			chosen, item, ok := reflect.Select(cases)
			if chosen == 1 {
				return nil, ctx.Err()
			}
			if !ok {
				return values, nil
			}
			values = append(values, item.Interface())
		}
	case reflect.Func:
		if _, ok := ElementType(rv.Type()); !ok {
			break
		}
		yield := reflect.MakeFunc(rv.Type().In(0), func(args []reflect.Value) []reflect.Value {
			values = append(values, args[0].Interface())
			return []reflect.Value{reflect.ValueOf(ctx.Err() == nil)}
		})
		rv.Call([]reflect.Value{yield})
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return values, nil
	}
	return nil, fmt.Errorf("cannot expand a value of type %T", v)
}
