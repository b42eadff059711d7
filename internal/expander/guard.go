package expander

import (
	"fmt"
	"reflect"

	"github.com/Knetic/govaluate"
	"github.com/ZanzyTHEbar/flowgraph"
)

// matches evaluates a guard against the configuration. A nil guard always
// matches.
func (e *Expander) matches(g *flowgraph.Guard) (bool, error) {
	if g == nil {
		return true, nil
	}
	for key, want := range g.Equals {
		got, ok := e.config[key]
		if !ok || !valuesEqual(got, want) {
			return false, nil
		}
	}
	for key, allowed := range g.In {
		got, ok := e.config[key]
		if !ok || !containsValue(allowed, got) {
			return false, nil
		}
	}
	for key, denied := range g.NotIn {
		if got, ok := e.config[key]; ok && containsValue(denied, got) {
			return false, nil
		}
	}
	for _, expr := range g.Expr {
		ok, err := e.evaluate(expr)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Expander) evaluate(expr string) (bool, error) {
	ev, err := govaluate.NewEvaluableExpressionWithFunctions(expr, e.funcs)
	if err != nil {
		return false, fmt.Errorf("parse guard %q: %w", expr, err)
	}
	res, err := ev.Evaluate(e.config)
	if err != nil {
		return false, fmt.Errorf("evaluate guard %q: %w", expr, err)
	}
	b, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("guard %q evaluated to %T, want bool", expr, res)
	}
	return b, nil
}

// ValidateGuardExpression checks that expr parses with the given functions.
func ValidateGuardExpression(expr string, funcs map[string]govaluate.ExpressionFunction) error {
	_, err := govaluate.NewEvaluableExpressionWithFunctions(expr, funcs)
	return err
}

func containsValue(values []any, v any) bool {
	for _, candidate := range values {
		if valuesEqual(candidate, v) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	// Configuration decoded from files carries int/float64 where callers wrote
	// literals of another numeric type.
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	return okA && okB && fa == fb
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
