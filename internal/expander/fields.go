package expander

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/ZanzyTHEbar/flowgraph"
)

// FieldTag is the struct tag naming an extractable field.
const FieldTag = "flowgraph"

func extractFields(d *flowgraph.Declaration, gen *flowgraph.Node) ([]*flowgraph.Node, error) {
	seen := make(map[string]struct{}, len(d.Fields))
	nodes := make([]*flowgraph.Node, 0, len(d.Fields))

	for _, f := range d.Fields {
		if f.Name == "" || f.Type == nil {
			return nil, invalidExpansion(d, "fields need a name and a type")
		}
		if _, dup := seen[f.Name]; dup {
			return nil, invalidExpansion(d, fmt.Sprintf("field '%s' is declared twice", f.Name))
		}
		seen[f.Name] = struct{}{}
		if err := checkField(gen.Type, f); err != nil {
			return nil, invalidExpansion(d, err.Error())
		}

		field := f
		genName := gen.Name
		nodes = append(nodes, &flowgraph.Node{
			Name:   field.Name,
			Type:   field.Type,
			Kind:   flowgraph.KindStandard,
			Inputs: []flowgraph.Dependency{{Name: genName, Type: gen.Type}},
			Body: func(_ context.Context, args map[string]any) (any, error) {
				v, err := Project(args[genName], field.Name)
				if err != nil {
					return nil, err
				}
				if v != nil && !reflect.TypeOf(v).AssignableTo(field.Type) {
					return nil, fmt.Errorf("field '%s' is %T, declared %s", field.Name, v, field.Type)
				}
				return v, nil
			},
		})
	}
	return nodes, nil
}

// checkField validates a declared field against the generator's static type.
// Interface-typed generators are checked at run time only.
func checkField(src reflect.Type, f flowgraph.Field) error {
	t := src
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		sf, ok := lookupField(t, f.Name)
		if !ok {
			return fmt.Errorf("%s has no exported field '%s'", t, f.Name)
		}
		if !sf.Type.AssignableTo(f.Type) {
			return fmt.Errorf("field '%s' is %s, declared %s", f.Name, sf.Type, f.Type)
		}
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return fmt.Errorf("cannot extract fields from %s: keys must be strings", t)
		}
		if t.Elem().Kind() != reflect.Interface && !t.Elem().AssignableTo(f.Type) {
			return fmt.Errorf("values of %s cannot be used as %s", t, f.Type)
		}
	case reflect.Interface:
	default:
		return fmt.Errorf("cannot extract fields from %s", t)
	}
	return nil
}

func lookupField(t reflect.Type, name string) (reflect.StructField, bool) {
	var folded *reflect.StructField
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		if tag := sf.Tag.Get(FieldTag); tag == name {
			return sf, true
		}
		if sf.Name == name {
			return sf, true
		}
		if folded == nil && strings.EqualFold(sf.Name, name) {
			folded = &sf
		}
	}
	if folded != nil {
		return *folded, true
	}
	return reflect.StructField{}, false
}

// Project reads one field from a struct (or pointer to one) or a string-keyed
// map.
func Project(v any, name string) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("cannot extract '%s' from nil", name)
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, fmt.Errorf("cannot extract '%s' from nil", name)
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("cannot extract '%s' from %s", name, rv.Type())
		}
		mv := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, fmt.Errorf("field '%s' missing from output", name)
		}
		return mv.Interface(), nil
	case reflect.Struct:
		sf, ok := lookupField(rv.Type(), name)
		if !ok {
			return nil, fmt.Errorf("%s has no exported field '%s'", rv.Type(), name)
		}
		return rv.FieldByIndex(sf.Index).Interface(), nil
	}
	return nil, fmt.Errorf("cannot extract '%s' from %s", name, rv.Type())
}
