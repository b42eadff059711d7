package flowgraph

import (
	"context"
	"fmt"
)

// LoadFrom declares a boundary node producing a T read by loader.
func LoadFrom[T any](name string, loader DataLoader, spec map[string]any, opts ...Option) *Declaration {
	fn := func(ctx context.Context) (T, error) {
		var zero T
		v, _, err := loader.Load(ctx, spec)
		if err != nil {
			return zero, fmt.Errorf("load %s: %w", name, err)
		}
		if v == nil {
			return zero, nil
		}
		typed, ok := v.(T)
		if !ok {
			return zero, fmt.Errorf("load %s: loader returned %T, want %T", name, v, zero)
		}
		return typed, nil
	}
	return Define(name, fn, append([]Option{Tag("io", "loader")}, opts...)...)
}

// SaveTo declares a boundary node writing dep with saver. Its value is the
// metadata the saver reports.
func SaveTo[T any](name, dep string, saver DataSaver, spec map[string]any, opts ...Option) *Declaration {
	fn := func(ctx context.Context, v T) (map[string]any, error) {
		md, err := saver.Save(ctx, v, spec)
		if err != nil {
			return nil, fmt.Errorf("save %s: %w", name, err)
		}
		return md, nil
	}
	return Define(name, fn, append([]Option{Params(dep), Tag("io", "saver")}, opts...)...)
}
