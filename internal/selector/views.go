package selector

import (
	"context"

	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/tree"
)

// Path selects the value at path, or null when it is missing.
func Path(path ...string) Func {
	return func(ctx context.Context, state *tree.Tree) (ir.IRValue, error) {
		v, ok, err := state.Lookup(ctx, path...)
		if err != nil {
			return nil, err
		}
		if !ok {
			return ir.IRNull{}, nil
		}
		return v, nil
	}
}

// Keys selects the field names of the record at path, or an empty array
// when it is missing or not a record.
func Keys(path ...string) Func {
	return func(ctx context.Context, state *tree.Tree) (ir.IRValue, error) {
		sub, ok, err := state.Get(ctx, path...)
		if err != nil || !ok {
			return ir.Arr(), err
		}
		keys, err := sub.Keys(ctx)
		if err != nil {
			return ir.Arr(), nil
		}
		out := make(ir.IRArray, len(keys))
		for i, k := range keys {
			out[i] = ir.IRString(k)
		}
		return out, nil
	}
}

// Count selects the number of entries at path: fields of a record, items
// of a collection, 0 when missing or scalar.
func Count(path ...string) Func {
	return func(ctx context.Context, state *tree.Tree) (ir.IRValue, error) {
		sub, ok, err := state.Get(ctx, path...)
		if err != nil || !ok {
			return ir.IRInt(0), err
		}
		n, err := sub.Len(ctx)
		if err != nil {
			return ir.IRInt(0), nil
		}
		return ir.IRInt(n), nil
	}
}
