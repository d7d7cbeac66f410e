package reducer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/roach88/dagstate/internal/engine"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/tree"
)

// Built-in reducer names.
const (
	Set       = "set"
	Delete    = "delete"
	Append    = "append"
	Increment = "increment"
	Batch     = "batch"
)

// ErrBadInput reports a reducer input of the wrong shape.
var ErrBadInput = errors.New("bad reducer input")

func badInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadInput, fmt.Sprintf(format, args...))
}

// ParsePath converts a path value into tree segments.
func ParsePath(v ir.IRValue) ([]string, error) {
	switch p := v.(type) {
	case nil, ir.IRNull:
		return nil, nil
	case ir.IRString:
		if p == "" {
			return nil, nil
		}
		return strings.Split(string(p), "."), nil
	case ir.IRArray:
		out := make([]string, len(p))
		for i, seg := range p {
			switch s := seg.(type) {
			case ir.IRString:
				out[i] = string(s)
			case ir.IRInt:
				out[i] = strconv.FormatInt(int64(s), 10)
			default:
				return nil, badInput("path segment %d is %s", i, ir.TypeName(seg))
			}
		}
		return out, nil
	default:
		return nil, badInput("path is %s", ir.TypeName(v))
	}
}

func fields(input ir.IRValue) (ir.IRObject, []string, error) {
	obj, ok := input.(ir.IRObject)
	if !ok {
		return nil, nil, badInput("input is %s, want object", ir.TypeName(input))
	}
	path, err := ParsePath(obj["path"])
	if err != nil {
		return nil, nil, err
	}
	return obj, path, nil
}

func setReducer(ctx context.Context, s *tree.Tree, input ir.IRValue) (*tree.Tree, error) {
	obj, path, err := fields(input)
	if err != nil {
		return nil, err
	}
	v, ok := obj["value"]
	if !ok {
		return nil, badInput("set needs a value")
	}
	return s.Set(ctx, v, path...)
}

func deleteReducer(ctx context.Context, s *tree.Tree, input ir.IRValue) (*tree.Tree, error) {
	_, path, err := fields(input)
	if err != nil {
		return nil, err
	}
	return s.Delete(ctx, path...)
}

func appendReducer(ctx context.Context, s *tree.Tree, input ir.IRValue) (*tree.Tree, error) {
	obj, path, err := fields(input)
	if err != nil {
		return nil, err
	}
	v, ok := obj["value"]
	if !ok {
		return nil, badInput("append needs a value")
	}
	return s.Append(ctx, v, path...)
}

func incrementReducer(ctx context.Context, s *tree.Tree, input ir.IRValue) (*tree.Tree, error) {
	obj, path, err := fields(input)
	if err != nil {
		return nil, err
	}
	by := ir.IRInt(1)
	if v, ok := obj["by"]; ok {
		if by, ok = v.(ir.IRInt); !ok {
			return nil, badInput("by is %s, want int", ir.TypeName(v))
		}
	}

	var cur ir.IRInt
	v, ok, err := s.Lookup(ctx, path...)
	if err != nil {
		return nil, err
	}
	if ok {
		if cur, ok = v.(ir.IRInt); !ok {
			return nil, fmt.Errorf("increment %v: value is %s", path, ir.TypeName(v))
		}
	}
	if (by > 0 && cur > math.MaxInt64-by) || (by < 0 && cur < math.MinInt64-by) {
		return nil, fmt.Errorf("increment %v: overflow", path)
	}
	return s.Set(ctx, cur+by, path...)
}

// batchReducer runs each op in order against the evolving tree.
func batchReducer(reg *Registry) engine.Reducer {
	return func(ctx context.Context, s *tree.Tree, input ir.IRValue) (*tree.Tree, error) {
		obj, ok := input.(ir.IRObject)
		if !ok {
			return nil, badInput("batch input is %s, want object", ir.TypeName(input))
		}
		ops, ok := obj["ops"].(ir.IRArray)
		if !ok {
			return nil, badInput("batch needs an ops array")
		}
		for i, raw := range ops {
			op, ok := raw.(ir.IRObject)
			if !ok {
				return nil, badInput("op %d is %s", i, ir.TypeName(raw))
			}
			name, ok := op["op"].(ir.IRString)
			if !ok {
				return nil, badInput("op %d has no name", i)
			}
			if name == Batch {
				return nil, badInput("op %d: batches do not nest", i)
			}
			r, ok := reg.Lookup(string(name))
			if !ok {
				return nil, fmt.Errorf("op %d: %w: %s", i, ErrUnknown, name)
			}
			next, err := r(ctx, s, op)
			if err != nil {
				return nil, fmt.Errorf("op %d (%s): %w", i, name, err)
			}
			s = next
		}
		return s, nil
	}
}

// Patch rewrites the value at path from old to next, touching only the
// fields that differ so unchanged subtrees keep their nodes.
func Patch(ctx context.Context, s *tree.Tree, old, next ir.IRValue, path ...string) (*tree.Tree, error) {
	if ir.Equal(old, next) {
		return s, nil
	}
	oldObj, okOld := old.(ir.IRObject)
	newObj, okNew := next.(ir.IRObject)
	if !okOld || !okNew {
		return s.Set(ctx, next, path...)
	}

	var err error
	for _, k := range newObj.SortedKeys() {
		sub := append(append([]string(nil), path...), k)
		prev, had := oldObj[k]
		if !had {
			if s, err = s.Set(ctx, newObj[k], sub...); err != nil {
				return nil, err
			}
			continue
		}
		if s, err = Patch(ctx, s, prev, newObj[k], sub...); err != nil {
			return nil, err
		}
	}
	for _, k := range oldObj.SortedKeys() {
		if _, keep := newObj[k]; keep {
			continue
		}
		if s, err = s.Delete(ctx, append(append([]string(nil), path...), k)...); err != nil {
			return nil, err
		}
	}
	return s, nil
}
