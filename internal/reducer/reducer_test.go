package reducer

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/store/memstore"
	"github.com/roach88/dagstate/internal/tree"
)

func newTree(t *testing.T, v ir.IRValue) *tree.Tree {
	t.Helper()
	objects, err := object.New(memstore.New())
	require.NoError(t, err)
	s, err := tree.FromValue(objects, v)
	require.NoError(t, err)
	return s
}

func run(t *testing.T, reg *Registry, name string, s *tree.Tree, input ir.IRValue) (ir.IRValue, error) {
	t.Helper()
	r, err := reg.Get(name)
	require.NoError(t, err)
	next, err := r(context.Background(), s, input)
	if err != nil {
		return nil, err
	}
	return next.Value(context.Background())
}

func TestBuiltins(t *testing.T) {
	start := ir.Obj(
		ir.O("count", ir.IRInt(2)),
		ir.O("user", ir.Obj(ir.O("name", ir.IRString("ada")))),
		ir.O("items", ir.Arr(ir.IRString("a"))),
	)

	tests := []struct {
		name    string
		reducer string
		input   ir.IRValue
		check   func(t *testing.T, v ir.IRValue)
		wantErr bool
	}{
		{
			name:    "set nested by array path",
			reducer: Set,
			input:   ir.Obj(ir.O("path", ir.Arr(ir.IRString("user"), ir.IRString("age"))), ir.O("value", ir.IRInt(36))),
			check: func(t *testing.T, v ir.IRValue) {
				assert.Equal(t, ir.IRInt(36), v.(ir.IRObject)["user"].(ir.IRObject)["age"])
			},
		},
		{
			name:    "set by dotted path",
			reducer: Set,
			input:   ir.Obj(ir.O("path", ir.IRString("user.name")), ir.O("value", ir.IRString("grace"))),
			check: func(t *testing.T, v ir.IRValue) {
				assert.Equal(t, ir.IRString("grace"), v.(ir.IRObject)["user"].(ir.IRObject)["name"])
			},
		},
		{
			name:    "set collection index",
			reducer: Set,
			input:   ir.Obj(ir.O("path", ir.Arr(ir.IRString("items"), ir.IRInt(0))), ir.O("value", ir.IRString("z"))),
			check: func(t *testing.T, v ir.IRValue) {
				assert.True(t, ir.Equal(ir.Arr(ir.IRString("z")), v.(ir.IRObject)["items"]))
			},
		},
		{
			name:    "set without value",
			reducer: Set,
			input:   ir.Obj(ir.O("path", ir.IRString("x"))),
			wantErr: true,
		},
		{
			name:    "delete",
			reducer: Delete,
			input:   ir.Obj(ir.O("path", ir.IRString("user"))),
			check: func(t *testing.T, v ir.IRValue) {
				_, ok := v.(ir.IRObject)["user"]
				assert.False(t, ok)
			},
		},
		{
			name:    "append",
			reducer: Append,
			input:   ir.Obj(ir.O("path", ir.IRString("items")), ir.O("value", ir.IRString("b"))),
			check: func(t *testing.T, v ir.IRValue) {
				assert.True(t, ir.Equal(ir.Arr(ir.IRString("a"), ir.IRString("b")), v.(ir.IRObject)["items"]))
			},
		},
		{
			name:    "increment default",
			reducer: Increment,
			input:   ir.Obj(ir.O("path", ir.IRString("count"))),
			check: func(t *testing.T, v ir.IRValue) {
				assert.Equal(t, ir.IRInt(3), v.(ir.IRObject)["count"])
			},
		},
		{
			name:    "increment missing starts at zero",
			reducer: Increment,
			input:   ir.Obj(ir.O("path", ir.IRString("hits")), ir.O("by", ir.IRInt(-4))),
			check: func(t *testing.T, v ir.IRValue) {
				assert.Equal(t, ir.IRInt(-4), v.(ir.IRObject)["hits"])
			},
		},
		{
			name:    "increment non-integer",
			reducer: Increment,
			input:   ir.Obj(ir.O("path", ir.IRString("user"))),
			wantErr: true,
		},
		{
			name:    "input not an object",
			reducer: Delete,
			input:   ir.IRString("user"),
			wantErr: true,
		},
		{
			name:    "bad path segment",
			reducer: Set,
			input:   ir.Obj(ir.O("path", ir.Arr(ir.IRBool(true))), ir.O("value", ir.IRInt(1))),
			wantErr: true,
		},
		{
			name:    "batch",
			reducer: Batch,
			input: ir.Obj(ir.O("ops", ir.Arr(
				ir.Obj(ir.O("op", ir.IRString(Increment)), ir.O("path", ir.IRString("count"))),
				ir.Obj(ir.O("op", ir.IRString(Increment)), ir.O("path", ir.IRString("count"))),
				ir.Obj(ir.O("op", ir.IRString(Delete)), ir.O("path", ir.IRString("items"))),
			))),
			check: func(t *testing.T, v ir.IRValue) {
				assert.True(t, ir.Equal(ir.Obj(
					ir.O("count", ir.IRInt(4)),
					ir.O("user", ir.Obj(ir.O("name", ir.IRString("ada")))),
				), v))
			},
		},
		{
			name:    "batch unknown op",
			reducer: Batch,
			input:   ir.Obj(ir.O("ops", ir.Arr(ir.Obj(ir.O("op", ir.IRString("explode")))))),
			wantErr: true,
		},
		{
			name:    "batch nested",
			reducer: Batch,
			input:   ir.Obj(ir.O("ops", ir.Arr(ir.Obj(ir.O("op", ir.IRString(Batch)))))),
			wantErr: true,
		},
	}

	reg := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := run(t, reg, tt.reducer, newTree(t, start), tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, v)
		})
	}
}

func TestIncrementOverflow(t *testing.T) {
	s := newTree(t, ir.Obj(ir.O("n", ir.IRInt(math.MaxInt64))))
	_, err := run(t, NewRegistry(), Increment, s, ir.Obj(ir.O("path", ir.IRString("n"))))
	assert.ErrorContains(t, err, "overflow")
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, []string{Append, Batch, Delete, Increment, Set}, reg.Names())

	noop := func(_ context.Context, s *tree.Tree, _ ir.IRValue) (*tree.Tree, error) { return s, nil }
	require.NoError(t, reg.Register("noop", noop))
	assert.Error(t, reg.Register("noop", noop))
	assert.Error(t, reg.Register(Set, noop))

	_, err := reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestPatchKeepsUnchangedSubtrees(t *testing.T) {
	ctx := context.Background()
	old := ir.Obj(
		ir.O("keep", ir.Obj(ir.O("deep", ir.Arr(ir.IRInt(1), ir.IRInt(2))))),
		ir.O("change", ir.IRInt(1)),
		ir.O("drop", ir.IRBool(true)),
	)
	next := ir.Obj(
		ir.O("keep", ir.Obj(ir.O("deep", ir.Arr(ir.IRInt(1), ir.IRInt(2))))),
		ir.O("change", ir.IRInt(2)),
		ir.O("add", ir.IRString("new")),
	)

	objects, err := object.New(memstore.New())
	require.NoError(t, err)
	built, err := tree.FromValue(objects, old)
	require.NoError(t, err)
	root, _, err := built.Commit(ctx)
	require.NoError(t, err)
	s := tree.Load(objects, root)

	patched, err := Patch(ctx, s, old, next)
	require.NoError(t, err)
	v, err := patched.Value(ctx)
	require.NoError(t, err)
	assert.True(t, ir.Equal(next, v))

	keep, ok, err := patched.Get(ctx, "keep")
	require.NoError(t, err)
	require.True(t, ok)
	_, clean := keep.Hash()
	assert.True(t, clean, "unchanged field is still the stored node")

	same, err := Patch(ctx, s, old, old)
	require.NoError(t, err)
	assert.Same(t, s, same)
}
