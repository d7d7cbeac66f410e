package tree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/store/memstore"
)

func newObjects(t *testing.T) *object.Store {
	t.Helper()
	objects, err := object.New(memstore.New())
	require.NoError(t, err)
	return objects
}

func commitValue(t *testing.T, objects *object.Store, v ir.IRValue) object.Hash {
	t.Helper()
	tr, err := FromValue(objects, v)
	require.NoError(t, err)
	h, _, err := tr.Commit(context.Background())
	require.NoError(t, err)
	return h
}

func TestEmptyTreeIsEmptyRecord(t *testing.T) {
	objects := newObjects(t)
	ctx := context.Background()

	h, put, err := New(objects).Commit(ctx)
	require.NoError(t, err)
	assert.Len(t, put, 1)

	want, err := object.NewRecord(nil, nil)
	require.NoError(t, err)
	wantHash, err := object.ComputeHash(want)
	require.NoError(t, err)
	assert.Equal(t, wantHash, h)
}

func TestCommitMatchesHandBuiltNodes(t *testing.T) {
	objects := newObjects(t)
	ctx := context.Background()

	got := commitValue(t, objects, ir.Obj(
		ir.O("name", ir.IRString("widget")),
		ir.O("tags", ir.Arr(ir.IRString("a"), ir.IRBool(true))),
	))

	name, err := object.NewScalar(ir.IRString("widget"))
	require.NoError(t, err)
	a, err := object.NewScalar(ir.IRString("a"))
	require.NoError(t, err)
	yes, err := object.NewScalar(ir.IRBool(true))
	require.NoError(t, err)
	hName, _ := object.ComputeHash(name)
	hA, _ := object.ComputeHash(a)
	hYes, _ := object.ComputeHash(yes)
	tags, err := object.NewCollection([]object.Hash{hA, hYes})
	require.NoError(t, err)
	hTags, _ := object.ComputeHash(tags)
	root, err := object.NewRecord([]string{"tags", "name"}, []object.Hash{hTags, hName})
	require.NoError(t, err)
	hRoot, _ := object.ComputeHash(root)

	assert.Equal(t, hRoot, got)

	ok, err := objects.Has(ctx, hTags)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoadRoundTrip(t *testing.T) {
	objects := newObjects(t)
	ctx := context.Background()
	value := ir.Obj(
		ir.O("count", ir.IRInt(3)),
		ir.O("nested", ir.Obj(ir.O("off", ir.IRNull{}))),
		ir.O("items", ir.Arr()),
	)
	h := commitValue(t, objects, value)

	loaded := Load(objects, h)
	got, err := loaded.Value(ctx)
	require.NoError(t, err)
	assert.True(t, ir.Equal(value, got), "got %v", got)

	root, clean := loaded.Hash()
	assert.True(t, clean)
	assert.Equal(t, h, root)
}

func TestGetAndLookup(t *testing.T) {
	objects := newObjects(t)
	ctx := context.Background()
	tr := Load(objects, commitValue(t, objects, ir.Obj(
		ir.O("user", ir.Obj(ir.O("name", ir.IRString("ada")))),
		ir.O("list", ir.Arr(ir.IRInt(10), ir.IRInt(20))),
	)))

	v, ok, err := tr.Lookup(ctx, "user", "name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.IRString("ada"), v)

	v, ok, err = tr.Lookup(ctx, "list", "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.IRInt(20), v)

	for _, path := range [][]string{{"missing"}, {"user", "age"}, {"list", "2"}, {"list", "x"}, {"user", "name", "deeper"}} {
		_, ok, err := tr.Lookup(ctx, path...)
		require.NoError(t, err)
		assert.False(t, ok, "path %v", path)
	}

	keys, err := tr.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"list", "user"}, keys)

	list, _, err := tr.Get(ctx, "list")
	require.NoError(t, err)
	n, err := list.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = list.Keys(ctx)
	assert.Error(t, err)
}

func TestSetIsPersistent(t *testing.T) {
	objects := newObjects(t)
	ctx := context.Background()
	base := Load(objects, commitValue(t, objects, ir.Obj(
		ir.O("a", ir.IRInt(1)),
		ir.O("b", ir.Obj(ir.O("c", ir.IRInt(2)))),
	)))

	next, err := base.Set(ctx, ir.IRInt(5), "b", "c")
	require.NoError(t, err)
	next, err = next.Set(ctx, ir.IRString("new"), "x", "y")
	require.NoError(t, err)

	_, clean := next.Hash()
	assert.False(t, clean)

	old, err := base.Value(ctx)
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Obj(
		ir.O("a", ir.IRInt(1)),
		ir.O("b", ir.Obj(ir.O("c", ir.IRInt(2)))),
	), old))

	got, err := next.Value(ctx)
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Obj(
		ir.O("a", ir.IRInt(1)),
		ir.O("b", ir.Obj(ir.O("c", ir.IRInt(5)))),
		ir.O("x", ir.Obj(ir.O("y", ir.IRString("new")))),
	), got))
}

func TestCommitOnlyWritesChangedPath(t *testing.T) {
	objects := newObjects(t)
	ctx := context.Background()
	base := Load(objects, commitValue(t, objects, ir.Obj(
		ir.O("keep", ir.Obj(ir.O("deep", ir.IRInt(1)))),
		ir.O("edit", ir.IRInt(1)),
	)))

	next, err := base.Set(ctx, ir.IRInt(2), "edit")
	require.NoError(t, err)
	_, put, err := next.Commit(ctx)
	require.NoError(t, err)
	assert.Len(t, put, 2, "new scalar and new root only")
}

func TestSetIdenticalValueKeepsHash(t *testing.T) {
	objects := newObjects(t)
	ctx := context.Background()
	h := commitValue(t, objects, ir.Obj(ir.O("a", ir.IRInt(1))))

	next, err := Load(objects, h).Set(ctx, ir.IRInt(1), "a")
	require.NoError(t, err)
	got, _, err := next.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestSetErrors(t *testing.T) {
	objects := newObjects(t)
	ctx := context.Background()
	tr, err := FromValue(objects, ir.Obj(
		ir.O("s", ir.IRInt(1)),
		ir.O("l", ir.Arr(ir.IRInt(1))),
	))
	require.NoError(t, err)

	_, err = tr.Set(ctx, ir.IRInt(2), "s", "x")
	assert.Error(t, err)

	_, err = tr.Set(ctx, ir.IRInt(2), "l", "5")
	assert.Error(t, err)

	_, err = tr.Set(ctx, nil, "z")
	assert.Error(t, err)

	next, err := tr.Set(ctx, ir.IRInt(2), "l", "1")
	require.NoError(t, err, "index equal to length appends")
	v, _, err := next.Lookup(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, ir.Arr(ir.IRInt(1), ir.IRInt(2)), v)
}

func TestDelete(t *testing.T) {
	objects := newObjects(t)
	ctx := context.Background()
	tr := Load(objects, commitValue(t, objects, ir.Obj(
		ir.O("a", ir.IRInt(1)),
		ir.O("b", ir.Obj(ir.O("c", ir.IRInt(2)), ir.O("d", ir.IRInt(3)))),
		ir.O("l", ir.Arr(ir.IRInt(1), ir.IRInt(2), ir.IRInt(3))),
	)))

	same, err := tr.Delete(ctx, "nope")
	require.NoError(t, err)
	assert.Same(t, tr, same)

	next, err := tr.Delete(ctx, "b", "c")
	require.NoError(t, err)
	next, err = next.Delete(ctx, "l", "1")
	require.NoError(t, err)
	next, err = next.Delete(ctx, "a")
	require.NoError(t, err)

	got, err := next.Value(ctx)
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Obj(
		ir.O("b", ir.Obj(ir.O("d", ir.IRInt(3)))),
		ir.O("l", ir.Arr(ir.IRInt(1), ir.IRInt(3))),
	), got), "got %v", got)

	_, err = tr.Delete(ctx)
	assert.Error(t, err)
}

func TestAppend(t *testing.T) {
	objects := newObjects(t)
	ctx := context.Background()
	tr := New(objects)

	tr, err := tr.Append(ctx, ir.IRString("first"), "log")
	require.NoError(t, err)
	tr, err = tr.Append(ctx, ir.IRString("second"), "log")
	require.NoError(t, err)

	v, ok, err := tr.Lookup(ctx, "log")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.Arr(ir.IRString("first"), ir.IRString("second")), v)

	tr, err = tr.Set(ctx, ir.IRInt(1), "n")
	require.NoError(t, err)
	_, err = tr.Append(ctx, ir.IRInt(2), "n")
	assert.Error(t, err)
}

func TestGraftSharesSubtree(t *testing.T) {
	objects := newObjects(t)
	ctx := context.Background()
	src := Load(objects, commitValue(t, objects, ir.Obj(ir.O("inner", ir.Obj(ir.O("v", ir.IRInt(9)))))))
	sub, ok, err := src.Get(ctx, "inner")
	require.NoError(t, err)
	require.True(t, ok)

	dst, err := New(objects).Graft(ctx, sub, "copied")
	require.NoError(t, err)
	_, put, err := dst.Commit(ctx)
	require.NoError(t, err)
	assert.Len(t, put, 1, "only the new root is written")

	v, _, err := dst.Lookup(ctx, "copied", "v")
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(9), v)
}

func TestTrackerRecordsConsumedHashes(t *testing.T) {
	objects := newObjects(t)
	ctx := context.Background()
	rootHash := commitValue(t, objects, ir.Obj(
		ir.O("a", ir.Obj(ir.O("x", ir.IRInt(1)))),
		ir.O("b", ir.IRInt(2)),
	))
	base := Load(objects, rootHash)

	a, _, err := base.Get(ctx, "a")
	require.NoError(t, err)
	aHash, _ := a.Hash()
	x, _, err := base.Get(ctx, "a", "x")
	require.NoError(t, err)
	xHash, _ := x.Hash()

	t.Run("value of a path records its subtree", func(t *testing.T) {
		seen := object.NewHashSet()
		_, _, err := base.WithTracker(seen.Add).Lookup(ctx, "a", "x")
		require.NoError(t, err)
		assert.Equal(t, object.NewHashSet(xHash), seen)
	})

	t.Run("missing key records the container", func(t *testing.T) {
		seen := object.NewHashSet()
		_, ok, err := base.WithTracker(seen.Add).Lookup(ctx, "a", "missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, object.NewHashSet(aHash), seen)
	})

	t.Run("keys records the container", func(t *testing.T) {
		seen := object.NewHashSet()
		_, err := base.WithTracker(seen.Add).Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, object.NewHashSet(rootHash), seen)
	})

	t.Run("untracked views record nothing", func(t *testing.T) {
		seen := object.NewHashSet()
		_ = base.WithTracker(seen.Add)
		_, err := base.Value(ctx)
		require.NoError(t, err)
		assert.Zero(t, seen.Len())
	})
}

func TestLoadMissingRootFails(t *testing.T) {
	objects := newObjects(t)
	tr := Load(objects, "sha256:3333333333333333333333333333333333333333333333333333333333333333")
	_, err := tr.Value(context.Background())
	assert.Error(t, err)
}
