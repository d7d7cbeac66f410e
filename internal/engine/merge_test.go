package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dagstate/internal/dag"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/tree"
)

// takeTheirs copies every top-level field of theirs over ours.
func takeTheirs(ctx context.Context, base, ours, theirs *tree.Tree) (*tree.Tree, error) {
	keys, err := theirs.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := ours
	for _, k := range keys {
		sub, _, err := theirs.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if out, err = out.Graft(ctx, sub, k); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func TestMergeCreatesTwoParentCommit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	base, err := e.Apply(ctx, "a", setField("shared"), ir.IRInt(0))
	require.NoError(t, err)

	branch, err := base.State.Set(ctx, ir.IRString("side"), "theirs")
	require.NoError(t, err)
	branchRoot, put, err := branch.Commit(ctx)
	require.NoError(t, err)
	side, err := e.DAG().Commit(ctx, dag.Request{Root: branchRoot, Parents: []object.Hash{base.Commit.Hash}, Author: "a"})
	require.NoError(t, err)
	for _, h := range put {
		e.Objects().Release(h)
	}

	head, err := e.Apply(ctx, "a", setField("ours"), ir.IRString("main"))
	require.NoError(t, err)

	var sawBase bool
	res, err := e.Merge(ctx, "a", side.Hash, func(ctx context.Context, b, ours, theirs *tree.Tree) (*tree.Tree, error) {
		require.NotNil(t, b)
		h, _ := b.Hash()
		sawBase = h == base.Root()
		return takeTheirs(ctx, b, ours, theirs)
	})
	require.NoError(t, err)
	assert.True(t, sawBase, "merge base is the fork point")

	assert.Equal(t, []object.Hash{head.Commit.Hash, side.Hash}, res.Commit.Parents)
	assert.True(t, ir.Equal(ir.Obj(
		ir.O("shared", ir.IRInt(0)),
		ir.O("ours", ir.IRString("main")),
		ir.O("theirs", ir.IRString("side")),
	), valueOf(t, res.State)))

	again, err := e.Merge(ctx, "a", side.Hash, takeTheirs)
	require.NoError(t, err)
	assert.Equal(t, res.Commit.Hash, again.Commit.Hash, "merging an ancestor is a no-op")
}

func TestMergeIntoEmptyContext(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	other, err := e.Init(ctx, "b")
	require.NoError(t, err)

	_, err = e.Merge(ctx, "a", other.Commit.Hash, takeTheirs)
	assert.True(t, stateerr.IsNotFound(err))
}

func TestMergeDeniedWithoutAccess(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Init(ctx, "a")
	require.NoError(t, err)
	other, err := e.Apply(ctx, "b", setField("secret"), ir.IRInt(1))
	require.NoError(t, err)

	guarded := New(e.refs, e.DAG(), WithAccessChecker(denyAll{}))
	_, err = guarded.Merge(ctx, "a", other.Commit.Hash, takeTheirs)
	assert.True(t, stateerr.IsPermissionDenied(err))
}
