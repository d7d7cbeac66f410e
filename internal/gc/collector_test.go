package gc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dagstate/internal/dag"
	"github.com/roach88/dagstate/internal/engine"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/store/memstore"
	"github.com/roach88/dagstate/internal/testutil"
	"github.com/roach88/dagstate/internal/tree"
)

type fixture struct {
	backend *memstore.Store
	objects *object.Store
	dag     *dag.DAG
	engine  *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := memstore.New()
	objects, err := object.New(backend)
	require.NoError(t, err)
	d := dag.New(backend, objects, dag.WithClock(testutil.NewDeterministicClock()))
	return &fixture{backend: backend, objects: objects, dag: d, engine: engine.New(backend, d)}
}

func (f *fixture) set(t *testing.T, contextID string, v ir.IRValue, path ...string) *engine.Result {
	t.Helper()
	res, err := f.engine.Apply(context.Background(), contextID, func(ctx context.Context, s *tree.Tree, in ir.IRValue) (*tree.Tree, error) {
		return s.Set(ctx, in, path...)
	}, v)
	require.NoError(t, err)
	return res
}

func (f *fixture) has(t *testing.T, v ir.IRValue) bool {
	t.Helper()
	n, err := object.NewScalar(v)
	require.NoError(t, err)
	ok, err := f.objects.Has(context.Background(), n.Hash)
	require.NoError(t, err)
	return ok
}

type heldRoots []object.Hash

func (h heldRoots) HeldRoots() []object.Hash { return h }

func TestCollectKeepsLiveState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.set(t, "a", ir.IRString("old"), "x")
	head := f.set(t, "a", ir.IRString("new"), "x")

	c := New(f.backend, f.dag, WithRetention(1))
	stats, err := c.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Roots)
	assert.Equal(t, 2, stats.Marked)
	assert.Equal(t, 2, stats.Swept)

	assert.False(t, f.has(t, ir.IRString("old")))
	v, err := head.State.Value(ctx)
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.Obj(ir.O("x", ir.IRString("new"))), v))

	stats, err = c.Collect(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Swept, "a second run finds nothing")
}

func TestCollectKeepsHistoryByDefault(t *testing.T) {
	f := newFixture(t)
	f.set(t, "a", ir.IRString("old"), "x")
	first, err := f.engine.Head(context.Background(), "a")
	require.NoError(t, err)
	f.set(t, "a", ir.IRString("new"), "x")

	stats, err := New(f.backend, f.dag).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Roots)
	assert.Zero(t, stats.Swept)
	assert.True(t, f.has(t, ir.IRString("old")))

	_, err = f.dag.Verify(context.Background(), object.Hash(first.Commit), nil)
	assert.NoError(t, err)
}

func TestCollectSharedSubtreesAcrossContexts(t *testing.T) {
	f := newFixture(t)
	f.set(t, "a", ir.IRString("shared"), "x")
	f.set(t, "b", ir.IRString("shared"), "y")
	f.set(t, "a", ir.IRString("gone"), "x")

	stats, err := New(f.backend, f.dag, WithRetention(1), WithWorkers(2)).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Swept, "only a's first root record")
	assert.True(t, f.has(t, ir.IRString("shared")))
}

func TestCollectMarksExtraRoots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n, err := object.NewScalar(ir.IRString("imported"))
	require.NoError(t, err)
	h, err := f.objects.Put(ctx, n)
	require.NoError(t, err)
	f.objects.Release(h)

	_, err = New(f.backend, f.dag, WithRootSource(heldRoots{h})).Collect(ctx)
	require.NoError(t, err)
	assert.True(t, f.has(t, ir.IRString("imported")))

	stats, err := New(f.backend, f.dag).Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Swept)
	assert.False(t, f.has(t, ir.IRString("imported")))
}

func TestCollectSparesPinnedNodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n, err := object.NewScalar(ir.IRString("pinned"))
	require.NoError(t, err)
	_, err = f.objects.Put(ctx, n)
	require.NoError(t, err)

	stats, err := New(f.backend, f.dag).Collect(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Swept)
	assert.True(t, f.has(t, ir.IRString("pinned")))
}

func TestChurnCountsCommits(t *testing.T) {
	f := newFixture(t)
	c := New(f.backend, f.dag)
	f.engine.AddPublisher(c)

	f.set(t, "a", ir.IRInt(1), "n")
	f.set(t, "a", ir.IRInt(2), "n")
	assert.Equal(t, int64(2), c.Churn())

	_, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, c.Churn())
}

func TestRunCollectsOnSchedule(t *testing.T) {
	f := newFixture(t)
	c := New(f.backend, f.dag, WithRetention(1), WithMinChurn(2))
	f.engine.AddPublisher(c)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.ErrorIs(t, c.Run(ctx, Every(time.Millisecond)), context.Canceled)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	f.set(t, "a", ir.IRString("old"), "x")
	time.Sleep(20 * time.Millisecond)
	assert.True(t, f.has(t, ir.IRString("old")), "below the churn threshold")

	f.set(t, "a", ir.IRString("new"), "x")
	old, err := object.NewScalar(ir.IRString("old"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		ok, err := f.objects.Has(context.Background(), old.Hash)
		return err == nil && !ok
	}, 2*time.Second, 5*time.Millisecond)
}

type finite struct{}

func (finite) Next(time.Time) time.Time { return time.Time{} }

func TestRunStopsWhenScheduleEnds(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, New(f.backend, f.dag).Run(context.Background(), finite{}))
}
