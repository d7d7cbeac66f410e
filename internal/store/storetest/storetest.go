// Package storetest is the conformance suite shared by every store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/store"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) store.Backend

// Run executes the full conformance suite against backends from newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("nodes", func(t *testing.T) { testNodes(t, newBackend(t)) })
	t.Run("node idempotency", func(t *testing.T) { testNodeIdempotency(t, newBackend(t)) })
	t.Run("delete nodes", func(t *testing.T) { testDeleteNodes(t, newBackend(t)) })
	t.Run("commits", func(t *testing.T) { testCommits(t, newBackend(t)) })
	t.Run("refs", func(t *testing.T) { testRefs(t, newBackend(t)) })
	t.Run("ref conflict", func(t *testing.T) { testRefConflict(t, newBackend(t)) })
	t.Run("concurrent swaps", func(t *testing.T) { testConcurrentSwaps(t, newBackend(t)) })
	t.Run("imports", func(t *testing.T) { testImports(t, newBackend(t)) })
}

func testImports(t *testing.T, b store.Backend) {
	closeAfter(t, b)
	ctx := context.Background()

	roots, err := b.Imports(ctx, "billing")
	require.NoError(t, err)
	assert.Empty(t, roots)

	require.NoError(t, b.PutImport(ctx, "billing", "sha256:bb"))
	require.NoError(t, b.PutImport(ctx, "billing", "sha256:aa"))
	require.NoError(t, b.PutImport(ctx, "billing", "sha256:aa"))
	require.NoError(t, b.PutImport(ctx, "billing-eu", "sha256:cc"))
	require.NoError(t, b.PutImport(ctx, "bill", "sha256:dd"))

	roots, err = b.Imports(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"sha256:aa", "sha256:bb"}, roots)

	roots, err = b.Imports(ctx, "bill")
	require.NoError(t, err)
	assert.Equal(t, []string{"sha256:dd"}, roots)
}

func closeAfter(t *testing.T, b store.Backend) {
	t.Helper()
	t.Cleanup(func() { _ = b.Close() })
}

func testNodes(t *testing.T, b store.Backend) {
	closeAfter(t, b)
	ctx := context.Background()

	ok, err := b.HasNode(ctx, "sha256:aa")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.GetNode(ctx, "sha256:aa")
	assert.True(t, stateerr.IsNotFound(err), "expected NOT_FOUND, got %v", err)

	require.NoError(t, b.PutNode(ctx, "sha256:bb", []byte(`{"b":1}`)))
	require.NoError(t, b.PutNode(ctx, "sha256:aa", []byte(`{"a":1}`)))

	data, err := b.GetNode(ctx, "sha256:aa")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), data)

	ok, err = b.HasNode(ctx, "sha256:aa")
	require.NoError(t, err)
	assert.True(t, ok)

	hashes, err := b.NodeHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sha256:aa", "sha256:bb"}, hashes)
}

func testNodeIdempotency(t *testing.T, b store.Backend) {
	closeAfter(t, b)
	ctx := context.Background()

	require.NoError(t, b.PutNode(ctx, "sha256:aa", []byte("first")))
	require.NoError(t, b.PutNode(ctx, "sha256:aa", []byte("first")))

	hashes, err := b.NodeHashes(ctx)
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}

func testDeleteNodes(t *testing.T, b store.Backend) {
	closeAfter(t, b)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.PutNode(ctx, fmt.Sprintf("sha256:%02d", i), []byte{byte(i)}))
	}

	require.NoError(t, b.DeleteNodes(ctx, []string{"sha256:01", "sha256:03", "sha256:missing"}))
	require.NoError(t, b.DeleteNodes(ctx, nil))

	hashes, err := b.NodeHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sha256:00", "sha256:02", "sha256:04"}, hashes)
}

func testCommits(t *testing.T, b store.Backend) {
	closeAfter(t, b)
	ctx := context.Background()

	_, err := b.GetCommit(ctx, "sha256:c1")
	assert.True(t, stateerr.IsNotFound(err))

	require.NoError(t, b.PutCommit(ctx, "sha256:c1", []byte(`{"root":"r"}`)))
	require.NoError(t, b.PutCommit(ctx, "sha256:c1", []byte(`{"root":"r"}`)))

	data, err := b.GetCommit(ctx, "sha256:c1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"root":"r"}`), data)

	ok, err := b.HasCommit(ctx, "sha256:c1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.HasNode(ctx, "sha256:c1")
	require.NoError(t, err)
	assert.False(t, ok, "commits and nodes live in separate keyspaces")
}

func testRefs(t *testing.T, b store.Backend) {
	closeAfter(t, b)
	ctx := context.Background()

	_, ok, err := b.GetRef(ctx, "main")
	require.NoError(t, err)
	assert.False(t, ok)

	first := store.Ref{Commit: "c1", Root: "r1", Generation: 1}
	require.NoError(t, b.CompareAndSwapRef(ctx, "main", "", first))

	got, ok, err := b.GetRef(ctx, "main")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, got)

	second := store.Ref{Commit: "c2", Root: "r2", Generation: 2}
	require.NoError(t, b.CompareAndSwapRef(ctx, "main", "c1", second))
	require.NoError(t, b.CompareAndSwapRef(ctx, "alt", "", first))

	refs, err := b.ListRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.NamedRef{
		{Name: "alt", Ref: first},
		{Name: "main", Ref: second},
	}, refs)
}

func testRefConflict(t *testing.T, b store.Backend) {
	closeAfter(t, b)
	ctx := context.Background()

	require.NoError(t, b.CompareAndSwapRef(ctx, "main", "", store.Ref{Commit: "c1", Root: "r1", Generation: 1}))

	err := b.CompareAndSwapRef(ctx, "main", "", store.Ref{Commit: "c9", Root: "r9", Generation: 1})
	assert.True(t, stateerr.IsConflict(err), "creating an existing ref must conflict, got %v", err)

	err = b.CompareAndSwapRef(ctx, "main", "c0", store.Ref{Commit: "c9", Root: "r9", Generation: 2})
	assert.True(t, stateerr.IsConflict(err), "stale expected commit must conflict, got %v", err)

	err = b.CompareAndSwapRef(ctx, "missing", "c1", store.Ref{Commit: "c9", Root: "r9", Generation: 2})
	assert.True(t, stateerr.IsConflict(err), "swapping an absent ref must conflict, got %v", err)

	got, _, err := b.GetRef(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.Commit, "failed swaps leave the ref unchanged")
}

func testConcurrentSwaps(t *testing.T, b store.Backend) {
	closeAfter(t, b)
	ctx := context.Background()

	require.NoError(t, b.CompareAndSwapRef(ctx, "main", "", store.Ref{Commit: "c0", Root: "r0", Generation: 1}))

	const writers = 16
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := store.Ref{Commit: fmt.Sprintf("c%d", i+1), Root: "r", Generation: 2}
			err := b.CompareAndSwapRef(ctx, "main", "c0", next)
			switch {
			case err == nil:
				wins.Add(1)
			case stateerr.IsConflict(err):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one swap from the same head wins")
	assert.Equal(t, int32(writers-1), conflicts.Load())
}
