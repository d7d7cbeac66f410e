package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dagstate/internal/store"
	"github.com/roach88/dagstate/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return New()
	})
}

func TestGetNodeReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutNode(ctx, "sha256:aa", []byte("abc")))

	data, err := s.GetNode(ctx, "sha256:aa")
	require.NoError(t, err)
	data[0] = 'z'

	again, err := s.GetNode(ctx, "sha256:aa")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again, "callers cannot mutate stored bytes")
}

func TestCancelledContextRejectsWrites(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.PutNode(ctx, "sha256:aa", nil), context.Canceled)
	assert.ErrorIs(t, s.CompareAndSwapRef(ctx, "main", "", store.Ref{Commit: "c"}), context.Canceled)

	_, ok, err := s.GetRef(context.Background(), "main")
	require.NoError(t, err)
	assert.False(t, ok)
}
