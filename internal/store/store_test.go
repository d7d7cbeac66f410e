package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, path)
}

func TestOpenAppliesPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		pragma   string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"user_version", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.pragma, func(t *testing.T) {
			assert.NoError(t, s.verifyPragma(tt.pragma, tt.expected))
		})
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.PutNode(context.Background(), "sha256:aa", []byte("x")))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	data, err := s2.GetNode(context.Background(), "sha256:aa")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestMetaRecordsFormat(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	format, err := s.Meta(ctx, "format")
	require.NoError(t, err)
	assert.Equal(t, "1", format)

	digest, err := s.Meta(ctx, "digest")
	require.NoError(t, err)
	assert.Equal(t, "sha256", digest)
}

func TestDeleteNodesLargeBatch(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var hashes []string
	for i := 0; i < maxDeleteBatch*2+7; i++ {
		h := fmt.Sprintf("sha256:%04d", i)
		hashes = append(hashes, h)
		require.NoError(t, s.PutNode(ctx, h, []byte{1}))
	}

	require.NoError(t, s.DeleteNodes(ctx, hashes))

	remaining, err := s.NodeHashes(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
