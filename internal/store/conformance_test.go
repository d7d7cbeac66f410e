package store_test

import (
	"path/filepath"
	"testing"

	"github.com/roach88/dagstate/internal/store"
	"github.com/roach88/dagstate/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		s, err := store.Open(filepath.Join(t.TempDir(), "conformance.db"))
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		return s
	})
}
