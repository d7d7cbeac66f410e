// Package memstore is the in-memory store backend. Refs are swapped with
// atomic pointer compare-and-swap, so no lock is held across a swap.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/store"
)

// Store keeps nodes, commits and refs in process memory.
type Store struct {
	mu      sync.RWMutex
	nodes   map[string][]byte
	commits map[string][]byte
	imports map[string]map[string]struct{}

	refs sync.Map // name -> *atomic.Pointer[store.Ref]
}

var _ store.Backend = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		nodes:   make(map[string][]byte),
		commits: make(map[string][]byte),
		imports: make(map[string]map[string]struct{}),
	}
}

// PutNode stores a copy of data under hash.
func (s *Store) PutNode(ctx context.Context, hash string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[hash]; !ok {
		s.nodes[hash] = slices.Clone(data)
	}
	return nil
}

// GetNode returns a copy of the stored bytes.
func (s *Store) GetNode(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.nodes[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, stateerr.NotFound("memstore.GetNode", hash)
	}
	return slices.Clone(data), nil
}

func (s *Store) HasNode(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	_, ok := s.nodes[hash]
	s.mu.RUnlock()
	return ok, nil
}

func (s *Store) DeleteNodes(ctx context.Context, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		delete(s.nodes, h)
	}
	return nil
}

func (s *Store) NodeHashes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	hashes := make([]string, 0, len(s.nodes))
	for h := range s.nodes {
		hashes = append(hashes, h)
	}
	s.mu.RUnlock()
	slices.Sort(hashes)
	return hashes, nil
}

func (s *Store) PutCommit(ctx context.Context, hash string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commits[hash]; !ok {
		s.commits[hash] = slices.Clone(data)
	}
	return nil
}

func (s *Store) GetCommit(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.commits[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, stateerr.NotFound("memstore.GetCommit", hash)
	}
	return slices.Clone(data), nil
}

func (s *Store) HasCommit(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	_, ok := s.commits[hash]
	s.mu.RUnlock()
	return ok, nil
}

func (s *Store) PutImport(ctx context.Context, contextID, root string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	roots := s.imports[contextID]
	if roots == nil {
		roots = make(map[string]struct{})
		s.imports[contextID] = roots
	}
	roots[root] = struct{}{}
	return nil
}

func (s *Store) Imports(ctx context.Context, contextID string) ([]string, error) {
	s.mu.RLock()
	roots := make([]string, 0, len(s.imports[contextID]))
	for r := range s.imports[contextID] {
		roots = append(roots, r)
	}
	s.mu.RUnlock()
	slices.Sort(roots)
	return roots, nil
}

func (s *Store) cell(name string) *atomic.Pointer[store.Ref] {
	v, _ := s.refs.LoadOrStore(name, new(atomic.Pointer[store.Ref]))
	return v.(*atomic.Pointer[store.Ref])
}

func (s *Store) GetRef(ctx context.Context, name string) (store.Ref, bool, error) {
	v, ok := s.refs.Load(name)
	if !ok {
		return store.Ref{}, false, nil
	}
	ref := v.(*atomic.Pointer[store.Ref]).Load()
	if ref == nil {
		return store.Ref{}, false, nil
	}
	return *ref, true, nil
}

// CompareAndSwapRef swaps the ref's pointer only if it still points at the
// value carrying the expected commit.
func (s *Store) CompareAndSwapRef(ctx context.Context, name, expected string, next store.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cell := s.cell(name)
	cur := cell.Load()

	actual := ""
	if cur != nil {
		actual = cur.Commit
	}
	if actual != expected {
		return stateerr.Conflict("memstore.CompareAndSwapRef", name, expected, actual)
	}

	nextRef := next
	if !cell.CompareAndSwap(cur, &nextRef) {
		actual = ""
		if now := cell.Load(); now != nil {
			actual = now.Commit
		}
		return stateerr.Conflict("memstore.CompareAndSwapRef", name, expected, actual)
	}
	return nil
}

func (s *Store) ListRefs(ctx context.Context) ([]store.NamedRef, error) {
	var refs []store.NamedRef
	s.refs.Range(func(k, v any) bool {
		if ref := v.(*atomic.Pointer[store.Ref]).Load(); ref != nil {
			refs = append(refs, store.NamedRef{Name: k.(string), Ref: *ref})
		}
		return true
	})
	slices.SortFunc(refs, func(a, b store.NamedRef) int {
		return strings.Compare(a.Name, b.Name)
	})
	return refs, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
