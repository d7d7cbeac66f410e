package object

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/store"
	"github.com/roach88/dagstate/internal/telemetry"
)

// DefaultCacheSize is the number of decoded nodes kept in memory.
const DefaultCacheSize = 4096

// refEntry tracks in-process references to a node. touched is the GC epoch
// of the last put or release; a sweep spares nodes touched during it.
type refEntry struct {
	count   int64
	touched uint64
}

// Store is the hash/object store: a verified, reference-counted view over a
// store.NodeStore backend.
//
// Reference counts live in memory. They protect nodes that in-flight
// transactions have written but no commit references yet; reachability from
// live roots is established by mark and sweep.
type Store struct {
	backend store.NodeStore
	logger  *slog.Logger

	cache *lru.Cache
	loads singleflight.Group

	mu    sync.Mutex
	refs  map[Hash]*refEntry
	epoch uint64

	// sweeping is held shared by Put and exclusively by the delete phase
	// of Sweep, so a put never observes a node that is being deleted.
	sweeping sync.RWMutex

	poison atomic.Pointer[stateerr.Error]
}

// Option configures a Store.
type Option func(*Store) error

// WithCacheSize sets the decoded node cache size. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(s *Store) error {
		if n < 0 {
			return fmt.Errorf("cache size must be non-negative, got %d", n)
		}
		if n == 0 {
			s.cache = nil
			return nil
		}
		c, err := lru.New(n)
		if err != nil {
			return err
		}
		s.cache = c
		return nil
	}
}

// WithLogger sets the logger used for corruption and sweep reports.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) error {
		s.logger = l
		return nil
	}
}

// New returns an object store over backend.
func New(backend store.NodeStore, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		logger:  slog.Default(),
		refs:    make(map[Hash]*refEntry),
	}
	c, err := lru.New(DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	s.cache = c

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("object store option: %w", err)
		}
	}
	return s, nil
}

// Poisoned returns the corruption error that disabled the store, or nil.
func (s *Store) Poisoned() error {
	if e := s.poison.Load(); e != nil {
		return e
	}
	return nil
}

func (s *Store) markCorrupt(op string, h Hash, cause error) error {
	err := &stateerr.Error{
		Code:    stateerr.CodeCorrupt,
		Op:      op,
		Hash:    string(h),
		Message: "stored bytes do not match their hash; store disabled",
		Err:     cause,
	}
	if s.poison.CompareAndSwap(nil, err) {
		telemetry.ObjectCorruptions.Inc()
		s.logger.Error("object store corrupted", "hash", h, "error", cause)
	}
	return s.poison.Load()
}

// Put stores n if absent and takes one reference on it. It returns the
// node's hash and sets n.Hash.
//
// The reference is taken before the write so a concurrent sweep never
// removes a node between its write and its first use.
func (s *Store) Put(ctx context.Context, n *Node) (Hash, error) {
	if err := s.Poisoned(); err != nil {
		return "", err
	}
	h, err := ComputeHash(n)
	if err != nil {
		return "", fmt.Errorf("put: %w", err)
	}
	n.Hash = h

	s.sweeping.RLock()
	defer s.sweeping.RUnlock()

	s.retain(h)

	if s.cache != nil && s.cache.Contains(h) {
		telemetry.ObjectPuts.WithLabelValues("deduplicated").Inc()
		return h, nil
	}

	data, err := Encode(n)
	if err != nil {
		s.Release(h)
		return "", fmt.Errorf("put: %w", err)
	}
	if err := s.backend.PutNode(ctx, string(h), data); err != nil {
		s.Release(h)
		return "", fmt.Errorf("put %s: %w", h.Short(), err)
	}
	telemetry.ObjectPuts.WithLabelValues("stored").Inc()

	if s.cache != nil {
		s.cache.Add(h, n)
	}
	return h, nil
}

// Get returns the node stored under h, verifying its digest.
// A missing node is NOT_FOUND; a digest mismatch poisons the store.
func (s *Store) Get(ctx context.Context, h Hash) (*Node, error) {
	if err := s.Poisoned(); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(h); ok {
			telemetry.ObjectCacheLookups.WithLabelValues("hit").Inc()
			return v.(*Node), nil
		}
		telemetry.ObjectCacheLookups.WithLabelValues("miss").Inc()
	}

	v, err, _ := s.loads.Do(string(h), func() (any, error) {
		return s.load(ctx, h)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Node), nil
}

func (s *Store) load(ctx context.Context, h Hash) (*Node, error) {
	data, err := s.backend.GetNode(ctx, string(h))
	if err != nil {
		if stateerr.IsNotFound(err) {
			return nil, stateerr.NotFound("object.Get", string(h))
		}
		return nil, fmt.Errorf("get %s: %w", h.Short(), err)
	}

	n, err := Decode(data)
	if err != nil {
		return nil, s.markCorrupt("object.Get", h, err)
	}
	if n.Hash != h {
		return nil, s.markCorrupt("object.Get", h, fmt.Errorf("content hashes to %s", n.Hash))
	}

	if s.cache != nil {
		s.cache.Add(h, n)
	}
	return n, nil
}

// Has reports whether h is stored.
func (s *Store) Has(ctx context.Context, h Hash) (bool, error) {
	if err := s.Poisoned(); err != nil {
		return false, err
	}
	if s.cache != nil && s.cache.Contains(h) {
		return true, nil
	}
	ok, err := s.backend.HasNode(ctx, string(h))
	if err != nil {
		return false, fmt.Errorf("has %s: %w", h.Short(), err)
	}
	return ok, nil
}

func (s *Store) retain(h Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.refs[h]
	if e == nil {
		e = &refEntry{}
		s.refs[h] = e
	}
	e.count++
	e.touched = s.epoch
}

// Release drops one reference on h. Counts never go below zero, and a
// release never deletes anything by itself.
func (s *Store) Release(h Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.refs[h]
	if e == nil {
		e = &refEntry{}
		s.refs[h] = e
	}
	if e.count > 0 {
		e.count--
	}
	e.touched = s.epoch
}

// RefCount returns the current in-process reference count of h.
func (s *Store) RefCount(h Hash) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.refs[h]; e != nil {
		return e.count
	}
	return 0
}

// BeginSweep starts a GC epoch. Call it before marking; pass the returned
// epoch to Sweep.
func (s *Store) BeginSweep() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	return s.epoch
}

// sweepable reports whether h may be deleted by the sweep of epoch.
func (s *Store) sweepable(h Hash, epoch uint64) bool {
	e := s.refs[h]
	return e == nil || (e.count == 0 && e.touched < epoch)
}

// Sweep deletes every stored node that is not in marked, has no
// references, and was not touched since epoch began. It returns the number
// of nodes removed.
func (s *Store) Sweep(ctx context.Context, epoch uint64, marked HashSet) (int, error) {
	if err := s.Poisoned(); err != nil {
		return 0, err
	}
	all, err := s.backend.NodeHashes(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	s.sweeping.Lock()
	defer s.sweeping.Unlock()

	var victims []string
	s.mu.Lock()
	for _, raw := range all {
		h := Hash(raw)
		if marked.Has(h) || !s.sweepable(h, epoch) {
			continue
		}
		victims = append(victims, raw)
		delete(s.refs, h)
	}
	// Drop bookkeeping for idle entries the backend no longer holds.
	for h, e := range s.refs {
		if e.count == 0 && e.touched < epoch && !marked.Has(h) {
			delete(s.refs, h)
		}
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}

	if s.cache != nil {
		for _, v := range victims {
			s.cache.Remove(Hash(v))
		}
	}
	if err := s.backend.DeleteNodes(ctx, victims); err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	// A concurrent Get may have reloaded a victim before the delete landed.
	if s.cache != nil {
		for _, v := range victims {
			s.cache.Remove(Hash(v))
		}
	}

	s.logger.Debug("object sweep", "epoch", epoch, "removed", len(victims), "stored", len(all))
	return len(victims), nil
}
