// Package badgerstore is the BadgerDB store backend.
//
// Keys are namespaced by prefix:
//
//	n/<hash>  encoded node
//	c/<hash>  encoded commit
//	r/<name>  JSON-encoded store.Ref
//	i/<context>\x00<root>  imported root (empty value)
//
// Ref swaps run inside a read-write transaction; Badger's serializable
// conflict detection rejects the loser of two racing swaps.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/store"
)

const (
	nodePrefix   = "n/"
	commitPrefix = "c/"
	refPrefix    = "r/"
	importPrefix = "i/"
)

// Config configures a Badger-backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for a persistent store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration suitable for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a store.Backend over a Badger database.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}
}

var _ store.Backend = (*Store)(nil)

// Open opens (or creates) a Badger store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runValueLogGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Store) runValueLogGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed, not an error
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops value log GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}

func (s *Store) put(key string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) get(op, key, hash string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, stateerr.NotFound(op, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return data, nil
}

func (s *Store) has(key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) PutNode(ctx context.Context, hash string, data []byte) error {
	if err := s.put(nodePrefix+hash, data); err != nil {
		// A racing put of the same hash wrote identical bytes.
		if errors.Is(err, badger.ErrConflict) {
			return nil
		}
		return fmt.Errorf("put node: %w", err)
	}
	return nil
}

func (s *Store) GetNode(ctx context.Context, hash string) ([]byte, error) {
	return s.get("badgerstore.GetNode", nodePrefix+hash, hash)
}

func (s *Store) HasNode(ctx context.Context, hash string) (bool, error) {
	return s.has(nodePrefix + hash)
}

// DeleteNodes removes nodes using a write batch.
func (s *Store) DeleteNodes(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, h := range hashes {
		if err := wb.Delete([]byte(nodePrefix + h)); err != nil {
			return fmt.Errorf("delete nodes: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	return nil
}

// NodeHashes iterates the node prefix. Badger iterates keys in byte order.
func (s *Store) NodeHashes(ctx context.Context) ([]string, error) {
	var hashes []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(nodePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			hashes = append(hashes, string(key[len(nodePrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return hashes, nil
}

func (s *Store) PutCommit(ctx context.Context, hash string, data []byte) error {
	if err := s.put(commitPrefix+hash, data); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return nil
		}
		return fmt.Errorf("put commit: %w", err)
	}
	return nil
}

func (s *Store) GetCommit(ctx context.Context, hash string) ([]byte, error) {
	return s.get("badgerstore.GetCommit", commitPrefix+hash, hash)
}

func (s *Store) HasCommit(ctx context.Context, hash string) (bool, error) {
	return s.has(commitPrefix + hash)
}

func readRef(txn *badger.Txn, name string) (store.Ref, bool, error) {
	item, err := txn.Get([]byte(refPrefix + name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.Ref{}, false, nil
	}
	if err != nil {
		return store.Ref{}, false, err
	}
	var ref store.Ref
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &ref)
	})
	if err != nil {
		return store.Ref{}, false, fmt.Errorf("decode ref %q: %w", name, err)
	}
	return ref, true, nil
}

func (s *Store) GetRef(ctx context.Context, name string) (store.Ref, bool, error) {
	var (
		ref store.Ref
		ok  bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ref, ok, err = readRef(txn, name)
		return err
	})
	if err != nil {
		return store.Ref{}, false, fmt.Errorf("get ref: %w", err)
	}
	return ref, ok, nil
}

// CompareAndSwapRef reads and writes the ref in one transaction. A racing
// swap that commits first makes this transaction fail with ErrConflict,
// which is reported as a CONFLICT naming the winner's commit.
func (s *Store) CompareAndSwapRef(ctx context.Context, name, expected string, next store.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	const op = "badgerstore.CompareAndSwapRef"

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode ref: %w", err)
	}

	var actual string
	err = s.db.Update(func(txn *badger.Txn) error {
		cur, ok, err := readRef(txn, name)
		if err != nil {
			return err
		}
		if ok {
			actual = cur.Commit
		}
		if actual != expected {
			return stateerr.Conflict(op, name, expected, actual)
		}
		return txn.Set([]byte(refPrefix+name), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		cur, _, rerr := s.GetRef(ctx, name)
		if rerr != nil {
			return rerr
		}
		return stateerr.Conflict(op, name, expected, cur.Commit)
	}
	if err != nil {
		if stateerr.IsConflict(err) {
			return err
		}
		return fmt.Errorf("swap ref: %w", err)
	}
	return nil
}

func (s *Store) ListRefs(ctx context.Context) ([]store.NamedRef, error) {
	var refs []store.NamedRef
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(refPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := string(item.Key()[len(refPrefix):])
			var ref store.Ref
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ref)
			}); err != nil {
				return fmt.Errorf("decode ref %q: %w", name, err)
			}
			refs = append(refs, store.NamedRef{Name: name, Ref: ref})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return refs, nil
}

func importKey(contextID, root string) string {
	return importPrefix + contextID + "\x00" + root
}

func (s *Store) PutImport(ctx context.Context, contextID, root string) error {
	if err := s.put(importKey(contextID, root), nil); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return nil
		}
		return fmt.Errorf("put import: %w", err)
	}
	return nil
}

func (s *Store) Imports(ctx context.Context, contextID string) ([]string, error) {
	prefix := []byte(importKey(contextID, ""))
	var roots []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			roots = append(roots, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list imports: %w", err)
	}
	return roots, nil
}
