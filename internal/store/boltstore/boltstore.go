// Package boltstore is the bbolt store backend. Nodes, commits, refs and
// imports live in four buckets; bbolt serializes write transactions, so a ref swap is a
// read-compare-write inside one Update.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/store"
)

var (
	nodesBucket   = []byte("nodes")
	commitsBucket = []byte("commits")
	refsBucket    = []byte("refs")
	importsBucket = []byte("imports")
)

// Store is a store.Backend over a bbolt file.
type Store struct {
	db *bolt.DB
}

var _ store.Backend = (*Store)(nil)

// Open opens (or creates) the bolt file at path and ensures the buckets exist.
func Open(path string) (*Store, error) {
	opts := &bolt.Options{
		Timeout: time.Second,
	}

	db, err := bolt.Open(path, 0644, opts)
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{nodesBucket, commitsBucket, refsBucket, importsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the bolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(bucket []byte, key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(key)) != nil {
			return nil
		}
		return b.Put([]byte(key), data)
	})
}

func (s *Store) get(op string, bucket []byte, key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v == nil {
			return stateerr.NotFound(op, key)
		}
		// bolt values are only valid for the life of the transaction
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (s *Store) has(bucket []byte, key string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucket).Get([]byte(key)) != nil
		return nil
	})
	return ok, err
}

func (s *Store) PutNode(ctx context.Context, hash string, data []byte) error {
	if err := s.put(nodesBucket, hash, data); err != nil {
		return fmt.Errorf("put node: %w", err)
	}
	return nil
}

func (s *Store) GetNode(ctx context.Context, hash string) ([]byte, error) {
	return s.get("boltstore.GetNode", nodesBucket, hash)
}

func (s *Store) HasNode(ctx context.Context, hash string) (bool, error) {
	return s.has(nodesBucket, hash)
}

func (s *Store) DeleteNodes(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		for _, h := range hashes {
			if err := b.Delete([]byte(h)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	return nil
}

// NodeHashes walks the nodes bucket with a cursor; keys come back sorted.
func (s *Store) NodeHashes(ctx context.Context) ([]string, error) {
	var hashes []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(nodesBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			hashes = append(hashes, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return hashes, nil
}

func (s *Store) PutCommit(ctx context.Context, hash string, data []byte) error {
	if err := s.put(commitsBucket, hash, data); err != nil {
		return fmt.Errorf("put commit: %w", err)
	}
	return nil
}

func (s *Store) GetCommit(ctx context.Context, hash string) ([]byte, error) {
	return s.get("boltstore.GetCommit", commitsBucket, hash)
}

func (s *Store) HasCommit(ctx context.Context, hash string) (bool, error) {
	return s.has(commitsBucket, hash)
}

func decodeRef(name string, v []byte) (store.Ref, error) {
	var ref store.Ref
	if err := json.Unmarshal(v, &ref); err != nil {
		return store.Ref{}, fmt.Errorf("decode ref %q: %w", name, err)
	}
	return ref, nil
}

func (s *Store) GetRef(ctx context.Context, name string) (store.Ref, bool, error) {
	var (
		ref store.Ref
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(refsBucket).Get([]byte(name))
		if v == nil {
			return nil
		}
		var err error
		ref, err = decodeRef(name, v)
		ok = err == nil
		return err
	})
	if err != nil {
		return store.Ref{}, false, fmt.Errorf("get ref: %w", err)
	}
	return ref, ok, nil
}

func (s *Store) CompareAndSwapRef(ctx context.Context, name, expected string, next store.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode ref: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(refsBucket)
		actual := ""
		if v := b.Get([]byte(name)); v != nil {
			cur, err := decodeRef(name, v)
			if err != nil {
				return err
			}
			actual = cur.Commit
		}
		if actual != expected {
			return stateerr.Conflict("boltstore.CompareAndSwapRef", name, expected, actual)
		}
		return b.Put([]byte(name), data)
	})
	if err != nil && !stateerr.IsConflict(err) {
		return fmt.Errorf("swap ref: %w", err)
	}
	return err
}

func (s *Store) ListRefs(ctx context.Context) ([]store.NamedRef, error) {
	var refs []store.NamedRef
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(refsBucket).ForEach(func(k, v []byte) error {
			ref, err := decodeRef(string(k), v)
			if err != nil {
				return err
			}
			refs = append(refs, store.NamedRef{Name: string(k), Ref: ref})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return refs, nil
}

// importKey is "<context>\x00<root>", so one context's imports are a
// contiguous, sorted key range.
func importKey(contextID, root string) []byte {
	return []byte(contextID + "\x00" + root)
}

func (s *Store) PutImport(ctx context.Context, contextID, root string) error {
	if err := s.put(importsBucket, string(importKey(contextID, root)), []byte{}); err != nil {
		return fmt.Errorf("put import: %w", err)
	}
	return nil
}

func (s *Store) Imports(ctx context.Context, contextID string) ([]string, error) {
	prefix := importKey(contextID, "")
	var roots []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(importsBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			roots = append(roots, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list imports: %w", err)
	}
	return roots, nil
}
