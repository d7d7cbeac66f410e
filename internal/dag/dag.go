package dag

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/store"
	"github.com/roach88/dagstate/internal/telemetry"
)

// Clock stamps commits. Readings must not decrease.
type Clock interface {
	Now() int64
}

// SystemClock reads wall time in unix nanoseconds.
type SystemClock struct{}

func (SystemClock) Now() int64 { return time.Now().UnixNano() }

// Signer signs a commit body on behalf of its author.
type Signer interface {
	Sign(body []byte) ([]byte, error)
}

// Verifier checks a commit signature against the author's public key.
type Verifier interface {
	Verify(author string, body, sig []byte) error
}

// Request describes a commit to create.
type Request struct {
	Root    object.Hash
	Parents []object.Hash
	Author  string

	// Signer, when set, signs the commit body.
	Signer Signer
}

// DAG is the Merkle DAG versioning layer: commits over value roots, their
// history, and structural diffs between roots.
type DAG struct {
	commits store.CommitStore
	objects *object.Store
	clock   Clock
	logger  *slog.Logger
	cache   *lru.Cache

	poison atomic.Pointer[stateerr.Error]
}

// Option configures a DAG.
type Option func(*DAG)

// WithClock sets the commit timestamp source.
func WithClock(c Clock) Option {
	return func(d *DAG) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *DAG) { d.logger = l }
}

const commitCacheSize = 1024

// New returns a DAG over commits, resolving value roots through objects.
func New(commits store.CommitStore, objects *object.Store, opts ...Option) *DAG {
	cache, _ := lru.New(commitCacheSize)
	d := &DAG{
		commits: commits,
		objects: objects,
		clock:   SystemClock{},
		logger:  slog.Default(),
		cache:   cache,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Objects returns the object store roots are resolved through.
func (d *DAG) Objects() *object.Store {
	return d.objects
}

func (d *DAG) poisoned() error {
	if e := d.poison.Load(); e != nil {
		return e
	}
	return nil
}

// Commit creates a commit node. Every parent must already exist
// (INVALID_PARENT otherwise) and the root must be stored (NOT_FOUND).
//
// The timestamp is the clock reading, raised if needed so that a commit is
// always newer than each of its parents.
func (d *DAG) Commit(ctx context.Context, req Request) (*Commit, error) {
	const op = "dag.Commit"
	if err := d.poisoned(); err != nil {
		return nil, err
	}

	if slices.Contains(req.Parents, "") {
		return nil, stateerr.New(stateerr.CodeInvalidParent, op, "empty parent hash")
	}
	seen := make(map[object.Hash]bool, len(req.Parents))
	var newestParent int64
	for _, p := range req.Parents {
		if seen[p] {
			return nil, stateerr.New(stateerr.CodeInvalidParent, op, "duplicate parent %s", p.Short())
		}
		seen[p] = true

		parent, err := d.Get(ctx, p)
		if stateerr.IsNotFound(err) {
			e := stateerr.New(stateerr.CodeInvalidParent, op, "parent does not exist")
			e.Hash = string(p)
			return nil, e
		}
		if err != nil {
			return nil, err
		}
		newestParent = max(newestParent, parent.Timestamp)
	}

	ok, err := d.objects.Has(ctx, req.Root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, stateerr.NotFound(op, string(req.Root))
	}

	c := &Commit{
		Root:      req.Root,
		Parents:   slices.Clone(req.Parents),
		Author:    req.Author,
		Timestamp: max(d.clock.Now(), newestParent+1),
	}
	if c.Parents == nil {
		c.Parents = []object.Hash{}
	}

	if req.Signer != nil {
		body, err := c.Body()
		if err != nil {
			return nil, err
		}
		sig, err := req.Signer.Sign(body)
		if err != nil {
			return nil, fmt.Errorf("sign commit: %w", err)
		}
		c.Signature = sig
	}

	h, err := c.ComputeHash()
	if err != nil {
		return nil, err
	}
	c.Hash = h

	data, err := c.Encode()
	if err != nil {
		return nil, err
	}
	if err := d.commits.PutCommit(ctx, string(h), data); err != nil {
		return nil, fmt.Errorf("store commit %s: %w", h.Short(), err)
	}
	d.cache.Add(h, c)
	telemetry.CommitsCreated.Inc()

	d.logger.Debug("commit created",
		"commit", h.Short(),
		"root", c.Root.Short(),
		"parents", len(c.Parents),
		"author", c.Author,
	)
	return c, nil
}

// Get returns the commit stored under h. The stored bytes are re-hashed; a
// mismatch disables the DAG with a CORRUPT error.
func (d *DAG) Get(ctx context.Context, h object.Hash) (*Commit, error) {
	if err := d.poisoned(); err != nil {
		return nil, err
	}
	if v, ok := d.cache.Get(h); ok {
		return v.(*Commit), nil
	}

	data, err := d.commits.GetCommit(ctx, string(h))
	if err != nil {
		if stateerr.IsNotFound(err) {
			return nil, stateerr.NotFound("dag.Get", string(h))
		}
		return nil, fmt.Errorf("get commit %s: %w", h.Short(), err)
	}

	c, err := DecodeCommit(data)
	if err == nil && c.Hash != h {
		err = fmt.Errorf("content hashes to %s", c.Hash)
	}
	if err != nil {
		corrupt := &stateerr.Error{
			Code:    stateerr.CodeCorrupt,
			Op:      "dag.Get",
			Hash:    string(h),
			Message: "stored commit does not match its hash; DAG disabled",
			Err:     err,
		}
		if d.poison.CompareAndSwap(nil, corrupt) {
			telemetry.ObjectCorruptions.Inc()
			d.logger.Error("commit store corrupted", "commit", h, "error", err)
		}
		return nil, d.poison.Load()
	}

	d.cache.Add(h, c)
	return c, nil
}

// Has reports whether a commit is stored under h.
func (d *DAG) Has(ctx context.Context, h object.Hash) (bool, error) {
	if err := d.poisoned(); err != nil {
		return false, err
	}
	if d.cache.Contains(h) {
		return true, nil
	}
	return d.commits.HasCommit(ctx, string(h))
}
