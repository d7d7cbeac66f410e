package store

import (
	"context"
)

// Ref is the value of a state root reference: the head commit of a context,
// the value root that commit points at, and a generation that increases by
// one on every successful swap.
type Ref struct {
	Commit     string `json:"commit"`
	Root       string `json:"root"`
	Generation int64  `json:"generation"`
}

// IsZero reports whether r is the empty ref of an uninitialized context.
func (r Ref) IsZero() bool {
	return r.Commit == "" && r.Root == "" && r.Generation == 0
}

// NamedRef pairs a ref with its name, for listings.
type NamedRef struct {
	Name string
	Ref  Ref
}

// NodeStore holds encoded value nodes keyed by hash.
// Implementations never interpret the bytes; verification happens above.
type NodeStore interface {
	// PutNode stores data under hash. Storing an existing hash is a no-op.
	PutNode(ctx context.Context, hash string, data []byte) error

	// GetNode returns the stored bytes, or a NOT_FOUND error.
	GetNode(ctx context.Context, hash string) ([]byte, error)

	// HasNode reports whether hash is stored.
	HasNode(ctx context.Context, hash string) (bool, error)

	// DeleteNodes removes the given hashes. Missing hashes are ignored.
	DeleteNodes(ctx context.Context, hashes []string) error

	// NodeHashes returns every stored node hash in ascending order.
	NodeHashes(ctx context.Context) ([]string, error)
}

// CommitStore holds encoded commit nodes keyed by hash. Commits are never
// deleted.
type CommitStore interface {
	PutCommit(ctx context.Context, hash string, data []byte) error
	GetCommit(ctx context.Context, hash string) ([]byte, error)
	HasCommit(ctx context.Context, hash string) (bool, error)
}

// RefStore holds the named state root references. It is the only mutable
// state in the system.
type RefStore interface {
	// GetRef returns the ref and whether it exists.
	GetRef(ctx context.Context, name string) (Ref, bool, error)

	// CompareAndSwapRef atomically replaces the ref if its current commit
	// equals expected ("" meaning the ref must not exist yet). On mismatch it
	// returns a CONFLICT error naming the actual commit and leaves the ref
	// unchanged.
	CompareAndSwapRef(ctx context.Context, name, expected string, next Ref) error

	// ListRefs returns all refs ordered by name.
	ListRefs(ctx context.Context) ([]NamedRef, error)
}

// ImportStore records the roots of subtrees a context imported across a
// boundary. Records are never removed; garbage collection marks from them.
type ImportStore interface {
	// PutImport records that contextID imported root. Recording it again is
	// a no-op.
	PutImport(ctx context.Context, contextID, root string) error

	// Imports returns the roots contextID imported, in ascending order.
	Imports(ctx context.Context, contextID string) ([]string, error)
}

// Backend bundles the stores a dagstate instance needs.
type Backend interface {
	NodeStore
	CommitStore
	RefStore
	ImportStore
	Close() error
}
