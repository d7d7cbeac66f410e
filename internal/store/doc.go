// Package store provides the persistence backends for dagstate.
//
// A Backend holds three things:
//   - Nodes: encoded value nodes keyed by hash (append-only except GC)
//   - Commits: encoded commit nodes keyed by hash (append-only)
//   - Refs: named state root references, the only mutable cells
//
// The package itself is the SQLite backend. Sibling packages memstore,
// badgerstore and boltstore implement the same interface, and storetest
// holds the conformance suite every backend runs.
//
// # Critical Patterns
//
// Idempotent writes:
//   - Nodes and commits are content-addressed, so a duplicate put is a no-op
//   - SQLite uses ON CONFLICT(hash) DO NOTHING
//
// Ref swaps:
//   - CompareAndSwapRef is the only way a ref changes
//   - A mismatch returns a CONFLICT error and changes nothing
//   - Backends never retry a swap
//
// Deterministic listings:
//   - NodeHashes and ListRefs are ordered by key (COLLATE BINARY in SQLite)
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - user_version migrations, meta table records format and digest
//
// Backends store bytes; hashing and verification live in package object.
package store
