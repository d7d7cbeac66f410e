// Package object is the hash/object store.
//
// Values are stored as immutable nodes addressed by the digest of their
// canonical encoding. Structurally identical subtrees share one entry.
// The store verifies every read against its key; a mismatch disables the
// store instance for good (see Store.Poisoned).
//
// Lifetime is managed in two layers:
//   - Put takes a reference and Release drops it; counts only protect work in
//     flight and never delete anything
//   - Sweep removes nodes that no live root reaches (the caller marks) and
//     that no reference or recent put protects
package object
