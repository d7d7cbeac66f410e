// Package tree is the persistent view of a state tree stored in the object
// store.
//
// A Tree is immutable. Set, Delete, Append and Graft copy only the path from
// the root to the change; all other subtrees are shared with the original
// tree and, when they came from the store, are never loaded. Commit writes
// the new nodes bottom-up and yields the root hash.
//
// Reads through a tracked view (WithTracker) report the hash of each
// stored subtree they consumed. Selectors use those hashes as their
// dependency set.
package tree
