// Package engine implements the dagstate transaction engine.
//
// The engine applies pure reducers to the state of a named context and
// moves the context head with a single compare-and-swap.
//
// TRANSACTION FLOW:
//
//  1. Begin reads the context ref (commit, root, generation)
//  2. reducers run against a lazily loaded persistent tree of that root
//  3. Commit writes the changed nodes and a commit node over the new root
//  4. CompareAndSwapRef moves the head only if it still equals the base
//  5. on success a CommitEvent is published to subscribers
//
// A failed swap is reported as CONFLICT and is never retried by the engine.
// Nodes written by an abandoned or conflicting transaction are unreferenced
// and reclaimed by the next garbage collection.
//
// Different contexts never share a ref, so their transactions are fully
// independent.
package engine
