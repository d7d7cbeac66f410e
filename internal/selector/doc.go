// Package selector derives memoized views from context state and notifies
// subscribers when a view's output changes.
//
// Dependency tracking is dynamic: each evaluation records the hashes of the
// stored subtrees the selector read. After a commit the hub computes the
// diff between the old and new roots once; a selector is re-evaluated only
// if its recorded hashes intersect the diff, and its subscriber is called
// only if the new output differs by value from the memoized one.
package selector
