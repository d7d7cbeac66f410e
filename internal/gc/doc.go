// Package gc reclaims value nodes no live root reaches.
//
// A collection opens a sweep epoch on the object store, marks every node
// reachable from context heads, from the roots of recent history and from
// subtrees imported across boundaries, then deletes the rest. Nodes put or
// released after the epoch began survive the sweep, so collection runs
// alongside transactions without stopping them.
//
// Commits are never collected. With a retention depth, roots of commits
// older than that depth may lose their nodes; their history still walks.
package gc
