// Package dag is the Merkle DAG versioning layer.
//
// A Commit points at a value root in the object store and at zero or more
// parent commits. Its hash covers root, parents, author, timestamp and
// signature, so a commit hash pins the entire history behind it.
//
// History walks ancestry lazily, newest first. Diff compares two value roots
// structurally and never descends into subtrees whose hashes match.
package dag
