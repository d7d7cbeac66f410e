package dag

import (
	"container/heap"
	"context"
	"iter"

	"github.com/roach88/dagstate/internal/object"
)

// commitQueue orders commits newest first; ties break on hash so the walk
// is deterministic.
type commitQueue []*Commit

func (q commitQueue) Len() int { return len(q) }

func (q commitQueue) Less(i, j int) bool {
	if q[i].Timestamp != q[j].Timestamp {
		return q[i].Timestamp > q[j].Timestamp
	}
	return q[i].Hash > q[j].Hash
}

func (q commitQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *commitQueue) Push(x any) { *q = append(*q, x.(*Commit)) }

func (q *commitQueue) Pop() any {
	old := *q
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return c
}

// History walks the ancestry of head newest-first. Every commit is yielded
// once, even when reachable through several merge paths, and the walk ends
// after the genesis commits.
//
// The sequence is lazy: commits are loaded as the caller pulls them, and
// stopping early loads nothing further. Each range over the sequence
// starts a fresh walk. A load error is yielded once and ends the walk.
func (d *DAG) History(ctx context.Context, head object.Hash) iter.Seq2[*Commit, error] {
	return func(yield func(*Commit, error) bool) {
		first, err := d.Get(ctx, head)
		if err != nil {
			yield(nil, err)
			return
		}

		queued := map[object.Hash]bool{head: true}
		q := &commitQueue{first}

		for q.Len() > 0 {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			c := heap.Pop(q).(*Commit)
			if !yield(c, nil) {
				return
			}

			for _, p := range c.Parents {
				if queued[p] {
					continue
				}
				queued[p] = true
				parent, err := d.Get(ctx, p)
				if err != nil {
					yield(nil, err)
					return
				}
				heap.Push(q, parent)
			}
		}
	}
}

// Log collects up to limit commits of History (all when limit <= 0).
func (d *DAG) Log(ctx context.Context, head object.Hash, limit int) ([]*Commit, error) {
	var out []*Commit
	for c, err := range d.History(ctx, head) {
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// IsAncestor reports whether ancestor is reachable from head through
// parent links. A commit is its own ancestor.
func (d *DAG) IsAncestor(ctx context.Context, ancestor, head object.Hash) (bool, error) {
	target, err := d.Get(ctx, ancestor)
	if err != nil {
		return false, err
	}
	for c, err := range d.History(ctx, head) {
		if err != nil {
			return false, err
		}
		if c.Hash == ancestor {
			return true, nil
		}
		// Everything further is older than the target.
		if c.Timestamp < target.Timestamp {
			return false, nil
		}
	}
	return false, nil
}

// MergeBase returns the newest commit reachable from both a and b, or ""
// when their histories are disjoint.
func (d *DAG) MergeBase(ctx context.Context, a, b object.Hash) (object.Hash, error) {
	ancestors := make(map[object.Hash]bool)
	for c, err := range d.History(ctx, a) {
		if err != nil {
			return "", err
		}
		ancestors[c.Hash] = true
	}
	for c, err := range d.History(ctx, b) {
		if err != nil {
			return "", err
		}
		if ancestors[c.Hash] {
			return c.Hash, nil
		}
	}
	return "", nil
}
