package dag

import (
	"context"
	"fmt"

	"github.com/roach88/dagstate/internal/object"
)

// Diff returns the hashes that differ between two value roots.
//
// The walk descends only where hashes differ: identical subtrees are skipped
// without being loaded. At each position present on both sides with
// different hashes, both hashes are included. Subtrees present on one side
// only are included entirely. Records are matched by field name and
// collections by index; a change of kind counts as replacing the subtree.
//
// Diff(r, r) is empty and Diff(a, b) equals Diff(b, a).
func (d *DAG) Diff(ctx context.Context, oldRoot, newRoot object.Hash) (object.HashSet, error) {
	w := &differ{
		objects:  d.objects,
		out:      object.NewHashSet(),
		expanded: make(map[object.Hash]bool),
		compared: make(map[[2]object.Hash]bool),
	}
	if err := w.diff(ctx, oldRoot, newRoot); err != nil {
		return nil, err
	}
	return w.out, nil
}

// DiffCommits diffs the value roots of two commits.
func (d *DAG) DiffCommits(ctx context.Context, a, b object.Hash) (object.HashSet, error) {
	ca, err := d.Get(ctx, a)
	if err != nil {
		return nil, err
	}
	cb, err := d.Get(ctx, b)
	if err != nil {
		return nil, err
	}
	return d.Diff(ctx, ca.Root, cb.Root)
}

type differ struct {
	objects  *object.Store
	out      object.HashSet
	expanded map[object.Hash]bool
	compared map[[2]object.Hash]bool // unordered pairs already diffed
}

func (w *differ) diff(ctx context.Context, a, b object.Hash) error {
	if a == b {
		return nil
	}
	if a == "" {
		return w.all(ctx, b)
	}
	if b == "" {
		return w.all(ctx, a)
	}
	pair := [2]object.Hash{a, b}
	if b < a {
		pair = [2]object.Hash{b, a}
	}
	if w.compared[pair] {
		return nil
	}
	w.compared[pair] = true
	if err := ctx.Err(); err != nil {
		return err
	}

	w.out.Add(a)
	w.out.Add(b)

	na, err := w.objects.Get(ctx, a)
	if err != nil {
		return err
	}
	nb, err := w.objects.Get(ctx, b)
	if err != nil {
		return err
	}

	switch {
	case na.Kind == object.KindRecord && nb.Kind == object.KindRecord:
		return w.records(ctx, na, nb)
	case na.Kind == object.KindCollection && nb.Kind == object.KindCollection:
		return w.collections(ctx, na, nb)
	default:
		if err := w.all(ctx, a); err != nil {
			return err
		}
		return w.all(ctx, b)
	}
}

func (w *differ) records(ctx context.Context, na, nb *object.Node) error {
	fa, err := na.Fields()
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	fb, err := nb.Fields()
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}

	right := make(map[string]object.Hash, len(fb))
	for i, f := range fb {
		right[f] = nb.Children[i]
	}
	for i, f := range fa {
		if hb, ok := right[f]; ok {
			if err := w.diff(ctx, na.Children[i], hb); err != nil {
				return err
			}
			delete(right, f)
			continue
		}
		if err := w.all(ctx, na.Children[i]); err != nil {
			return err
		}
	}
	for _, f := range fb {
		if hb, ok := right[f]; ok {
			if err := w.all(ctx, hb); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *differ) collections(ctx context.Context, na, nb *object.Node) error {
	n := min(len(na.Children), len(nb.Children))
	for i := 0; i < n; i++ {
		if err := w.diff(ctx, na.Children[i], nb.Children[i]); err != nil {
			return err
		}
	}
	for _, h := range na.Children[n:] {
		if err := w.all(ctx, h); err != nil {
			return err
		}
	}
	for _, h := range nb.Children[n:] {
		if err := w.all(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// all adds h and its whole subtree.
func (w *differ) all(ctx context.Context, h object.Hash) error {
	if w.expanded[h] {
		return nil
	}
	w.expanded[h] = true
	w.out.Add(h)

	n, err := w.objects.Get(ctx, h)
	if err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := w.all(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
