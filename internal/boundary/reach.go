package boundary

import (
	"context"
	"fmt"

	"github.com/roach88/dagstate/internal/object"
)

// subtree returns the hashes reachable from root, root included, in
// depth-first pre-order.
func subtree(ctx context.Context, objects *object.Store, root object.Hash) ([]object.Hash, error) {
	seen := object.NewHashSet()
	var order []object.Hash
	stack := []object.Hash{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen.Has(h) {
			continue
		}
		seen.Add(h)
		order = append(order, h)

		n, err := objects.Get(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", h.Short(), err)
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
	return order, nil
}

// reachable returns the set of hashes under root, memoized per root.
func (e *Enforcer) reachable(ctx context.Context, root object.Hash) (object.HashSet, error) {
	if v, ok := e.reach.Get(root); ok {
		return v.(object.HashSet), nil
	}
	hashes, err := subtree(ctx, e.objects, root)
	if err != nil {
		return nil, err
	}
	set := object.NewHashSet(hashes...)
	e.reach.Add(root, set)
	return set, nil
}
