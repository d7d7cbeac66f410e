package engine

import (
	"context"
	"fmt"

	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/tree"
)

// Merge creates a commit on contextID whose parents are the current head
// and other. The merged state is whatever fn returns; the engine does no
// value-level conflict resolution.
//
// If other is already an ancestor of the head, nothing is committed and
// the head is returned. A moved head is a CONFLICT, as for Apply.
func (e *Engine) Merge(ctx context.Context, contextID string, other object.Hash, fn MergeFunc) (*Result, error) {
	const op = "engine.Merge"

	txn, err := e.Begin(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if txn.base.IsZero() {
		return nil, &stateerr.Error{Code: stateerr.CodeNotFound, Op: op, Context: contextID, Message: "context has no commits"}
	}
	head := object.Hash(txn.base.Commit)

	theirs, err := e.dag.Get(ctx, other)
	if err != nil {
		return nil, err
	}
	if e.access != nil {
		ok, err := e.access.Holds(ctx, contextID, theirs.Root)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, stateerr.PermissionDenied(op, contextID, "commit %s is not visible to this context", other.Short())
		}
	}

	contained, err := e.dag.IsAncestor(ctx, other, head)
	if err != nil {
		return nil, err
	}
	if contained {
		c, err := e.dag.Get(ctx, head)
		if err != nil {
			return nil, err
		}
		return &Result{Commit: c, Ref: txn.base, State: txn.state}, nil
	}

	var base *tree.Tree
	baseHash, err := e.dag.MergeBase(ctx, head, other)
	if err != nil {
		return nil, err
	}
	if baseHash != "" {
		bc, err := e.dag.Get(ctx, baseHash)
		if err != nil {
			return nil, err
		}
		base = tree.Load(e.objects, bc.Root)
	}

	merged, err := fn(ctx, base, txn.state, tree.Load(e.objects, theirs.Root))
	if err == nil && merged == nil {
		err = ErrNilState
	}
	if err != nil {
		return nil, &ReducerError{Context: contextID, Step: 1, Err: fmt.Errorf("merge: %w", err)}
	}

	txn.state = merged
	txn.merged = []object.Hash{other}
	return txn.Commit(ctx)
}
