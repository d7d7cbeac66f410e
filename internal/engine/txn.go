package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/dagstate/internal/dag"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/store"
	"github.com/roach88/dagstate/internal/telemetry"
	"github.com/roach88/dagstate/internal/tree"
)

// Result describes a committed transaction.
type Result struct {
	Commit *dag.Commit
	Ref    store.Ref
	State  *tree.Tree
}

// Root returns the committed value root.
func (r *Result) Root() object.Hash {
	return object.Hash(r.Ref.Root)
}

// Txn is a transaction pinned to the head it started from. Reducers run
// against its private tree; Commit swaps the context head only if it has
// not moved since Begin.
//
// A Txn is used by one goroutine.
type Txn struct {
	engine  *Engine
	context string
	base    store.Ref
	state   *tree.Tree
	merged  []object.Hash
	steps   int
	done    bool
}

// Begin starts a transaction at the current head of contextID. A context
// without a head starts from the empty record.
func (e *Engine) Begin(ctx context.Context, contextID string) (*Txn, error) {
	ref, ok, err := e.refs.GetRef(ctx, contextID)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", contextID, err)
	}
	t := &Txn{engine: e, context: contextID, base: ref}
	if ok {
		t.state = tree.Load(e.objects, object.Hash(ref.Root))
	} else {
		t.state = tree.New(e.objects)
	}
	return t, nil
}

// Context returns the target context id.
func (t *Txn) Context() string { return t.context }

// Base returns the head the transaction started from. It is zero for an
// uninitialized context.
func (t *Txn) Base() store.Ref { return t.base }

// State returns the transaction's current tree.
func (t *Txn) State() *tree.Tree { return t.state }

// Apply runs r against the transaction's current tree. Reducers applied to
// one transaction compose in call order.
func (t *Txn) Apply(ctx context.Context, r Reducer, input ir.IRValue) error {
	if t.done {
		return ErrTxnDone
	}
	t.steps++
	if t.steps > t.engine.maxSteps {
		return fmt.Errorf("%w: %d > %d", ErrStepsExceeded, t.steps, t.engine.maxSteps)
	}

	next, err := r(ctx, t.state, input)
	if err == nil && next == nil {
		err = ErrNilState
	}
	if err != nil {
		return &ReducerError{Context: t.context, Step: t.steps, Err: err}
	}
	t.state = next
	return nil
}

// Discard abandons the transaction. Nothing it produced is committed.
func (t *Txn) Discard() {
	t.done = true
}

// Commit persists the transaction's tree, creates a commit over it, and
// swaps the context head from Base to that commit. A moved head is a
// CONFLICT; the transaction is finished either way.
func (t *Txn) Commit(ctx context.Context) (*Result, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	t.done = true

	e := t.engine
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.commit", trace.WithAttributes(
		attribute.String("dagstate.context", t.context),
		attribute.Int64("dagstate.base_generation", t.base.Generation),
	))
	defer span.End()

	res, err := t.commit(ctx)
	telemetry.ApplyDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		telemetry.ApplyTotal.WithLabelValues(telemetry.ResultOK).Inc()
		span.SetAttributes(attribute.String("dagstate.commit", string(res.Commit.Hash)))
	case stateerr.IsConflict(err):
		telemetry.ApplyTotal.WithLabelValues(telemetry.ResultConflict).Inc()
		span.SetStatus(codes.Error, "conflict")
	default:
		telemetry.ApplyTotal.WithLabelValues(telemetry.ResultError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (t *Txn) commit(ctx context.Context) (*Result, error) {
	e := t.engine

	root, put, err := t.state.Commit(ctx)
	// New nodes stay pinned until the swap decided whether a live ref
	// reaches them.
	defer func() {
		for _, h := range put {
			e.objects.Release(h)
		}
	}()
	if err != nil {
		return nil, fmt.Errorf("persist state (context=%s): %w", t.context, err)
	}

	var parents []object.Hash
	if !t.base.IsZero() {
		parents = append(parents, object.Hash(t.base.Commit))
	}
	parents = append(parents, t.merged...)

	c, err := e.dag.Commit(ctx, dag.Request{
		Root:    root,
		Parents: parents,
		Author:  t.context,
		Signer:  e.signerFor(t.context),
	})
	if err != nil {
		return nil, fmt.Errorf("commit (context=%s): %w", t.context, err)
	}

	next := store.Ref{
		Commit:     string(c.Hash),
		Root:       string(root),
		Generation: t.base.Generation + 1,
	}
	ev := CommitEvent{
		Context:    t.context,
		Generation: next.Generation,
		Commit:     c.Hash,
		OldRoot:    object.Hash(t.base.Root),
		NewRoot:    root,
	}
	if err := e.swapAndPublish(ctx, t.base.Commit, next, ev); err != nil {
		if stateerr.IsConflict(err) {
			e.logger.Debug("head swap lost",
				"context", t.context,
				"base", t.base.Commit,
				"commit", c.Hash.Short(),
			)
			return nil, err
		}
		return nil, fmt.Errorf("swap head (context=%s): %w", t.context, err)
	}

	e.logger.Info("commit applied",
		"context", t.context,
		"commit", c.Hash.Short(),
		"root", root.Short(),
		"generation", next.Generation,
		"parents", len(parents),
	)

	return &Result{Commit: c, Ref: next, State: tree.Load(e.objects, root)}, nil
}
