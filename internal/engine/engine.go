package engine

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/dagstate/internal/dag"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/store"
	"github.com/roach88/dagstate/internal/telemetry"
	"github.com/roach88/dagstate/internal/tree"
)

// Reducer computes the next state from the current one. It must be pure:
// no I/O and no reads of mutable ambient state. The input tree is
// immutable; the reducer returns a derived tree.
type Reducer func(ctx context.Context, state *tree.Tree, input ir.IRValue) (*tree.Tree, error)

// MergeFunc combines two diverged states. base is the state at the newest
// common ancestor, or nil when the histories share none.
type MergeFunc func(ctx context.Context, base, ours, theirs *tree.Tree) (*tree.Tree, error)

// CommitEvent describes one successful head swap.
type CommitEvent struct {
	Context    string
	Generation int64
	Commit     object.Hash
	OldRoot    object.Hash // empty for the first commit of a context
	NewRoot    object.Hash
}

// Publisher receives commit events after the head swap succeeded.
// Publish must not block.
type Publisher interface {
	Publish(CommitEvent)
}

// AccessChecker decides whether a context may read a hash.
type AccessChecker interface {
	Holds(ctx context.Context, contextID string, h object.Hash) (bool, error)
}

// SignerSource returns the commit signer for a context, or nil when the
// context does not sign.
type SignerSource interface {
	Signer(contextID string) dag.Signer
}

// DefaultMaxSteps is the default maximum number of reducers one
// transaction may run.
const DefaultMaxSteps = 1000

// Engine applies reducers to per-context state with optimistic
// concurrency.
//
// Thread-safety model:
//   - all methods are safe from any goroutine
//   - reducers run on the caller's goroutine, concurrently with each other
//   - the only serialization point is the ref compare-and-swap per context,
//     which is held together with event publication
//
// INVARIANTS:
//   - a context head only moves by a successful CompareAndSwapRef
//   - a failed swap returns CONFLICT and is never retried here
//   - commit events are published in swap order per context generation
type Engine struct {
	refs    store.RefStore
	dag     *dag.DAG
	objects *object.Store

	access     AccessChecker
	signers    SignerSource
	publishers []Publisher
	publishMu  sync.Map // context id -> *sync.Mutex
	maxSteps   int

	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithAccessChecker routes Resolve through a boundary check.
func WithAccessChecker(a AccessChecker) Option {
	return func(e *Engine) { e.access = a }
}

// WithSigners signs every commit with the author context's signer.
func WithSigners(s SignerSource) Option {
	return func(e *Engine) { e.signers = s }
}

// WithPublisher adds a commit event receiver.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publishers = append(e.publishers, p) }
}

// WithMaxSteps sets the maximum reducers per transaction.
//
// Default: 1000 steps (DefaultMaxSteps)
func WithMaxSteps(maxSteps int) Option {
	return func(e *Engine) { e.maxSteps = maxSteps }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New returns an engine storing heads in refs and commits in d.
func New(refs store.RefStore, d *dag.DAG, opts ...Option) *Engine {
	e := &Engine{
		refs:     refs,
		dag:      d,
		objects:  d.Objects(),
		maxSteps: DefaultMaxSteps,
		logger:   slog.Default(),
		tracer:   telemetry.Tracer("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddPublisher registers p after construction. It must be called before
// the engine is used concurrently.
func (e *Engine) AddPublisher(p Publisher) {
	e.publishers = append(e.publishers, p)
}

// DAG returns the versioning layer.
func (e *Engine) DAG() *dag.DAG {
	return e.dag
}

// Objects returns the object store.
func (e *Engine) Objects() *object.Store {
	return e.objects
}

// Head returns the current ref of a context, or NOT_FOUND if the context
// has never committed.
func (e *Engine) Head(ctx context.Context, contextID string) (store.Ref, error) {
	ref, ok, err := e.refs.GetRef(ctx, contextID)
	if err != nil {
		return store.Ref{}, fmt.Errorf("head %s: %w", contextID, err)
	}
	if !ok {
		return store.Ref{}, &stateerr.Error{
			Code:    stateerr.CodeNotFound,
			Op:      "engine.Head",
			Context: contextID,
			Message: "context has no commits",
		}
	}
	return ref, nil
}

// State returns the tree at a context's head.
func (e *Engine) State(ctx context.Context, contextID string) (*tree.Tree, error) {
	ref, err := e.Head(ctx, contextID)
	if err != nil {
		return nil, err
	}
	return tree.Load(e.objects, object.Hash(ref.Root)), nil
}

// Contexts lists every context with a head.
func (e *Engine) Contexts(ctx context.Context) ([]store.NamedRef, error) {
	return e.refs.ListRefs(ctx)
}

// Init creates the genesis commit of a context over the empty record.
// It returns CONFLICT if the context already has a head.
func (e *Engine) Init(ctx context.Context, contextID string) (*Result, error) {
	txn := &Txn{
		engine:  e,
		context: contextID,
		state:   tree.New(e.objects),
	}
	return txn.Commit(ctx)
}

// Apply runs one reducer against the head of contextID and swaps the head
// to the result. A context without a head is initialized by the same swap.
//
// If another commit moved the head in the meantime, Apply returns a
// CONFLICT error and leaves the context unchanged; re-running the reducer
// is the caller's decision.
func (e *Engine) Apply(ctx context.Context, contextID string, r Reducer, input ir.IRValue) (*Result, error) {
	txn, err := e.Begin(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if err := txn.Apply(ctx, r, input); err != nil {
		txn.Discard()
		return nil, err
	}
	return txn.Commit(ctx)
}

// Resolve returns the tree rooted at h as seen by contextID. When an access
// checker is configured, a hash the context does not hold is
// PERMISSION_DENIED.
func (e *Engine) Resolve(ctx context.Context, contextID string, h object.Hash) (*tree.Tree, error) {
	const op = "engine.Resolve"
	if e.access != nil {
		ok, err := e.access.Holds(ctx, contextID, h)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, stateerr.PermissionDenied(op, contextID, "hash %s is not visible to this context", h.Short())
		}
	}
	ok, err := e.objects.Has(ctx, h)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, stateerr.NotFound(op, string(h))
	}
	return tree.Load(e.objects, h), nil
}

// History walks a context's commits newest-first from its head.
func (e *Engine) History(ctx context.Context, contextID string) iter.Seq2[*dag.Commit, error] {
	return func(yield func(*dag.Commit, error) bool) {
		ref, err := e.Head(ctx, contextID)
		if err != nil {
			yield(nil, err)
			return
		}
		for c, err := range e.dag.History(ctx, object.Hash(ref.Commit)) {
			if !yield(c, err) || err != nil {
				return
			}
		}
	}
}

// Diff returns the hashes that differ between the roots of two commits.
func (e *Engine) Diff(ctx context.Context, a, b object.Hash) (object.HashSet, error) {
	return e.dag.DiffCommits(ctx, a, b)
}

func (e *Engine) signerFor(contextID string) dag.Signer {
	if e.signers == nil {
		return nil
	}
	return e.signers.Signer(contextID)
}

// swapAndPublish moves the head of ev.Context from base to next and
// publishes ev. Holding the context's publish lock across both keeps
// events of one context in generation order.
func (e *Engine) swapAndPublish(ctx context.Context, base string, next store.Ref, ev CommitEvent) error {
	v, _ := e.publishMu.LoadOrStore(ev.Context, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	if err := e.refs.CompareAndSwapRef(ctx, ev.Context, base, next); err != nil {
		return err
	}
	for _, p := range e.publishers {
		p.Publish(ev)
	}
	return nil
}
