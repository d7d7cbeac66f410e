package selector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/dagstate/internal/engine"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/store"
	"github.com/roach88/dagstate/internal/telemetry"
	"github.com/roach88/dagstate/internal/tree"
)

// Func derives a view from state. It must be pure and read state only
// through the tree it is given; the hashes it reads become its
// dependency set.
type Func func(ctx context.Context, state *tree.Tree) (ir.IRValue, error)

// Notification is delivered to a subscriber when its selector output
// changed.
type Notification struct {
	Subscription string
	Context      string
	Generation   int64
	Commit       object.Hash
	Value        ir.IRValue

	// Err is set when the selector failed; Value is then the last good
	// output.
	Err error
}

// Callback receives notifications on the hub's dispatcher goroutine.
type Callback func(Notification)

// Heads reads the current head of a context.
type Heads interface {
	Head(ctx context.Context, contextID string) (store.Ref, error)
}

// Differ computes the changed hashes between two roots.
type Differ interface {
	Diff(ctx context.Context, oldRoot, newRoot object.Hash) (object.HashSet, error)
}

// ErrClosed is returned by Subscribe after the hub stopped.
var ErrClosed = errors.New("selector hub closed")

// Subscription is a live selector.
type Subscription struct {
	id      string
	context string
	fn      Func
	cb      Callback
	closed  atomic.Bool

	// Owned by the dispatcher.
	deps  object.HashSet
	root  object.Hash
	gen   int64
	stale bool

	mu    sync.Mutex
	value ir.IRValue
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Context returns the subscribed context id.
func (s *Subscription) Context() string { return s.context }

// Value returns the latest selector output.
func (s *Subscription) Value() ir.IRValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *Subscription) setValue(v ir.IRValue) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
}

// contextState is the dispatcher's view of one subscribed context.
type contextState struct {
	delivered int64
	subs      []*Subscription
}

// Hub re-evaluates selectors after commits and notifies their
// subscribers.
//
// A single dispatcher goroutine (Run) owns every subscription's memoized
// state. Commit events are handled in generation order per context and
// stale ones are dropped, so a subscriber never sees a newer state before
// an older one. Within one commit, subscribers are notified in subscription
// order.
type Hub struct {
	objects *object.Store
	heads   Heads
	differ  Differ
	ids     ir.IDGenerator
	logger  *slog.Logger
	queue   *commandQueue

	contexts map[string]*contextState
}

// Option configures a Hub.
type Option func(*Hub)

// WithIDGenerator sets the subscription id source.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(h *Hub) { h.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// NewHub returns a hub reading state from objects.
func NewHub(objects *object.Store, heads Heads, differ Differ, opts ...Option) *Hub {
	h := &Hub{
		objects:  objects,
		heads:    heads,
		differ:   differ,
		ids:      ir.UUIDv7Generator{},
		logger:   slog.Default(),
		queue:    newCommandQueue(),
		contexts: make(map[string]*contextState),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish implements engine.Publisher. It never blocks.
func (h *Hub) Publish(ev engine.CommitEvent) {
	h.queue.Enqueue(command{kind: cmdCommit, event: ev})
}

// Subscribe registers fn on contextID and evaluates it once against the
// current head. cb is invoked whenever a later commit changes the output.
// Run must be running.
func (h *Hub) Subscribe(ctx context.Context, contextID string, fn Func, cb Callback) (*Subscription, error) {
	sub := &Subscription{
		id:      h.ids.Generate(),
		context: contextID,
		fn:      fn,
		cb:      cb,
	}
	reply := make(chan error, 1)
	if !h.queue.Enqueue(command{kind: cmdSubscribe, sub: sub, reply: reply}) {
		return nil, ErrClosed
	}

	select {
	case err, ok := <-reply:
		if !ok {
			return nil, ErrClosed
		}
		if err != nil {
			return nil, err
		}
		return sub, nil
	case <-ctx.Done():
		h.Unsubscribe(sub)
		return nil, ctx.Err()
	}
}

// Unsubscribe stops notifications for sub. No callback starts after it
// returns.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.closed.Swap(true) {
		return
	}
	h.queue.Enqueue(command{kind: cmdUnsubscribe, sub: sub})
}

// Run is the dispatcher loop. It blocks until ctx is cancelled or Close
// is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("selector hub starting")
	for {
		if c, ok := h.queue.TryDequeue(); ok {
			h.handle(ctx, c)
			continue
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("selector hub stopping", "reason", ctx.Err())
			return ctx.Err()
		case _, open := <-h.queue.Wait():
			if !open {
				h.logger.Info("selector hub stopping", "reason", "closed")
				return nil
			}
		}
	}
}

// Close stops the hub. Pending subscribes fail with ErrClosed.
func (h *Hub) Close() {
	h.shutdown()
}

func (h *Hub) shutdown() {
	for _, c := range h.queue.Close() {
		if c.reply != nil {
			close(c.reply)
		}
	}
}

func (h *Hub) handle(ctx context.Context, c command) {
	switch c.kind {
	case cmdCommit:
		h.handleCommit(ctx, c.event)
	case cmdSubscribe:
		c.reply <- h.handleSubscribe(ctx, c.sub)
	case cmdUnsubscribe:
		h.handleUnsubscribe(c.sub)
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, sub *Subscription) error {
	if sub.closed.Load() {
		return nil
	}

	ref, err := h.heads.Head(ctx, sub.context)
	if err != nil && !stateerr.IsNotFound(err) {
		return err
	}

	var state *tree.Tree
	if ref.IsZero() {
		state = tree.New(h.objects)
	} else {
		state = tree.Load(h.objects, object.Hash(ref.Root))
	}
	value, deps, err := evaluate(ctx, sub.fn, state)
	if err != nil {
		return err
	}
	sub.deps = deps
	sub.root = object.Hash(ref.Root)
	sub.gen = ref.Generation
	sub.setValue(value)

	cs := h.contexts[sub.context]
	if cs == nil {
		cs = &contextState{delivered: ref.Generation}
		h.contexts[sub.context] = cs
	}
	cs.subs = append(cs.subs, sub)

	h.logger.Debug("selector subscribed",
		"subscription", sub.id,
		"context", sub.context,
		"generation", sub.gen,
		"deps", deps.Len(),
	)
	return nil
}

func (h *Hub) handleUnsubscribe(sub *Subscription) {
	cs := h.contexts[sub.context]
	if cs == nil {
		return
	}
	for i, s := range cs.subs {
		if s == sub {
			cs.subs = append(cs.subs[:i], cs.subs[i+1:]...)
			break
		}
	}
	if len(cs.subs) == 0 {
		delete(h.contexts, sub.context)
	}
}

// handleCommit delivers ev unless a generation at or past it was already
// delivered. The engine publishes one context's events in generation
// order, so a gap means the missing generations were committed by
// another process and will never be published here. Subscribers
// re-evaluate against ev's new root whenever their memoized root is not
// ev.OldRoot, so the skipped states are coalesced.
func (h *Hub) handleCommit(ctx context.Context, ev engine.CommitEvent) {
	cs := h.contexts[ev.Context]
	if cs == nil || ev.Generation <= cs.delivered {
		return
	}
	if ev.Generation > cs.delivered+1 {
		h.logger.Debug("generation gap closed",
			"context", ev.Context,
			"from", cs.delivered,
			"to", ev.Generation,
		)
	}
	cs.delivered = ev.Generation
	h.deliver(ctx, cs, ev)
}

func (h *Hub) deliver(ctx context.Context, cs *contextState, ev engine.CommitEvent) {
	var (
		changed  object.HashSet
		diffDone bool
		diffErr  error
	)
	subs := append([]*Subscription(nil), cs.subs...)

	for _, sub := range subs {
		if sub.closed.Load() || sub.gen >= ev.Generation {
			continue
		}

		rerun := sub.stale || sub.root == "" || sub.root != ev.OldRoot
		if !rerun {
			if !diffDone {
				changed, diffErr = h.differ.Diff(ctx, ev.OldRoot, ev.NewRoot)
				diffDone = true
				if diffErr != nil {
					h.logger.Error("diff failed, re-evaluating all selectors",
						"context", ev.Context,
						"generation", ev.Generation,
						"error", diffErr,
					)
				}
			}
			rerun = diffErr != nil || sub.deps.Intersects(changed)
		}

		sub.gen = ev.Generation
		sub.root = ev.NewRoot
		if !rerun {
			telemetry.SelectorEvaluations.WithLabelValues("skipped").Inc()
			continue
		}

		value, deps, err := evaluate(ctx, sub.fn, tree.Load(h.objects, ev.NewRoot))
		if err != nil {
			sub.stale = true
			telemetry.SelectorEvaluations.WithLabelValues("error").Inc()
			h.logger.Warn("selector failed",
				"subscription", sub.id,
				"context", ev.Context,
				"generation", ev.Generation,
				"error", err,
			)
			h.notify(sub, ev, sub.Value(), err)
			continue
		}
		sub.stale = false
		sub.deps = deps

		if ir.Equal(value, sub.Value()) {
			telemetry.SelectorEvaluations.WithLabelValues("unchanged").Inc()
			continue
		}
		sub.setValue(value)
		telemetry.SelectorEvaluations.WithLabelValues("notified").Inc()
		h.notify(sub, ev, value, nil)
	}
}

func (h *Hub) notify(sub *Subscription, ev engine.CommitEvent, value ir.IRValue, err error) {
	if sub.cb == nil || sub.closed.Load() {
		return
	}
	sub.cb(Notification{
		Subscription: sub.id,
		Context:      ev.Context,
		Generation:   ev.Generation,
		Commit:       ev.Commit,
		Value:        value,
		Err:          err,
	})
}

// evaluate runs fn with fresh dependency tracking.
func evaluate(ctx context.Context, fn Func, state *tree.Tree) (ir.IRValue, object.HashSet, error) {
	deps := object.NewHashSet()
	value, err := fn(ctx, state.WithTracker(deps.Add))
	if err != nil {
		return nil, nil, err
	}
	return value, deps, nil
}
