package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/dagstate/internal/boundary"
	"github.com/roach88/dagstate/internal/config"
	"github.com/roach88/dagstate/internal/engine"
	"github.com/roach88/dagstate/internal/instance"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/reducer/script"
	"github.com/roach88/dagstate/internal/selector"
	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/testutil"
)

// Harness executes one scenario against its own in-memory instance.
type Harness struct {
	inst   *instance.Instance
	logger *slog.Logger

	mu            sync.Mutex
	notifications []TraceEvent
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs on a fresh in-memory instance. The returned error
// reports a harness failure (bad scenario, failed setup); step and
// assertion failures are recorded in the result instead.
//
// Execution flow:
// 1. Assemble an instance with the scenario's contexts and scripts
// 2. Subscribe watches
// 3. Execute setup steps, which must succeed
// 4. Execute flow steps, comparing outcomes with expectations
// 5. Drain notifications and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	cfg, err := scenarioConfig(scenario)
	if err != nil {
		return nil, err
	}
	inst, err := instance.Open(cfg,
		instance.WithClock(testutil.NewDeterministicClock()),
		instance.WithIDGenerator(ir.NewSequenceGenerator("id")),
		instance.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open instance: %w", err)
	}
	defer inst.Close()

	names := make([]string, 0, len(scenario.Scripts))
	for name := range scenario.Scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := script.Register(inst.Reducers, name, scenario.Scripts[name], script.WithLogger(logger)); err != nil {
			return nil, fmt.Errorf("script %s: %w", name, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- inst.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	h := &Harness{inst: inst, logger: logger}
	if err := h.watch(runCtx, scenario.Watch); err != nil {
		return nil, err
	}

	for i := range scenario.Setup {
		if _, err := h.exec(runCtx, &scenario.Setup[i]); err != nil {
			return nil, fmt.Errorf("setup step %d: %w", i, err)
		}
	}

	result := NewResult()
	for i := range scenario.Flow {
		step := &scenario.Flow[i]
		events, err := h.exec(runCtx, step)
		if len(events) == 0 {
			kind, _ := step.kind()
			events = []TraceEvent{{Kind: kind, Outcome: outcome(err)}}
		}
		for _, ev := range events {
			result.record(ev)
		}
		if err != nil && stateerr.IsCorrupt(err) {
			return nil, fmt.Errorf("flow step %d: %w", i, err)
		}
		want := expectedOutcome(step)
		if got := events[len(events)-1].Outcome; got != want {
			result.AddError(fmt.Sprintf("flow[%d]: expected %s, got %s (%v)", i, want, got, err))
		}
		h.logger.Info("flow step completed", "step", i, "outcome", events[len(events)-1].Outcome)
	}

	if err := h.drain(runCtx, scenario.Contexts[0].ID); err != nil {
		return nil, err
	}
	h.mu.Lock()
	for _, ev := range h.notifications {
		result.record(ev)
	}
	h.mu.Unlock()

	actx := &AssertionContext{Instance: inst, Ctx: runCtx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func scenarioConfig(s *Scenario) (*config.Config, error) {
	cfg := config.Default()
	cfg.Boundary.Policy = config.PolicyConfig{Sign: s.Policy.Sign, Encrypt: s.Policy.Encrypt}
	for _, decl := range s.Contexts {
		c, err := boundary.GenerateContext(decl.ID, decl.Permissions...)
		if err != nil {
			return nil, err
		}
		cfg.Boundary.Contexts = append(cfg.Boundary.Contexts, config.ContextConfig{
			ID:            c.ID,
			Permissions:   c.Permissions,
			SigningKey:    config.EncodeKey(c.SigningKey),
			EncryptionKey: config.EncodeKey(c.EncryptionKey),
		})
	}
	return &cfg, nil
}

func expectedOutcome(s *Step) string {
	if s.Expect != "" {
		return s.Expect
	}
	if s.Race != nil {
		return string(stateerr.CodeConflict)
	}
	return OutcomeOK
}

// outcome names err the way traces and expectations do.
func outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if code := stateerr.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}

func splitPath(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

func (h *Harness) watch(ctx context.Context, watches []Watch) error {
	for _, w := range watches {
		name := w.Name
		_, err := h.inst.Hub.Subscribe(ctx, w.Context, selector.Path(splitPath(w.Path)...), func(n selector.Notification) {
			ev := TraceEvent{
				Kind:       KindNotify,
				Context:    n.Context,
				Detail:     name,
				Generation: n.Generation,
				Value:      n.Value,
			}
			if n.Err != nil {
				ev.Outcome = outcome(n.Err)
			}
			h.mu.Lock()
			h.notifications = append(h.notifications, ev)
			h.mu.Unlock()
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", name, err)
		}
	}
	return nil
}

// drain returns once the hub has dispatched every commit published so
// far. A subscription is answered by the dispatcher only after the
// commands queued before it.
func (h *Harness) drain(ctx context.Context, contextID string) error {
	sub, err := h.inst.Hub.Subscribe(ctx, contextID, selector.Path(), nil)
	if err != nil {
		return fmt.Errorf("drain notifications: %w", err)
	}
	h.inst.Hub.Unsubscribe(sub)
	return nil
}

// exec runs one step and returns its trace events. The last event
// carries the outcome compared against the step's expectation.
func (h *Harness) exec(ctx context.Context, s *Step) ([]TraceEvent, error) {
	switch {
	case s.Apply != nil:
		ev := TraceEvent{Kind: KindApply, Context: s.Apply.Context, Detail: s.Apply.Reducer}
		res, err := h.apply(ctx, s.Apply.Context, s.Apply.Op)
		if res != nil {
			ev.Generation = res.Ref.Generation
		}
		ev.Outcome = outcome(err)
		return []TraceEvent{ev}, err

	case s.Race != nil:
		return h.race(ctx, s.Race)

	case s.Transfer != nil:
		ev := TraceEvent{Kind: KindTransfer, Context: s.Transfer.From, Detail: s.Transfer.To}
		v, err := h.transfer(ctx, s.Transfer)
		ev.Value = v
		ev.Outcome = outcome(err)
		return []TraceEvent{ev}, err

	case s.Grant != nil:
		err := h.inst.Boundary.Grant(s.Grant.From, s.Grant.To)
		return []TraceEvent{{Kind: KindGrant, Context: s.Grant.From, Detail: s.Grant.To, Outcome: outcome(err)}}, err

	case s.Revoke != nil:
		err := h.inst.Boundary.Revoke(s.Revoke.From, s.Revoke.To)
		return []TraceEvent{{Kind: KindRevoke, Context: s.Revoke.From, Detail: s.Revoke.To, Outcome: outcome(err)}}, err
	}
	return nil, fmt.Errorf("step has no operation")
}

func (h *Harness) op(o Op) (engine.Reducer, ir.IRValue, error) {
	r, err := h.inst.Reducers.Get(o.Reducer)
	if err != nil {
		return nil, nil, err
	}
	input, err := ir.FromGo(o.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("input for %s: %w", o.Reducer, err)
	}
	return r, input, nil
}

func (h *Harness) apply(ctx context.Context, contextID string, o Op) (*engine.Result, error) {
	r, input, err := h.op(o)
	if err != nil {
		return nil, err
	}
	return h.inst.Engine.Apply(ctx, contextID, r, input)
}

func (h *Harness) race(ctx context.Context, s *RaceStep) ([]TraceEvent, error) {
	ops := []Op{s.First, s.Second}
	txns := make([]*engine.Txn, len(ops))
	for i := range ops {
		txn, err := h.inst.Engine.Begin(ctx, s.Context)
		if err != nil {
			return nil, err
		}
		txns[i] = txn
	}

	events := make([]TraceEvent, len(ops))
	var last error
	for i, o := range ops {
		ev := TraceEvent{Kind: KindRace, Context: s.Context, Detail: o.Reducer}
		res, err := h.commit(ctx, txns[i], o)
		if res != nil {
			ev.Generation = res.Ref.Generation
		}
		ev.Outcome = outcome(err)
		events[i] = ev
		last = err
	}
	return events, last
}

func (h *Harness) commit(ctx context.Context, txn *engine.Txn, o Op) (*engine.Result, error) {
	r, input, err := h.op(o)
	if err != nil {
		txn.Discard()
		return nil, err
	}
	if err := txn.Apply(ctx, r, input); err != nil {
		txn.Discard()
		return nil, err
	}
	return txn.Commit(ctx)
}

// transfer moves the subtree at s.Path of the source head into the
// destination and returns it as the destination resolves it.
func (h *Harness) transfer(ctx context.Context, s *TransferStep) (ir.IRValue, error) {
	const op = "harness.transfer"

	state, err := h.inst.Engine.State(ctx, s.From)
	if err != nil {
		return nil, err
	}
	sub, ok, err := state.Get(ctx, splitPath(s.Path)...)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, stateerr.New(stateerr.CodeNotFound, op, "no value at %q in %s", s.Path, s.From)
	}
	hash, _ := sub.Hash()

	handle, err := h.inst.Boundary.Export(ctx, hash, s.From, s.To)
	if err != nil {
		return nil, err
	}
	got, err := h.inst.Boundary.Import(ctx, handle, s.To)
	if err != nil {
		return nil, err
	}
	resolved, err := h.inst.Engine.Resolve(ctx, s.To, got)
	if err != nil {
		return nil, err
	}
	return resolved.Value(ctx)
}
