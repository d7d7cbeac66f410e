package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/dagstate/internal/dag"
	"github.com/roach88/dagstate/internal/engine"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/stateerr"
	"github.com/roach88/dagstate/internal/store"
	"github.com/roach88/dagstate/internal/telemetry"
)

// RootSource contributes extra live roots, such as imported subtrees.
type RootSource interface {
	HeldRoots() []object.Hash
}

// Stats summarizes one collection.
type Stats struct {
	Epoch    uint64
	Roots    int
	Marked   int
	Swept    int
	Duration time.Duration
}

// Collector marks and sweeps the object store.
//
// Thread-safety: Collect may be called from any goroutine; runs are
// serialized. Publish is safe to call concurrently with everything.
type Collector struct {
	objects *object.Store
	refs    store.RefStore
	dag     *dag.DAG
	sources []RootSource

	retention int
	workers   int
	minChurn  int64

	churn atomic.Int64
	run   sync.Mutex

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithRootSource adds a source of extra live roots.
func WithRootSource(s RootSource) Option {
	return func(c *Collector) { c.sources = append(c.sources, s) }
}

// WithRetention keeps the roots of the n newest commits of every context
// live. Zero keeps all history.
func WithRetention(n int) Option {
	return func(c *Collector) { c.retention = n }
}

// WithWorkers bounds concurrent marking.
//
// Default: 4
func WithWorkers(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithMinChurn skips scheduled runs until at least n commits happened
// since the last collection.
func WithMinChurn(n int64) Option {
	return func(c *Collector) { c.minChurn = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// New returns a collector over d's object store and the heads in refs.
func New(refs store.RefStore, d *dag.DAG, opts ...Option) *Collector {
	c := &Collector{
		objects: d.Objects(),
		refs:    refs,
		dag:     d,
		workers: 4,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish counts a commit toward the churn threshold. It implements
// engine.Publisher.
func (c *Collector) Publish(engine.CommitEvent) {
	c.churn.Add(1)
}

// Churn returns the number of commits since the last collection.
func (c *Collector) Churn() int64 {
	return c.churn.Load()
}

// Collect runs one mark and sweep.
func (c *Collector) Collect(ctx context.Context) (stats Stats, err error) {
	c.run.Lock()
	defer c.run.Unlock()

	start := c.now()
	defer func() {
		stats.Duration = c.now().Sub(start)
		status := telemetry.ResultOK
		if err != nil {
			status = telemetry.ResultError
		}
		telemetry.GCRuns.WithLabelValues(status).Inc()
		telemetry.GCDuration.Observe(stats.Duration.Seconds())
	}()

	// The epoch opens before heads are read: anything committed after
	// this point was put or released inside the epoch and survives.
	stats.Epoch = c.objects.BeginSweep()
	churn := c.churn.Swap(0)

	roots, err := c.roots(ctx)
	if err != nil {
		c.churn.Add(churn)
		return stats, err
	}
	stats.Roots = len(roots)

	marked, err := c.mark(ctx, roots)
	if err != nil {
		c.churn.Add(churn)
		return stats, err
	}
	stats.Marked = marked.Len()

	if stats.Swept, err = c.objects.Sweep(ctx, stats.Epoch, marked); err != nil {
		c.churn.Add(churn)
		return stats, err
	}
	telemetry.GCSwept.Add(float64(stats.Swept))

	c.logger.Info("garbage collected",
		"epoch", stats.Epoch,
		"roots", stats.Roots,
		"marked", stats.Marked,
		"swept", stats.Swept,
		"churn", churn,
	)
	return stats, nil
}

// roots gathers every live root: heads, retained history, extra sources.
func (c *Collector) roots(ctx context.Context) ([]object.Hash, error) {
	refs, err := c.refs.ListRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("gc: list refs: %w", err)
	}
	set := object.NewHashSet()
	for _, nr := range refs {
		set.Add(object.Hash(nr.Ref.Root))
		n := 0
		for commit, err := range c.dag.History(ctx, object.Hash(nr.Ref.Commit)) {
			if err != nil {
				return nil, fmt.Errorf("gc: history of %s: %w", nr.Name, err)
			}
			set.Add(commit.Root)
			n++
			if c.retention > 0 && n >= c.retention {
				break
			}
		}
	}
	for _, s := range c.sources {
		for _, h := range s.HeldRoots() {
			set.Add(h)
		}
	}
	return set.Sorted(), nil
}

// mark walks every root concurrently into one shared set.
func (c *Collector) mark(ctx context.Context, roots []object.Hash) (object.HashSet, error) {
	var mu sync.Mutex
	marked := object.NewHashSet()
	visit := func(h object.Hash) bool {
		mu.Lock()
		defer mu.Unlock()
		if marked.Has(h) {
			return false
		}
		marked.Add(h)
		return true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, root := range roots {
		g.Go(func() error {
			return c.walk(gctx, root, visit)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("gc: mark: %w", err)
	}
	return marked, nil
}

func (c *Collector) walk(ctx context.Context, root object.Hash, visit func(object.Hash) bool) error {
	stack := []object.Hash{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visit(h) {
			continue
		}
		n, err := c.objects.Get(ctx, h)
		if err != nil {
			if stateerr.IsNotFound(err) {
				c.logger.Warn("gc: live root references a missing node", "root", root.Short(), "hash", h.Short())
				continue
			}
			return err
		}
		stack = append(stack, n.Children...)
	}
	return nil
}

// Run collects on schedule until ctx ends. Runs with less churn than the
// threshold are skipped.
func (c *Collector) Run(ctx context.Context, s Schedule) error {
	c.logger.Info("gc scheduler starting", "min_churn", c.minChurn, "retention", c.retention)
	for {
		now := c.now()
		next := s.Next(now)
		if next.IsZero() {
			c.logger.Info("gc scheduler stopping", "reason", "schedule exhausted")
			return nil
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info("gc scheduler stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}

		if churn := c.churn.Load(); churn < c.minChurn {
			telemetry.GCRuns.WithLabelValues("skipped").Inc()
			c.logger.Debug("gc skipped", "churn", churn, "min_churn", c.minChurn)
			continue
		}
		if _, err := c.Collect(ctx); err != nil {
			if errors.Is(err, context.Canceled) || stateerr.IsCorrupt(err) {
				return err
			}
			c.logger.Error("gc failed", "error", err)
		}
	}
}
