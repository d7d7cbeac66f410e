// Package instance assembles a running dagstate from configuration: the
// backend, object store, DAG, engine, boundary enforcer, selector hub,
// garbage collector and reducer registry, wired together.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/dagstate/internal/boundary"
	"github.com/roach88/dagstate/internal/config"
	"github.com/roach88/dagstate/internal/dag"
	"github.com/roach88/dagstate/internal/engine"
	"github.com/roach88/dagstate/internal/gc"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/reducer"
	"github.com/roach88/dagstate/internal/reducer/script"
	"github.com/roach88/dagstate/internal/selector"
	"github.com/roach88/dagstate/internal/store"
	"github.com/roach88/dagstate/internal/store/badgerstore"
	"github.com/roach88/dagstate/internal/store/boltstore"
	"github.com/roach88/dagstate/internal/store/memstore"
)

// Instance is one assembled state engine.
type Instance struct {
	Config   *config.Config
	Backend  store.Backend
	Objects  *object.Store
	DAG      *dag.DAG
	Engine   *engine.Engine
	Boundary *boundary.Enforcer
	Hub      *selector.Hub
	GC       *gc.Collector
	Reducers *reducer.Registry

	logger *slog.Logger
	close  func() error
}

type options struct {
	clock  dag.Clock
	ids    ir.IDGenerator
	logger *slog.Logger
}

// Option adjusts assembly.
type Option func(*options)

// WithClock stamps commits with c.
func WithClock(c dag.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator sets the handle and subscription id source.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithLogger sets the logger every component uses.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open assembles an instance for cfg.
func Open(cfg *config.Config, opts ...Option) (*Instance, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	backend, closeBackend, err := OpenBackend(cfg.Storage, o.logger)
	if err != nil {
		return nil, err
	}
	inst, err := assemble(cfg, backend, o)
	if err != nil {
		_ = closeBackend()
		return nil, err
	}
	inst.close = closeBackend
	return inst, nil
}

func assemble(cfg *config.Config, backend store.Backend, o options) (*Instance, error) {
	objects, err := object.New(backend, object.WithCacheSize(cfg.Storage.CacheSize), object.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	clock := o.clock
	if clock == nil {
		clock = engine.NewClock()
	}
	d := dag.New(backend, objects, dag.WithLogger(o.logger), dag.WithClock(clock))

	enfOpts := []boundary.Option{
		boundary.WithImportStore(backend),
		boundary.WithPolicy(cfg.Boundary.StaticPolicy()),
		boundary.WithLogger(o.logger),
	}
	hubOpts := []selector.Option{selector.WithLogger(o.logger)}
	if o.ids != nil {
		enfOpts = append(enfOpts, boundary.WithIDGenerator(o.ids))
		hubOpts = append(hubOpts, selector.WithIDGenerator(o.ids))
	}
	enf := boundary.New(objects, backend, enfOpts...)
	if err := registerContexts(enf, cfg.Boundary); err != nil {
		return nil, err
	}
	if err := enf.LoadImports(context.Background()); err != nil {
		return nil, err
	}

	e := engine.New(backend, d,
		engine.WithAccessChecker(enf),
		engine.WithSigners(enf),
		engine.WithMaxSteps(cfg.Storage.MaxSteps),
		engine.WithLogger(o.logger),
	)
	hub := selector.NewHub(objects, e, d, hubOpts...)
	collector := gc.New(backend, d,
		gc.WithRootSource(enf),
		gc.WithRetention(cfg.GC.Retention),
		gc.WithMinChurn(cfg.GC.MinChurn),
		gc.WithWorkers(cfg.GC.Workers),
		gc.WithLogger(o.logger),
	)
	e.AddPublisher(hub)
	e.AddPublisher(collector)

	reg := reducer.NewRegistry()
	for _, sc := range cfg.Scripts {
		src, err := os.ReadFile(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("script %s: %w", sc.Name, err)
		}
		sopts := []script.Option{script.WithLogger(o.logger)}
		if sc.TimeoutMillis > 0 {
			sopts = append(sopts, script.WithTimeout(time.Duration(sc.TimeoutMillis)*time.Millisecond))
		}
		if err := script.Register(reg, sc.Name, string(src), sopts...); err != nil {
			return nil, err
		}
	}

	return &Instance{
		Config:   cfg,
		Backend:  backend,
		Objects:  objects,
		DAG:      d,
		Engine:   e,
		Boundary: enf,
		Hub:      hub,
		GC:       collector,
		Reducers: reg,
		logger:   o.logger,
		close:    func() error { return nil },
	}, nil
}

func registerContexts(enf *boundary.Enforcer, b config.BoundaryConfig) error {
	for _, cc := range b.Contexts {
		c, err := cc.Context()
		if err != nil {
			return err
		}
		if err := enf.Register(c); err != nil {
			return err
		}
	}
	for _, pc := range b.Peers {
		p, err := pc.Peer()
		if err != nil {
			return err
		}
		if err := enf.RegisterPeer(p); err != nil {
			return err
		}
	}
	return nil
}

// OpenBackend opens the configured storage backend and returns its close
// function.
func OpenBackend(cfg config.StorageConfig, logger *slog.Logger) (store.Backend, func() error, error) {
	switch cfg.Backend {
	case "memory":
		return memstore.New(), func() error { return nil }, nil
	case "sqlite":
		s, err := store.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "bolt":
		s, err := boltstore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "badger":
		bc := badgerstore.DefaultConfig(cfg.Path)
		bc.Logger = logger
		s, err := badgerstore.Open(bc)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Run drives the selector hub and, when enabled, scheduled collection
// until ctx ends.
func (i *Instance) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return i.Hub.Run(gctx) })
	if i.Config.GC.Enabled {
		sched, err := gc.ParseSchedule(i.Config.GC.Schedule)
		if err != nil {
			return err
		}
		g.Go(func() error { return i.GC.Run(gctx, sched) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Reload applies the parts of cfg that can change at runtime: context
// permissions and newly declared contexts and peers.
func (i *Instance) Reload(cfg *config.Config) error {
	var errs []error
	for _, cc := range cfg.Boundary.Contexts {
		err := i.Boundary.SetPermissions(cc.ID, cc.Permissions)
		if err == nil {
			continue
		}
		c, cerr := cc.Context()
		if cerr != nil {
			errs = append(errs, cerr)
			continue
		}
		if rerr := i.Boundary.Register(c); rerr != nil {
			errs = append(errs, rerr)
		}
	}
	for _, pc := range cfg.Boundary.Peers {
		if _, err := i.Boundary.PublicKeys(pc.ID); err == nil {
			continue
		}
		p, err := pc.Peer()
		if err == nil {
			err = i.Boundary.RegisterPeer(p)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := i.Boundary.LoadImports(context.Background()); err != nil {
		errs = append(errs, err)
	}
	i.logger.Info("boundary configuration reloaded",
		"contexts", len(cfg.Boundary.Contexts),
		"peers", len(cfg.Boundary.Peers),
		"errors", len(errs),
	)
	return errors.Join(errs...)
}

// Close stops the hub and closes the backend.
func (i *Instance) Close() error {
	i.Hub.Close()
	return i.close()
}
