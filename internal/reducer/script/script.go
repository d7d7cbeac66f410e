// Package script runs reducers written in JavaScript.
//
// A script defines a function reduce(state, input) returning the next
// state. Each call runs in a fresh goja runtime with no host access:
// no require, no timers, and Math.random and Date are removed so the
// reducer stays deterministic. A call is interrupted when its context
// ends or the time limit passes.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"

	"github.com/roach88/dagstate/internal/engine"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/reducer"
	"github.com/roach88/dagstate/internal/tree"
)

// EntryPoint is the function every script must define.
const EntryPoint = "reduce"

// DefaultTimeout bounds one reducer call.
const DefaultTimeout = time.Second

// ErrInterrupted is returned when a call is stopped by its deadline.
var ErrInterrupted = errors.New("script interrupted")

const prelude = `
delete Math.random;
Date = undefined;
`

var preludeProgram = goja.MustCompile("prelude", prelude, true)

// Script is a compiled reducer script.
type Script struct {
	name    string
	program *goja.Program
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Script.
type Option func(*Script)

// WithTimeout bounds each call.
//
// Default: 1s (DefaultTimeout)
func WithTimeout(d time.Duration) Option {
	return func(s *Script) { s.timeout = d }
}

// WithLogger receives log() calls made by the script.
func WithLogger(l *slog.Logger) Option {
	return func(s *Script) { s.logger = l }
}

// Compile parses src. Syntax errors surface here rather than on first
// use.
func Compile(name, src string, opts ...Option) (*Script, error) {
	p, err := goja.Compile(name, src, true)
	if err != nil {
		return nil, fmt.Errorf("compile script %s: %w", name, err)
	}
	s := &Script{name: name, program: p, timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the script name given to Compile.
func (s *Script) Name() string { return s.name }

// Reducer adapts the script to engine.Reducer. The returned state is
// patched into the input tree so untouched subtrees are shared.
func (s *Script) Reducer() engine.Reducer {
	return func(ctx context.Context, state *tree.Tree, input ir.IRValue) (*tree.Tree, error) {
		cur, err := state.Value(ctx)
		if err != nil {
			return nil, err
		}
		next, err := s.Call(ctx, cur, input)
		if err != nil {
			return nil, err
		}
		return reducer.Patch(ctx, state, cur, next)
	}
}

// Call runs reduce(state, input) and converts the result back to a
// value. Fractional numbers and functions in the result are errors.
func (s *Script) Call(ctx context.Context, state, input ir.IRValue) (ir.IRValue, error) {
	vm := goja.New()
	if _, err := vm.RunProgram(preludeProgram); err != nil {
		return nil, fmt.Errorf("script %s: prelude: %w", s.name, err)
	}
	if err := vm.Set("log", func(msg string, args ...any) {
		s.logger.Debug(msg, append([]any{"script", s.name}, args...)...)
	}); err != nil {
		return nil, err
	}

	ictx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(ictx, func() {
		vm.Interrupt(ErrInterrupted)
	})
	defer stop()

	if _, err := vm.RunProgram(s.program); err != nil {
		return nil, s.wrap(err)
	}
	fn, ok := goja.AssertFunction(vm.Get(EntryPoint))
	if !ok {
		return nil, fmt.Errorf("script %s: %s is not a function", s.name, EntryPoint)
	}
	out, err := fn(goja.Undefined(), vm.ToValue(ir.ToGo(state)), vm.ToValue(ir.ToGo(input)))
	if err != nil {
		return nil, s.wrap(err)
	}
	if goja.IsUndefined(out) {
		return nil, fmt.Errorf("script %s: %s returned undefined", s.name, EntryPoint)
	}
	v, err := ir.FromGo(out.Export())
	if err != nil {
		return nil, fmt.Errorf("script %s: result: %w", s.name, err)
	}
	return v, nil
}

func (s *Script) wrap(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("script %s: %w", s.name, ErrInterrupted)
	}
	return fmt.Errorf("script %s: %w", s.name, err)
}

// Register compiles src and registers it in reg under name.
func Register(reg *reducer.Registry, name, src string, opts ...Option) error {
	s, err := Compile(name, src, opts...)
	if err != nil {
		return err
	}
	return reg.Register(name, s.Reducer())
}
