package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/dagstate/internal/api"
	"github.com/roach88/dagstate/internal/config"
	"github.com/roach88/dagstate/internal/instance"
	"github.com/roach88/dagstate/internal/telemetry"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen   string
	Debounce time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		Long: `Assemble an instance from the config and serve the HTTP API, the
websocket watch stream and /metrics until interrupted. Scheduled GC runs
when gc.enabled is set.

When started with --config, edits to the file's context permissions and
peers are applied without a restart.

Example:
  dagstate serve -c dagstate.yaml --listen 127.0.0.1:7420`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides api.listen)")
	cmd.Flags().DurationVar(&opts.Debounce, "reload-debounce", 200*time.Millisecond, "delay before applying config edits")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger := cfg.Log.Logger(cmd.ErrOrStderr())
	if opts.Verbose {
		logger = opts.logger()
	}
	slog.SetDefault(logger)

	addr := cfg.API.Listen
	if opts.Listen != "" {
		addr = opts.Listen
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start tracing", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdown(sctx); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	inst, err := instance.Open(cfg, instance.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open instance", err)
	}
	defer closeInstance(inst)

	srv := api.New(inst, api.WithLogger(logger), api.WithWatchBuffer(cfg.API.WatchBuffer), api.WithAllowedOrigins(cfg.API.AllowedOrigins...))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return inst.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx, addr) })
	if opts.Config != "" {
		g.Go(func() error {
			return config.Watch(gctx, opts.Config, opts.Debounce, logger, func(next *config.Config) {
				if err := inst.Reload(next); err != nil {
					logger.Error("config reload incomplete", "error", err)
					return
				}
				logger.Info("config reloaded", "path", opts.Config)
			})
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", addr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
