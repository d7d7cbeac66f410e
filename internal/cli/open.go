package cli

import (
	"log/slog"

	"github.com/roach88/dagstate/internal/config"
	"github.com/roach88/dagstate/internal/instance"
)

// loadConfig reads --config (or the defaults) and applies --db.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	var cfg *config.Config
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	} else {
		def := config.Default()
		cfg = &def
	}
	if opts.Database != "" {
		cfg.Storage.Backend = "sqlite"
		cfg.Storage.Path = opts.Database
	}
	return cfg, nil
}

// openInstance assembles the instance described by the global flags.
// The caller must Close it.
func openInstance(opts *RootOptions) (*instance.Instance, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	slog.Debug("opening instance", "backend", cfg.Storage.Backend, "path", cfg.Storage.Path)
	inst, err := instance.Open(cfg, instance.WithLogger(slog.Default()))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open instance", err)
	}
	return inst, nil
}

func closeInstance(inst *instance.Instance) {
	if err := inst.Close(); err != nil {
		slog.Error("error closing instance", "error", err)
	}
}
