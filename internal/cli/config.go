package cli

import (
	"context"
	"os"

	"github.com/easeaico/hybrid-memory/internal/app"
	"github.com/easeaico/hybrid-memory/internal/config"
	"github.com/easeaico/hybrid-memory/internal/logging"
	"github.com/urfave/cli/v3"
)

// options holds values shared by every command
type options struct {
	configPath string
	logLevel   string
}

// globalFlags returns common flags used across commands with destination options
func globalFlags(opts *options) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to a YAML config file",
			Sources:     cli.EnvVars("MEMORY_CONFIG"),
			Destination: &opts.configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Sources:     cli.EnvVars("MEMCTL_LOG_LEVEL"),
			Destination: &opts.logLevel,
		},
	}
}

// open loads the configuration and opens the memory stores. The returned
// context carries the configured logger.
func (opts *options) open(ctx context.Context) (context.Context, *app.App, error) {
	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return ctx, nil, err
	}

	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	ctx = logging.With(ctx, logging.New(level, os.Stderr))

	a, err := app.New(ctx, cfg)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, a, nil
}

// closeApp closes a and logs a failure instead of masking the command error.
func closeApp(ctx context.Context, a *app.App) {
	if err := a.Close(context.WithoutCancel(ctx)); err != nil {
		logging.From(ctx).Warn("failed to close memory stores", "error", err)
	}
}
