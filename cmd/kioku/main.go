package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/bdobrica/kioku/common/version"
	"github.com/bdobrica/kioku/internal/kioku/app"
	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/observability"
)

func main() {
	cmd := &cli.Command{
		Name:    "kioku",
		Usage:   "Conversational memory for companion agents",
		Version: version.Info(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("KIOKU_LOG_LEVEL"),
				Value:   "info",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			memoryCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadApp reads the environment configuration and assembles the service.
// CLI one-shot commands log to stderr so stdout stays machine-readable.
func loadApp(ctx context.Context, c *cli.Command) (*app.App, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	logger := observability.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize kioku: %w", err)
	}
	return a, logger, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the memory service with the idle-session janitor and the ops HTTP server",
		Action: func(ctx context.Context, c *cli.Command) error {
			a, logger, err := loadApp(ctx, c)
			if err != nil {
				return err
			}
			defer a.Stop()

			logger.Info("kioku: starting", "version", version.Version, "commit", version.GitCommit)
			return a.Run(ctx)
		},
	}
}
