// Copyright 2024-2026 Aiku AI

// Command mattermost-matrix-bridge keeps Mattermost channels and Matrix rooms
// in sync and imports channel history into separate historical rooms.
package main

import (
	"context"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/aiku/mattermost-matrix-bridge/pkg/config"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

// prepareApp loads the config and builds the root logger for commands that
// need them.
func prepareApp(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"), !ctx.Bool("no-update"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := cfg.Logging.Logger().With().Str("version", Tag).Logger()
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = log.WithContext(newCtx)
	return nil
}

func main() {
	app := &cli.App{
		Name:    "mattermost-matrix-bridge",
		Usage:   "A Mattermost-Matrix appservice bridge",
		Version: fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
				EnvVars: []string{"BRIDGE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "no-update",
				Usage: "Don't write missing keys back to the config file",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			importCommand,
			resetUserCommand,
			generateConfigCommand,
			generateRegistrationCommand,
		},
		DefaultCommand: runCommand.Name,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
