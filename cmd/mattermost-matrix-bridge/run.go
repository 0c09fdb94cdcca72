// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/mattermost-matrix-bridge/pkg/adminapi"
	"github.com/aiku/mattermost-matrix-bridge/pkg/connector"
	"github.com/aiku/mattermost-matrix-bridge/pkg/importer"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Run the bridge",
	Before: prepareApp,
	Action: cmdRun,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "import",
			Usage: "Also import channel history in the background",
		},
	},
}

func cmdRun(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := setup(runCtx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	var engine *importer.Engine
	if ctx.Bool("import") {
		engine = c.newImporter(log)
	}

	g, gctx := errgroup.WithContext(runCtx)
	if cfg.Bridge.AllowedChannelsFile != "" {
		if err = c.allow.Watch(gctx, cfg.Bridge.AllowedChannelsFile, log); err != nil {
			return err
		}
	}
	g.Go(func() error {
		return connector.NewListener(c.mm, cfg.Mattermost.BotPrefix, c.bridge.HandleChange, log).Run(gctx)
	})
	g.Go(func() error {
		return c.mx.Run(gctx, c.bridge.HandleMatrixEvent)
	})
	if cfg.Bridge.AdminAPIAddr != "" {
		opts := adminapi.Options{
			Changes: c.bridge,
			Puppets: c.puppets,
			Users:   c.identities,
		}
		if engine != nil {
			opts.Lanes = engine
		}
		g.Go(func() error {
			return adminapi.New(opts, log).ListenAndServe(gctx, cfg.Bridge.AdminAPIAddr)
		})
	}
	if engine != nil {
		g.Go(func() error {
			_, err := engine.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			// A failed import doesn't stop live bridging.
			if err != nil {
				log.Err(err).Msg("Historical import failed")
			}
			return nil
		})
	}

	log.Info().Msg("Bridge started")
	<-gctx.Done()
	log.Info().Msg("Shutting down")
	if engine != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err = engine.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Import did not stop in time")
		}
		cancel()
	}
	if err = g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
