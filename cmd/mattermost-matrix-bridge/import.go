// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/aiku/mattermost-matrix-bridge/pkg/importer"
)

var importCommand = &cli.Command{
	Name:   "import",
	Usage:  "Import channel history into historical Matrix rooms and exit",
	Before: prepareApp,
	Action: cmdImport,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "lanes",
			Usage: "Number of channels imported concurrently (overrides import.lanes)",
		},
		&cli.StringFlag{
			Name:  "room-filter",
			Usage: "JSON file listing the channel IDs to import (overrides import.room_filter)",
		},
		&cli.DurationFlag{
			Name:  "shutdown-timeout",
			Usage: "How long to wait for in-flight channels after an interrupt",
			Value: time.Minute,
		},
	},
}

func cmdImport(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	if ctx.IsSet("lanes") {
		cfg.Import.Lanes = ctx.Int("lanes")
	}
	if ctx.IsSet("room-filter") {
		cfg.Import.RoomFilter = ctx.String("room-filter")
	}
	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := setup(runCtx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	engine := c.newImporter(log)
	engine.OnProgress(func(p importer.Progress) {
		if !p.Done {
			return
		}
		evt := log.Info()
		if p.Err != nil {
			evt = log.Warn().Err(p.Err)
		}
		evt.Str("channel_id", p.ChannelID).Int("imported", p.Imported).Msg("Channel import finished")
	})

	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), ctx.Duration("shutdown-timeout"))
			defer cancel()
			if err := engine.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Import did not stop in time")
			}
		case <-done:
		}
	}()
	result, err := engine.Run(runCtx)
	close(done)
	if result != nil {
		fmt.Printf("Run %s: imported %d messages from %d channels, %d failed\n",
			result.RunID, result.Imported, result.Channels, len(result.FailedChannelIDs))
	}
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	return nil
}
