// Copyright 2024-2026 Aiku AI

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/aiku/mattermost-matrix-bridge/pkg/config"
	"github.com/aiku/mattermost-matrix-bridge/pkg/matrix"
)

var generateConfigCommand = &cli.Command{
	Name:   "generate-config",
	Usage:  "Write the example config to the config path",
	Action: cmdGenerateConfig,
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
	},
}

var generateRegistrationCommand = &cli.Command{
	Name:   "generate-registration",
	Usage:  "Generate the appservice registration file named in the config",
	Before: prepareApp,
	Action: cmdGenerateRegistration,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Usage: "Appservice ID", Value: "mattermost"},
		&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
	},
}

func refuseOverwrite(ctx *cli.Context, path string) error {
	if ctx.Bool("force") {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, use --force to overwrite it", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func cmdGenerateConfig(ctx *cli.Context) error {
	path := ctx.String("config")
	if err := refuseOverwrite(ctx, path); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(config.ExampleConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Example config written to %s\n", path)
	return nil
}

func cmdGenerateRegistration(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	path := cfg.AppService.Registration
	if err := refuseOverwrite(ctx, path); err != nil {
		return err
	}
	reg := matrix.GenerateRegistration(matrix.RegistrationParams{
		ID:          ctx.String("id"),
		Address:     cfg.AppService.Address,
		Domain:      cfg.Homeserver.Domain,
		BotUsername: cfg.AppService.BotUsername,
		GhostPrefix: cfg.AppService.GhostPrefix,
		AliasPrefix: cfg.AppService.GhostPrefix,
	})
	if err := reg.Save(path); err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}
	fmt.Printf("Registration written to %s\n", path)
	return nil
}
