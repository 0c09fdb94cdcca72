// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/aiku/mattermost-matrix-bridge/pkg/bridge"
	"github.com/aiku/mattermost-matrix-bridge/pkg/store"
)

var resetUserCommand = &cli.Command{
	Name:      "reset-user",
	Usage:     "Delete the stored ghost mapping of a Mattermost user",
	ArgsUsage: "MATTERMOST_USER_ID",
	Before:    prepareApp,
	Action:    cmdResetUser,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "offline",
			Usage: "Edit the database directly instead of asking the running bridge",
		},
	},
}

func cmdResetUser(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a Mattermost user ID")
	}
	mmUserID := ctx.Args().Get(0)
	cfg := getConfig(ctx)

	if cfg.Bridge.AdminAPIAddr != "" && !ctx.Bool("offline") {
		return resetUserOnline(ctx, cfg.Bridge.AdminAPIAddr, mmUserID)
	}

	log := getLogger(ctx)
	db, err := store.Open(ctx.Context, cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()
	ids, err := bridge.NewIdentities(db, nil, nil, bridge.IdentitiesOptions{Log: log})
	if err != nil {
		return err
	}
	defer ids.Close()
	existed, err := ids.Reset(ctx.Context, mmUserID)
	if err != nil {
		return err
	} else if !existed {
		return fmt.Errorf("no mapping for user %s", mmUserID)
	}
	fmt.Printf("Mapping of user %s deleted\n", mmUserID)
	return nil
}

func resetUserOnline(ctx *cli.Context, addr, mmUserID string) error {
	base := addr
	if !strings.Contains(base, "://") {
		if strings.HasPrefix(base, ":") {
			base = "localhost" + base
		}
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx.Context, http.MethodDelete,
		strings.TrimSuffix(base, "/")+"/api/user-mapping/"+url.PathEscape(mmUserID), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach the bridge admin API (use --offline if the bridge is stopped): %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		fmt.Printf("Mapping of user %s deleted\n", mmUserID)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("no mapping for user %s", mmUserID)
	default:
		return fmt.Errorf("admin API returned HTTP %d", resp.StatusCode)
	}
}
