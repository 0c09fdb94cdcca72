// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-bridge/pkg/bridge"
	"github.com/aiku/mattermost-matrix-bridge/pkg/config"
	"github.com/aiku/mattermost-matrix-bridge/pkg/connector"
	"github.com/aiku/mattermost-matrix-bridge/pkg/importer"
	"github.com/aiku/mattermost-matrix-bridge/pkg/matrix"
	"github.com/aiku/mattermost-matrix-bridge/pkg/metrics"
	"github.com/aiku/mattermost-matrix-bridge/pkg/store"
	storemetrics "github.com/aiku/mattermost-matrix-bridge/pkg/store/metrics"
)

// components is the fully wired bridge.
type components struct {
	cfg        *config.Config
	db         *store.Database
	mm         *connector.Client
	mx         *matrix.Matrix
	puppets    *connector.Puppets
	allow      *bridge.AllowList
	identities *bridge.Identities
	bridge     *bridge.Bridge
}

func (c *components) Close() {
	c.identities.Close()
	_ = c.db.Close()
}

func setup(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*components, error) {
	metrics.Init(prometheus.Labels{"server": cfg.Homeserver.Domain})

	db, err := store.Open(ctx, cfg.Database, log.With().Str("component", "database").Logger())
	if err != nil {
		return nil, err
	}
	c := &components{cfg: cfg, db: db}
	ok := false
	defer func() {
		if !ok {
			_ = db.Close()
		}
	}()

	c.mm = connector.NewClient(cfg.Mattermost.ServerURL, cfg.Mattermost.BotToken, cfg.Mattermost.TeamID, log)
	if err = c.mm.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to mattermost: %w", err)
	}

	c.mx, err = matrix.Open(cfg.AppService.Registration, matrix.Options{
		HomeserverURL:  cfg.Homeserver.Address,
		Domain:         cfg.Homeserver.Domain,
		Hostname:       cfg.AppService.Hostname,
		Port:           cfg.AppService.Port,
		BotDisplayname: cfg.AppService.BotDisplayname,
		GhostPrefix:    cfg.AppService.GhostPrefix,
	}, log)
	if err != nil {
		return nil, err
	}
	if err = c.mx.EnsureBot(ctx); err != nil {
		return nil, err
	}

	c.puppets = connector.NewPuppets(cfg.Mattermost.ServerURL, log)
	added, _ := c.puppets.Reload(ctx)
	log.Info().Int("puppets", added).Msg("Loaded puppets")

	c.allow = bridge.NewAllowList(cfg.Bridge.AllowedChannels)
	if cfg.Bridge.AllowedChannelsFile != "" {
		if err = c.allow.LoadFile(cfg.Bridge.AllowedChannelsFile); err != nil {
			return nil, err
		}
	}

	st := storemetrics.Wrap(db)
	c.identities, err = bridge.NewIdentities(st, c.mx, c.mm, bridge.IdentitiesOptions{
		CacheSize:   cfg.Cache.Size,
		CacheTTL:    cfg.Cache.TTL,
		Displayname: cfg.Mattermost.FormatDisplayname,
		Log:         log,
	})
	if err != nil {
		return nil, err
	}
	c.bridge = bridge.New(st, c.mm, c.mx, c.puppets, c.allow, c.identities, bridge.Options{
		EditWindow:            cfg.Bridge.EditWindow,
		EventAcceptanceWindow: cfg.Bridge.EventAcceptanceWindow,
		MattermostURL:         cfg.Mattermost.ServerURL,
		AliasPrefix:           cfg.AppService.GhostPrefix,
	}, log)
	ok = true
	return c, nil
}

func (c *components) newImporter(log zerolog.Logger) *importer.Engine {
	imp := c.cfg.Import
	return importer.New(c.bridge, c.mm, importer.Options{
		Lanes:              imp.Lanes,
		BatchSize:          imp.BatchSize,
		RoomDelay:          imp.RoomDelay,
		CheckpointPath:     imp.CheckpointPath,
		CheckpointInterval: imp.CheckpointInterval,
		LaneStatusPath:     imp.LaneStatusPath,
		BulkInsert:         imp.BulkInsert,
		RoomFilterPath:     imp.RoomFilter,
	}, log)
}
