// Copyright 2024-2026 Aiku AI

// Package matrix adapts a mautrix application service to the bridge's Matrix
// interfaces and pumps homeserver transactions into the inbound router.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-matrix-bridge/pkg/bridge"
)

// Options configures the appservice.
type Options struct {
	HomeserverURL  string
	Domain         string
	Hostname       string
	Port           uint16
	BotDisplayname string
	// GhostPrefix is the localpart prefix of ghost users.
	GhostPrefix string
}

// Matrix is the appservice side of the bridge.
type Matrix struct {
	as          *appservice.AppService
	ghostPrefix string
	botName     string
	log         zerolog.Logger
}

var _ bridge.Matrix = (*Matrix)(nil)

// New creates the appservice from a loaded registration.
func New(reg *appservice.Registration, opts Options, log zerolog.Logger) (*Matrix, error) {
	if reg == nil {
		return nil, errors.New("registration is required")
	}
	if opts.GhostPrefix == "" {
		return nil, errors.New("ghost prefix is required")
	}
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     reg,
		HomeserverDomain: opts.Domain,
		HomeserverURL:    opts.HomeserverURL,
		HostConfig: appservice.HostConfig{
			Hostname: opts.Hostname,
			Port:     opts.Port,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create appservice: %w", err)
	}
	log = log.With().Str("component", "matrix").Logger()
	as.Log = log.With().Str("subcomponent", "appservice").Logger()
	return &Matrix{
		as:          as,
		ghostPrefix: opts.GhostPrefix,
		botName:     opts.BotDisplayname,
		log:         log,
	}, nil
}

// Open loads the registration file at path and creates the appservice.
func Open(path string, opts Options, log zerolog.Logger) (*Matrix, error) {
	reg, err := appservice.LoadRegistration(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load registration %s: %w", path, err)
	}
	return New(reg, opts, log)
}

func (m *Matrix) Bot() bridge.Intent {
	return &intent{api: m.as.BotIntent()}
}

func (m *Matrix) Intent(userID id.UserID) bridge.Intent {
	if userID == m.as.BotMXID() {
		return m.Bot()
	}
	return &intent{api: m.as.Intent(userID)}
}

func (m *Matrix) GhostUserID(mmUserID string) id.UserID {
	return id.NewUserID(m.ghostPrefix+strings.ToLower(mmUserID), m.as.HomeserverDomain)
}

func (m *Matrix) ParseGhost(userID id.UserID) (string, bool) {
	localpart, server, err := userID.Parse()
	if err != nil || server != m.as.HomeserverDomain {
		return "", false
	}
	mmUserID, ok := strings.CutPrefix(localpart, m.ghostPrefix)
	if !ok || mmUserID == "" {
		return "", false
	}
	return mmUserID, true
}

func (m *Matrix) ServerName() string {
	return m.as.HomeserverDomain
}

// EnsureBot registers the bot user and sets its display name.
func (m *Matrix) EnsureBot(ctx context.Context) error {
	bot := m.as.BotIntent()
	if err := bot.EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register bot: %w", err)
	}
	if m.botName == "" {
		return nil
	}
	if err := bot.SetDisplayName(ctx, m.botName); err != nil {
		m.log.Warn().Err(err).Msg("Failed to set bot display name")
	}
	return nil
}

// intent wraps an IntentAPI. Calls that need the user in the room join first,
// registering the user on the homeserver if necessary.
type intent struct {
	api *appservice.IntentAPI
}

var _ bridge.Intent = (*intent)(nil)

func (i *intent) UserID() id.UserID {
	return i.api.UserID
}

func (i *intent) EnsureRegistered(ctx context.Context) error {
	return i.api.EnsureRegistered(ctx)
}

func (i *intent) SetDisplayName(ctx context.Context, name string) error {
	if err := i.api.EnsureRegistered(ctx); err != nil {
		return err
	}
	return i.api.SetDisplayName(ctx, name)
}

func (i *intent) EnsureJoined(ctx context.Context, roomID id.RoomID) error {
	return i.api.EnsureJoined(ctx, roomID)
}

func (i *intent) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := i.api.LeaveRoom(ctx, roomID)
	return err
}

func (i *intent) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := i.api.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

func (i *intent) BanUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := i.api.BanUser(ctx, roomID, &mautrix.ReqBanUser{UserID: userID, Reason: reason})
	return err
}

func (i *intent) UnbanUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := i.api.UnbanUser(ctx, roomID, &mautrix.ReqUnbanUser{UserID: userID})
	return err
}

func (i *intent) SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any, ts time.Time) (id.EventID, error) {
	var req mautrix.ReqSendEvent
	if !ts.IsZero() {
		req.Timestamp = ts.UnixMilli()
	}
	resp, err := i.api.SendMessageEvent(ctx, roomID, eventType, content, req)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i *intent) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	_, err := i.api.RedactEvent(ctx, roomID, eventID)
	return err
}

func (i *intent) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	if err := i.api.EnsureRegistered(ctx); err != nil {
		return "", err
	}
	resp, err := i.api.CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (i *intent) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	resp, err := i.api.ResolveAlias(ctx, alias)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (i *intent) StateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, out any) error {
	return i.api.StateEvent(ctx, roomID, eventType, stateKey, out)
}

func (i *intent) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) error {
	_, err := i.api.SendStateEvent(ctx, roomID, eventType, stateKey, content)
	return err
}

func (i *intent) Members(ctx context.Context, roomID id.RoomID) (map[id.UserID]event.Membership, error) {
	resp, err := i.api.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make(map[id.UserID]event.Membership, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		if evt.StateKey == nil {
			continue
		}
		membership, _ := evt.Content.Raw["membership"].(string)
		members[id.UserID(*evt.StateKey)] = event.Membership(membership)
	}
	return members, nil
}
