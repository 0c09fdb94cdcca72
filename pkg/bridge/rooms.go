// Copyright 2024-2026 Aiku AI

package bridge

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-matrix-bridge/pkg/store"
)

// Levels given to bridge identities in managed rooms.
const (
	botPowerLevel   = 100
	adminPowerLevel = 50
)

// roomState is the bridge-managed part of a room's state. A nil field is not
// managed and never written.
type roomState struct {
	Name              *string
	Topic             *string
	CanonicalAlias    *id.RoomAlias
	Avatar            *id.ContentURIString
	HistoryVisibility *event.HistoryVisibility
	JoinRule          *event.JoinRule
	// PowerLevels are minimum levels. Users already above them are kept.
	PowerLevels map[id.UserID]int
}

// desiredState computes the room state a channel maps to. Mattermost channels
// have no avatar so it stays unmanaged.
func desiredState(channel *model.Channel, bot id.UserID, admins []id.UserID) roomState {
	state := roomState{
		Topic:       &channel.Header,
		PowerLevels: map[id.UserID]int{bot: botPowerLevel},
	}
	if channel.DisplayName != "" {
		state.Name = &channel.DisplayName
	}
	visibility := event.HistoryVisibilityInvited
	joinRule := event.JoinRuleInvite
	if channel.Type == model.ChannelTypeOpen {
		visibility = event.HistoryVisibilityShared
		joinRule = event.JoinRulePublic
	}
	state.HistoryVisibility = &visibility
	state.JoinRule = &joinRule
	for _, admin := range admins {
		if admin != bot {
			state.PowerLevels[admin] = adminPowerLevel
		}
	}
	return state
}

// syncRoom reconciles a mapped room with its channel.
func (b *Bridge) syncRoom(ctx context.Context, roomID id.RoomID, channel *model.Channel) error {
	admins, err := b.channelAdmins(ctx, channel.Id)
	if err != nil {
		b.Log.Warn().Err(err).Str("channel_id", channel.Id).Msg("Failed to get channel admins, syncing without them")
	}
	desired := desiredState(channel, b.MX.Bot().UserID(), admins)
	if !isDirect(channel) && channel.Type != model.ChannelTypeGroup {
		alias := b.channelAlias(channel.Id)
		desired.CanonicalAlias = &alias
	}
	return b.reconcile(ctx, roomID, b.stateWriter(ctx, channel), desired)
}

// channelAdmins returns the ghosts of channel admins that already exist.
func (b *Bridge) channelAdmins(ctx context.Context, channelID string) ([]id.UserID, error) {
	members, err := b.MM.GetChannelMembers(ctx, channelID)
	if err != nil {
		return nil, err
	}
	var admins []id.UserID
	for _, member := range members {
		if !member.SchemeAdmin {
			continue
		}
		ghost, ok, err := b.Identities.Existing(ctx, member.UserId)
		if err != nil {
			return admins, err
		} else if ok {
			admins = append(admins, ghost)
		}
	}
	return admins, nil
}

// stateWriter picks the identity that writes room state: the channel
// creator's ghost when it exists, otherwise the bot.
func (b *Bridge) stateWriter(ctx context.Context, channel *model.Channel) Intent {
	if channel.CreatorId != "" {
		ghost, ok, err := b.Identities.Existing(ctx, channel.CreatorId)
		if err == nil && ok {
			return b.MX.Intent(ghost)
		}
	}
	return b.MX.Bot()
}

// reconcile reads the current state of the managed fields and writes only
// those that differ from desired.
func (b *Bridge) reconcile(ctx context.Context, roomID id.RoomID, writer Intent, desired roomState) error {
	var errs []error
	write := func(evtType event.Type, content any) {
		err := b.retryAsBot(writer, func(intent Intent) error {
			return intent.SendStateEvent(ctx, roomID, evtType, "", content)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to set %s: %w", evtType.Type, err))
		}
	}
	read := func(evtType event.Type, out any) bool {
		err := b.MX.Bot().StateEvent(ctx, roomID, evtType, "", out)
		if err != nil && !errors.Is(err, mautrix.MNotFound) {
			errs = append(errs, fmt.Errorf("failed to get %s: %w", evtType.Type, err))
			return false
		}
		return true
	}

	if desired.Name != nil {
		var current event.RoomNameEventContent
		if read(event.StateRoomName, &current) && current.Name != *desired.Name {
			write(event.StateRoomName, &event.RoomNameEventContent{Name: *desired.Name})
		}
	}
	if desired.Topic != nil {
		var current event.TopicEventContent
		if read(event.StateTopic, &current) && current.Topic != *desired.Topic {
			write(event.StateTopic, &event.TopicEventContent{Topic: *desired.Topic})
		}
	}
	if desired.CanonicalAlias != nil {
		var current event.CanonicalAliasEventContent
		if read(event.StateCanonicalAlias, &current) && current.Alias != *desired.CanonicalAlias {
			current.Alias = *desired.CanonicalAlias
			write(event.StateCanonicalAlias, &current)
		}
	}
	if desired.Avatar != nil {
		var current event.RoomAvatarEventContent
		if read(event.StateRoomAvatar, &current) && current.URL != *desired.Avatar {
			write(event.StateRoomAvatar, &event.RoomAvatarEventContent{URL: *desired.Avatar})
		}
	}
	if desired.HistoryVisibility != nil {
		var current event.HistoryVisibilityEventContent
		if read(event.StateHistoryVisibility, &current) && current.HistoryVisibility != *desired.HistoryVisibility {
			write(event.StateHistoryVisibility, &event.HistoryVisibilityEventContent{HistoryVisibility: *desired.HistoryVisibility})
		}
	}
	if desired.JoinRule != nil {
		var current event.JoinRulesEventContent
		if read(event.StateJoinRules, &current) && current.JoinRule != *desired.JoinRule {
			current.JoinRule = *desired.JoinRule
			write(event.StateJoinRules, &current)
		}
	}
	if len(desired.PowerLevels) > 0 {
		var current event.PowerLevelsEventContent
		if read(event.StatePowerLevels, &current) {
			if current.Users == nil {
				current.Users = make(map[id.UserID]int)
			}
			changed := false
			for userID, level := range desired.PowerLevels {
				if current.GetUserLevel(userID) < level {
					current.Users[userID] = level
					changed = true
				}
			}
			if changed {
				write(event.StatePowerLevels, &current)
			}
		}
	}
	return errors.Join(errs...)
}

// shutdownRoom closes a room whose channel was deleted. The mapping is kept.
func (b *Bridge) shutdownRoom(ctx context.Context, roomID id.RoomID) error {
	bot := b.MX.Bot()
	notice := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    "This channel was deleted in Mattermost and is no longer bridged.",
	}
	if _, err := bot.SendMessageEvent(ctx, roomID, event.EventMessage, notice, noTimestamp); err != nil {
		b.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to send shutdown notice")
	}
	err := bot.SendStateEvent(ctx, roomID, event.StateJoinRules, "", &event.JoinRulesEventContent{JoinRule: event.JoinRuleInvite})
	if err != nil {
		return fmt.Errorf("failed to close room %s: %w", roomID, err)
	}
	if err = bot.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to leave room %s: %w", roomID, err)
	}
	return nil
}

// replaceDirectRoom creates a new direct room for a channel whose old room
// can no longer be joined and re-points the mapping at it.
func (b *Bridge) replaceDirectRoom(ctx context.Context, channelID string, oldRoom id.RoomID, ghost id.UserID) (id.RoomID, error) {
	intent := b.MX.Intent(ghost)
	invite := []id.UserID{ghost}
	if human, _, err := b.counterpart(ctx, b.MX.Bot(), oldRoom); err != nil {
		b.Log.Warn().Err(err).Stringer("room_id", oldRoom).Msg("Failed to find counterpart of abandoned direct room")
	} else if human != "" {
		invite = append(invite, human)
	}
	roomID, err := b.MX.Bot().CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		IsDirect: true,
		Invite:   invite,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create replacement direct room: %w", err)
	}
	if err = intent.EnsureJoined(ctx, roomID); err != nil {
		return "", fmt.Errorf("failed to join replacement direct room: %w", err)
	}
	if _, err = b.Store.UpsertRoom(ctx, channelID, roomID); err != nil {
		return "", fmt.Errorf("failed to re-point room mapping: %w", err)
	}
	b.noticeMoved(ctx, b.MX.Bot(), oldRoom, roomID)
	b.Log.Info().
		Str("channel_id", channelID).
		Stringer("old_room_id", oldRoom).
		Stringer("room_id", roomID).
		Msg("Replaced direct room")
	return roomID, nil
}

// noticeMoved tells an abandoned room where the conversation continues.
func (b *Bridge) noticeMoved(ctx context.Context, intent Intent, oldRoom, newRoom id.RoomID) {
	notice := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    "This conversation has moved to https://matrix.to/#/" + string(newRoom),
	}
	if _, err := intent.SendMessageEvent(ctx, oldRoom, event.EventMessage, notice, noTimestamp); err != nil {
		b.Log.Warn().Err(err).Stringer("room_id", oldRoom).Msg("Failed to send room moved notice")
	}
}

// EnsureHistoricalRoom returns the room that holds a channel's imported
// history, creating it on first use. History lives apart from the live room
// so imported events never interleave with bridged ones.
func (b *Bridge) EnsureHistoricalRoom(ctx context.Context, channel *model.Channel, mapping *store.RoomMapping) (id.RoomID, error) {
	if mapping.HistoricalRoomID != "" {
		return mapping.HistoricalRoomID, nil
	}
	desired := desiredState(channel, b.MX.Bot().UserID(), nil)
	name := cmp.Or(channel.DisplayName, channel.Name, channel.Id) + " (history)"
	roomID, err := b.MX.Bot().CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:   name,
		Topic:  "Messages imported from Mattermost. Continued in https://matrix.to/#/" + string(mapping.RoomID),
		Preset: "private_chat",
		InitialState: []*event.Event{{
			Type:    event.StateHistoryVisibility,
			Content: event.Content{Parsed: &event.HistoryVisibilityEventContent{HistoryVisibility: *desired.HistoryVisibility}},
		}, {
			Type:    event.StateJoinRules,
			Content: event.Content{Parsed: &event.JoinRulesEventContent{JoinRule: *desired.JoinRule}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create historical room for channel %s: %w", channel.Id, err)
	}
	if err = b.Store.SetHistoricalRoom(ctx, channel.Id, roomID); err != nil {
		return "", fmt.Errorf("failed to store historical room: %w", err)
	}
	mapping.HistoricalRoomID = roomID
	b.Log.Info().Str("channel_id", channel.Id).Stringer("room_id", roomID).Msg("Created historical room for channel")
	return roomID, nil
}
