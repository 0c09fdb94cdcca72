// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mattermost-matrix-bridge/pkg/format"
	"github.com/aiku/mattermost-matrix-bridge/pkg/metrics"
	"github.com/aiku/mattermost-matrix-bridge/pkg/store"
)

type handlerKey struct {
	Type      EntityType
	Operation Operation
}

type changeHandler func(ctx context.Context, channelID string, e *ChangeEvent) error

func (b *Bridge) outboundHandlers() map[handlerKey]changeHandler {
	return map[handlerKey]changeHandler{
		{EntityChatMessage, OpCreate}:    b.createMessage,
		{EntityChatMessage, OpUpdate}:    b.editMessage,
		{EntityChatMessage, OpRemove}:    b.removeMessage,
		{EntityRoom, OpPatch}:            b.updateRoom,
		{EntityRoom, OpUpdate}:           b.updateRoom,
		{EntityRoom, OpRemove}:           b.removeRoom,
		{EntityRoomMembership, OpCreate}: b.joinMember,
		{EntityRoomMembership, OpRemove}: b.leaveMember,
		{EntityBan, OpCreate}:            b.banUser,
		{EntityBan, OpRemove}:            b.unbanUser,
	}
}

// HandleChange routes one Mattermost change into Matrix. Unknown
// (type, operation) pairs are ignored. Malformed events return an error
// wrapping ErrBadRequest.
func (b *Bridge) HandleChange(ctx context.Context, e *ChangeEvent) error {
	channelID, err := e.Validate()
	if err != nil {
		metrics.ObserveEvent("outbound", "invalid", "dropped")
		b.Log.Debug().Err(err).Msg("Dropping invalid change event")
		return err
	}
	kind := string(e.Type) + "." + string(e.Operation)
	handler, ok := b.outbound[handlerKey{e.Type, e.Operation}]
	if !ok {
		metrics.ObserveEvent("outbound", kind, "ignored")
		b.Log.Debug().Str("kind", kind).Msg("Ignoring unhandled change event")
		return nil
	}
	log := b.Log.With().
		Str("component", "outbound").
		Str("kind", kind).
		Str("channel_id", channelID).
		Logger()
	ctx = log.WithContext(ctx)
	if err = handler(ctx, channelID, e); err != nil {
		metrics.ObserveEvent("outbound", kind, "error")
		return fmt.Errorf("failed to handle %s: %w", kind, err)
	}
	metrics.ObserveEvent("outbound", kind, "ok")
	return nil
}

// IsEcho reports whether a post was written by the bridge itself and must
// not be sent back to Matrix.
func (b *Bridge) IsEcho(post *model.Post) bool {
	return post.UserId == b.MM.BotUserID() || b.Puppets.IsPuppetUserID(post.UserId) || fromMatrix(post)
}

func decodePost(e *ChangeEvent) (*model.Post, error) {
	post, err := decodeModel[model.Post](e)
	if err != nil {
		return nil, err
	}
	if post.Id == "" || post.UserId == "" {
		return nil, fmt.Errorf("%w: post without id or author", ErrBadRequest)
	}
	return post, nil
}

func (b *Bridge) createMessage(ctx context.Context, channelID string, e *ChangeEvent) error {
	post, err := decodePost(e)
	if err != nil {
		return err
	}
	log := zerolog.Ctx(ctx).With().Str("post_id", post.Id).Logger()
	if b.IsEcho(post) {
		metrics.ObserveEcho("outbound")
		log.Debug().Msg("Skipping post written by the bridge")
		return nil
	}
	if post.Type != "" {
		log.Debug().Str("post_type", post.Type).Msg("Skipping system post")
		return nil
	}
	existing, err := b.Store.GetMessageByPost(ctx, post.Id)
	if err != nil {
		return fmt.Errorf("failed to get message mapping: %w", err)
	} else if existing != nil {
		log.Debug().Stringer("event_id", existing.EventID).Msg("Post already bridged")
		return nil
	}

	channel, err := b.MM.GetChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}
	if !b.AllowList.Allowed(channel.Id, isDirect(channel)) {
		log.Debug().Msg("Channel is not allow-listed")
		return nil
	}
	room, err := b.EnsureRoom(ctx, channel)
	if err != nil {
		return err
	} else if room == nil {
		log.Debug().Str("channel_type", string(channel.Type)).Msg("No room for unmapped direct channel")
		return nil
	}

	root, replyTo, err := b.threadTarget(ctx, room.RoomID, post)
	if err != nil {
		return err
	}
	if isDirect(channel) {
		ghost, err := b.Identities.Ghost(ctx, post.UserId)
		if err != nil {
			return err
		}
		intent := b.MX.Intent(ghost)
		if err = intent.EnsureJoined(ctx, room.RoomID); err != nil {
			return fmt.Errorf("failed to join direct room: %w", err)
		}
		b.inviteCounterpart(ctx, intent, room.RoomID)
	}
	mapping, err := b.SendPost(ctx, OutgoingPost{
		Post:       post,
		RoomID:     room.RoomID,
		ThreadRoot: root,
		ReplyTo:    replyTo,
	})
	if err != nil {
		return err
	}
	if err = b.Store.UpsertMessage(ctx, mapping); err != nil {
		return fmt.Errorf("failed to store message mapping: %w", err)
	}
	log.Debug().Stringer("event_id", mapping.EventID).Msg("Bridged post")
	return nil
}

func (b *Bridge) editMessage(ctx context.Context, _ string, e *ChangeEvent) error {
	post, err := decodePost(e)
	if err != nil {
		return err
	}
	log := zerolog.Ctx(ctx).With().Str("post_id", post.Id).Logger()
	if b.IsEcho(post) {
		metrics.ObserveEcho("outbound")
		log.Debug().Msg("Skipping edit written by the bridge")
		return nil
	}
	mapping, err := b.Store.GetMessageByPost(ctx, post.Id)
	if err != nil {
		return fmt.Errorf("failed to get message mapping: %w", err)
	} else if mapping == nil {
		log.Debug().Msg("Edited post was never bridged")
		return nil
	}
	editedAt := editTime(post.EditAt)
	if editUnchanged(mapping.EditedAt, editedAt) {
		log.Debug().Msg("Edit already bridged")
		return nil
	}

	ghost, err := b.Identities.Ghost(ctx, post.UserId)
	if err != nil {
		return err
	}
	intent := b.MX.Intent(ghost)
	var content *event.MessageEventContent
	if withinEditWindow(mapping.SentAt, b.Opts.Now(), b.Opts.EditWindow) {
		content = format.ToMatrix(post.Message).MessageContent(event.MsgText)
		content.SetEdit(mapping.EventID)
	} else {
		body := format.EditReference(post.Message, b.matrixPermalink(mapping.RoomID, mapping.EventID))
		content = format.ToMatrix(body).MessageContent(event.MsgText)
		content.RelatesTo = (&event.RelatesTo{}).SetReplyTo(mapping.EventID)
		log.Debug().Msg("Edit window passed, sending edit as new message")
	}
	if _, err = intent.SendMessageEvent(ctx, mapping.RoomID, event.EventMessage, tagged(content, post.Id), noTimestamp); err != nil {
		return fmt.Errorf("failed to send edit: %w", err)
	}
	if err = b.Store.TouchMessage(ctx, post.Id, mapping.SentAt, editedAt); err != nil {
		return fmt.Errorf("failed to update message mapping: %w", err)
	}
	return nil
}

func (b *Bridge) removeMessage(ctx context.Context, _ string, e *ChangeEvent) error {
	post, err := decodePost(e)
	if err != nil {
		return err
	}
	log := zerolog.Ctx(ctx).With().Str("post_id", post.Id).Logger()
	if fromMatrix(post) || b.Puppets.IsPuppetUserID(post.UserId) {
		metrics.ObserveEcho("outbound")
		log.Debug().Msg("Skipping deletion of post written by the bridge")
		return nil
	}
	mapping, err := b.Store.GetMessageByPost(ctx, post.Id)
	if err != nil {
		return fmt.Errorf("failed to get message mapping: %w", err)
	} else if mapping == nil {
		log.Debug().Msg("Deleted post was never bridged")
		return nil
	}
	intent := b.MX.Bot()
	if ghost, ok, err := b.Identities.Existing(ctx, post.UserId); err != nil {
		return err
	} else if ok {
		intent = b.MX.Intent(ghost)
	}
	return b.retryAsBot(intent, func(intent Intent) error {
		return intent.RedactEvent(ctx, mapping.RoomID, mapping.EventID)
	})
}

// mappedChannel fetches a channel and its room. A nil mapping means the
// change does not apply.
func (b *Bridge) mappedChannel(ctx context.Context, channelID string) (*model.Channel, *store.RoomMapping, error) {
	channel, err := b.MM.GetChannel(ctx, channelID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get channel: %w", err)
	}
	if !b.AllowList.Allowed(channel.Id, isDirect(channel)) {
		return channel, nil, nil
	}
	room, err := b.Store.GetRoomByChannel(ctx, channelID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get room mapping: %w", err)
	}
	return channel, room, nil
}

func (b *Bridge) updateRoom(ctx context.Context, channelID string, e *ChangeEvent) error {
	channel, room, err := b.mappedChannel(ctx, channelID)
	if err != nil || room == nil {
		return err
	}
	// The change model is authoritative for the fields it carries.
	if patched, err := decodeModel[model.Channel](e); err == nil && patched.Id == channel.Id {
		channel = patched
	}
	return b.syncRoom(ctx, room.RoomID, channel)
}

func (b *Bridge) removeRoom(ctx context.Context, channelID string, _ *ChangeEvent) error {
	room, err := b.Store.GetRoomByChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("failed to get room mapping: %w", err)
	} else if room == nil {
		return nil
	}
	return b.shutdownRoom(ctx, room.RoomID)
}

func decodeMember(e *ChangeEvent) (*model.ChannelMember, error) {
	member, err := decodeModel[model.ChannelMember](e)
	if err != nil {
		return nil, err
	}
	if member.UserId == "" {
		return nil, fmt.Errorf("%w: membership without user", ErrBadRequest)
	}
	return member, nil
}

func (b *Bridge) joinMember(ctx context.Context, channelID string, e *ChangeEvent) error {
	member, err := decodeMember(e)
	if err != nil {
		return err
	}
	if member.UserId == b.MM.BotUserID() || b.Puppets.IsPuppetUserID(member.UserId) {
		return nil
	}
	channel, room, err := b.mappedChannel(ctx, channelID)
	if err != nil || room == nil {
		return err
	}
	ghost, err := b.Identities.Ghost(ctx, member.UserId)
	if err != nil {
		return err
	}
	err = b.MX.Intent(ghost).EnsureJoined(ctx, room.RoomID)
	if err == nil || !isDirect(channel) {
		return err
	}
	b.Log.Warn().Err(err).Stringer("room_id", room.RoomID).Msg("Failed to rejoin direct room, replacing it")
	_, err = b.replaceDirectRoom(ctx, channelID, room.RoomID, ghost)
	return err
}

func (b *Bridge) leaveMember(ctx context.Context, channelID string, e *ChangeEvent) error {
	member, err := decodeMember(e)
	if err != nil {
		return err
	}
	if member.UserId == b.MM.BotUserID() || b.Puppets.IsPuppetUserID(member.UserId) {
		return nil
	}
	room, err := b.Store.GetRoomByChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("failed to get room mapping: %w", err)
	} else if room == nil {
		return nil
	}
	ghost, ok, err := b.Identities.Existing(ctx, member.UserId)
	if err != nil || !ok {
		return err
	}
	return b.MX.Intent(ghost).LeaveRoom(ctx, room.RoomID)
}

func (b *Bridge) banTarget(ctx context.Context, channelID string, e *ChangeEvent) (*BanModel, *store.RoomMapping, error) {
	ban, err := decodeModel[BanModel](e)
	if err != nil {
		return nil, nil, err
	}
	if ban.UserID == "" {
		return nil, nil, fmt.Errorf("%w: ban without user", ErrBadRequest)
	}
	room, err := b.Store.GetRoomByChannel(ctx, channelID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get room mapping: %w", err)
	}
	return ban, room, nil
}

func (b *Bridge) banUser(ctx context.Context, channelID string, e *ChangeEvent) error {
	ban, room, err := b.banTarget(ctx, channelID, e)
	if err != nil || room == nil {
		return err
	}
	ghost, err := b.Identities.Ghost(ctx, ban.UserID)
	if err != nil {
		return err
	}
	return b.MX.Bot().BanUser(ctx, room.RoomID, ghost, ban.Reason)
}

func (b *Bridge) unbanUser(ctx context.Context, channelID string, e *ChangeEvent) error {
	ban, room, err := b.banTarget(ctx, channelID, e)
	if err != nil || room == nil {
		return err
	}
	ghost, ok, err := b.Identities.Existing(ctx, ban.UserID)
	if err != nil || !ok {
		return err
	}
	return b.MX.Bot().UnbanUser(ctx, room.RoomID, ghost)
}

// IsBadRequest reports whether err marks a malformed event.
func IsBadRequest(err error) bool {
	return errors.Is(err, ErrBadRequest)
}
