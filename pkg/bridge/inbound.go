// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-matrix-bridge/pkg/format"
	"github.com/aiku/mattermost-matrix-bridge/pkg/metrics"
	"github.com/aiku/mattermost-matrix-bridge/pkg/store"
)

// HandleMatrixEvent routes one Matrix event into Mattermost.
func (b *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) error {
	if evt == nil {
		return fmt.Errorf("%w: nil event", ErrBadRequest)
	}
	kind := evt.Type.Type
	log := b.Log.With().
		Str("component", "inbound").
		Str("event_type", kind).
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Stringer("sender", evt.Sender).
		Logger()
	ctx = log.WithContext(ctx)

	if b.Opts.EventAcceptanceWindow > 0 && evt.Timestamp > 0 {
		if age := b.Opts.Now().Sub(time.UnixMilli(evt.Timestamp)); age > b.Opts.EventAcceptanceWindow {
			metrics.ObserveEvent("inbound", kind, "stale")
			log.Debug().Dur("age", age).Msg("Dropping event older than acceptance window")
			return nil
		}
	}
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			metrics.ObserveEvent("inbound", kind, "dropped")
			return fmt.Errorf("%w: failed to parse content: %w", ErrBadRequest, err)
		}
	}
	if b.isMatrixEcho(evt) {
		metrics.ObserveEcho("inbound")
		log.Debug().Msg("Skipping event written by the bridge")
		return nil
	}

	var err error
	switch evt.Type {
	case event.EventMessage:
		msg := evt.Content.AsMessage()
		if msg.RelatesTo != nil && msg.RelatesTo.GetReplaceID() != "" {
			kind = "edit"
			err = b.handleMatrixEdit(ctx, evt, msg)
		} else {
			err = b.handleMatrixMessage(ctx, evt, msg)
		}
	case event.EventRedaction:
		err = b.handleMatrixRedaction(ctx, evt)
	case event.StateMember:
		member := evt.Content.AsMember()
		if member.Membership != event.MembershipInvite {
			return nil
		}
		err = b.handleMatrixInvite(ctx, evt, member)
	default:
		metrics.ObserveEvent("inbound", kind, "ignored")
		return nil
	}
	if err != nil {
		metrics.ObserveEvent("inbound", kind, "error")
		return fmt.Errorf("failed to handle %s: %w", kind, err)
	}
	metrics.ObserveEvent("inbound", kind, "ok")
	return nil
}

// isMatrixEcho reports whether an event was written by the bridge. Every
// ghost event is an echo of a Mattermost post. Bot events are echoes when
// tagged with a post id or when they are redactions mirrored from Mattermost.
func (b *Bridge) isMatrixEcho(evt *event.Event) bool {
	if _, ok := b.MX.ParseGhost(evt.Sender); ok {
		return true
	}
	if evt.Sender != b.MX.Bot().UserID() {
		return false
	}
	if evt.Type == event.EventRedaction {
		return true
	}
	_, tagged := evt.Content.Raw[KeyPostID]
	return tagged
}

// posterFor returns the Mattermost account that writes on behalf of sender
// and whether it is a puppet.
func (b *Bridge) posterFor(sender id.UserID) (Poster, bool) {
	if poster, ok := b.Puppets.PosterFor(sender); ok {
		return poster, true
	}
	return b.MM, false
}

func senderName(sender id.UserID) string {
	localpart, _, err := sender.Parse()
	if err != nil || localpart == "" {
		return string(sender)
	}
	return localpart
}

func (b *Bridge) handleMatrixMessage(ctx context.Context, evt *event.Event, msg *event.MessageEventContent) error {
	log := zerolog.Ctx(ctx)
	if evt.Sender == "" || msg.Body == "" {
		return fmt.Errorf("%w: message without sender or body", ErrBadRequest)
	}
	room, err := b.Store.GetRoomByMatrix(ctx, evt.RoomID)
	if err != nil {
		return fmt.Errorf("failed to get room mapping: %w", err)
	} else if room == nil {
		log.Debug().Msg("Room is not bridged")
		return nil
	}
	if evt.Sender == b.MX.Bot().UserID() {
		channel, err := b.MM.GetChannel(ctx, room.ChannelID)
		if err != nil {
			return fmt.Errorf("failed to get channel: %w", err)
		}
		if isDirect(channel) {
			b.inviteCounterpart(ctx, b.MX.Bot(), evt.RoomID)
		}
		return nil
	}
	existing, err := b.Store.GetMessageByEvent(ctx, evt.RoomID, evt.ID)
	if err != nil {
		return fmt.Errorf("failed to get message mapping: %w", err)
	} else if existing != nil {
		log.Debug().Str("post_id", existing.PostID).Msg("Event already bridged")
		return nil
	}

	text := format.ToMattermost(msg)
	if msg.MsgType == event.MsgEmote {
		text = "/me " + text
	}
	var rootID string
	if target := replyTarget(msg); target != "" {
		rootID, err = b.resolveRoot(ctx, evt.RoomID, target)
		if err != nil {
			log.Debug().Err(err).Stringer("target", target).Msg("Failed to resolve reply target")
			text = format.FallbackNotice(text)
		}
	}

	poster, puppet := b.posterFor(evt.Sender)
	post := &model.Post{
		ChannelId: room.ChannelID,
		Message:   text,
		RootId:    rootID,
	}
	post.AddProp(PropFromMatrix, true)
	post.AddProp(PropMatrixEventID, evt.ID.String())
	post.AddProp(PropMatrixSender, evt.Sender.String())
	if !puppet {
		post.AddProp("override_username", senderName(evt.Sender))
	}
	created, err := poster.CreatePost(ctx, post)
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	sentAt := time.UnixMilli(created.CreateAt)
	if created.CreateAt == 0 {
		sentAt = time.UnixMilli(evt.Timestamp)
	}
	err = b.Store.UpsertMessage(ctx, &store.MessageMapping{
		PostID:  created.Id,
		RoomID:  evt.RoomID,
		EventID: evt.ID,
		SentAt:  sentAt,
	})
	if err != nil {
		return fmt.Errorf("failed to store message mapping: %w", err)
	}
	log.Debug().Str("post_id", created.Id).Bool("puppet", puppet).Msg("Bridged Matrix message")
	return nil
}

// replyTarget returns the event a message replies to or continues the
// thread of.
func replyTarget(msg *event.MessageEventContent) id.EventID {
	if msg.RelatesTo == nil {
		return ""
	}
	if target := msg.RelatesTo.GetReplyTo(); target != "" {
		return target
	}
	return msg.RelatesTo.GetThreadParent()
}

// resolveRoot maps a Matrix reply target to the Mattermost root it belongs
// to. Mattermost threads are flat, so replies to replies attach to the root.
func (b *Bridge) resolveRoot(ctx context.Context, roomID id.RoomID, target id.EventID) (string, error) {
	mapping, err := b.Store.GetMessageByEvent(ctx, roomID, target)
	if err != nil {
		return "", fmt.Errorf("failed to get message mapping: %w", err)
	} else if mapping == nil {
		return "", fmt.Errorf("reply target %s is not bridged", target)
	}
	parent, err := b.MM.GetPost(ctx, mapping.PostID)
	if err != nil {
		return "", fmt.Errorf("failed to get parent post: %w", err)
	}
	if parent.RootId != "" {
		return parent.RootId, nil
	}
	return parent.Id, nil
}

func (b *Bridge) handleMatrixEdit(ctx context.Context, evt *event.Event, msg *event.MessageEventContent) error {
	log := zerolog.Ctx(ctx)
	target := msg.RelatesTo.GetReplaceID()
	mapping, err := b.Store.GetMessageByEvent(ctx, evt.RoomID, target)
	if err != nil {
		return fmt.Errorf("failed to get message mapping: %w", err)
	} else if mapping == nil {
		log.Debug().Stringer("target", target).Msg("Edited event was never bridged")
		return nil
	}
	newContent := msg
	if msg.NewContent != nil {
		newContent = msg.NewContent
	}
	text := format.ToMattermost(newContent)
	poster, puppet := b.posterFor(evt.Sender)
	editedAt := time.UnixMilli(evt.Timestamp)
	if evt.Timestamp == 0 {
		editedAt = b.Opts.Now()
	}

	if withinEditWindow(mapping.SentAt, b.Opts.Now(), b.Opts.EditWindow) {
		if _, err = poster.PatchPost(ctx, mapping.PostID, &model.PostPatch{Message: &text}); err != nil {
			return fmt.Errorf("failed to patch post: %w", err)
		}
	} else {
		original, err := b.MM.GetPost(ctx, mapping.PostID)
		if err != nil {
			return fmt.Errorf("failed to get edited post: %w", err)
		}
		post := &model.Post{
			ChannelId: original.ChannelId,
			Message:   format.EditReference(text, b.mattermostPermalink(mapping.PostID)),
			RootId:    original.RootId,
		}
		if post.RootId == "" {
			post.RootId = original.Id
		}
		post.AddProp(PropFromMatrix, true)
		post.AddProp(PropMatrixEventID, evt.ID.String())
		post.AddProp(PropMatrixSender, evt.Sender.String())
		if !puppet {
			post.AddProp("override_username", senderName(evt.Sender))
		}
		if _, err = poster.CreatePost(ctx, post); err != nil {
			return fmt.Errorf("failed to create edit reference post: %w", err)
		}
		log.Debug().Str("post_id", mapping.PostID).Msg("Edit window passed, posted edit as new message")
	}
	if err = b.Store.TouchMessage(ctx, mapping.PostID, mapping.SentAt, &editedAt); err != nil {
		return fmt.Errorf("failed to update message mapping: %w", err)
	}
	return nil
}

func (b *Bridge) handleMatrixRedaction(ctx context.Context, evt *event.Event) error {
	target := evt.Redacts
	if target == "" {
		target = evt.Content.AsRedaction().Redacts
	}
	if target == "" {
		return fmt.Errorf("%w: redaction without target", ErrBadRequest)
	}
	mapping, err := b.Store.GetMessageByEvent(ctx, evt.RoomID, target)
	if err != nil {
		return fmt.Errorf("failed to get message mapping: %w", err)
	} else if mapping == nil {
		zerolog.Ctx(ctx).Debug().Stringer("target", target).Msg("Redacted event was never bridged")
		return nil
	}
	poster, _ := b.posterFor(evt.Sender)
	if err = poster.DeletePost(ctx, mapping.PostID); err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}

func (b *Bridge) handleMatrixInvite(ctx context.Context, evt *event.Event, member *event.MemberEventContent) error {
	log := zerolog.Ctx(ctx)
	invited := id.UserID(evt.GetStateKey())
	if invited == b.MX.Bot().UserID() {
		log.Debug().Msg("Bot invited, joining")
		return b.MX.Bot().EnsureJoined(ctx, evt.RoomID)
	}
	mmUserID, ok := b.MX.ParseGhost(invited)
	if !ok || !member.IsDirect {
		return nil
	}
	if _, isGhost := b.MX.ParseGhost(evt.Sender); isGhost || evt.Sender == b.MX.Bot().UserID() {
		return nil
	}
	ghost, err := b.Identities.Ghost(ctx, mmUserID)
	if err != nil {
		return err
	}
	channel, err := b.MM.CreateDirectChannel(ctx, b.MM.BotUserID(), mmUserID)
	if err != nil {
		return fmt.Errorf("failed to create direct channel: %w", err)
	}
	intent := b.MX.Intent(ghost)
	if err = intent.EnsureJoined(ctx, evt.RoomID); err != nil {
		return fmt.Errorf("failed to join direct room: %w", err)
	}
	previous, err := b.Store.GetRoomByChannel(ctx, channel.Id)
	if err != nil {
		return fmt.Errorf("failed to get room mapping: %w", err)
	}
	if _, err = b.Store.UpsertRoom(ctx, channel.Id, evt.RoomID); err != nil {
		return fmt.Errorf("failed to store room mapping: %w", err)
	}
	if previous != nil && previous.RoomID != evt.RoomID {
		b.noticeMoved(ctx, intent, previous.RoomID, evt.RoomID)
	}
	log.Info().Str("channel_id", channel.Id).Msg("Bridged direct chat")
	return nil
}
