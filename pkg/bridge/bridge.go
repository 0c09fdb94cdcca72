// Copyright 2024-2026 Aiku AI

// Package bridge is the event sync engine between Mattermost and Matrix.
//
// Outbound events (Mattermost to Matrix) arrive as ChangeEvents through
// HandleChange, inbound Matrix events through HandleMatrixEvent. Both routers
// are stateless: every decision that makes an operation idempotent goes
// through the identity store, and echo prevention relies on provenance tags
// written on each side.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-matrix-bridge/pkg/format"
	"github.com/aiku/mattermost-matrix-bridge/pkg/store"
)

const (
	// PropFromMatrix marks Mattermost posts written by the bridge.
	PropFromMatrix = "from_matrix"
	// PropMatrixEventID and PropMatrixSender describe the source Matrix event.
	PropMatrixEventID = "matrix_event_id"
	PropMatrixSender  = "matrix_sender"
	// KeyPostID marks Matrix events written by the bridge.
	KeyPostID = "com.aiku.mattermost.post_id"
)

// noTimestamp lets the homeserver pick the origin timestamp.
var noTimestamp time.Time

// Options tunes router policy.
type Options struct {
	// EditWindow bounds in-place edits. Zero never expires.
	EditWindow time.Duration
	// EventAcceptanceWindow drops older Matrix events. Zero disables the check.
	EventAcceptanceWindow time.Duration
	// MattermostURL is used to build permalinks in edit references.
	MattermostURL string
	// AliasPrefix is prepended to channel IDs to form room alias localparts.
	AliasPrefix string
	Now         func() time.Time
}

// Bridge holds the routers' collaborators.
type Bridge struct {
	Store      store.IdentityStore
	MM         Mattermost
	MX         Matrix
	Puppets    Puppets
	AllowList  *AllowList
	Identities *Identities
	Opts       Options
	Log        zerolog.Logger

	outbound map[handlerKey]changeHandler
}

// New wires a Bridge. puppets and allow may be nil.
func New(st store.IdentityStore, mm Mattermost, mx Matrix, puppets Puppets, allow *AllowList, ids *Identities, opts Options, log zerolog.Logger) *Bridge {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AliasPrefix == "" {
		opts.AliasPrefix = "mattermost_"
	}
	if puppets == nil {
		puppets = noPuppets{}
	}
	b := &Bridge{
		Store:      st,
		MM:         mm,
		MX:         mx,
		Puppets:    puppets,
		AllowList:  allow,
		Identities: ids,
		Opts:       opts,
		Log:        log,
	}
	b.outbound = b.outboundHandlers()
	return b
}

type noPuppets struct{}

func (noPuppets) PosterFor(id.UserID) (Poster, bool) { return nil, false }
func (noPuppets) IsPuppetUserID(string) bool         { return false }

// OutgoingPost is a Mattermost post ready to be sent into a Matrix room.
type OutgoingPost struct {
	Post   *model.Post
	RoomID id.RoomID
	// ThreadRoot is the Matrix event of the post's thread root, if known.
	ThreadRoot id.EventID
	// ReplyTo is used when only an earlier reply of the thread is known.
	ReplyTo id.EventID
	// Timestamp overrides the origin timestamp. Used by historical import.
	Timestamp time.Time
}

// SendPost sends a post into a room as its author's ghost and returns the
// mapping to store. It does not write the mapping.
func (b *Bridge) SendPost(ctx context.Context, out OutgoingPost) (*store.MessageMapping, error) {
	post := out.Post
	ghost, err := b.Identities.Ghost(ctx, post.UserId)
	if err != nil {
		return nil, err
	}
	intent := b.MX.Intent(ghost)
	if err = intent.EnsureJoined(ctx, out.RoomID); err != nil {
		return nil, fmt.Errorf("failed to join %s to %s: %w", ghost, out.RoomID, err)
	}
	content := format.ToMatrix(post.Message).MessageContent(event.MsgText)
	switch {
	case out.ThreadRoot != "":
		content.RelatesTo = (&event.RelatesTo{}).SetThread(out.ThreadRoot, out.ThreadRoot)
	case out.ReplyTo != "":
		content.RelatesTo = (&event.RelatesTo{}).SetReplyTo(out.ReplyTo)
	}
	eventID, err := intent.SendMessageEvent(ctx, out.RoomID, event.EventMessage, tagged(content, post.Id), out.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to send post %s: %w", post.Id, err)
	}
	return &store.MessageMapping{
		PostID:   post.Id,
		RoomID:   out.RoomID,
		EventID:  eventID,
		SentAt:   time.UnixMilli(post.CreateAt),
		EditedAt: editTime(post.EditAt),
	}, nil
}

// tagged attaches the post-id provenance key to Matrix content.
func tagged(content *event.MessageEventContent, postID string) *event.Content {
	return &event.Content{
		Parsed: content,
		Raw:    map[string]any{KeyPostID: postID},
	}
}

// fromMatrix reports whether a post was written by the bridge on behalf of a
// Matrix user.
func fromMatrix(post *model.Post) bool {
	switch v := post.GetProp(PropFromMatrix).(type) {
	case bool:
		return v
	case string:
		return v != "" && v != "false"
	default:
		return v != nil
	}
}

// EnsureRoom returns the room mapped to a channel, creating the Matrix room
// when the channel is not mapped yet. The room alias doubles as a lock: when
// another writer created the room first, the alias conflict is resolved and
// the existing room is mapped.
func (b *Bridge) EnsureRoom(ctx context.Context, channel *model.Channel) (*store.RoomMapping, error) {
	mapping, err := b.Store.GetRoomByChannel(ctx, channel.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to get room mapping: %w", err)
	} else if mapping != nil {
		return mapping, nil
	}
	if channel.Type == model.ChannelTypeDirect || channel.Type == model.ChannelTypeGroup {
		return nil, nil
	}

	alias := b.channelAlias(channel.Id)
	desired := desiredState(channel, b.MX.Bot().UserID(), nil)
	req := &mautrix.ReqCreateRoom{
		Name:          channel.DisplayName,
		Topic:         channel.Header,
		RoomAliasName: b.Opts.AliasPrefix + channel.Id,
		Preset:        "private_chat",
		InitialState: []*event.Event{{
			Type:    event.StateHistoryVisibility,
			Content: event.Content{Parsed: &event.HistoryVisibilityEventContent{HistoryVisibility: *desired.HistoryVisibility}},
		}, {
			Type:    event.StateJoinRules,
			Content: event.Content{Parsed: &event.JoinRulesEventContent{JoinRule: *desired.JoinRule}},
		}},
	}
	roomID, err := b.MX.Bot().CreateRoom(ctx, req)
	if errors.Is(err, mautrix.MRoomInUse) {
		b.Log.Debug().Str("channel_id", channel.Id).Stringer("alias", alias).Msg("Room alias taken, using existing room")
		roomID, err = b.MX.Bot().ResolveAlias(ctx, alias)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create room for channel %s: %w", channel.Id, err)
	}
	mapping, err = b.Store.UpsertRoom(ctx, channel.Id, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to store room mapping: %w", err)
	}
	b.Log.Info().Str("channel_id", channel.Id).Stringer("room_id", roomID).Msg("Created room for channel")
	return mapping, nil
}

func (b *Bridge) channelAlias(channelID string) id.RoomAlias {
	return id.NewRoomAlias(b.Opts.AliasPrefix+channelID, b.MX.ServerName())
}

func isDirect(channel *model.Channel) bool {
	return channel != nil && channel.Type == model.ChannelTypeDirect
}

// counterpart returns the Matrix user on the other side of a direct room:
// the only member that is neither the bot nor a ghost. Membership is read as
// intent, which must be in the room.
func (b *Bridge) counterpart(ctx context.Context, intent Intent, roomID id.RoomID) (id.UserID, event.Membership, error) {
	members, err := intent.Members(ctx, roomID)
	if err != nil {
		return "", "", fmt.Errorf("failed to get members of %s: %w", roomID, err)
	}
	bot := b.MX.Bot().UserID()
	for userID, membership := range members {
		if userID == bot {
			continue
		}
		if _, ghost := b.MX.ParseGhost(userID); ghost {
			continue
		}
		return userID, membership, nil
	}
	return "", "", nil
}

// inviteCounterpart invites the human side of a direct room unless they are
// already joined. Failures are logged only so the caller's send still happens.
func (b *Bridge) inviteCounterpart(ctx context.Context, intent Intent, roomID id.RoomID) {
	log := b.Log.With().Stringer("room_id", roomID).Logger()
	userID, membership, err := b.counterpart(ctx, intent, roomID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to find direct room counterpart")
		return
	}
	if userID == "" || membership == event.MembershipJoin {
		return
	}
	if err = intent.InviteUser(ctx, roomID, userID); err != nil {
		log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to invite direct room counterpart")
		return
	}
	log.Debug().Stringer("user_id", userID).Str("previous", string(membership)).Msg("Invited direct room counterpart")
}

// retryAsBot runs fn as intent and, if the homeserver says intent is not
// allowed to, once more as the bot.
func (b *Bridge) retryAsBot(intent Intent, fn func(Intent) error) error {
	err := fn(intent)
	if err == nil || !errors.Is(err, mautrix.MForbidden) || intent.UserID() == b.MX.Bot().UserID() {
		return err
	}
	b.Log.Debug().Err(err).Stringer("user_id", intent.UserID()).Msg("Forbidden, retrying as bot")
	return fn(b.MX.Bot())
}

func (b *Bridge) matrixPermalink(roomID id.RoomID, eventID id.EventID) string {
	return "https://matrix.to/#/" + string(roomID) + "/" + string(eventID)
}

func (b *Bridge) mattermostPermalink(postID string) string {
	if b.Opts.MattermostURL == "" {
		return ""
	}
	return b.Opts.MattermostURL + "/_redirect/pl/" + postID
}
