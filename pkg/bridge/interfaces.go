// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Poster writes posts to Mattermost as one account.
type Poster interface {
	CreatePost(ctx context.Context, post *model.Post) (*model.Post, error)
	PatchPost(ctx context.Context, postID string, patch *model.PostPatch) (*model.Post, error)
	DeletePost(ctx context.Context, postID string) error
}

// Mattermost is the part of the Mattermost API the routers use. Posts are
// written as the bridge's bot account.
type Mattermost interface {
	Poster
	BotUserID() string
	GetChannel(ctx context.Context, channelID string) (*model.Channel, error)
	GetChannelMembers(ctx context.Context, channelID string) (model.ChannelMembers, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
	GetPost(ctx context.Context, postID string) (*model.Post, error)
	GetPostThread(ctx context.Context, postID string) (*model.PostList, error)
	CreateDirectChannel(ctx context.Context, userID1, userID2 string) (*model.Channel, error)
}

// Puppets maps Matrix users to dedicated Mattermost accounts.
type Puppets interface {
	PosterFor(userID id.UserID) (Poster, bool)
	IsPuppetUserID(mmUserID string) bool
}

// Intent performs Matrix calls as a single user.
type Intent interface {
	UserID() id.UserID
	EnsureRegistered(ctx context.Context) error
	SetDisplayName(ctx context.Context, name string) error
	EnsureJoined(ctx context.Context, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	BanUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	UnbanUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	// SendMessageEvent sends content with the given origin timestamp. A zero
	// ts lets the homeserver pick the time.
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any, ts time.Time) (id.EventID, error)
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error)
	StateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, out any) error
	SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) error
	// Members returns the membership of every user the room has seen,
	// including users who left.
	Members(ctx context.Context, roomID id.RoomID) (map[id.UserID]event.Membership, error)
}

// Matrix hands out intents for the appservice bot and its ghosts.
type Matrix interface {
	Bot() Intent
	Intent(userID id.UserID) Intent
	GhostUserID(mmUserID string) id.UserID
	// ParseGhost returns the Mattermost user ID behind a ghost.
	ParseGhost(userID id.UserID) (string, bool)
	ServerName() string
}
