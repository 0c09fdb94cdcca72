// Copyright 2024-2026 Aiku AI

// Package store persists the identity mappings between Mattermost and Matrix.
//
// Every bridged room, user and message has exactly one row keyed on its
// Mattermost id with a unique Matrix counterpart. The sync engine and the
// historical importer share these tables and rely on their uniqueness
// constraints instead of any additional locking.
package store

import (
	"context"
	"errors"
	"time"

	"maunium.net/go/mautrix/id"
)

var (
	// ErrConflict is returned when creating a user mapping for an id that is
	// already mapped. Callers must re-fetch instead of overwriting.
	ErrConflict = errors.New("identity already mapped")
	// ErrEmptyID is returned when an operation receives an empty identifier.
	ErrEmptyID = errors.New("empty identifier")
)

// RoomMapping links a Mattermost channel to its live Matrix room and,
// once the importer has run, a separate historical room.
type RoomMapping struct {
	ChannelID        string
	RoomID           id.RoomID
	HistoricalRoomID id.RoomID
}

// UserMapping links a Mattermost user to its Matrix ghost.
type UserMapping struct {
	MattermostUserID string
	MatrixUserID     id.UserID
}

// MessageMapping links a Mattermost post to the Matrix event it was bridged as.
type MessageMapping struct {
	PostID   string
	RoomID   id.RoomID
	EventID  id.EventID
	SentAt   time.Time
	EditedAt *time.Time
}

// IdentityStore is the contract the bridge and importer depend on. All
// operations are idempotent and safe to retry. Lookups return (nil, nil)
// when no mapping exists.
type IdentityStore interface {
	GetRoomByChannel(ctx context.Context, channelID string) (*RoomMapping, error)
	GetRoomByMatrix(ctx context.Context, roomID id.RoomID) (*RoomMapping, error)
	UpsertRoom(ctx context.Context, channelID string, roomID id.RoomID) (*RoomMapping, error)
	SetHistoricalRoom(ctx context.Context, channelID string, roomID id.RoomID) error

	GetUserByMattermost(ctx context.Context, mmUserID string) (*UserMapping, error)
	GetUserByMatrix(ctx context.Context, userID id.UserID) (*UserMapping, error)
	CreateUser(ctx context.Context, mmUserID string, userID id.UserID) (*UserMapping, error)
	DeleteUser(ctx context.Context, mmUserID string) error

	GetMessageByPost(ctx context.Context, postID string) (*MessageMapping, error)
	GetMessageByEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*MessageMapping, error)
	UpsertMessage(ctx context.Context, msg *MessageMapping) error
	TouchMessage(ctx context.Context, postID string, sentAt time.Time, editedAt *time.Time) error
	LatestMessageInRoom(ctx context.Context, roomID id.RoomID) (*MessageMapping, error)
	EarliestMessageInRoom(ctx context.Context, roomID id.RoomID) (*MessageMapping, error)
	InsertMessageBatch(ctx context.Context, roomID id.RoomID, msgs []*MessageMapping) error
}
