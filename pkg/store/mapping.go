// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/exslices"
	"maunium.net/go/mautrix/id"
)

func (db *Database) GetRoomByChannel(ctx context.Context, channelID string) (*RoomMapping, error) {
	if channelID == "" {
		return nil, ErrEmptyID
	}
	return db.room.QueryOne(ctx, getRoomByChannelQuery, channelID)
}

func (db *Database) GetRoomByMatrix(ctx context.Context, roomID id.RoomID) (*RoomMapping, error) {
	if roomID == "" {
		return nil, ErrEmptyID
	}
	return db.room.QueryOne(ctx, getRoomByMatrixQuery, roomID)
}

// UpsertRoom points channelID at roomID, replacing any existing mapping that
// matches either id. The historical room of the channel's previous mapping
// is carried over.
func (db *Database) UpsertRoom(ctx context.Context, channelID string, roomID id.RoomID) (*RoomMapping, error) {
	if channelID == "" || roomID == "" {
		return nil, ErrEmptyID
	}
	mapping := &RoomMapping{ChannelID: channelID, RoomID: roomID}
	err := db.DoTxn(ctx, nil, func(ctx context.Context) error {
		existing, err := db.room.QueryOne(ctx, getRoomByChannelQuery, channelID)
		if err != nil {
			return fmt.Errorf("failed to get existing room mapping: %w", err)
		} else if existing != nil {
			if existing.RoomID == roomID {
				mapping = existing
				return nil
			}
			mapping.HistoricalRoomID = existing.HistoricalRoomID
		}
		if err = db.room.Exec(ctx, deleteRoomConflictQuery, channelID, roomID); err != nil {
			return fmt.Errorf("failed to clear conflicting room mappings: %w", err)
		}
		return db.room.Exec(ctx, insertRoomQuery, mapping.sqlVariables()...)
	})
	if err != nil {
		return nil, err
	}
	return mapping, nil
}

func (db *Database) SetHistoricalRoom(ctx context.Context, channelID string, roomID id.RoomID) error {
	if channelID == "" || roomID == "" {
		return ErrEmptyID
	}
	return db.room.Exec(ctx, setHistoricalRoomQuery, channelID, roomID)
}

func (db *Database) GetUserByMattermost(ctx context.Context, mmUserID string) (*UserMapping, error) {
	if mmUserID == "" {
		return nil, ErrEmptyID
	}
	return db.user.QueryOne(ctx, getUserByMattermostQuery, mmUserID)
}

func (db *Database) GetUserByMatrix(ctx context.Context, userID id.UserID) (*UserMapping, error) {
	if userID == "" {
		return nil, ErrEmptyID
	}
	return db.user.QueryOne(ctx, getUserByMatrixQuery, userID)
}

// CreateUser inserts a new user mapping. It returns ErrConflict if either id
// is already mapped; the existing row is never overwritten.
func (db *Database) CreateUser(ctx context.Context, mmUserID string, userID id.UserID) (*UserMapping, error) {
	if mmUserID == "" || userID == "" {
		return nil, ErrEmptyID
	}
	res, err := db.Exec(ctx, insertUserQuery, mmUserID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user mapping: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to check inserted user mapping: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrConflict, mmUserID)
	}
	return &UserMapping{MattermostUserID: mmUserID, MatrixUserID: userID}, nil
}

func (db *Database) DeleteUser(ctx context.Context, mmUserID string) error {
	if mmUserID == "" {
		return ErrEmptyID
	}
	return db.user.Exec(ctx, deleteUserQuery, mmUserID)
}

func (db *Database) GetMessageByPost(ctx context.Context, postID string) (*MessageMapping, error) {
	if postID == "" {
		return nil, ErrEmptyID
	}
	return db.message.QueryOne(ctx, getMessageByPostQuery, postID)
}

func (db *Database) GetMessageByEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*MessageMapping, error) {
	if roomID == "" || eventID == "" {
		return nil, ErrEmptyID
	}
	return db.message.QueryOne(ctx, getMessageByEventQuery, roomID, eventID)
}

func (db *Database) UpsertMessage(ctx context.Context, msg *MessageMapping) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	return db.message.Exec(ctx, upsertMessageQuery, msg.sqlVariables()...)
}

func (db *Database) TouchMessage(ctx context.Context, postID string, sentAt time.Time, editedAt *time.Time) error {
	if postID == "" {
		return ErrEmptyID
	}
	return db.message.Exec(ctx, touchMessageQuery, postID, sentAt.UnixMilli(), unixMilliPtr(editedAt))
}

func (db *Database) LatestMessageInRoom(ctx context.Context, roomID id.RoomID) (*MessageMapping, error) {
	if roomID == "" {
		return nil, ErrEmptyID
	}
	return db.message.QueryOne(ctx, getLatestInRoomQuery, roomID)
}

func (db *Database) EarliestMessageInRoom(ctx context.Context, roomID id.RoomID) (*MessageMapping, error) {
	if roomID == "" {
		return nil, ErrEmptyID
	}
	return db.message.QueryOne(ctx, getEarliestInRoomQuery, roomID)
}

// InsertMessageBatch inserts mappings for one room in bulk. Posts that are
// already mapped are left untouched.
func (db *Database) InsertMessageBatch(ctx context.Context, roomID id.RoomID, msgs []*MessageMapping) error {
	if roomID == "" {
		return ErrEmptyID
	}
	for _, msg := range msgs {
		if err := validateMessage(msg); err != nil {
			return err
		}
	}
	return db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, chunk := range exslices.Chunk(msgs, batchInsertChunkSize) {
			query, params := massInsertMessageBuilder.Build([1]any{roomID}, chunk)
			if _, err := db.Exec(ctx, query, params...); err != nil {
				return fmt.Errorf("failed to insert message batch: %w", err)
			}
		}
		return nil
	})
}

var errInvalidMessage = errors.New("message mapping is missing required fields")

func validateMessage(msg *MessageMapping) error {
	if msg == nil || msg.PostID == "" || msg.RoomID == "" || msg.EventID == "" {
		return fmt.Errorf("%w: %w", ErrEmptyID, errInvalidMessage)
	}
	return nil
}
