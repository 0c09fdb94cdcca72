// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-matrix-bridge/pkg/store/upgrades"
)

const (
	getRoomBaseQuery = `
		SELECT mattermost_channel_id, matrix_room_id, historical_room_id FROM room_mapping
	`
	getRoomByChannelQuery   = getRoomBaseQuery + `WHERE mattermost_channel_id=$1`
	getRoomByMatrixQuery    = getRoomBaseQuery + `WHERE matrix_room_id=$1`
	deleteRoomConflictQuery = `DELETE FROM room_mapping WHERE mattermost_channel_id=$1 OR matrix_room_id=$2`
	insertRoomQuery         = `
		INSERT INTO room_mapping (mattermost_channel_id, matrix_room_id, historical_room_id)
		VALUES ($1, $2, $3)
	`
	setHistoricalRoomQuery = `UPDATE room_mapping SET historical_room_id=$2 WHERE mattermost_channel_id=$1`

	getUserBaseQuery = `
		SELECT mattermost_user_id, matrix_user_id FROM user_mapping
	`
	getUserByMattermostQuery = getUserBaseQuery + `WHERE mattermost_user_id=$1`
	getUserByMatrixQuery     = getUserBaseQuery + `WHERE matrix_user_id=$1`
	insertUserQuery          = `
		INSERT INTO user_mapping (mattermost_user_id, matrix_user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	deleteUserQuery = `DELETE FROM user_mapping WHERE mattermost_user_id=$1`

	getMessageBaseQuery = `
		SELECT mattermost_post_id, matrix_room_id, matrix_event_id, sent_at, edited_at FROM message_mapping
	`
	getMessageByPostQuery  = getMessageBaseQuery + `WHERE mattermost_post_id=$1`
	getMessageByEventQuery = getMessageBaseQuery + `WHERE matrix_room_id=$1 AND matrix_event_id=$2`
	getLatestInRoomQuery   = getMessageBaseQuery + `
		WHERE matrix_room_id=$1 ORDER BY sent_at DESC, mattermost_post_id DESC LIMIT 1
	`
	getEarliestInRoomQuery = getMessageBaseQuery + `
		WHERE matrix_room_id=$1 ORDER BY sent_at ASC, mattermost_post_id ASC LIMIT 1
	`
	upsertMessageQuery = `
		INSERT INTO message_mapping (mattermost_post_id, matrix_room_id, matrix_event_id, sent_at, edited_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (mattermost_post_id) DO UPDATE
			SET matrix_room_id=excluded.matrix_room_id,
			    matrix_event_id=excluded.matrix_event_id,
			    sent_at=excluded.sent_at,
			    edited_at=excluded.edited_at
	`
	touchMessageQuery = `
		UPDATE message_mapping SET sent_at=$2, edited_at=$3 WHERE mattermost_post_id=$1
	`
	batchInsertMessageQuery = `
		INSERT INTO message_mapping (matrix_room_id, mattermost_post_id, matrix_event_id, sent_at, edited_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`
)

// batchInsertChunkSize keeps a single statement well below SQLite's bound
// parameter limit.
const batchInsertChunkSize = 100

var massInsertMessageBuilder = dbutil.NewMassInsertBuilder[*MessageMapping, [1]any](
	batchInsertMessageQuery, "($1, $%d, $%d, $%d, $%d)",
)

// Database is the dbutil-backed IdentityStore.
type Database struct {
	*dbutil.Database

	room    *dbutil.QueryHelper[*RoomMapping]
	user    *dbutil.QueryHelper[*UserMapping]
	message *dbutil.QueryHelper[*MessageMapping]
}

var _ IdentityStore = (*Database)(nil)

// New wraps an opened dbutil database with the identity store schema.
func New(db *dbutil.Database, log zerolog.Logger) *Database {
	db = db.Child("mattermost_bridge_version", upgrades.Table, dbutil.ZeroLogger(log))
	return &Database{
		Database: db,
		room: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*RoomMapping]) *RoomMapping {
			return &RoomMapping{}
		}),
		user: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*UserMapping]) *UserMapping {
			return &UserMapping{}
		}),
		message: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*MessageMapping]) *MessageMapping {
			return &MessageMapping{}
		}),
	}
}

// Open opens the database described by cfg and runs pending schema upgrades.
func Open(ctx context.Context, cfg dbutil.Config, log zerolog.Logger) (*Database, error) {
	raw, err := dbutil.NewFromConfig("mattermost-matrix-bridge", cfg, dbutil.ZeroLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := New(raw, log)
	if err = db.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	return db, nil
}

func (r *RoomMapping) Scan(row dbutil.Scannable) (*RoomMapping, error) {
	var historical sql.NullString
	err := row.Scan(&r.ChannelID, &r.RoomID, &historical)
	if err != nil {
		return nil, err
	}
	r.HistoricalRoomID = id.RoomID(historical.String)
	return r, nil
}

func (r *RoomMapping) sqlVariables() []any {
	return []any{r.ChannelID, r.RoomID, dbutil.StrPtr(r.HistoricalRoomID)}
}

func (u *UserMapping) Scan(row dbutil.Scannable) (*UserMapping, error) {
	return dbutil.ValueOrErr(u, row.Scan(&u.MattermostUserID, &u.MatrixUserID))
}

func (m *MessageMapping) Scan(row dbutil.Scannable) (*MessageMapping, error) {
	var sentAt int64
	var editedAt sql.NullInt64
	err := row.Scan(&m.PostID, &m.RoomID, &m.EventID, &sentAt, &editedAt)
	if err != nil {
		return nil, err
	}
	m.SentAt = time.UnixMilli(sentAt)
	if editedAt.Valid {
		ts := time.UnixMilli(editedAt.Int64)
		m.EditedAt = &ts
	}
	return m, nil
}

func (m *MessageMapping) sqlVariables() []any {
	return []any{m.PostID, m.RoomID, m.EventID, m.SentAt.UnixMilli(), unixMilliPtr(m.EditedAt)}
}

// GetMassInsertValues implements dbutil.MassInsertable.
func (m *MessageMapping) GetMassInsertValues() [4]any {
	return [4]any{m.PostID, m.EventID, m.SentAt.UnixMilli(), unixMilliPtr(m.EditedAt)}
}

func unixMilliPtr(ts *time.Time) *int64 {
	if ts == nil {
		return nil
	}
	return dbutil.UnixMilliPtr(*ts)
}
