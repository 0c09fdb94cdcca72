// Copyright 2024-2026 Aiku AI

// Package metrics decorates an IdentityStore with latency metrics.
package metrics

import (
	"context"
	"time"

	"maunium.net/go/mautrix/id"

	bridgemetrics "github.com/aiku/mattermost-matrix-bridge/pkg/metrics"
	"github.com/aiku/mattermost-matrix-bridge/pkg/store"
)

// Wrap returns an IdentityStore that records StoreLatency for every operation.
func Wrap(inner store.IdentityStore) store.IdentityStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.IdentityStore
}

func observe(op string, start time.Time) {
	if bridgemetrics.StoreLatency != nil {
		bridgemetrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (m *metricsStore) GetRoomByChannel(ctx context.Context, channelID string) (*store.RoomMapping, error) {
	defer observe("get_room_by_channel", time.Now())
	return m.inner.GetRoomByChannel(ctx, channelID)
}

func (m *metricsStore) GetRoomByMatrix(ctx context.Context, roomID id.RoomID) (*store.RoomMapping, error) {
	defer observe("get_room_by_matrix", time.Now())
	return m.inner.GetRoomByMatrix(ctx, roomID)
}

func (m *metricsStore) UpsertRoom(ctx context.Context, channelID string, roomID id.RoomID) (*store.RoomMapping, error) {
	defer observe("upsert_room", time.Now())
	return m.inner.UpsertRoom(ctx, channelID, roomID)
}

func (m *metricsStore) SetHistoricalRoom(ctx context.Context, channelID string, roomID id.RoomID) error {
	defer observe("set_historical_room", time.Now())
	return m.inner.SetHistoricalRoom(ctx, channelID, roomID)
}

func (m *metricsStore) GetUserByMattermost(ctx context.Context, mmUserID string) (*store.UserMapping, error) {
	defer observe("get_user_by_mattermost", time.Now())
	return m.inner.GetUserByMattermost(ctx, mmUserID)
}

func (m *metricsStore) GetUserByMatrix(ctx context.Context, userID id.UserID) (*store.UserMapping, error) {
	defer observe("get_user_by_matrix", time.Now())
	return m.inner.GetUserByMatrix(ctx, userID)
}

func (m *metricsStore) CreateUser(ctx context.Context, mmUserID string, userID id.UserID) (*store.UserMapping, error) {
	defer observe("create_user", time.Now())
	return m.inner.CreateUser(ctx, mmUserID, userID)
}

func (m *metricsStore) DeleteUser(ctx context.Context, mmUserID string) error {
	defer observe("delete_user", time.Now())
	return m.inner.DeleteUser(ctx, mmUserID)
}

func (m *metricsStore) GetMessageByPost(ctx context.Context, postID string) (*store.MessageMapping, error) {
	defer observe("get_message_by_post", time.Now())
	return m.inner.GetMessageByPost(ctx, postID)
}

func (m *metricsStore) GetMessageByEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*store.MessageMapping, error) {
	defer observe("get_message_by_event", time.Now())
	return m.inner.GetMessageByEvent(ctx, roomID, eventID)
}

func (m *metricsStore) UpsertMessage(ctx context.Context, msg *store.MessageMapping) error {
	defer observe("upsert_message", time.Now())
	return m.inner.UpsertMessage(ctx, msg)
}

func (m *metricsStore) TouchMessage(ctx context.Context, postID string, sentAt time.Time, editedAt *time.Time) error {
	defer observe("touch_message", time.Now())
	return m.inner.TouchMessage(ctx, postID, sentAt, editedAt)
}

func (m *metricsStore) LatestMessageInRoom(ctx context.Context, roomID id.RoomID) (*store.MessageMapping, error) {
	defer observe("latest_message_in_room", time.Now())
	return m.inner.LatestMessageInRoom(ctx, roomID)
}

func (m *metricsStore) EarliestMessageInRoom(ctx context.Context, roomID id.RoomID) (*store.MessageMapping, error) {
	defer observe("earliest_message_in_room", time.Now())
	return m.inner.EarliestMessageInRoom(ctx, roomID)
}

func (m *metricsStore) InsertMessageBatch(ctx context.Context, roomID id.RoomID, msgs []*store.MessageMapping) error {
	defer observe("insert_message_batch", time.Now())
	return m.inner.InsertMessageBatch(ctx, roomID, msgs)
}
