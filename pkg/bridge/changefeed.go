// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBadRequest marks malformed change events. They are dropped without retry.
var ErrBadRequest = errors.New("bad request")

type EntityType string

const (
	EntityChatMessage    EntityType = "chatMessage"
	EntityRoom           EntityType = "room"
	EntityRoomMembership EntityType = "roomMembership"
	EntityBan            EntityType = "ban"
	EntityUser           EntityType = "user"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpPatch  Operation = "patch"
	OpRemove Operation = "remove"
)

// ChangeEvent is a single Mattermost-side change. Model holds the JSON of the
// changed entity: a post, a channel, a channel member or a BanModel.
type ChangeEvent struct {
	Type      EntityType      `json:"type"`
	Operation Operation       `json:"operation"`
	URL       string          `json:"url"`
	Model     json.RawMessage `json:"model"`
}

// BanModel is the model of a ban change event.
type BanModel struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

const channelPathPrefix = "/api/v4/channels/"

// ParseChannelID extracts the channel ID from a /api/v4/channels/{id}[/...] URL.
// Query strings, fragments and a scheme/host prefix are ignored.
func ParseChannelID(url string) (string, error) {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	idx := strings.Index(url, channelPathPrefix)
	if idx < 0 {
		return "", fmt.Errorf("%w: url %q is not a channel url", ErrBadRequest, url)
	}
	rest := url[idx+len(channelPathPrefix):]
	channelID, _, _ := strings.Cut(rest, "/")
	if channelID == "" {
		return "", fmt.Errorf("%w: url %q has no channel id", ErrBadRequest, url)
	}
	return channelID, nil
}

// Validate checks that url and model are present and the url names a channel.
// It returns the channel ID.
func (e *ChangeEvent) Validate() (string, error) {
	if e == nil {
		return "", fmt.Errorf("%w: nil event", ErrBadRequest)
	}
	if e.URL == "" {
		return "", fmt.Errorf("%w: missing url", ErrBadRequest)
	}
	if len(e.Model) == 0 || string(e.Model) == "null" {
		return "", fmt.Errorf("%w: missing model", ErrBadRequest)
	}
	return ParseChannelID(e.URL)
}

func decodeModel[T any](e *ChangeEvent) (*T, error) {
	var out T
	if err := json.Unmarshal(e.Model, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid %s model: %w", ErrBadRequest, e.Type, err)
	}
	return &out, nil
}
