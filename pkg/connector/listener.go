// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-bridge/pkg/bridge"
)

const channelPath = "/api/v4/channels/"

// handleTimeout bounds one change handler call. Handlers run detached from
// the listener's context so shutdown never interrupts a half-bridged change.
const handleTimeout = time.Minute

// ChangeHandler receives the change events a Listener produces.
type ChangeHandler func(ctx context.Context, e *bridge.ChangeEvent) error

// Listener turns Mattermost WebSocket events into change events.
type Listener struct {
	serverURL   string
	token       string
	botPrefix   string
	botUsername string
	handle      ChangeHandler
	log       zerolog.Logger

	// MinBackoff and MaxBackoff bound the delay between reconnects.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// dial is replaced in tests.
	dial func(url, token string) (*model.WebSocketClient, error)

	wsLock sync.Mutex
	ws     *model.WebSocketClient
}

func NewListener(c *Client, botPrefix string, handle ChangeHandler, log zerolog.Logger) *Listener {
	return &Listener{
		serverURL:   c.ServerURL(),
		token:       c.Token(),
		botPrefix:   botPrefix,
		botUsername: c.BotUsername(),
		handle:      handle,
		log:         log.With().Str("component", "mm_listener").Logger(),
		MinBackoff:  time.Second,
		MaxBackoff:  time.Minute,
		dial:        model.NewWebSocketClient4,
	}
}

// Run listens until ctx is done, reconnecting whenever the socket drops.
// Events are handled one at a time in arrival order.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.MinBackoff
	for {
		connected, err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = l.MinBackoff
		}
		if err != nil {
			l.log.Error().Err(err).Dur("retry_in", backoff).Msg("WebSocket connection failed")
		} else {
			l.log.Warn().Dur("retry_in", backoff).Msg("WebSocket event channel closed, reconnecting")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, l.MaxBackoff)
	}
}

// listenOnce pumps one WebSocket connection until it closes. It reports
// whether the connection was established.
func (l *Listener) listenOnce(ctx context.Context) (bool, error) {
	wsURL := httpToWS(l.serverURL)
	ws, err := l.dial(wsURL, l.token)
	if err != nil {
		return false, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	l.wsLock.Lock()
	l.ws = ws
	l.wsLock.Unlock()
	defer func() {
		l.wsLock.Lock()
		l.ws = nil
		l.wsLock.Unlock()
		ws.Close()
	}()
	l.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case evt, ok := <-ws.EventChannel:
			if !ok {
				return true, nil
			}
			if evt != nil {
				l.dispatch(ctx, evt)
			}
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, evt *model.WebSocketEvent) {
	change, err := l.translate(evt)
	log := l.log.With().Str("event_type", string(evt.EventType())).Logger()
	if err != nil {
		log.Warn().Err(err).Msg("Dropping malformed WebSocket event")
		return
	} else if change == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleTimeout)
	defer cancel()
	if err = l.handle(log.WithContext(ctx), change); err != nil {
		log.Err(err).
			Str("change_type", string(change.Type)).
			Str("operation", string(change.Operation)).
			Str("url", change.URL).
			Msg("Failed to handle change")
	}
}

// translate maps a WebSocket event to a change event. Events that are not
// bridged, or come from bridge-managed usernames, return nil.
func (l *Listener) translate(evt *model.WebSocketEvent) (*bridge.ChangeEvent, error) {
	data := evt.GetData()
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		return l.postChange(evt, bridge.OpCreate)
	case model.WebsocketEventPostEdited:
		return l.postChange(evt, bridge.OpUpdate)
	case model.WebsocketEventPostDeleted:
		return l.postChange(evt, bridge.OpRemove)
	case model.WebsocketEventChannelUpdated:
		channelJSON, ok := data["channel"].(string)
		if !ok {
			return nil, fmt.Errorf("channel_updated event missing channel data")
		}
		var channel model.Channel
		if err := json.Unmarshal([]byte(channelJSON), &channel); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channel: %w", err)
		}
		return &bridge.ChangeEvent{
			Type:      bridge.EntityRoom,
			Operation: bridge.OpUpdate,
			URL:       channelPath + channel.Id,
			Model:     json.RawMessage(channelJSON),
		}, nil
	case model.WebsocketEventChannelDeleted:
		channelID := eventChannelID(evt)
		if channelID == "" {
			return nil, fmt.Errorf("channel_deleted event missing channel id")
		}
		return &bridge.ChangeEvent{
			Type:      bridge.EntityRoom,
			Operation: bridge.OpRemove,
			URL:       channelPath + channelID,
			Model:     mustJSON(&model.Channel{Id: channelID}),
		}, nil
	case model.WebsocketEventUserAdded:
		return membershipChange(evt, bridge.OpCreate)
	case model.WebsocketEventUserRemoved:
		return membershipChange(evt, bridge.OpRemove)
	default:
		l.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
		return nil, nil
	}
}

func (l *Listener) postChange(evt *model.WebSocketEvent, op bridge.Operation) (*bridge.ChangeEvent, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("%s event missing post data", evt.EventType())
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if isBridgeUsername(senderName, l.botPrefix, l.botUsername) {
		l.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping bridge username post (echo prevention)")
		return nil, nil
	}

	channelID := post.ChannelId
	if channelID == "" {
		channelID = eventChannelID(evt)
	}
	return &bridge.ChangeEvent{
		Type:      bridge.EntityChatMessage,
		Operation: op,
		URL:       channelPath + channelID + "/posts",
		Model:     json.RawMessage(postJSON),
	}, nil
}

func membershipChange(evt *model.WebSocketEvent, op bridge.Operation) (*bridge.ChangeEvent, error) {
	userID, _ := evt.GetData()["user_id"].(string)
	channelID := eventChannelID(evt)
	if userID == "" || channelID == "" {
		return nil, fmt.Errorf("%s event missing user or channel id", evt.EventType())
	}
	return &bridge.ChangeEvent{
		Type:      bridge.EntityRoomMembership,
		Operation: op,
		URL:       channelPath + channelID + "/members",
		Model:     mustJSON(&model.ChannelMember{ChannelId: channelID, UserId: userID}),
	}, nil
}

// eventChannelID reads the channel from the event data, falling back to the
// broadcast.
func eventChannelID(evt *model.WebSocketEvent) string {
	if channelID, ok := evt.GetData()["channel_id"].(string); ok && channelID != "" {
		return channelID
	}
	if b := evt.GetBroadcast(); b != nil {
		return b.ChannelId
	}
	return ""
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// isBridgeUsername reports whether a Mattermost username belongs to an
// account the bridge manages: the bot itself or a puppet carrying botPrefix.
func isBridgeUsername(username, botPrefix, botUsername string) bool {
	if username == "" {
		return false
	}
	return username == botUsername || (botPrefix != "" && strings.HasPrefix(username, botPrefix))
}
