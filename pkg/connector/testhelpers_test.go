// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// ChannelMembers maps channel ID to member list.
	ChannelMembers map[string]model.ChannelMembers
	// Teams maps user ID to team list.
	Teams map[string][]*model.Team
	// ChannelsForTeamUser maps "teamID:userID" to channel list.
	ChannelsForTeamUser map[string][]*model.Channel
	// Posts maps channel ID to its posts, oldest first.
	Posts map[string][]*model.Post
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM(t *testing.T) *fakeMM {
	f := &fakeMM{
		Users:               make(map[string]*model.User),
		TokenToUser:         make(map[string]string),
		Channels:            make(map[string]*model.Channel),
		ChannelMembers:      make(map[string]model.ChannelMembers),
		Teams:               make(map[string][]*model.Team),
		ChannelsForTeamUser: make(map[string][]*model.Channel),
		Posts:               make(map[string][]*model.Post),
		FailEndpoints:       make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

// addUser registers a user reachable with token.
func (f *fakeMM) addUser(userID, username, token string) {
	f.Users[userID] = &model.User{Id: userID, Username: username}
	if token != "" {
		f.TokenToUser[token] = userID
	}
}

// addPosts appends posts to a channel with increasing timestamps.
func (f *fakeMM) addPosts(channelID string, postIDs ...string) {
	for _, postID := range postIDs {
		f.Posts[channelID] = append(f.Posts[channelID], &model.Post{
			Id:        postID,
			ChannelId: channelID,
			UserId:    "author",
			Message:   "message " + postID,
			CreateAt:  int64(1000 * (len(f.Posts[channelID]) + 1)),
		})
	}
}

func (f *fakeMM) record(r *http.Request, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeMM) CalledPath(path string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

// postPage serves GetPostsForChannel and GetPostsAfter. Lists are ordered
// newest first like the real server.
func (f *fakeMM) postPage(channelID string, q map[string][]string) *model.PostList {
	posts := f.Posts[channelID]
	page, _ := strconv.Atoi(first(q["page"]))
	perPage, _ := strconv.Atoi(first(q["per_page"]))
	var window []*model.Post
	if after := first(q["after"]); after != "" {
		idx := slices.IndexFunc(posts, func(p *model.Post) bool { return p.Id == after })
		rest := posts[idx+1:]
		window = rest[:min(perPage, len(rest))]
	} else {
		newestFirst := slices.Clone(posts)
		slices.Reverse(newestFirst)
		start := min(page*perPage, len(newestFirst))
		window = newestFirst[start:min(start+perPage, len(newestFirst))]
	}
	list := model.NewPostList()
	for i := len(window) - 1; i >= 0; i-- {
		list.AddPost(window[i])
		list.AddOrder(window[i].Id)
	}
	return list
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (f *fakeMM) findPost(postID string) *model.Post {
	for _, posts := range f.Posts {
		for _, p := range posts {
			if p.Id == postID {
				return p
			}
		}
	}
	return nil
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r, string(body))

	// Check if this endpoint should fail.
	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}

	path := r.URL.Path
	parts := strings.Split(path, "/")

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		_ = json.NewEncoder(w).Encode(f.Users[uid])

	// GET /api/v4/users/{user_id}/teams/{team_id}/channels
	case r.Method == "GET" && strings.Contains(path, "/teams/") && strings.HasSuffix(path, "/channels"):
		if len(parts) >= 8 {
			_ = json.NewEncoder(w).Encode(f.ChannelsForTeamUser[parts[6]+":"+parts[4]])
			return
		}
		_ = json.NewEncoder(w).Encode([]*model.Channel{})

	// GET /api/v4/users/{user_id}/teams
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && strings.HasSuffix(path, "/teams"):
		_ = json.NewEncoder(w).Encode(f.Teams[parts[4]])

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && len(parts) == 5:
		if u, ok := f.Users[parts[4]]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/channels/{channel_id}/posts
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && strings.HasSuffix(path, "/posts"):
		_ = json.NewEncoder(w).Encode(f.postPage(parts[4], r.URL.Query()))

	// GET /api/v4/channels/{channel_id}/members
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && strings.HasSuffix(path, "/members"):
		members := f.ChannelMembers[parts[4]]
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		start := min(page*perPage, len(members))
		_ = json.NewEncoder(w).Encode(members[start:min(start+perPage, len(members))])

	// POST /api/v4/channels/direct
	case r.Method == "POST" && path == "/api/v4/channels/direct":
		var ids []string
		_ = json.Unmarshal(body, &ids)
		_ = json.NewEncoder(w).Encode(&model.Channel{Id: "dm-channel", Type: model.ChannelTypeDirect, Name: strings.Join(ids, "__")})

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && len(parts) == 5:
		if ch, ok := f.Channels[parts[4]]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "channel not found"})

	// GET /api/v4/posts/{post_id}/thread
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/posts/") && strings.HasSuffix(path, "/thread"):
		list := model.NewPostList()
		for _, posts := range f.Posts {
			for _, p := range posts {
				if p.Id == parts[4] || p.RootId == parts[4] {
					list.AddPost(p)
					list.AddOrder(p.Id)
				}
			}
		}
		_ = json.NewEncoder(w).Encode(list)

	// GET /api/v4/posts/{post_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/posts/") && len(parts) == 5:
		if p := f.findPost(parts[4]); p != nil {
			_ = json.NewEncoder(w).Encode(p)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "post not found"})

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		post.UserId = f.resolveToken(r)
		_ = json.NewEncoder(w).Encode(&post)

	// PUT /api/v4/posts/{post_id}/patch
	case r.Method == "PUT" && strings.HasSuffix(path, "/patch"):
		var patch model.PostPatch
		_ = json.Unmarshal(body, &patch)
		post := &model.Post{Id: parts[4]}
		if patch.Message != nil {
			post.Message = *patch.Message
		}
		_ = json.NewEncoder(w).Encode(post)

	// DELETE /api/v4/posts/{post_id}
	case r.Method == "DELETE" && strings.HasPrefix(path, "/api/v4/posts/"):
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// newTestClient creates a Client for the bot "mmbot" connected to f.
func newTestClient(t *testing.T, f *fakeMM) *Client {
	t.Helper()
	f.addUser("mmbot", "mattermost-bridge", "bot-token")
	c := NewClient(f.Server.URL, "bot-token", "", zerolog.Nop())
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	return c
}
