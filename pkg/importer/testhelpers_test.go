// Copyright 2024-2026 Aiku AI

package importer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-matrix-bridge/pkg/bridge"
	"github.com/aiku/mattermost-matrix-bridge/pkg/store"
)

const (
	testServer = "example.com"
	testBot    = id.UserID("@mattermostbot:example.com")
	testBotMM  = "mmbot"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// --- Matrix fake ---

type sentEvent struct {
	Sender  id.UserID
	RoomID  id.RoomID
	EventID id.EventID
	Content *event.MessageEventContent
	PostID  string
	TS      time.Time
}

type fakeMatrix struct {
	mu      sync.Mutex
	rooms   map[id.RoomID]*mautrix.ReqCreateRoom
	sent    []sentEvent
	failFor map[string]error
	seq     int
	// afterSend, if set, is called with the post id of every delivered event.
	afterSend func(postID string)
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		rooms:   make(map[id.RoomID]*mautrix.ReqCreateRoom),
		failFor: make(map[string]error),
	}
}

func (m *fakeMatrix) Bot() bridge.Intent                 { return &fakeIntent{m: m, user: testBot} }
func (m *fakeMatrix) Intent(u id.UserID) bridge.Intent   { return &fakeIntent{m: m, user: u} }
func (m *fakeMatrix) GhostUserID(mmID string) id.UserID  { return id.NewUserID("mattermost_"+mmID, testServer) }
func (m *fakeMatrix) ServerName() string                 { return testServer }
func (m *fakeMatrix) ParseGhost(u id.UserID) (string, bool) {
	local := u.Localpart()
	if !strings.HasPrefix(local, "mattermost_") {
		return "", false
	}
	return strings.TrimPrefix(local, "mattermost_"), true
}

// eventsIn returns the post ids sent into a room, in send order.
func (m *fakeMatrix) eventsIn(roomID id.RoomID) []sentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentEvent
	for _, evt := range m.sent {
		if evt.RoomID == roomID {
			out = append(out, evt)
		}
	}
	return out
}

func postIDs(events []sentEvent) []string {
	ids := make([]string, len(events))
	for i, evt := range events {
		ids[i] = evt.PostID
	}
	return ids
}

type fakeIntent struct {
	m    *fakeMatrix
	user id.UserID
}

func (i *fakeIntent) UserID() id.UserID                                { return i.user }
func (i *fakeIntent) EnsureRegistered(context.Context) error           { return nil }
func (i *fakeIntent) SetDisplayName(context.Context, string) error     { return nil }
func (i *fakeIntent) EnsureJoined(context.Context, id.RoomID) error    { return nil }
func (i *fakeIntent) LeaveRoom(context.Context, id.RoomID) error       { return nil }
func (i *fakeIntent) RedactEvent(context.Context, id.RoomID, id.EventID) error {
	return nil
}
func (i *fakeIntent) InviteUser(context.Context, id.RoomID, id.UserID) error { return nil }
func (i *fakeIntent) BanUser(context.Context, id.RoomID, id.UserID, string) error {
	return nil
}
func (i *fakeIntent) UnbanUser(context.Context, id.RoomID, id.UserID) error { return nil }
func (i *fakeIntent) ResolveAlias(context.Context, id.RoomAlias) (id.RoomID, error) {
	return "", mautrix.MNotFound
}
func (i *fakeIntent) StateEvent(context.Context, id.RoomID, event.Type, string, any) error {
	return mautrix.MNotFound
}
func (i *fakeIntent) SendStateEvent(context.Context, id.RoomID, event.Type, string, any) error {
	return nil
}
func (i *fakeIntent) Members(context.Context, id.RoomID) (map[id.UserID]event.Membership, error) {
	return nil, nil
}

func (i *fakeIntent) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	i.m.seq++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", i.m.seq, testServer))
	i.m.rooms[roomID] = req
	return roomID, nil
}

func (i *fakeIntent) SendMessageEvent(ctx context.Context, roomID id.RoomID, _ event.Type, content any, ts time.Time) (id.EventID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	i.m.mu.Lock()
	sent := sentEvent{Sender: i.user, RoomID: roomID, TS: ts}
	if c, ok := content.(*event.Content); ok {
		sent.Content, _ = c.Parsed.(*event.MessageEventContent)
		sent.PostID, _ = c.Raw[bridge.KeyPostID].(string)
	}
	if err := i.m.failFor[sent.PostID]; err != nil {
		i.m.mu.Unlock()
		return "", err
	}
	i.m.seq++
	sent.EventID = id.EventID(fmt.Sprintf("$ev%d", i.m.seq))
	i.m.sent = append(i.m.sent, sent)
	hook := i.m.afterSend
	i.m.mu.Unlock()
	if hook != nil {
		hook(sent.PostID)
	}
	return sent.EventID, nil
}

// --- Mattermost fake ---

// fakeMattermost serves both the bridge's Mattermost API and the importer's
// Source.
type fakeMattermost struct {
	mu       sync.Mutex
	channels map[string]*model.Channel
	posts    map[string]*model.Post
	pages    int
}

func newFakeMattermost() *fakeMattermost {
	return &fakeMattermost{
		channels: make(map[string]*model.Channel),
		posts:    make(map[string]*model.Post),
	}
}

var errNotFound = errors.New("not found")

func (f *fakeMattermost) BotUserID() string { return testBotMM }

func (f *fakeMattermost) GetChannel(_ context.Context, channelID string) (*model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, errNotFound
	}
	return ch, nil
}

func (f *fakeMattermost) TeamChannels(context.Context) ([]*model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (f *fakeMattermost) GetChannelMembers(context.Context, string) (model.ChannelMembers, error) {
	return nil, nil
}

func (f *fakeMattermost) GetUser(_ context.Context, userID string) (*model.User, error) {
	return &model.User{Id: userID, Username: userID}, nil
}

func (f *fakeMattermost) GetPost(_ context.Context, postID string) (*model.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[postID]
	if !ok {
		return nil, errNotFound
	}
	return post, nil
}

func (f *fakeMattermost) GetPostThread(_ context.Context, postID string) (*model.PostList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := model.NewPostList()
	for _, post := range f.posts {
		if post.Id == postID || post.RootId == postID {
			list.AddPost(post)
			list.AddOrder(post.Id)
		}
	}
	return list, nil
}

func (f *fakeMattermost) PostsAfter(_ context.Context, channelID, afterPostID string, limit int) ([]*model.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages++
	var all []*model.Post
	for _, post := range f.posts {
		if post.ChannelId == channelID {
			all = append(all, post)
		}
	}
	slices.SortFunc(all, func(a, b *model.Post) int {
		return cmp.Or(cmp.Compare(a.CreateAt, b.CreateAt), cmp.Compare(a.Id, b.Id))
	})
	start := 0
	if afterPostID != "" {
		idx := slices.IndexFunc(all, func(p *model.Post) bool { return p.Id == afterPostID })
		if idx < 0 {
			return nil, errNotFound
		}
		start = idx + 1
	}
	end := min(start+limit, len(all))
	return all[start:end], nil
}

func (f *fakeMattermost) CreatePost(context.Context, *model.Post) (*model.Post, error) {
	return nil, errors.New("importer must not write to Mattermost")
}

func (f *fakeMattermost) PatchPost(context.Context, string, *model.PostPatch) (*model.Post, error) {
	return nil, errors.New("importer must not write to Mattermost")
}

func (f *fakeMattermost) DeletePost(context.Context, string) error {
	return errors.New("importer must not write to Mattermost")
}

func (f *fakeMattermost) CreateDirectChannel(context.Context, string, string) (*model.Channel, error) {
	return nil, errors.New("not supported")
}

func (f *fakeMattermost) addChannel(channelID string) {
	f.channels[channelID] = &model.Channel{Id: channelID, Name: channelID, DisplayName: "Channel " + channelID, Type: model.ChannelTypeOpen}
}

// addPost adds a post created minute minutes after epoch. Replies bump their
// root's reply count.
func (f *fakeMattermost) addPost(channelID, postID, userID string, minute int, rootID string) *model.Post {
	post := &model.Post{
		Id:        postID,
		ChannelId: channelID,
		UserId:    userID,
		RootId:    rootID,
		Message:   "message " + postID,
		CreateAt:  epoch.Add(time.Duration(minute) * time.Minute).UnixMilli(),
	}
	f.posts[postID] = post
	if root, ok := f.posts[rootID]; ok {
		root.ReplyCount++
	}
	return post
}

// --- harness ---

type testEnv struct {
	engine *Engine
	bridge *bridge.Bridge
	store  *store.Database
	mx     *fakeMatrix
	mm     *fakeMattermost
}

func newTestStore(t *testing.T) *store.Database {
	t.Helper()
	raw, err := dbutil.NewWithDialect(filepath.Join(t.TempDir(), "bridge.db")+"?_busy_timeout=5000", "sqlite3")
	require.NoError(t, err)
	raw.RawDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = raw.Close() })
	db := store.New(raw, zerolog.Nop())
	require.NoError(t, db.Upgrade(context.Background()))
	return db
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		store: newTestStore(t),
		mx:    newFakeMatrix(),
		mm:    newFakeMattermost(),
	}
	ids, err := bridge.NewIdentities(env.store, env.mx, env.mm, bridge.IdentitiesOptions{CacheSize: 100, CacheTTL: time.Minute, Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(ids.Close)
	env.bridge = bridge.New(env.store, env.mm, env.mx, nil, bridge.NewAllowList(nil), ids, bridge.Options{}, zerolog.Nop())
	env.engine = New(env.bridge, env.mm, opts, zerolog.Nop())
	return env
}

// liveBridge marks a post as delivered by the live bridge into the channel's
// live room.
func (e *testEnv) liveBridge(t *testing.T, postID string) {
	t.Helper()
	ctx := context.Background()
	post := e.mm.posts[postID]
	room, err := e.bridge.EnsureRoom(ctx, e.mm.channels[post.ChannelId])
	require.NoError(t, err)
	require.NoError(t, e.store.UpsertMessage(ctx, &store.MessageMapping{
		PostID:  postID,
		RoomID:  room.RoomID,
		EventID: id.EventID("$live_" + postID),
		SentAt:  time.UnixMilli(post.CreateAt),
	}))
}

func (e *testEnv) historicalRoom(t *testing.T, channelID string) id.RoomID {
	t.Helper()
	room, err := e.store.GetRoomByChannel(context.Background(), channelID)
	require.NoError(t, err)
	require.NotNil(t, room)
	return room.HistoricalRoomID
}
