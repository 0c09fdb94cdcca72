// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
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
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-matrix-bridge/pkg/store"
)

const (
	testServer   = "example.com"
	testBotMXID  = id.UserID("@mattermostbot:example.com")
	testBotMMID  = "mmbot"
	testGhostPfx = "mattermost_"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// --- Matrix fake ---

type sentEvent struct {
	Sender  id.UserID
	RoomID  id.RoomID
	EventID id.EventID
	Type    event.Type
	Content *event.MessageEventContent
	Raw     map[string]any
	TS      time.Time
}

type matrixCall struct {
	User   id.UserID
	Method string
	RoomID id.RoomID
	Target string
}

type fakeRoom struct {
	state   map[event.Type]json.RawMessage
	members map[id.UserID]event.Membership
}

type fakeMatrix struct {
	mu       sync.Mutex
	rooms    map[id.RoomID]*fakeRoom
	aliases  map[id.RoomAlias]id.RoomID
	names    map[id.UserID]string
	sent     []sentEvent
	calls    []matrixCall
	failures map[string]error
	seq      int
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		rooms:    make(map[id.RoomID]*fakeRoom),
		aliases:  make(map[id.RoomAlias]id.RoomID),
		names:    make(map[id.UserID]string),
		failures: make(map[string]error),
	}
}

func (m *fakeMatrix) Bot() Intent { return &fakeIntent{m: m, user: testBotMXID} }

func (m *fakeMatrix) Intent(userID id.UserID) Intent { return &fakeIntent{m: m, user: userID} }

func (m *fakeMatrix) GhostUserID(mmUserID string) id.UserID {
	return id.NewUserID(testGhostPfx+strings.ToLower(mmUserID), testServer)
}

func (m *fakeMatrix) ParseGhost(userID id.UserID) (string, bool) {
	localpart, server, err := userID.Parse()
	if err != nil || server != testServer || !strings.HasPrefix(localpart, testGhostPfx) {
		return "", false
	}
	return strings.TrimPrefix(localpart, testGhostPfx), true
}

func (m *fakeMatrix) ServerName() string { return testServer }

// fail makes method fail for user until cleared.
func (m *fakeMatrix) fail(method string, user id.UserID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method+":"+string(user)] = err
}

func (m *fakeMatrix) addRoom(roomID id.RoomID, members map[id.UserID]event.Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members == nil {
		members = make(map[id.UserID]event.Membership)
	}
	m.rooms[roomID] = &fakeRoom{state: make(map[event.Type]json.RawMessage), members: members}
}

func (m *fakeMatrix) setState(roomID id.RoomID, evtType event.Type, content any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := json.Marshal(content)
	m.rooms[roomID].state[evtType] = data
}

func (m *fakeMatrix) membership(roomID id.RoomID, userID id.UserID) event.Membership {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[roomID]; ok {
		return room.members[userID]
	}
	return ""
}

func (m *fakeMatrix) sentEvents() []sentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

func (m *fakeMatrix) countCalls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *fakeMatrix) callsOf(method string) []matrixCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []matrixCall
	for _, c := range m.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

type fakeIntent struct {
	m    *fakeMatrix
	user id.UserID
}

var _ Intent = (*fakeIntent)(nil)

// begin records a call and returns the injected failure, if any. The lock is
// held until done is called.
func (i *fakeIntent) begin(method string, roomID id.RoomID, target string) (func(), error) {
	i.m.mu.Lock()
	i.m.calls = append(i.m.calls, matrixCall{User: i.user, Method: method, RoomID: roomID, Target: target})
	return i.m.mu.Unlock, i.m.failures[method+":"+string(i.user)]
}

func (i *fakeIntent) room(roomID id.RoomID) (*fakeRoom, error) {
	room, ok := i.m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown room %s", mautrix.MNotFound, roomID)
	}
	return room, nil
}

func (i *fakeIntent) UserID() id.UserID { return i.user }

func (i *fakeIntent) EnsureRegistered(context.Context) error {
	done, err := i.begin("EnsureRegistered", "", "")
	defer done()
	return err
}

func (i *fakeIntent) SetDisplayName(_ context.Context, name string) error {
	done, err := i.begin("SetDisplayName", "", name)
	defer done()
	if err == nil {
		i.m.names[i.user] = name
	}
	return err
}

func (i *fakeIntent) EnsureJoined(_ context.Context, roomID id.RoomID) error {
	done, err := i.begin("EnsureJoined", roomID, "")
	defer done()
	if err != nil {
		return err
	}
	room, err := i.room(roomID)
	if err != nil {
		return err
	}
	if room.members[i.user] == event.MembershipBan {
		return mautrix.MForbidden
	}
	room.members[i.user] = event.MembershipJoin
	return nil
}

func (i *fakeIntent) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	done, err := i.begin("LeaveRoom", roomID, "")
	defer done()
	if err != nil {
		return err
	}
	room, err := i.room(roomID)
	if err != nil {
		return err
	}
	room.members[i.user] = event.MembershipLeave
	return nil
}

func (i *fakeIntent) InviteUser(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	done, err := i.begin("InviteUser", roomID, string(userID))
	defer done()
	if err != nil {
		return err
	}
	room, err := i.room(roomID)
	if err != nil {
		return err
	}
	room.members[userID] = event.MembershipInvite
	return nil
}

func (i *fakeIntent) BanUser(_ context.Context, roomID id.RoomID, userID id.UserID, _ string) error {
	done, err := i.begin("BanUser", roomID, string(userID))
	defer done()
	if err != nil {
		return err
	}
	room, err := i.room(roomID)
	if err != nil {
		return err
	}
	room.members[userID] = event.MembershipBan
	return nil
}

func (i *fakeIntent) UnbanUser(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	done, err := i.begin("UnbanUser", roomID, string(userID))
	defer done()
	if err != nil {
		return err
	}
	room, err := i.room(roomID)
	if err != nil {
		return err
	}
	room.members[userID] = event.MembershipLeave
	return nil
}

func (i *fakeIntent) SendMessageEvent(_ context.Context, roomID id.RoomID, eventType event.Type, content any, ts time.Time) (id.EventID, error) {
	done, err := i.begin("SendMessageEvent", roomID, "")
	defer done()
	if err != nil {
		return "", err
	}
	if _, err = i.room(roomID); err != nil {
		return "", err
	}
	sent := sentEvent{Sender: i.user, RoomID: roomID, Type: eventType, TS: ts}
	switch c := content.(type) {
	case *event.Content:
		sent.Content, _ = c.Parsed.(*event.MessageEventContent)
		sent.Raw = c.Raw
	case *event.MessageEventContent:
		sent.Content = c
	}
	i.m.seq++
	sent.EventID = id.EventID(fmt.Sprintf("$ev%d", i.m.seq))
	i.m.sent = append(i.m.sent, sent)
	return sent.EventID, nil
}

func (i *fakeIntent) RedactEvent(_ context.Context, roomID id.RoomID, eventID id.EventID) error {
	done, err := i.begin("RedactEvent", roomID, string(eventID))
	defer done()
	return err
}

func (i *fakeIntent) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	done, err := i.begin("CreateRoom", "", req.RoomAliasName)
	defer done()
	if err != nil {
		return "", err
	}
	var alias id.RoomAlias
	if req.RoomAliasName != "" {
		alias = id.NewRoomAlias(req.RoomAliasName, testServer)
		if _, taken := i.m.aliases[alias]; taken {
			return "", mautrix.MRoomInUse
		}
	}
	i.m.seq++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", i.m.seq, testServer))
	room := &fakeRoom{
		state:   make(map[event.Type]json.RawMessage),
		members: map[id.UserID]event.Membership{i.user: event.MembershipJoin},
	}
	for _, userID := range req.Invite {
		room.members[userID] = event.MembershipInvite
	}
	for _, evt := range req.InitialState {
		data, _ := json.Marshal(evt.Content.Parsed)
		room.state[evt.Type] = data
	}
	if req.Name != "" {
		room.state[event.StateRoomName], _ = json.Marshal(&event.RoomNameEventContent{Name: req.Name})
	}
	if alias != "" {
		i.m.aliases[alias] = roomID
	}
	i.m.rooms[roomID] = room
	return roomID, nil
}

func (i *fakeIntent) ResolveAlias(_ context.Context, alias id.RoomAlias) (id.RoomID, error) {
	done, err := i.begin("ResolveAlias", "", string(alias))
	defer done()
	if err != nil {
		return "", err
	}
	roomID, ok := i.m.aliases[alias]
	if !ok {
		return "", mautrix.MNotFound
	}
	return roomID, nil
}

func (i *fakeIntent) StateEvent(_ context.Context, roomID id.RoomID, eventType event.Type, _ string, out any) error {
	done, err := i.begin("StateEvent", roomID, eventType.Type)
	defer done()
	if err != nil {
		return err
	}
	room, err := i.room(roomID)
	if err != nil {
		return err
	}
	data, ok := room.state[eventType]
	if !ok {
		return mautrix.MNotFound
	}
	return json.Unmarshal(data, out)
}

func (i *fakeIntent) SendStateEvent(_ context.Context, roomID id.RoomID, eventType event.Type, _ string, content any) error {
	done, err := i.begin("SendStateEvent", roomID, eventType.Type)
	defer done()
	if err != nil {
		return err
	}
	room, err := i.room(roomID)
	if err != nil {
		return err
	}
	room.state[eventType], err = json.Marshal(content)
	return err
}

func (i *fakeIntent) Members(_ context.Context, roomID id.RoomID) (map[id.UserID]event.Membership, error) {
	done, err := i.begin("Members", roomID, "")
	defer done()
	if err != nil {
		return nil, err
	}
	room, err := i.room(roomID)
	if err != nil {
		return nil, err
	}
	out := make(map[id.UserID]event.Membership, len(room.members))
	for userID, membership := range room.members {
		out[userID] = membership
	}
	return out, nil
}

// --- Mattermost fake ---

type fakePoster struct {
	mu      sync.Mutex
	userID  string
	posts   map[string]*model.Post
	created []*model.Post
	patched map[string]string
	deleted []string
	seq     *int
	clock   func() time.Time
}

func (p *fakePoster) CreatePost(_ context.Context, post *model.Post) (*model.Post, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p.seq++
	created := post.Clone()
	created.Id = fmt.Sprintf("post%d", *p.seq)
	created.UserId = p.userID
	created.CreateAt = p.clock().UnixMilli()
	p.posts[created.Id] = created
	p.created = append(p.created, created)
	return created, nil
}

func (p *fakePoster) PatchPost(_ context.Context, postID string, patch *model.PostPatch) (*model.Post, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	post, ok := p.posts[postID]
	if !ok {
		return nil, fmt.Errorf("post %s not found", postID)
	}
	if patch.Message != nil {
		post.Message = *patch.Message
		p.patched[postID] = *patch.Message
	}
	return post, nil
}

func (p *fakePoster) DeletePost(_ context.Context, postID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, postID)
	return nil
}

type fakeMattermost struct {
	*fakePoster
	channels map[string]*model.Channel
	members  map[string]model.ChannelMembers
	users    map[string]*model.User
	direct   int
}

var _ Mattermost = (*fakeMattermost)(nil)

func newFakeMattermost(seq *int) *fakeMattermost {
	return &fakeMattermost{
		fakePoster: newFakePoster(testBotMMID, seq),
		channels:   make(map[string]*model.Channel),
		members:    make(map[string]model.ChannelMembers),
		users:      make(map[string]*model.User),
	}
}

func newFakePoster(userID string, seq *int) *fakePoster {
	return &fakePoster{
		userID:  userID,
		posts:   make(map[string]*model.Post),
		patched: make(map[string]string),
		seq:     seq,
		clock:   func() time.Time { return testNow },
	}
}

func (f *fakeMattermost) BotUserID() string { return testBotMMID }

func (f *fakeMattermost) GetChannel(_ context.Context, channelID string) (*model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}
	return ch, nil
}

func (f *fakeMattermost) GetChannelMembers(_ context.Context, channelID string) (model.ChannelMembers, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[channelID], nil
}

func (f *fakeMattermost) GetUser(_ context.Context, userID string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[userID]; ok {
		return user, nil
	}
	return &model.User{Id: userID, Username: userID}, nil
}

func (f *fakeMattermost) GetPost(_ context.Context, postID string) (*model.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[postID]
	if !ok {
		return nil, fmt.Errorf("post %s not found", postID)
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

func (f *fakeMattermost) CreateDirectChannel(_ context.Context, userID1, userID2 string) (*model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct++
	ch := &model.Channel{Id: model.GetDMNameFromIds(userID1, userID2), Type: model.ChannelTypeDirect}
	f.channels[ch.Id] = ch
	return ch, nil
}

func (f *fakeMattermost) addPost(post *model.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[post.Id] = post
}

type fakePuppets struct {
	byMXID map[id.UserID]*fakePoster
	mmIDs  map[string]bool
}

func (p *fakePuppets) PosterFor(userID id.UserID) (Poster, bool) {
	poster, ok := p.byMXID[userID]
	if !ok {
		return nil, false
	}
	return poster, true
}

func (p *fakePuppets) IsPuppetUserID(mmUserID string) bool { return p.mmIDs[mmUserID] }

// --- harness ---

type testEnv struct {
	bridge  *Bridge
	store   *store.Database
	mx      *fakeMatrix
	mm      *fakeMattermost
	puppets *fakePuppets
	now     time.Time
}

func newTestStore(t *testing.T) *store.Database {
	t.Helper()
	raw, err := dbutil.NewWithDialect(filepath.Join(t.TempDir(), "bridge.db")+"?_busy_timeout=5000", "sqlite3")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	raw.RawDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = raw.Close() })
	db := store.New(raw, zerolog.Nop())
	if err = db.Upgrade(context.Background()); err != nil {
		t.Fatalf("failed to upgrade database: %v", err)
	}
	return db
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	seq := 0
	env := &testEnv{
		store:   newTestStore(t),
		mx:      newFakeMatrix(),
		mm:      newFakeMattermost(&seq),
		puppets: &fakePuppets{byMXID: make(map[id.UserID]*fakePoster), mmIDs: make(map[string]bool)},
		now:     testNow,
	}
	ids, err := NewIdentities(env.store, env.mx, env.mm, IdentitiesOptions{CacheSize: 100, CacheTTL: time.Minute, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("failed to create identities: %v", err)
	}
	t.Cleanup(ids.Close)
	if opts.Now == nil {
		opts.Now = func() time.Time { return env.now }
	}
	env.bridge = New(env.store, env.mm, env.mx, env.puppets, NewAllowList(nil), ids, opts, zerolog.Nop())
	return env
}

// addPuppet registers a Matrix user with its own Mattermost account.
func (e *testEnv) addPuppet(mxid id.UserID, mmUserID string) *fakePoster {
	poster := newFakePoster(mmUserID, e.mm.seq)
	poster.posts = e.mm.posts
	e.puppets.byMXID[mxid] = poster
	e.puppets.mmIDs[mmUserID] = true
	return poster
}

// mapRoom creates a Matrix room mapped to a new channel.
func (e *testEnv) mapRoom(t *testing.T, channel *model.Channel, roomID id.RoomID, members map[id.UserID]event.Membership) {
	t.Helper()
	e.mm.channels[channel.Id] = channel
	e.mx.addRoom(roomID, members)
	if _, err := e.store.UpsertRoom(context.Background(), channel.Id, roomID); err != nil {
		t.Fatalf("failed to map room: %v", err)
	}
}

func changeEvent(t *testing.T, typ EntityType, op Operation, channelID string, m any) *ChangeEvent {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("failed to marshal model: %v", err)
	}
	return &ChangeEvent{
		Type:      typ,
		Operation: op,
		URL:       "/api/v4/channels/" + channelID + "/posts",
		Model:     data,
	}
}

func matrixMessage(roomID id.RoomID, eventID id.EventID, sender id.UserID, ts time.Time, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Type:      event.EventMessage,
		RoomID:    roomID,
		ID:        eventID,
		Sender:    sender,
		Timestamp: ts.UnixMilli(),
		Content:   event.Content{Parsed: content, Raw: map[string]any{}},
	}
}
