package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-gitter/matrix-gitter/common/markup"
	"github.com/matrix-gitter/matrix-gitter/common/ratelimit"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/commands"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/config"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/gitter"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/matrix"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/store"
)

// fakeHomeserver answers the small set of client API calls the bridge makes.
type fakeHomeserver struct {
	mu       sync.Mutex
	calls    []string
	messages []hsMessage
	joined   map[string][]string
}

type hsMessage struct {
	Room   string
	Sender string
	Body   string
}

func newFakeHomeserver() *fakeHomeserver {
	return &fakeHomeserver{joined: make(map[string][]string)}
}

func (f *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	path := r.URL.Path
	switch {
	case strings.Contains(path, "/send/"):
		var body struct {
			Body string `json:"body"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.messages = append(f.messages, hsMessage{
			Room:   pathSegmentAfter(path, "rooms"),
			Sender: r.URL.Query().Get("user_id"),
			Body:   body.Body,
		})
		f.mu.Unlock()
		w.Write([]byte(`{"event_id":"$ev"}`))
	case strings.HasSuffix(path, "/register"):
		w.Write([]byte(`{"user_id":"@ghost:example.org"}`))
	case strings.HasSuffix(path, "/joined_members"):
		room := pathSegmentAfter(path, "rooms")
		joined := make(map[string]struct{})
		f.mu.Lock()
		for _, member := range f.joined[room] {
			joined[member] = struct{}{}
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"joined": joined})
	case strings.HasSuffix(path, "/createRoom"):
		w.Write([]byte(`{"room_id":"!new:example.org"}`))
	default:
		w.Write([]byte(`{}`))
	}
}

func pathSegmentAfter(path, marker string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == marker && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func (f *fakeHomeserver) hasCall(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if strings.Contains(call, substr) {
			return true
		}
	}
	return false
}

func (f *fakeHomeserver) lastMessage(t *testing.T) hsMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		t.Fatal("no message was sent to the homeserver")
	}
	return f.messages[len(f.messages)-1]
}

func newTestBridge(t *testing.T, hs *fakeHomeserver, gitterHandler http.Handler) *Bridge {
	t.Helper()

	hsSrv := httptest.NewServer(hs)
	t.Cleanup(hsSrv.Close)

	gitterURL := "http://127.0.0.1:0"
	if gitterHandler != nil {
		gitterSrv := httptest.NewServer(gitterHandler)
		t.Cleanup(gitterSrv.Close)
		gitterURL = gitterSrv.URL
	}

	st, err := store.New(filepath.Join(t.TempDir(), "bridge.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	mx, err := matrix.NewClient(matrix.Config{
		HomeserverURL: hsSrv.URL,
		Domain:        "example.org",
		Botname:       "gitterbot",
		AccessToken:   "as-token",
	})
	if err != nil {
		t.Fatal(err)
	}

	b := &Bridge{
		cfg:          &config.Config{MatrixHomeserverDomain: "example.org"},
		store:        st,
		matrix:       mx,
		gitter:       gitter.NewClient(gitter.WithBaseURLs(gitterURL, gitterURL)),
		limiter:      ratelimit.New(10*time.Millisecond, time.Second, 2, 0.5),
		markup:       markup.NewConverter(),
		byMatrixRoom: make(map[id.RoomID]*RoomLink),
		byUserGitter: make(map[string]map[string]*RoomLink),
	}
	t.Cleanup(b.limiter.Stop)
	b.commands = commands.New(b)
	b.login = gitter.NewLoginServer(gitter.LoginServerConfig{
		SecretKey: "test-secret",
		PublicURL: "https://bridge.example.org/",
		BotName:   "@gitterbot:example.org",
	})
	return b
}

func memberEvent(room, sender, stateKey string, membership event.Membership) *event.Event {
	return &event.Event{
		Type:     event.StateMember,
		RoomID:   id.RoomID(room),
		Sender:   id.UserID(sender),
		StateKey: &stateKey,
		Content: event.Content{
			Parsed: &event.MemberEventContent{Membership: membership},
		},
	}
}

func messageEvent(room, sender, body string) *event.Event {
	return &event.Event{
		Type:   event.EventMessage,
		RoomID: id.RoomID(room),
		Sender: id.UserID(sender),
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
		},
	}
}

func TestInviteTargetingBotTriggersJoin(t *testing.T) {
	hs := newFakeHomeserver()
	b := newTestBridge(t, hs, nil)

	b.handleEvent(context.Background(),
		memberEvent("!r1:example.org", "@alice:example.org", "@gitterbot:example.org", event.MembershipInvite))

	if !hs.hasCall("/join") {
		t.Error("bot did not join after being invited")
	}
}

func TestInviteTargetingSomeoneElseIsIgnored(t *testing.T) {
	hs := newFakeHomeserver()
	b := newTestBridge(t, hs, nil)

	b.handleEvent(context.Background(),
		memberEvent("!r1:example.org", "@alice:example.org", "@carol:example.org", event.MembershipInvite))

	if hs.hasCall("/join") {
		t.Error("bot joined on an invite targeting another user")
	}
}

func TestJoinAdoptsPrivateRoomAndGreets(t *testing.T) {
	hs := newFakeHomeserver()
	hs.joined["!priv:example.org"] = []string{"@gitterbot:example.org", "@alice:example.org"}
	b := newTestBridge(t, hs, nil)
	ctx := context.Background()

	b.handleEvent(ctx,
		memberEvent("!priv:example.org", "@alice:example.org", "@alice:example.org", event.MembershipJoin))

	user, err := b.store.GetUser(ctx, "@alice:example.org")
	if err != nil {
		t.Fatalf("user was not created: %v", err)
	}
	if user.MatrixPrivateRoom.String != "!priv:example.org" {
		t.Errorf("private room = %q, want !priv:example.org", user.MatrixPrivateRoom.String)
	}

	msg := hs.lastMessage(t)
	if !strings.HasPrefix(msg.Body, "Hi @alice! I am the interface to this Matrix-Gitter bridge.") {
		t.Errorf("greeting = %q", msg.Body)
	}
	if !strings.Contains(msg.Body, "https://bridge.example.org/auth_gitter/") {
		t.Errorf("greeting for unauthenticated user lacks login link: %q", msg.Body)
	}
}

func TestJoinWithTooManyMembersLeaves(t *testing.T) {
	hs := newFakeHomeserver()
	hs.joined["!crowd:example.org"] = []string{
		"@gitterbot:example.org", "@alice:example.org", "@carol:example.org"}
	b := newTestBridge(t, hs, nil)

	b.handleEvent(context.Background(),
		memberEvent("!crowd:example.org", "@carol:example.org", "@carol:example.org", event.MembershipJoin))

	if !hs.hasCall("/leave") || !hs.hasCall("/forget") {
		t.Error("bot did not leave and forget a room with too many members")
	}
}

func TestMessageWithoutLoginGetsReply(t *testing.T) {
	hs := newFakeHomeserver()
	b := newTestBridge(t, hs, nil)
	ctx := context.Background()

	if _, err := b.store.CreateUser(ctx, "@alice:example.org"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.store.SetPrivateRoom(ctx, "@alice:example.org", "!priv:example.org"); err != nil {
		t.Fatal(err)
	}

	b.handleEvent(ctx, messageEvent("!priv:example.org", "@alice:example.org", "list"))

	if got := hs.lastMessage(t).Body; got != "You are not logged in." {
		t.Errorf("reply = %q, want You are not logged in.", got)
	}
}

func TestCommandInAdminRoom(t *testing.T) {
	hs := newFakeHomeserver()
	gitterAPI := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/rooms":
			w.Write([]byte(`{"id":"g1","url":"/gitterhq/sandbox"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/user/u1/rooms":
			w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	})
	b := newTestBridge(t, hs, gitterAPI)
	ctx := context.Background()

	if _, err := b.store.CreateUser(ctx, "@alice:example.org"); err != nil {
		t.Fatal(err)
	}
	if err := b.store.SetGitterInfo(ctx, "@alice:example.org", "tok", "u1", "alice-gh"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.store.SetPrivateRoom(ctx, "@alice:example.org", "!priv:example.org"); err != nil {
		t.Fatal(err)
	}

	b.handleEvent(ctx, messageEvent("!priv:example.org", "@alice:example.org", "gjoin gitterhq/sandbox"))

	if got := hs.lastMessage(t).Body; got != "Successfully joined room gitterhq/sandbox" {
		t.Errorf("reply = %q", got)
	}
}

func TestMessageInLinkedRoomForwardsToGitter(t *testing.T) {
	var posted string
	gitterAPI := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/rooms/g1/chatMessages" {
			var body struct {
				Text string `json:"text"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			posted = body.Text
		}
		w.Write([]byte(`{}`))
	})
	hs := newFakeHomeserver()
	b := newTestBridge(t, hs, gitterAPI)
	ctx := context.Background()

	user := store.User{MatrixUserID: "@alice:example.org"}
	user.GitterAccessToken.String, user.GitterAccessToken.Valid = "tok", true
	user.GithubUsername.String, user.GithubUsername.Valid = "alice-gh", true
	link := &RoomLink{
		bridge:         b,
		user:           user,
		matrixRoom:     "!linked:example.org",
		gitterRoomName: "gitterhq/sandbox",
		gitterRoomID:   "g1",
	}
	b.indexLink(link)

	// Someone else's message in the linked room must not be forwarded.
	b.handleEvent(ctx, messageEvent("!linked:example.org", "@carol:example.org", "not mine"))
	if posted != "" {
		t.Fatalf("forwarded a non-owner message: %q", posted)
	}

	b.handleEvent(ctx, messageEvent("!linked:example.org", "@alice:example.org", "hello gitter"))
	if posted != "hello gitter" {
		t.Errorf("forwarded text = %q, want hello gitter", posted)
	}
}

func TestLeaveInLinkedRoomDestroysLink(t *testing.T) {
	hs := newFakeHomeserver()
	b := newTestBridge(t, hs, nil)
	ctx := context.Background()

	if _, err := b.store.CreateUser(ctx, "@alice:example.org"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.store.InsertBridgedRoom(ctx, "@alice:example.org", "!linked:example.org", "gitterhq/sandbox", "g1"); err != nil {
		t.Fatal(err)
	}
	link := &RoomLink{
		bridge:         b,
		user:           store.User{MatrixUserID: "@alice:example.org"},
		matrixRoom:     "!linked:example.org",
		gitterRoomName: "gitterhq/sandbox",
		gitterRoomID:   "g1",
	}
	b.indexLink(link)

	b.handleEvent(ctx,
		memberEvent("!linked:example.org", "@alice:example.org", "@alice:example.org", event.MembershipLeave))

	if b.linkByMatrixRoom("!linked:example.org") != nil {
		t.Error("link still indexed after leave")
	}
	links, err := b.store.ListBridgedRooms(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 0 {
		t.Error("bridged room row still present after leave")
	}
}

func TestBotMessageIsIgnored(t *testing.T) {
	var posted bool
	gitterAPI := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted = true
		w.Write([]byte(`{}`))
	})
	hs := newFakeHomeserver()
	b := newTestBridge(t, hs, gitterAPI)
	ctx := context.Background()

	user := store.User{MatrixUserID: "@alice:example.org"}
	user.GitterAccessToken.String, user.GitterAccessToken.Valid = "tok", true
	link := &RoomLink{
		bridge:         b,
		user:           user,
		matrixRoom:     "!linked:example.org",
		gitterRoomName: "gitterhq/sandbox",
		gitterRoomID:   "g1",
	}
	b.indexLink(link)

	b.handleEvent(ctx, messageEvent("!linked:example.org", "@gitterbot:example.org", "relayed text"))

	if posted {
		t.Error("a bot-sent message was forwarded to gitter")
	}
	hs.mu.Lock()
	sent := len(hs.messages)
	hs.mu.Unlock()
	if sent != 0 {
		t.Errorf("bot-sent message produced %d matrix replies, want 0", sent)
	}
}

func TestDestroyTwiceIsNoOp(t *testing.T) {
	hs := newFakeHomeserver()
	b := newTestBridge(t, hs, nil)
	ctx := context.Background()

	if _, err := b.store.CreateUser(ctx, "@alice:example.org"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.store.InsertBridgedRoom(ctx, "@alice:example.org", "!linked:example.org", "gitterhq/sandbox", "g1"); err != nil {
		t.Fatal(err)
	}
	link := &RoomLink{
		bridge:         b,
		user:           store.User{MatrixUserID: "@alice:example.org"},
		matrixRoom:     "!linked:example.org",
		gitterRoomName: "gitterhq/sandbox",
		gitterRoomID:   "g1",
	}
	b.indexLink(link)

	link.Destroy(ctx)

	// Re-create the row between the two calls: a second Destroy must be a
	// no-op and leave it alone.
	if _, err := b.store.InsertBridgedRoom(ctx, "@alice:example.org", "!linked:example.org", "gitterhq/sandbox", "g1"); err != nil {
		t.Fatal(err)
	}
	link.Destroy(ctx)

	rooms, err := b.store.ListBridgedRooms(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 {
		t.Errorf("bridged rooms = %d, want 1 (second destroy must not touch the store)", len(rooms))
	}
	if b.linkByMatrixRoom("!linked:example.org") != nil {
		t.Error("link still indexed after destroy")
	}
}

func TestForwardToMatrixPipeline(t *testing.T) {
	hs := newFakeHomeserver()
	b := newTestBridge(t, hs, nil)
	ctx := context.Background()

	b.forwardToMatrix(ctx, "!linked:example.org", "bob", "hello matrix")

	if !hs.hasCall("/register") {
		t.Error("ghost was not registered")
	}
	if !hs.hasCall("/displayname") {
		t.Error("ghost displayname was not set")
	}
	if !hs.hasCall("/invite") || !hs.hasCall("/join") {
		t.Error("ghost was not brought into the room")
	}
	msg := hs.lastMessage(t)
	if msg.Body != "hello matrix" {
		t.Errorf("forwarded body = %q", msg.Body)
	}
	if msg.Sender != "@gitter_bob:example.org" {
		t.Errorf("forwarded as %q, want @gitter_bob:example.org", msg.Sender)
	}

	// The second message reuses the registered, joined ghost.
	hs.mu.Lock()
	before := len(hs.calls)
	hs.mu.Unlock()
	b.forwardToMatrix(ctx, "!linked:example.org", "bob", "again")
	hs.mu.Lock()
	added := hs.calls[before:]
	hs.mu.Unlock()
	for _, call := range added {
		if strings.Contains(call, "/register") || strings.Contains(call, "/invite") {
			t.Errorf("repeated pipeline step on second message: %s", call)
		}
	}
}

func TestStreamLoopSuppression(t *testing.T) {
	hs := newFakeHomeserver()
	b := newTestBridge(t, hs, nil)

	user := store.User{MatrixUserID: "@alice:example.org"}
	user.GithubUsername.String, user.GithubUsername.Valid = "alice-gh", true
	link := &RoomLink{
		bridge:         b,
		user:           user,
		matrixRoom:     "!linked:example.org",
		gitterRoomName: "gitterhq/sandbox",
		gitterRoomID:   "g1",
	}

	stream := `{"id":"m1","text":"own echo","fromUser":{"username":"alice-gh"}}` + "\n" +
		`{"id":"m2","text":"from bob","fromUser":{"username":"bob"}}` + "\n"
	done := make(chan struct{})
	go func() {
		link.readLoop(readCloser{strings.NewReader(stream)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readLoop did not finish")
	}
	link.destroyed.Store(true)

	var bodies []string
	hs.mu.Lock()
	for _, msg := range hs.messages {
		bodies = append(bodies, msg.Sender+": "+msg.Body)
	}
	hs.mu.Unlock()
	if len(bodies) != 1 || bodies[0] != "@gitter_bob:example.org: from bob" {
		t.Errorf("forwarded = %v, want only bob's message", bodies)
	}
}

type readCloser struct{ *strings.Reader }

func (readCloser) Close() error { return nil }
