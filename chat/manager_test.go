// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fosschime/chime-api/chime"
	"github.com/fosschime/chime-api/juggernaut"
	"github.com/fosschime/chime-api/lib/ref"
	"github.com/fosschime/chime-api/lib/testutil"
)

const waitFor = 5 * time.Second

var chatBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordedMessage struct {
	room   ref.RoomID
	sender string
	text   string
	flags  MessageFlags
	at     time.Time
}

type memberEvent struct {
	room   ref.RoomID
	member Member
}

// eventRecorder implements Events by pushing everything onto buffered
// channels, so tests can wait for exactly the callbacks they expect.
type eventRecorder struct {
	messages chan recordedMessage
	joined   chan memberEvent
	presence chan memberEvent
	closed   chan ref.RoomID
	failed   chan error
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		messages: make(chan recordedMessage, 256),
		joined:   make(chan memberEvent, 256),
		presence: make(chan memberEvent, 256),
		closed:   make(chan ref.RoomID, 16),
		failed:   make(chan error, 16),
	}
}

func (e *eventRecorder) Message(roomID ref.RoomID, sender, text string, flags MessageFlags, at time.Time) {
	e.messages <- recordedMessage{room: roomID, sender: sender, text: text, flags: flags, at: at}
}

func (e *eventRecorder) MemberJoined(roomID ref.RoomID, member Member) {
	e.joined <- memberEvent{room: roomID, member: member}
}

func (e *eventRecorder) MemberPresenceChanged(roomID ref.RoomID, memberID ref.ProfileID, present bool) {
	e.presence <- memberEvent{room: roomID, member: Member{ID: memberID, Present: present}}
}

func (e *eventRecorder) RoomClosed(roomID ref.RoomID) {
	e.closed <- roomID
}

func (e *eventRecorder) SyncFailed(_ ref.RoomID, err error) {
	e.failed <- err
}

// harness wires a full client stack against one fake server:
// registration, the push websocket, and whatever messaging endpoints
// a test mounts on mux.
type harness struct {
	t          *testing.T
	mux        *http.ServeMux
	server     *httptest.Server
	client     *chime.Client
	stream     *juggernaut.Channel
	serverConn *websocket.Conn
	events     *eventRecorder
	manager    *Manager
}

func newHarness(t *testing.T, adjust func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		mux:    http.NewServeMux(),
		events: newEventRecorder(),
	}
	h.server = httptest.NewServer(h.mux)
	t.Cleanup(h.server.Close)

	h.mux.HandleFunc("POST /sessions", h.handleRegister)
	h.mux.HandleFunc("GET /push/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "opaque:stream-1:30:websocket")
	})
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	h.mux.HandleFunc("GET /push/1/websocket/stream-1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := chime.NewClient(chime.ClientConfig{SigninURL: h.server.URL, Logger: logger})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.Connect(context.Background(), "signin-token"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.client = client

	stream, err := juggernaut.Dial(context.Background(), juggernaut.Config{Client: client, Logger: logger})
	if err != nil {
		t.Fatalf("juggernaut.Dial: %v", err)
	}
	t.Cleanup(func() { stream.Close() })
	h.stream = stream
	h.serverConn = testutil.RequireReceive(t, conns, waitFor, "server never accepted the socket")
	t.Cleanup(func() { h.serverConn.Close() })

	config := Config{
		Client: client,
		Stream: stream,
		Events: h.events,
		Logger: logger,
	}
	if adjust != nil {
		adjust(&config)
	}
	manager, err := NewManager(config)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(manager.Close)
	h.manager = manager
	return h
}

func (h *harness) handleRegister(w http.ResponseWriter, r *http.Request) {
	base := h.server.URL
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"Session": map[string]any{
			"SessionToken": "session-token-1",
			"Profile": map[string]any{
				"id":              "profile-1",
				"display_name":    "Test User",
				"profile_channel": "profile-ch-1",
			},
			"Device": map[string]any{"DeviceId": "device-1", "Channel": "device-ch-1"},
			"ServiceConfig": map[string]any{
				"Presence":   map[string]string{"RestUrl": base + "/presence"},
				"Push":       map[string]string{"ReachabilityUrl": base + "/reach", "WebsocketUrl": base + "/push"},
				"Profile":    map[string]string{"RestUrl": base + "/profile"},
				"Contacts":   map[string]string{"RestUrl": base + "/contacts"},
				"Messaging":  map[string]string{"RestUrl": base + "/messaging"},
				"Conference": map[string]string{"RestUrl": base + "/conference"},
			},
		},
	})
}

// servePages mounts a paginated GET endpoint: each page carries its
// items under itemsKey, with NextToken chaining until the last page.
func (h *harness) servePages(path, itemsKey string, pages [][]map[string]any) {
	h.mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		index := 0
		if token := r.URL.Query().Get("next-token"); token != "" {
			fmt.Sscanf(token, "page-%d", &index)
		}
		if index >= len(pages) {
			http.Error(w, "bad page token", http.StatusBadRequest)
			return
		}
		body := map[string]any{itemsKey: pages[index]}
		if index+1 < len(pages) {
			body["NextToken"] = fmt.Sprintf("page-%d", index+1)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})
}

func wireMessage(id, roomID, sender, content string, at time.Time) map[string]any {
	return map[string]any{
		"MessageId": id,
		"RoomId":    roomID,
		"Sender":    sender,
		"Content":   content,
		"CreatedOn": at,
	}
}

func wireMember(profileID, displayName, presence string) map[string]any {
	return map[string]any{
		"Presence": presence,
		"Member": map[string]any{
			"ProfileId":   profileID,
			"Email":       strings.ToLower(displayName) + "@example.com",
			"DisplayName": displayName,
		},
	}
}

func (h *harness) sendFrame(channel, eventType string, record map[string]any) {
	h.t.Helper()
	err := h.serverConn.WriteJSON(map[string]any{
		"channel": channel,
		"type":    eventType,
		"data":    map[string]any{"record": record},
	})
	if err != nil {
		h.t.Fatalf("writing frame: %v", err)
	}
}

func (h *harness) join(roomID, channel string) *Room {
	h.t.Helper()
	id := mustRoomID(h.t, roomID)
	name, err := ref.ParseChannelName(channel)
	if err != nil {
		h.t.Fatalf("ParseChannelName: %v", err)
	}
	room, err := h.manager.Join(context.Background(), id, "Room "+roomID, name)
	if err != nil {
		h.t.Fatalf("Join(%s): %v", roomID, err)
	}
	return room
}

func mustRoomID(t *testing.T, raw string) ref.RoomID {
	t.Helper()
	id, err := ref.ParseRoomID(raw)
	if err != nil {
		t.Fatalf("ParseRoomID(%q): %v", raw, err)
	}
	return id
}

func waitReady(t *testing.T, room *Room) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !room.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("room never became ready")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestJoinDeliversHistoryInOrder(t *testing.T) {
	h := newHarness(t, nil)
	// Two pages, newest first, the way the service serves history.
	h.servePages("/messaging/rooms/room-1/messages", "Messages", [][]map[string]any{
		{
			wireMessage("m-4", "room-1", "jane-id", "fourth", chatBase.Add(4*time.Minute)),
			wireMessage("m-3", "room-1", "jane-id", "third", chatBase.Add(3*time.Minute)),
		},
		{
			wireMessage("m-2", "room-1", "jane-id", "second", chatBase.Add(2*time.Minute)),
			wireMessage("m-1", "room-1", "jane-id", "first", chatBase.Add(1*time.Minute)),
		},
	})
	h.servePages("/messaging/rooms/room-1/memberships", "RoomMemberships", [][]map[string]any{
		{wireMember("jane-id", "Jane Doe", "present")},
	})

	room := h.join("room-1", "room-ch-1")
	waitReady(t, room)

	joined := testutil.RequireReceive(t, h.events.joined, waitFor, "member joined")
	if joined.member.DisplayName != "Jane Doe" || !joined.member.Present {
		t.Errorf("joined member = %+v", joined.member)
	}

	for _, want := range []string{"first", "second", "third", "fourth"} {
		got := testutil.RequireReceive(t, h.events.messages, waitFor, "history message %q", want)
		if got.text != want {
			t.Fatalf("delivered %q, want %q", got.text, want)
		}
		if got.sender != "Jane Doe" {
			t.Errorf("sender = %q, want Jane Doe", got.sender)
		}
		if got.flags != 0 {
			t.Errorf("flags for %q = %v, want none", want, got.flags)
		}
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	var fetches int
	var mu sync.Mutex
	h.mux.HandleFunc("GET /messaging/rooms/room-1/messages", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fetches++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"Messages": []any{}})
	})
	h.servePages("/messaging/rooms/room-1/memberships", "RoomMemberships", [][]map[string]any{{}})

	first := h.join("room-1", "room-ch-1")
	second := h.join("room-1", "room-ch-1")
	if first != second {
		t.Fatal("second Join returned a different Room")
	}
	waitReady(t, first)

	mu.Lock()
	defer mu.Unlock()
	if fetches != 1 {
		t.Errorf("history fetched %d times across two joins, want 1", fetches)
	}
}

func TestSendExpandsMentionsAndSuppressesEcho(t *testing.T) {
	h := newHarness(t, nil)
	h.servePages("/messaging/rooms/room-1/messages", "Messages", [][]map[string]any{{}})
	h.servePages("/messaging/rooms/room-1/memberships", "RoomMemberships", [][]map[string]any{
		{wireMember("jane-id", "Jane Doe", "present")},
	})

	sent := make(chan sendRequest, 1)
	h.mux.HandleFunc("POST /messaging/rooms/room-1/messages", func(w http.ResponseWriter, r *http.Request) {
		var request sendRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		sent <- request
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"Message": wireMessage("sent-1", "room-1", "profile-1", request.Content, chatBase.Add(10*time.Minute)),
		})
	})

	room := h.join("room-1", "room-ch-1")
	waitReady(t, room)
	testutil.RequireReceive(t, h.events.joined, waitFor, "membership loaded")

	if err := h.manager.Send(context.Background(), mustRoomID(t, "room-1"), "hey @all, ask Jane Doe"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	request := testutil.RequireReceive(t, sent, waitFor, "send request")
	wantWire := "hey <@all|All Members>, ask <@jane-id|Jane Doe>"
	if request.Content != wantWire {
		t.Errorf("wire content = %q, want %q", request.Content, wantWire)
	}
	if request.ClientRequestToken == "" {
		t.Error("send request missing idempotency token")
	}

	echo := testutil.RequireReceive(t, h.events.messages, waitFor, "local echo")
	if echo.flags&FlagOutgoing == 0 {
		t.Errorf("echo flags = %v, want FlagOutgoing", echo.flags)
	}
	if want := "hey **All Members**, ask **Jane Doe**"; echo.text != want {
		t.Errorf("echo text = %q, want %q", echo.text, want)
	}
	if echo.sender != "Test User" {
		t.Errorf("echo sender = %q, want Test User", echo.sender)
	}

	// The live echo of the sent message must be suppressed; a
	// different live message must still get through.
	h.sendFrame("room-ch-1", "RoomMessage",
		wireMessage("sent-1", "room-1", "profile-1", wantWire, chatBase.Add(10*time.Minute)))
	h.sendFrame("room-ch-1", "RoomMessage",
		wireMessage("m-next", "room-1", "jane-id", "fresh", chatBase.Add(11*time.Minute)))

	next := testutil.RequireReceive(t, h.events.messages, waitFor, "message after suppressed echo")
	if next.text != "fresh" {
		t.Errorf("delivery after echo = %q, want %q (echo not suppressed?)", next.text, "fresh")
	}
}

func TestSendFailureReportsErrorMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.servePages("/messaging/rooms/room-1/messages", "Messages", [][]map[string]any{{}})
	h.servePages("/messaging/rooms/room-1/memberships", "RoomMemberships", [][]map[string]any{{}})
	h.mux.HandleFunc("POST /messaging/rooms/room-1/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"Message": "throttled"})
	})

	room := h.join("room-1", "room-ch-1")
	waitReady(t, room)

	err := h.manager.Send(context.Background(), mustRoomID(t, "room-1"), "will not arrive")
	if err == nil {
		t.Fatal("Send against failing endpoint succeeded")
	}

	report := testutil.RequireReceive(t, h.events.messages, waitFor, "error-flagged message")
	if report.flags&FlagError == 0 {
		t.Errorf("report flags = %v, want FlagError", report.flags)
	}
	if report.text != "will not arrive" {
		t.Errorf("report text = %q, want the undelivered text", report.text)
	}
}

func TestMentionsMeFlag(t *testing.T) {
	h := newHarness(t, nil)
	h.servePages("/messaging/rooms/room-1/messages", "Messages", [][]map[string]any{{}})
	h.servePages("/messaging/rooms/room-1/memberships", "RoomMemberships", [][]map[string]any{
		{wireMember("jane-id", "Jane Doe", "present")},
	})

	room := h.join("room-1", "room-ch-1")
	waitReady(t, room)

	h.sendFrame("room-ch-1", "RoomMessage",
		wireMessage("m-1", "room-1", "jane-id", "see <@profile-1|Test User>", chatBase.Add(time.Minute)))
	got := testutil.RequireReceive(t, h.events.messages, waitFor, "mentioning message")
	if got.flags&FlagMentionsMe == 0 {
		t.Errorf("flags = %v, want FlagMentionsMe", got.flags)
	}
	if got.text != "see **Test User**" {
		t.Errorf("text = %q, want %q", got.text, "see **Test User**")
	}
	if got.sender != "Jane Doe" {
		t.Errorf("sender = %q, want Jane Doe", got.sender)
	}

	h.sendFrame("room-ch-1", "RoomMessage",
		wireMessage("m-2", "room-1", "jane-id", "not about you", chatBase.Add(2*time.Minute)))
	plain := testutil.RequireReceive(t, h.events.messages, waitFor, "plain message")
	if plain.flags&FlagMentionsMe != 0 {
		t.Errorf("plain message flagged as mentioning: %v", plain.flags)
	}
}

func TestMembershipGatesReadiness(t *testing.T) {
	h := newHarness(t, nil)
	h.servePages("/messaging/rooms/room-1/messages", "Messages", [][]map[string]any{{}})

	// 120 members across 3 pages of 50; the last page held back until
	// the test releases it.
	pages := make([][]map[string]any, 3)
	for page := 0; page < 3; page++ {
		count := 50
		if page == 2 {
			count = 20
		}
		for i := 0; i < count; i++ {
			id := fmt.Sprintf("member-%d-%d", page, i)
			pages[page] = append(pages[page], wireMember(id, "Member "+id, "present"))
		}
	}
	releaseLastPage := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(releaseLastPage) }) }
	t.Cleanup(release)

	h.mux.HandleFunc("GET /messaging/rooms/room-1/memberships", func(w http.ResponseWriter, r *http.Request) {
		index := 0
		if token := r.URL.Query().Get("next-token"); token != "" {
			fmt.Sscanf(token, "page-%d", &index)
		}
		if index == 2 {
			<-releaseLastPage
		}
		body := map[string]any{"RoomMemberships": pages[index]}
		if index < 2 {
			body["NextToken"] = fmt.Sprintf("page-%d", index+1)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})

	room := h.join("room-1", "room-ch-1")

	// A live message arrives while membership is still paging: it
	// must not be delivered yet, even though history (zero messages)
	// finished immediately.
	h.sendFrame("room-ch-1", "RoomMessage",
		wireMessage("m-live", "room-1", "member-0-0", "early", chatBase.Add(time.Minute)))

	// Wait until both early pages were consumed, then confirm the
	// room is still gated.
	deadline := time.Now().Add(waitFor)
	for len(room.Members()) < 100 {
		if time.Now().After(deadline) {
			t.Fatalf("membership stalled at %d members", len(room.Members()))
		}
		time.Sleep(time.Millisecond)
	}
	if room.Ready() {
		t.Fatal("room ready before the final membership page")
	}
	select {
	case got := <-h.events.messages:
		t.Fatalf("message %q delivered before membership completed", got.text)
	default:
	}

	release()
	waitReady(t, room)
	if got := len(room.Members()); got != 120 {
		t.Errorf("members after completion = %d, want 120", got)
	}
	got := testutil.RequireReceive(t, h.events.messages, waitFor, "gated live message")
	if got.text != "early" {
		t.Errorf("first delivery = %q, want %q", got.text, "early")
	}
}

func TestLeaveCancelsRoomCallbacks(t *testing.T) {
	h := newHarness(t, nil)
	fetchStarted := make(chan struct{}, 1)
	releaseFetch := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(releaseFetch) }) }
	t.Cleanup(release)

	h.mux.HandleFunc("GET /messaging/rooms/room-1/messages", func(w http.ResponseWriter, r *http.Request) {
		select {
		case fetchStarted <- struct{}{}:
		default:
		}
		<-releaseFetch
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"Messages": []any{
			wireMessage("m-1", "room-1", "jane-id", "too late", chatBase),
		}})
	})
	h.servePages("/messaging/rooms/room-1/memberships", "RoomMemberships", [][]map[string]any{{}})

	h.join("room-1", "room-ch-1")
	testutil.RequireReceive(t, fetchStarted, waitFor, "history fetch started")

	if err := h.manager.Leave(mustRoomID(t, "room-1")); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	closed := testutil.RequireReceive(t, h.events.closed, waitFor, "RoomClosed")
	if closed.String() != "room-1" {
		t.Errorf("RoomClosed for %s, want room-1", closed)
	}
	release()

	// Live events for the left room must be dropped too. The sentinel
	// on a second room proves the pump has processed both frames.
	h.servePages("/messaging/rooms/room-2/messages", "Messages", [][]map[string]any{{}})
	h.servePages("/messaging/rooms/room-2/memberships", "RoomMemberships", [][]map[string]any{{}})
	sentinel := h.join("room-2", "room-ch-2")
	waitReady(t, sentinel)

	h.sendFrame("room-ch-1", "RoomMessage",
		wireMessage("m-2", "room-1", "jane-id", "ghost", chatBase.Add(time.Minute)))
	h.sendFrame("room-ch-2", "RoomMessage",
		wireMessage("m-3", "room-2", "jane-id", "sentinel", chatBase.Add(2*time.Minute)))

	got := testutil.RequireReceive(t, h.events.messages, waitFor, "sentinel message")
	if got.text != "sentinel" {
		t.Fatalf("delivery after leave = %q, want only the sentinel", got.text)
	}
	select {
	case extra := <-h.events.messages:
		t.Fatalf("unexpected delivery for left room: %q", extra.text)
	default:
	}
	select {
	case err := <-h.events.failed:
		t.Fatalf("SyncFailed after cancellation: %v", err)
	default:
	}
}

func TestDeviceChannelAutoJoin(t *testing.T) {
	h := newHarness(t, func(config *Config) {
		config.RoomOpener = func(_ context.Context, roomID ref.RoomID) (string, ref.ChannelName, error) {
			if roomID.String() != "room-9" {
				return "", ref.ChannelName{}, fmt.Errorf("unknown room %s", roomID)
			}
			channel, err := ref.ParseChannelName("room-ch-9")
			return "Auto Room", channel, err
		}
	})
	h.servePages("/messaging/rooms/room-9/messages", "Messages", [][]map[string]any{{}})
	h.servePages("/messaging/rooms/room-9/memberships", "RoomMemberships", [][]map[string]any{{}})

	// A message for an unjoined room arrives on the device channel.
	h.sendFrame("device-ch-1", "RoomMessage",
		wireMessage("m-1", "room-9", "jane-id", "knock knock", chatBase.Add(time.Minute)))

	got := testutil.RequireReceive(t, h.events.messages, waitFor, "auto-joined delivery")
	if got.room.String() != "room-9" {
		t.Errorf("delivery room = %s, want room-9", got.room)
	}
	if got.text != "knock knock" {
		t.Errorf("delivery text = %q, want %q", got.text, "knock knock")
	}
	if _, ok := h.manager.Room(mustRoomID(t, "room-9")); !ok {
		t.Error("room-9 not registered after auto-join")
	}
}

func TestPresenceUpdateDoesNotRemoveMembers(t *testing.T) {
	h := newHarness(t, nil)
	h.servePages("/messaging/rooms/room-1/messages", "Messages", [][]map[string]any{{}})
	h.servePages("/messaging/rooms/room-1/memberships", "RoomMemberships", [][]map[string]any{
		{wireMember("jane-id", "Jane Doe", "present")},
	})

	room := h.join("room-1", "room-ch-1")
	waitReady(t, room)
	testutil.RequireReceive(t, h.events.joined, waitFor, "initial member")

	// Presence change for a known member updates, never removes.
	h.sendFrame("room-ch-1", "RoomMembership", wireMember("jane-id", "Jane Doe", "notPresent"))
	change := testutil.RequireReceive(t, h.events.presence, waitFor, "presence change")
	if change.member.Present {
		t.Error("presence change reported present, want notPresent")
	}
	if got := len(room.Members()); got != 1 {
		t.Errorf("members after presence change = %d, want 1", got)
	}

	// A brand-new member arriving live joins the table.
	h.sendFrame("room-ch-1", "RoomMembership", wireMember("sam-id", "Sam Roe", "present"))
	joined := testutil.RequireReceive(t, h.events.joined, waitFor, "live member join")
	if joined.member.DisplayName != "Sam Roe" {
		t.Errorf("joined member = %+v, want Sam Roe", joined.member)
	}
	if got := len(room.Members()); got != 2 {
		t.Errorf("members after live join = %d, want 2", got)
	}
}
