// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fosschime/chime-api/chime"
	"github.com/fosschime/chime-api/juggernaut"
	"github.com/fosschime/chime-api/lib/ref"
	"github.com/fosschime/chime-api/msgsync"
	"github.com/fosschime/chime-api/statestore"
)

// roomMessageEvent and roomMembershipEvent are the juggernaut event
// types this layer consumes.
const (
	roomMessageEvent    = "RoomMessage"
	roomMembershipEvent = "RoomMembership"
)

type sendRequest struct {
	Content            string `json:"Content"`
	ClientRequestToken string `json:"ClientRequestToken"`
}

type sendResponse struct {
	Message msgsync.Message `json:"Message"`
}

// Config holds configuration for creating a Manager.
type Config struct {
	// Client is the connected REST client. Required.
	Client *chime.Client

	// Stream is the live event channel. Required.
	Stream *juggernaut.Channel

	// Store persists last-seen markers. If nil, an in-memory store is
	// used and resume suppression does not survive the process.
	Store statestore.Store

	// Events receives the delivered stream. Required.
	Events Events

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// RoomOpener resolves the name and event channel of a room this
	// client has not joined. When set, a RoomMessage arriving on the
	// device channel for an unjoined room auto-joins it. When nil,
	// such messages are dropped.
	RoomOpener func(ctx context.Context, roomID ref.RoomID) (name string, channel ref.ChannelName, err error)
}

// Manager is the connection-scoped room registry: one per chime
// connection, owning every joined Room. Safe for concurrent use.
type Manager struct {
	client *chime.Client
	stream *juggernaut.Channel
	store  statestore.Store
	events Events
	logger *slog.Logger
	opener func(ctx context.Context, roomID ref.RoomID) (string, ref.ChannelName, error)

	profileID   ref.ProfileID
	displayName string
	endpoints   chime.ServiceEndpoints

	mu        sync.Mutex
	rooms     map[ref.RoomID]*Room
	deviceSub *juggernaut.Subscription
	closed    bool
}

// NewManager creates a Manager for a connected client. It subscribes
// to the device channel immediately: RoomMessage events for rooms the
// client has not explicitly joined arrive there.
func NewManager(config Config) (*Manager, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("chat: Client is required")
	}
	if config.Stream == nil {
		return nil, fmt.Errorf("chat: Stream is required")
	}
	if config.Events == nil {
		return nil, fmt.Errorf("chat: Events is required")
	}
	session := config.Client.Session()
	if session == nil {
		return nil, fmt.Errorf("chat: client has no session")
	}
	store := config.Store
	if store == nil {
		store = statestore.NewMemory()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		client:      config.Client,
		stream:      config.Stream,
		store:       store,
		events:      config.Events,
		logger:      logger,
		opener:      config.RoomOpener,
		profileID:   session.ProfileID(),
		displayName: session.DisplayName(),
		endpoints:   session.Endpoints(),
		rooms:       make(map[ref.RoomID]*Room),
	}
	m.deviceSub = m.stream.Subscribe(session.DeviceChannel(), roomMessageEvent, m.handleDeviceMessage)
	return m, nil
}

// Join joins a room: subscribes to its live events, starts the
// history and membership fetches, and returns the Room. Joining an
// already joined room returns the existing Room without starting a
// second fetch pipeline.
func (m *Manager) Join(ctx context.Context, roomID ref.RoomID, name string, channel ref.ChannelName) (*Room, error) {
	if roomID.IsZero() {
		return nil, fmt.Errorf("chat: room ID is required")
	}
	if channel.IsZero() {
		return nil, fmt.Errorf("chat: room channel is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("chat: manager is closed")
	}
	if existing, ok := m.rooms[roomID]; ok {
		return existing, nil
	}

	marker, _, err := m.store.ReadLastSeen(ctx, roomID)
	if err != nil {
		m.logger.Warn("reading last-seen marker failed", "room_id", roomID, "error", err)
		marker = statestore.Marker{}
	}

	roomCtx, cancel := context.WithCancel(context.Background())
	room := &Room{
		manager:      m,
		id:           roomID,
		name:         name,
		channel:      channel,
		cancel:       cancel,
		members:      make(map[ref.ProfileID]Member),
		sentMessages: make(map[ref.MessageID]struct{}),
		lastSeen:     marker,
	}
	room.syncer, err = msgsync.New(msgsync.Config{
		RoomID:      roomID,
		FetchPage:   room.fetchMessagePage,
		Deliver:     room.deliver,
		OnReady:     func() { m.logger.Info("room ready", "room_id", roomID) },
		OnError:     room.syncFailed,
		ResumePoint: marker.Timestamp,
		Logger:      m.logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	// Subscribe before the fetches start, so live events racing the
	// history pages land in the sync buffer rather than being lost.
	room.messageSub = m.stream.Subscribe(channel, roomMessageEvent, room.handleMessageEvent)
	room.membershipSub = m.stream.Subscribe(channel, roomMembershipEvent, room.handleMembershipEvent)
	go room.syncer.Start(roomCtx)
	go room.runMembershipFetch(roomCtx)

	m.rooms[roomID] = room
	m.logger.Info("joined room", "room_id", roomID, "name", name)
	return room, nil
}

// Room returns a joined room.
func (m *Manager) Room(roomID ref.RoomID) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

// Send posts a message to a joined room. Mentions (@all, @present,
// and literal member display names) are expanded into wire markup,
// and the request carries an idempotency token. On success the
// message echoes locally and its ID enters the dedup table so the
// live echo is suppressed; on failure the host receives an
// error-flagged message carrying the undelivered text.
func (m *Manager) Send(ctx context.Context, roomID ref.RoomID, text string) error {
	room, ok := m.Room(roomID)
	if !ok {
		return fmt.Errorf("chat: room %s is not joined", roomID)
	}

	expanded := expandOutboundMentions(text, room.Members())
	request := sendRequest{
		Content:            expanded,
		ClientRequestToken: uuid.NewString(),
	}

	var response sendResponse
	err := m.client.Do(ctx, http.MethodPost, m.endpoints.RoomMessagesURL(roomID), request, &response)
	if err != nil {
		m.events.Message(roomID, m.displayName, text, FlagError, time.Now())
		return fmt.Errorf("chat: sending message: %w", err)
	}
	room.recordSent(response.Message)
	return nil
}

// Leave leaves a room: in-flight fetches are cancelled, both live
// subscriptions removed, and the room's state released. Callbacks for
// the room stop before RoomClosed fires.
func (m *Manager) Leave(roomID ref.RoomID) error {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("chat: room %s is not joined", roomID)
	}

	m.teardownRoom(room)
	m.events.RoomClosed(roomID)
	return nil
}

// Close leaves every room and drops the device-channel subscription.
// Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.rooms = make(map[ref.RoomID]*Room)
	deviceSub := m.deviceSub
	m.deviceSub = nil
	m.mu.Unlock()

	m.stream.Unsubscribe(deviceSub)
	for _, room := range rooms {
		m.teardownRoom(room)
		m.events.RoomClosed(room.id)
	}
}

// teardownRoom stops a room's delivery: left flag first, then cancel
// I/O, then unsubscribe.
func (m *Manager) teardownRoom(room *Room) {
	room.left.Store(true)
	room.cancel()
	m.stream.Unsubscribe(room.messageSub)
	m.stream.Unsubscribe(room.membershipSub)
}

// handleDeviceMessage demultiplexes RoomMessage events from the
// device channel: events for a joined room forward to it; events for
// an unjoined room auto-join through the RoomOpener, when configured.
func (m *Manager) handleDeviceMessage(event juggernaut.Event) bool {
	var record struct {
		RoomID ref.RoomID `json:"RoomId"`
	}
	if err := json.Unmarshal(event.Record, &record); err != nil || record.RoomID.IsZero() {
		return false
	}

	if room, ok := m.Room(record.RoomID); ok {
		return room.handleMessageEvent(event)
	}
	if m.opener == nil {
		m.logger.Debug("message for unjoined room dropped", "room_id", record.RoomID)
		return false
	}

	name, channel, err := m.opener(context.Background(), record.RoomID)
	if err != nil {
		m.logger.Warn("resolving unjoined room failed",
			"room_id", record.RoomID, "error", err)
		return false
	}
	room, err := m.Join(context.Background(), record.RoomID, name, channel)
	if err != nil {
		m.logger.Warn("auto-joining room failed",
			"room_id", record.RoomID, "error", err)
		return false
	}
	return room.handleMessageEvent(event)
}
