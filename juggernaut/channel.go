// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package juggernaut

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fosschime/chime-api/chime"
	"github.com/fosschime/chime-api/lib/clock"
	"github.com/fosschime/chime-api/lib/netutil"
	"github.com/fosschime/chime-api/lib/ref"
)

// Event is one decoded frame from the stream: the channel it arrived
// on, its event type, and the raw record payload. Subscribers decode
// the record into their own typed shape.
type Event struct {
	Channel ref.ChannelName
	Type    string
	Record  json.RawMessage
}

// Handler receives events for one subscription, on the read-pump
// goroutine. The return value reports whether the handler consumed
// the event; a false return never stops dispatch to later handlers,
// it only feeds the unhandled-event log.
type Handler func(event Event) bool

// frame is the wire envelope of one websocket message.
type frame struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Data    struct {
		Record json.RawMessage `json:"record"`
	} `json:"data"`
}

// subKey is the demux key: exact channel plus exact event type.
type subKey struct {
	channel ref.ChannelName
	event   string
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Subscription identifies one registered handler for Unsubscribe.
type Subscription struct {
	key subKey
	id  uint64
}

// Config holds configuration for Dial.
type Config struct {
	// Client is the connected REST client. Negotiation goes through
	// its request queue; the websocket upgrade authenticates with
	// its session cookie. Required, and must be connected.
	Client *chime.Client

	// Dialer performs the websocket upgrade. If nil,
	// websocket.DefaultDialer is used.
	Dialer *websocket.Dialer

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// Clock drives the heartbeat ticker. If nil, the real clock is
	// used.
	Clock clock.Clock
}

// Channel is a live juggernaut connection. Create one with Dial,
// register interest with Subscribe, and watch Closed for connection
// loss. Safe for concurrent use.
type Channel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	heartbeat time.Duration

	mu     sync.Mutex
	subs   map[subKey][]subscriber
	nextID uint64

	closed    chan struct{}
	closeOnce sync.Once
	errOnce   sync.Once
	err       error
}

// Dial negotiates stream parameters and upgrades to a websocket. The
// negotiation response is `<opaque>:<session>:<heartbeat-seconds>:
// <transport,...>`; the transport list must lead with "websocket".
func Dial(ctx context.Context, config Config) (*Channel, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("juggernaut: Client is required")
	}
	session := config.Client.Session()
	if session == nil {
		return nil, fmt.Errorf("juggernaut: client has no session")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	sessionUUID := url.Values{"session_uuid": {session.ProfileID().String()}}.Encode()
	negotiateURL := session.Endpoints().WebsocketNegotiateURL() + "?" + sessionUUID

	raw, err := config.Client.DoRaw(ctx, http.MethodGet, negotiateURL)
	if err != nil {
		return nil, fmt.Errorf("juggernaut: negotiating stream: %w", err)
	}
	streamSession, heartbeat, err := parseNegotiation(string(raw))
	if err != nil {
		return nil, err
	}

	upgradeURL, err := websocketURL(session.Endpoints().WebsocketUpgradeURL(streamSession) + "?" + sessionUUID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Cookie", session.CookieHeader())
	conn, response, err := dialer.DialContext(ctx, upgradeURL, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("juggernaut: websocket upgrade failed (%d): %w", response.StatusCode, err)
		}
		return nil, fmt.Errorf("juggernaut: websocket upgrade failed: %w", err)
	}

	channel := &Channel{
		conn:      conn,
		logger:    logger,
		heartbeat: heartbeat,
		subs:      make(map[subKey][]subscriber),
		closed:    make(chan struct{}),
	}
	logger.Info("juggernaut connected", "heartbeat", heartbeat)
	go channel.readPump()
	go channel.heartbeatLoop(clk)
	return channel, nil
}

// parseNegotiation splits the negotiation response and validates
// websocket transport support.
func parseNegotiation(raw string) (streamSession string, heartbeat time.Duration, err error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 4)
	if len(parts) != 4 || parts[1] == "" {
		return "", 0, fmt.Errorf("juggernaut: malformed negotiation response %q", raw)
	}
	transports := strings.Split(parts[3], ",")
	if transports[0] != "websocket" {
		return "", 0, fmt.Errorf("juggernaut: websocket transport not offered (got %q)", parts[3])
	}
	seconds, err := strconv.Atoi(parts[2])
	if err != nil || seconds <= 0 {
		return "", 0, fmt.Errorf("juggernaut: malformed heartbeat interval %q", parts[2])
	}
	return parts[1], time.Duration(seconds) * time.Second, nil
}

// websocketURL maps the push service's http(s) scheme onto ws(s).
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("juggernaut: invalid upgrade URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("juggernaut: unsupported upgrade scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Subscribe registers a handler for events matching (channel, event
// type) exactly. Handlers for the same key run in registration order.
func (c *Channel) Subscribe(channel ref.ChannelName, eventType string, handler Handler) *Subscription {
	key := subKey{channel: channel, event: eventType}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.subs[key] = append(c.subs[key], subscriber{id: c.nextID, handler: handler})
	return &Subscription{key: key, id: c.nextID}
}

// Unsubscribe removes a subscription. Removing one that was already
// removed (or nil) is a no-op.
func (c *Channel) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[sub.key]
	for i, s := range list {
		if s.id == sub.id {
			c.subs[sub.key] = append(list[:i:i], list[i+1:]...)
			if len(c.subs[sub.key]) == 0 {
				delete(c.subs, sub.key)
			}
			return
		}
	}
}

// Closed is closed when the connection is lost or Close is called.
// After it closes, Err reports the cause.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// Err returns the error that terminated the connection, or nil for a
// clean shutdown. Valid after Closed closes.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down and waits for the read pump to
// exit, so no handler runs after Close returns. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
	})
	<-c.closed
	return nil
}

// readPump reads, decodes, and dispatches frames until the connection
// dies. All handler invocation happens here, giving subscribers a
// single total order of delivery.
func (c *Channel) readPump() {
	defer close(c.closed)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			expected := netutil.IsExpectedCloseError(err) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if expected {
				c.logger.Debug("juggernaut closed", "error", err)
			} else {
				c.logger.Warn("juggernaut connection lost", "error", err)
				c.setErr(fmt.Errorf("juggernaut: connection lost: %w", err))
			}
			c.conn.Close()
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("discarding malformed juggernaut frame", "error", err)
			continue
		}
		channelName, err := ref.ParseChannelName(f.Channel)
		if err != nil {
			c.logger.Warn("discarding juggernaut frame with bad channel", "channel", f.Channel)
			continue
		}
		c.dispatch(Event{Channel: channelName, Type: f.Type, Record: f.Data.Record})
	}
}

// dispatch broadcasts an event to every matching subscriber, in
// registration order. A handler that does not consume the event does
// not stop the broadcast.
func (c *Channel) dispatch(event Event) {
	key := subKey{channel: event.Channel, event: event.Type}
	c.mu.Lock()
	list := make([]subscriber, len(c.subs[key]))
	copy(list, c.subs[key])
	c.mu.Unlock()

	handled := false
	for _, s := range list {
		if s.handler(event) {
			handled = true
		}
	}
	if !handled {
		c.logger.Debug("unhandled juggernaut event",
			"channel", event.Channel, "type", event.Type)
	}
}

func (c *Channel) setErr(err error) {
	c.errOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
	})
}

// heartbeatLoop pings at the negotiated interval so intermediaries
// keep the connection alive. Ping failure is left to the read pump to
// observe as connection loss.
func (c *Channel) heartbeatLoop(clk clock.Clock) {
	ticker := clk.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Real wall time, not the injected clock: the deadline
			// is enforced by the kernel on the underlying socket
			// via SetWriteDeadline, which compares against the OS
			// clock.
			deadline := time.Now().Add(10 * time.Second)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("juggernaut ping failed", "error", err)
				return
			}
		case <-c.closed:
			return
		}
	}
}
