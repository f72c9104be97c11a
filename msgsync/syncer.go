// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package msgsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fosschime/chime-api/lib/ref"
)

// Message is one room message record.
type Message struct {
	ID        ref.MessageID `json:"MessageId"`
	RoomID    ref.RoomID    `json:"RoomId"`
	Sender    ref.ProfileID `json:"Sender"`
	Content   string        `json:"Content"`
	CreatedOn time.Time     `json:"CreatedOn"`
}

// Page is one page of the historical fetch. An empty NextToken ends
// the pagination.
type Page struct {
	Messages  []Message
	NextToken string
}

// Config holds configuration for a Syncer.
type Config struct {
	// RoomID names the room being synchronized, for logging.
	RoomID ref.RoomID

	// FetchPage retrieves one page of message history. The first call
	// receives an empty token; later calls receive the previous
	// page's NextToken. Required.
	FetchPage func(ctx context.Context, nextToken string) (Page, error)

	// Deliver receives each message exactly once, in order: the
	// sorted historical flush first, then live messages in stream
	// arrival order. Runs with the Syncer's lock held — it must not
	// call back into the Syncer. Required.
	Deliver func(message Message)

	// OnReady fires exactly once, when both the historical fetch and
	// the membership fetch have completed and the buffered backlog
	// has been flushed.
	OnReady func()

	// OnError reports a failed page fetch. The room stays joined but
	// never becomes ready; there is no retry.
	OnError func(err error)

	// ResumePoint, when non-zero, suppresses flushed historical
	// messages the host already saw before a reconnect: anything
	// with a timestamp at or before it is dropped from the flush.
	// Live messages are never suppressed by the resume point.
	ResumePoint time.Time

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Syncer merges the paginated history of one room with its live
// stream. Start runs the pagination (usually on its own goroutine),
// HandleLive accepts stream messages as they arrive, and
// MembershipComplete is the owner's signal that the membership
// pagination finished. Safe for concurrent use.
type Syncer struct {
	config Config
	logger *slog.Logger

	mu             sync.Mutex
	buffer         map[ref.MessageID]Message
	historyDone    bool
	membershipDone bool
	ready          bool
	failed         bool
}

// New creates a Syncer. The buffer starts live: messages arriving
// before Start are buffered like any other pre-ready message.
func New(config Config) (*Syncer, error) {
	if config.FetchPage == nil {
		return nil, fmt.Errorf("msgsync: FetchPage is required")
	}
	if config.Deliver == nil {
		return nil, fmt.Errorf("msgsync: Deliver is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		config: config,
		logger: logger,
		buffer: make(map[ref.MessageID]Message),
	}, nil
}

// Start runs the historical fetch to exhaustion. A zero-message room
// completes immediately. A page failure reports through OnError and
// leaves the room permanently incomplete; a cancelled context stops
// the fetch with no callbacks at all.
func (s *Syncer) Start(ctx context.Context) {
	token := ""
	pages := 0
	for {
		page, err := s.config.FetchPage(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(fmt.Errorf("msgsync: fetching message history: %w", err))
			return
		}
		if ctx.Err() != nil {
			return
		}
		pages++

		s.mu.Lock()
		for _, message := range page.Messages {
			if message.ID.IsZero() {
				continue
			}
			s.buffer[message.ID] = message
		}
		s.mu.Unlock()

		token = page.NextToken
		if token == "" {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyDone = true
	s.logger.Debug("message history fetched",
		"room_id", s.config.RoomID, "pages", pages, "messages", len(s.buffer))
	s.maybeFinishLocked()
}

// HandleLive accepts one live message from the stream. Before the
// room is ready it joins the buffer (deduplicating against history by
// message ID); afterwards it delivers immediately. Messages for a
// failed room are dropped.
func (s *Syncer) HandleLive(message Message) {
	if message.ID.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		// A failed room can never flush; buffering would grow
		// without bound for the life of the connection.
		return
	}
	if !s.ready {
		s.buffer[message.ID] = message
		return
	}
	s.config.Deliver(message)
}

// MembershipComplete is the owner's signal that the membership
// pagination has exhausted. Readiness needs both this and history.
func (s *Syncer) MembershipComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.membershipDone = true
	s.maybeFinishLocked()
}

// Ready reports whether the backlog has been flushed and live
// messages deliver directly.
func (s *Syncer) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// maybeFinishLocked flushes the merged buffer and declares readiness
// once both completion flags are set. Runs at most once.
func (s *Syncer) maybeFinishLocked() {
	if s.ready || s.failed || !s.historyDone || !s.membershipDone {
		return
	}

	backlog := make([]Message, 0, len(s.buffer))
	for _, message := range s.buffer {
		backlog = append(backlog, message)
	}
	sort.Slice(backlog, func(i, j int) bool {
		if !backlog[i].CreatedOn.Equal(backlog[j].CreatedOn) {
			return backlog[i].CreatedOn.Before(backlog[j].CreatedOn)
		}
		return backlog[i].ID.String() < backlog[j].ID.String()
	})

	delivered := 0
	for _, message := range backlog {
		if !s.config.ResumePoint.IsZero() && !message.CreatedOn.After(s.config.ResumePoint) {
			continue
		}
		s.config.Deliver(message)
		delivered++
	}

	s.buffer = nil
	s.ready = true
	s.logger.Debug("room synchronized",
		"room_id", s.config.RoomID, "delivered", delivered, "suppressed", len(backlog)-delivered)
	if s.config.OnReady != nil {
		s.config.OnReady()
	}
}

// fail records a room-level fetch failure. The buffer is released
// and later live messages are dropped: a failed join never becomes
// ready, so nothing buffered could ever flush.
func (s *Syncer) fail(err error) {
	s.mu.Lock()
	alreadyFailed := s.failed
	s.failed = true
	s.buffer = nil
	s.mu.Unlock()

	if alreadyFailed {
		return
	}
	s.logger.Warn("room sync failed", "room_id", s.config.RoomID, "error", err)
	if s.config.OnError != nil {
		s.config.OnError(err)
	}
}
