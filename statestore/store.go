// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

// Package statestore persists per-room last-seen markers: the
// timestamp and ID of the most recently delivered message. The chat
// layer writes a marker after each delivery and reads it back on
// join, so a reconnect does not re-deliver history the host already
// rendered.
//
// Two implementations: SQLite for real clients, Memory for tests and
// hosts that keep this state themselves.
package statestore

import (
	"context"
	"time"

	"github.com/fosschime/chime-api/lib/ref"
)

// Marker records the most recently delivered message of a room.
type Marker struct {
	// Timestamp is the message's creation time.
	Timestamp time.Time
	// MessageID is the message's ID.
	MessageID ref.MessageID
}

// IsZero reports whether the marker is unset.
func (m Marker) IsZero() bool {
	return m.Timestamp.IsZero() && m.MessageID.IsZero()
}

// Store reads and writes last-seen markers. Implementations must be
// safe for concurrent use.
type Store interface {
	// ReadLastSeen returns the marker for a room. The second result
	// is false when no marker has been written.
	ReadLastSeen(ctx context.Context, roomID ref.RoomID) (Marker, bool, error)

	// WriteLastSeen replaces the marker for a room.
	WriteLastSeen(ctx context.Context, roomID ref.RoomID, marker Marker) error

	// Close releases the store.
	Close() error
}
