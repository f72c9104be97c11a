// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"time"

	"github.com/fosschime/chime-api/lib/ref"
)

// MessageFlags qualify a delivered message.
type MessageFlags uint8

const (
	// FlagOutgoing marks a message sent by this profile.
	FlagOutgoing MessageFlags = 1 << iota
	// FlagMentionsMe marks an incoming message that mentions the
	// viewer, directly or via a broadcast mention.
	FlagMentionsMe
	// FlagError marks the local error report for a failed send. The
	// text is the undelivered message.
	FlagError
)

// Member is one room member.
type Member struct {
	ID          ref.ProfileID
	Email       string
	DisplayName string
	// Present reports the member's room presence.
	Present bool
}

// Events is the host callback interface. Callbacks run on the
// goroutine that produced the event (the juggernaut read pump, a
// room's fetch goroutine, or a Send caller) and must not call back
// into the Manager.
type Events interface {
	// Message delivers one message: ordered and deduplicated within
	// its room, mention markup already rewritten to display form.
	Message(roomID ref.RoomID, sender string, text string, flags MessageFlags, at time.Time)

	// MemberJoined reports a member seen for the first time, from the
	// initial bulk fetch or a live membership event.
	MemberJoined(roomID ref.RoomID, member Member)

	// MemberPresenceChanged reports a presence change for a known
	// member.
	MemberPresenceChanged(roomID ref.RoomID, memberID ref.ProfileID, present bool)

	// RoomClosed reports that Leave released the room.
	RoomClosed(roomID ref.RoomID)

	// SyncFailed reports a failed history or membership fetch. The
	// room stays joined but will not become ready.
	SyncFailed(roomID ref.RoomID, err error)
}
