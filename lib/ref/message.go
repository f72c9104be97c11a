// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// MessageID identifies a single chat message. Message IDs are assumed
// globally unique within a room — the deduplication tables in package
// msgsync and package chat key on them.
//
// MessageID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type MessageID struct {
	id string
}

// ParseMessageID validates and wraps a raw message ID string.
func ParseMessageID(raw string) (MessageID, error) {
	if err := checkID("message ID", raw); err != nil {
		return MessageID{}, err
	}
	return MessageID{id: raw}, nil
}

// String returns the raw message ID string.
func (m MessageID) String() string { return m.id }

// IsZero reports whether the MessageID is the zero value (uninitialized).
func (m MessageID) IsZero() bool { return m.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (m MessageID) MarshalText() ([]byte, error) {
	if m.id == "" {
		return nil, fmt.Errorf("cannot marshal zero MessageID")
	}
	return []byte(m.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MessageID) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageID(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
