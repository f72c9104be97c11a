// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// RoomID identifies a Chime chat room. Room IDs are server-assigned
// opaque identifiers carried in room records, message records, and the
// room REST paths (/rooms/<id>/messages). They are parsed into this
// type at the boundary and never constructed by client code.
//
// RoomID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type RoomID struct {
	id string
}

// ParseRoomID validates and wraps a raw room ID string.
func ParseRoomID(raw string) (RoomID, error) {
	if err := checkID("room ID", raw); err != nil {
		return RoomID{}, err
	}
	return RoomID{id: raw}, nil
}

// String returns the raw room ID string.
func (r RoomID) String() string { return r.id }

// IsZero reports whether the RoomID is the zero value (uninitialized).
func (r RoomID) IsZero() bool { return r.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (r RoomID) MarshalText() ([]byte, error) {
	if r.id == "" {
		return nil, fmt.Errorf("cannot marshal zero RoomID")
	}
	return []byte(r.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RoomID) UnmarshalText(text []byte) error {
	parsed, err := ParseRoomID(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
