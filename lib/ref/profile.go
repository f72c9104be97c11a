// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// ProfileID identifies a Chime user profile. The viewer's own profile
// ID arrives in the registration response; other members' IDs arrive
// in membership records and as message senders. Mention markup embeds
// profile IDs in message bodies (<@profile-id|Display Name>).
//
// The reserved mention targets "all" and "present" are not profile IDs
// and are handled as literals by the mention parser, not by this type.
//
// ProfileID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type ProfileID struct {
	id string
}

// ParseProfileID validates and wraps a raw profile ID string.
func ParseProfileID(raw string) (ProfileID, error) {
	if err := checkID("profile ID", raw); err != nil {
		return ProfileID{}, err
	}
	return ProfileID{id: raw}, nil
}

// String returns the raw profile ID string.
func (p ProfileID) String() string { return p.id }

// IsZero reports whether the ProfileID is the zero value (uninitialized).
func (p ProfileID) IsZero() bool { return p.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (p ProfileID) MarshalText() ([]byte, error) {
	if p.id == "" {
		return nil, fmt.Errorf("cannot marshal zero ProfileID")
	}
	return []byte(p.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ProfileID) UnmarshalText(text []byte) error {
	parsed, err := ParseProfileID(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
