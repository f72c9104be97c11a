// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// ChannelName addresses a realtime event topic on the juggernaut
// streaming connection. Every profile, device, and room has its own
// channel; the names arrive in the registration response (profile and
// device channels) and in room records (room channels).
//
// Channel names are more permissive than the other identifier types:
// any printable ASCII except whitespace is accepted, since the service
// composes them from several identifier segments.
type ChannelName struct {
	name string
}

// ParseChannelName validates and wraps a raw channel name.
func ParseChannelName(raw string) (ChannelName, error) {
	if raw == "" {
		return ChannelName{}, fmt.Errorf("empty channel name")
	}
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b <= ' ' || b >= 0x7f {
			return ChannelName{}, fmt.Errorf("channel name contains invalid byte %q: %q", b, raw)
		}
	}
	return ChannelName{name: raw}, nil
}

// String returns the raw channel name.
func (c ChannelName) String() string { return c.name }

// IsZero reports whether the ChannelName is the zero value (uninitialized).
func (c ChannelName) IsZero() bool { return c.name == "" }

// MarshalText implements encoding.TextMarshaler.
func (c ChannelName) MarshalText() ([]byte, error) {
	if c.name == "" {
		return nil, fmt.Errorf("cannot marshal zero ChannelName")
	}
	return []byte(c.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ChannelName) UnmarshalText(text []byte) error {
	parsed, err := ParseChannelName(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
