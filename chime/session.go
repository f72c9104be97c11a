// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package chime

import (
	"fmt"
	"sync"

	"github.com/fosschime/chime-api/lib/ref"
	"github.com/fosschime/chime-api/lib/secret"
)

// sessionCookieName is the cookie carrying the session token on every
// authenticated REST request.
const sessionCookieName = "_aws_wt_session"

// Session holds the credential and identity state of one Chime
// connection: the session token, the viewer's profile, the device
// record, and the resolved service endpoints. Exactly one Session
// exists per connected Client.
//
// The token mutates on renewal; everything else is fixed at
// registration. The cookie header is computed once per token change,
// not per request.
type Session struct {
	mu     sync.Mutex
	token  *secret.Buffer
	cookie string
	closed bool

	profileID      ref.ProfileID
	displayName    string
	profileChannel ref.ChannelName
	deviceID       string
	deviceChannel  ref.ChannelName
	endpoints      ServiceEndpoints
}

// newSession builds a Session from a parsed registration response.
func newSession(reg *registrationResponse) (*Session, error) {
	s := &Session{
		profileID:      reg.Session.Profile.ID,
		displayName:    reg.Session.Profile.DisplayName,
		profileChannel: reg.Session.Profile.ProfileChannel,
		deviceID:       reg.Session.Device.DeviceID,
		deviceChannel:  reg.Session.Device.Channel,
		endpoints: ServiceEndpoints{
			Presence:     reg.Session.ServiceConfig.Presence.RestURL,
			Reachability: reg.Session.ServiceConfig.Push.ReachabilityURL,
			Websocket:    reg.Session.ServiceConfig.Push.WebsocketURL,
			Profile:      reg.Session.ServiceConfig.Profile.RestURL,
			Contacts:     reg.Session.ServiceConfig.Contacts.RestURL,
			Messaging:    reg.Session.ServiceConfig.Messaging.RestURL,
			Conference:   reg.Session.ServiceConfig.Conference.RestURL,
		},
	}
	if err := s.setToken(reg.Session.SessionToken); err != nil {
		return nil, err
	}
	return s, nil
}

// setToken replaces the session token, moving it into protected
// memory and precomputing the cookie header. The previous token
// buffer, if any, is zeroed and released.
func (s *Session) setToken(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty session token", ErrBadResponse)
	}

	buffer, err := secret.NewFromBytes([]byte(raw))
	if err != nil {
		return fmt.Errorf("chime: protecting session token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		buffer.Close()
		return fmt.Errorf("chime: session closed")
	}
	if s.token != nil {
		s.token.Close()
	}
	s.token = buffer
	s.cookie = sessionCookieName + "=" + buffer.String()
	return nil
}

// CookieHeader returns the precomputed session cookie header value,
// suitable for a Cookie request header. The websocket upgrade dials
// outside the request queue and authenticates with this.
func (s *Session) CookieHeader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookie
}

// Token returns the current session token as a heap string, or ""
// after close. Use only at API boundaries (the renewal request body,
// the credential cache).
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return ""
	}
	return s.token.String()
}

// ProfileID returns the viewer's own profile ID. The inbound mention
// scanner matches it against message bodies.
func (s *Session) ProfileID() ref.ProfileID { return s.profileID }

// DisplayName returns the viewer's display name from registration.
func (s *Session) DisplayName() string { return s.displayName }

// ProfileChannel returns the juggernaut channel carrying events for
// the viewer's profile.
func (s *Session) ProfileChannel() ref.ChannelName { return s.profileChannel }

// DeviceID returns the registered device ID.
func (s *Session) DeviceID() string { return s.deviceID }

// DeviceChannel returns the juggernaut channel carrying events for
// the registered device, including RoomMessage events for rooms the
// client has not yet joined.
func (s *Session) DeviceChannel() ref.ChannelName { return s.deviceChannel }

// Endpoints returns the resolved service endpoint map.
func (s *Session) Endpoints() ServiceEndpoints { return s.endpoints }

// close releases the token buffer. Further setToken calls fail.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.token != nil {
		s.token.Close()
		s.token = nil
		s.cookie = ""
	}
}
