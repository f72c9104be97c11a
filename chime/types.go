// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package chime

import (
	"fmt"
	"strings"

	"github.com/fosschime/chime-api/lib/ref"
)

// deviceRegistrationRequest is the body posted to the sign-in
// service's /sessions endpoint. Chime requires a mobile-style device
// registration even for desktop clients; the device token is a random
// UUID minted per registration.
type deviceRegistrationRequest struct {
	Device devicePayload `json:"Device"`
}

type devicePayload struct {
	Platform       string `json:"Platform"`
	DeviceToken    string `json:"DeviceToken"`
	UaChannelToken string `json:"UaChannelToken"`
	Capabilities   int    `json:"Capabilities"`
}

// registrationResponse is the device registration response. The
// service reports the session token, the viewer's profile, the device
// record, and the per-service endpoint map. Field names follow the
// wire exactly — note the lowercase profile fields amid the otherwise
// PascalCase schema.
type registrationResponse struct {
	Session struct {
		SessionToken string `json:"SessionToken"`
		Profile      struct {
			ID             ref.ProfileID   `json:"id"`
			DisplayName    string          `json:"display_name"`
			ProfileChannel ref.ChannelName `json:"profile_channel"`
		} `json:"Profile"`
		Device struct {
			DeviceID string          `json:"DeviceId"`
			Channel  ref.ChannelName `json:"Channel"`
		} `json:"Device"`
		ServiceConfig struct {
			Presence struct {
				RestURL string `json:"RestUrl"`
			} `json:"Presence"`
			Push struct {
				ReachabilityURL string `json:"ReachabilityUrl"`
				WebsocketURL    string `json:"WebsocketUrl"`
			} `json:"Push"`
			Profile struct {
				RestURL string `json:"RestUrl"`
			} `json:"Profile"`
			Contacts struct {
				RestURL string `json:"RestUrl"`
			} `json:"Contacts"`
			Messaging struct {
				RestURL string `json:"RestUrl"`
			} `json:"Messaging"`
			Conference struct {
				RestURL string `json:"RestUrl"`
			} `json:"Conference"`
		} `json:"ServiceConfig"`
	} `json:"Session"`
}

// renewalResponse is the token renewal response from the profile
// service's /tokens endpoint.
type renewalResponse struct {
	SessionToken string `json:"SessionToken"`
}

// errorResponse is the JSON shape Chime services use for error
// bodies. Message is optional; the HTTP status text stands in when it
// is absent.
type errorResponse struct {
	Message string `json:"Message"`
}

// ServiceEndpoints holds the per-service REST base URLs resolved from
// the device registration response. Nothing beyond the initial
// sign-in endpoint is hardcoded — every other URL is built from these
// bases.
type ServiceEndpoints struct {
	Presence     string
	Reachability string
	Websocket    string
	Profile      string
	Contacts     string
	Messaging    string
	Conference   string
}

// TokensURL is the token renewal endpoint on the profile service.
func (e ServiceEndpoints) TokensURL() string {
	return joinURL(e.Profile, "/tokens")
}

// RoomMessagesURL is the message history and send endpoint for a room
// on the messaging service.
func (e ServiceEndpoints) RoomMessagesURL(roomID ref.RoomID) string {
	return joinURL(e.Messaging, fmt.Sprintf("/rooms/%s/messages", roomID))
}

// RoomMembershipsURL is the membership listing endpoint for a room on
// the messaging service.
func (e ServiceEndpoints) RoomMembershipsURL(roomID ref.RoomID) string {
	return joinURL(e.Messaging, fmt.Sprintf("/rooms/%s/memberships", roomID))
}

// WebsocketNegotiateURL is the juggernaut session negotiation
// endpoint on the push service.
func (e ServiceEndpoints) WebsocketNegotiateURL() string {
	return joinURL(e.Websocket, "/1")
}

// WebsocketUpgradeURL is the juggernaut socket endpoint for a
// negotiated streaming session.
func (e ServiceEndpoints) WebsocketUpgradeURL(streamSession string) string {
	return joinURL(e.Websocket, "/1/websocket/"+streamSession)
}

// joinURL concatenates a base URL and a path, tolerating a trailing
// slash on the base and a leading slash on the path so endpoint bases
// from the wire compose cleanly either way.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
