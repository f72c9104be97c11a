// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

// Package juggernaut implements the realtime event channel of the
// Chime protocol: a pub/sub stream of JSON events multiplexed over a
// single websocket.
//
// The connection is established in two phases. Negotiation is a plain
// GET against the push service (issued through the chime request
// queue, so an expired token renews like any other request) returning
// a colon-delimited parameter string; the upgrade then opens a
// websocket using the negotiated stream session. Inbound frames are
// demultiplexed by exact (channel, event type) match to subscribers,
// which run in registration order on the single read-pump goroutine.
//
// Connection loss is fatal: the Closed channel closes and no
// reconnect is attempted. Reconnect policy belongs to the host.
package juggernaut
