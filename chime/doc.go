// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

// Package chime implements the authenticated REST layer of the Chime
// chat protocol: device registration, the session credential, and the
// request queue that renews the session token transparently.
//
// A connection starts with [Client.Connect], which trades a sign-in
// token for a [Session] via device registration. The registration
// response carries everything else the protocol needs — the viewer's
// profile, the push channels, and the per-service endpoint map — so
// no service URL other than the sign-in endpoint is ever configured.
//
// # The request queue
//
// Session tokens expire. Rather than surface auth failures to every
// caller, the Client funnels all REST traffic through a queue with
// the following contract:
//
//   - A request whose response is an auth failure is parked, in
//     arrival order, behind a token renewal. At most one renewal is
//     in flight at a time; requests failing while it runs join the
//     same queue.
//   - On renewal success the parked requests are re-issued in their
//     original order with the renewed token, and each completes with
//     its replayed result. Callers never observe the auth failure.
//   - A request that fails auth again after a successful renewal is
//     not renewed a second time: it completes with an error and the
//     connection enters its fatal state.
//   - On renewal failure the connection enters its fatal state:
//     parked requests complete with ErrConnectionFailed, as does
//     every later request, and OnConnectionError fires once.
//
// [Client.Close] completes all pending requests with ErrCancelled and
// zeroes the session token.
package chime
