// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat is the room session layer: it owns per-room state
// (membership, the sent-message dedup table, mention parsing) on top
// of the msgsync engine and the juggernaut stream, and surfaces the
// result to the host through the Events callback interface.
//
// A Manager is connection-scoped: it holds the joined-rooms registry
// for exactly one chime connection, and tears it down with the
// connection. Join is idempotent, Send expands mentions into the wire
// format and records the sent message so its live echo is not
// delivered twice, and Leave cancels the room's in-flight fetches
// before releasing its state.
package chat
