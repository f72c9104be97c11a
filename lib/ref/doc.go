// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for Chime identifiers.
//
// Chime identifiers are opaque, server-assigned strings (UUID-shaped in
// practice, but the service does not promise that). Client code never
// constructs them — they arrive in registration responses, message
// records, and membership records, and are parsed into these types at
// the wire boundary. Parsing rejects the obviously broken cases (empty
// strings, whitespace, characters that cannot appear in a mention
// token) so that a malformed record fails loudly at decode time instead
// of corrupting a URL or a mention three layers up.
//
// All types are immutable value types with string-backed representation.
// The zero value is never valid; use IsZero to check. Every type
// implements encoding.TextMarshaler and TextUnmarshaler, so they can
// appear directly in JSON wire structs.
package ref
