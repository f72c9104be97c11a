// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

// Package msgsync reconciles the two sources of truth for a room's
// messages — the paginated historical fetch and the live event
// stream — into a single ordered, deduplicated delivery sequence.
//
// While the historical fetch is paging, live messages are held in a
// buffer keyed by message ID rather than delivered: a live message
// may also appear in a page that has not been fetched yet, and
// delivering it early would both duplicate and reorder. Once history
// and membership are both complete, the merged buffer is sorted by
// timestamp and flushed in order, the room is declared ready exactly
// once, and from then on live messages deliver immediately in stream
// arrival order.
package msgsync
