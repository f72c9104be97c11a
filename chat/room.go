// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fosschime/chime-api/juggernaut"
	"github.com/fosschime/chime-api/lib/ref"
	"github.com/fosschime/chime-api/msgsync"
	"github.com/fosschime/chime-api/statestore"
)

// pageSize is the page size for history and membership pagination.
const pageSize = 50

// membershipRecord is the wire shape of one membership, in both the
// bulk listing and live RoomMembership events.
type membershipRecord struct {
	Presence string `json:"Presence"`
	Member   struct {
		ProfileID   ref.ProfileID `json:"ProfileId"`
		Email       string        `json:"Email"`
		DisplayName string        `json:"DisplayName"`
	} `json:"Member"`
}

type messagePage struct {
	Messages  []msgsync.Message `json:"Messages"`
	NextToken string            `json:"NextToken"`
}

type membershipPage struct {
	RoomMemberships []membershipRecord `json:"RoomMemberships"`
	NextToken       string             `json:"NextToken"`
}

// Room is one joined room. Created by Manager.Join; all operations go
// through the Manager.
type Room struct {
	manager *Manager
	id      ref.RoomID
	name    string
	channel ref.ChannelName

	cancel        context.CancelFunc
	syncer        *msgsync.Syncer
	messageSub    *juggernaut.Subscription
	membershipSub *juggernaut.Subscription

	// left is set by Leave before unsubscribing, so a dispatch
	// already in flight on the read pump delivers nothing.
	left atomic.Bool

	mu           sync.Mutex
	members      map[ref.ProfileID]Member
	sentMessages map[ref.MessageID]struct{}
	lastSeen     statestore.Marker
}

// ID returns the room's ID.
func (r *Room) ID() ref.RoomID { return r.id }

// Name returns the room's display name.
func (r *Room) Name() string { return r.name }

// Ready reports whether history and membership have both loaded.
func (r *Room) Ready() bool { return r.syncer.Ready() }

// Members returns a snapshot of the membership table, sorted by
// display name.
func (r *Room) Members() []Member {
	r.mu.Lock()
	members := make([]Member, 0, len(r.members))
	for _, member := range r.members {
		members = append(members, member)
	}
	r.mu.Unlock()
	sort.Slice(members, func(i, j int) bool {
		if members[i].DisplayName != members[j].DisplayName {
			return members[i].DisplayName < members[j].DisplayName
		}
		return members[i].ID.String() < members[j].ID.String()
	})
	return members
}

// fetchMessagePage retrieves one page of the room's message history,
// most recent first.
func (r *Room) fetchMessagePage(ctx context.Context, nextToken string) (msgsync.Page, error) {
	query := url.Values{"max-results": {strconv.Itoa(pageSize)}}
	if nextToken != "" {
		query.Set("next-token", nextToken)
	}
	requestURL := r.manager.endpoints.RoomMessagesURL(r.id) + "?" + query.Encode()

	var page messagePage
	if err := r.manager.client.Do(ctx, http.MethodGet, requestURL, nil, &page); err != nil {
		return msgsync.Page{}, err
	}
	return msgsync.Page{Messages: page.Messages, NextToken: page.NextToken}, nil
}

// runMembershipFetch pages the membership listing to exhaustion, then
// signals the syncer. A page failure surfaces as a room-level sync
// failure; cancellation is silent.
func (r *Room) runMembershipFetch(ctx context.Context) {
	nextToken := ""
	for {
		query := url.Values{"max-results": {strconv.Itoa(pageSize)}}
		if nextToken != "" {
			query.Set("next-token", nextToken)
		}
		requestURL := r.manager.endpoints.RoomMembershipsURL(r.id) + "?" + query.Encode()

		var page membershipPage
		if err := r.manager.client.Do(ctx, http.MethodGet, requestURL, nil, &page); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.syncFailed(fmt.Errorf("chat: fetching memberships: %w", err))
			return
		}
		if ctx.Err() != nil {
			return
		}
		for _, record := range page.RoomMemberships {
			r.applyMembership(record)
		}
		nextToken = page.NextToken
		if nextToken == "" {
			break
		}
	}
	if r.left.Load() {
		return
	}
	r.syncer.MembershipComplete()
}

// applyMembership inserts a new member or updates an existing one's
// presence. Members are never removed.
func (r *Room) applyMembership(record membershipRecord) bool {
	var present bool
	switch record.Presence {
	case "present":
		present = true
	case "notPresent":
		present = false
	default:
		r.manager.logger.Warn("unknown member presence",
			"room_id", r.id, "presence", record.Presence)
		return false
	}
	if record.Member.ProfileID.IsZero() {
		return false
	}
	if r.left.Load() {
		return false
	}

	member := Member{
		ID:          record.Member.ProfileID,
		Email:       record.Member.Email,
		DisplayName: record.Member.DisplayName,
		Present:     present,
	}

	r.mu.Lock()
	existing, known := r.members[member.ID]
	r.members[member.ID] = member
	r.mu.Unlock()

	switch {
	case !known:
		r.manager.events.MemberJoined(r.id, member)
	case existing.Present != present:
		r.manager.events.MemberPresenceChanged(r.id, member.ID, present)
	}
	return true
}

// handleMessageEvent feeds one live RoomMessage event into the sync
// engine.
func (r *Room) handleMessageEvent(event juggernaut.Event) bool {
	if r.left.Load() {
		return false
	}
	var message msgsync.Message
	if err := json.Unmarshal(event.Record, &message); err != nil {
		r.manager.logger.Warn("malformed RoomMessage record",
			"room_id", r.id, "error", err)
		return false
	}
	if message.ID.IsZero() {
		return false
	}
	r.syncer.HandleLive(message)
	return true
}

// handleMembershipEvent applies one live RoomMembership event.
func (r *Room) handleMembershipEvent(event juggernaut.Event) bool {
	if r.left.Load() {
		return false
	}
	var record membershipRecord
	if err := json.Unmarshal(event.Record, &record); err != nil {
		r.manager.logger.Warn("malformed RoomMembership record",
			"room_id", r.id, "error", err)
		return false
	}
	return r.applyMembership(record)
}

// deliver is the syncer's delivery callback: it advances the
// last-seen marker, suppresses the echo of a locally sent message
// exactly once, resolves the sender, and hands the message to the
// host with mention markup rewritten.
func (r *Room) deliver(message msgsync.Message) {
	if r.left.Load() {
		return
	}

	// The marker advances even for an echo we suppress: the host has
	// seen the message, just via the send path.
	r.advanceLastSeen(message)

	r.mu.Lock()
	if _, sentLocally := r.sentMessages[message.ID]; sentLocally {
		delete(r.sentMessages, message.ID)
		r.mu.Unlock()
		return
	}
	sender, outgoing := r.resolveSenderLocked(message.Sender)
	r.mu.Unlock()

	var flags MessageFlags
	if outgoing {
		flags |= FlagOutgoing
	} else if mentionsProfile(message.Content, r.manager.profileID) {
		flags |= FlagMentionsMe
	}
	r.manager.events.Message(r.id, sender, rewriteInboundMentions(message.Content), flags, message.CreatedOn)
}

// resolveSenderLocked maps a sender profile ID to a display name.
func (r *Room) resolveSenderLocked(sender ref.ProfileID) (name string, outgoing bool) {
	if sender == r.manager.profileID {
		return r.manager.displayName, true
	}
	if member, ok := r.members[sender]; ok {
		return member.DisplayName, false
	}
	return "Unknown sender", false
}

// advanceLastSeen persists the delivery marker when it moves forward.
func (r *Room) advanceLastSeen(message msgsync.Message) {
	if message.CreatedOn.IsZero() {
		return
	}
	marker := statestore.Marker{Timestamp: message.CreatedOn, MessageID: message.ID}

	r.mu.Lock()
	if !r.lastSeen.IsZero() && r.lastSeen.Timestamp.After(marker.Timestamp) {
		r.mu.Unlock()
		return
	}
	r.lastSeen = marker
	r.mu.Unlock()

	if err := r.manager.store.WriteLastSeen(context.Background(), r.id, marker); err != nil {
		r.manager.logger.Warn("persisting last-seen marker failed",
			"room_id", r.id, "error", err)
	}
}

// recordSent handles the response to a successful send: unless a live
// echo already overtook it, the message ID enters the dedup table and
// the message echoes locally.
func (r *Room) recordSent(message msgsync.Message) {
	if message.ID.IsZero() {
		return
	}
	if message.CreatedOn.IsZero() {
		message.CreatedOn = time.Now()
	}

	r.mu.Lock()
	// The live channel may deliver the message before the send
	// response arrives. If the marker already passed the message's
	// timestamp, the host has it; echoing again would duplicate.
	if !r.lastSeen.IsZero() && !r.lastSeen.Timestamp.Before(message.CreatedOn) {
		r.mu.Unlock()
		return
	}
	r.sentMessages[message.ID] = struct{}{}
	r.mu.Unlock()

	r.manager.events.Message(r.id, r.manager.displayName,
		rewriteInboundMentions(message.Content), FlagOutgoing, message.CreatedOn)
}

// syncFailed reports a room-level fetch failure to the host.
func (r *Room) syncFailed(err error) {
	if r.left.Load() {
		return
	}
	r.manager.logger.Warn("room sync failed", "room_id", r.id, "error", err)
	r.manager.events.SyncFailed(r.id, err)
}
