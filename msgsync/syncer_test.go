// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package msgsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fosschime/chime-api/lib/ref"
)

var syncBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(t *testing.T, id string, offset time.Duration) Message {
	t.Helper()
	messageID, err := ref.ParseMessageID(id)
	if err != nil {
		t.Fatalf("ParseMessageID(%q): %v", id, err)
	}
	return Message{
		ID:        messageID,
		Content:   "content of " + id,
		CreatedOn: syncBase.Add(offset),
	}
}

// recorder collects deliveries and readiness signals for assertions.
type recorder struct {
	mu        sync.Mutex
	delivered []Message
	ready     int
	errs      []error
}

func (r *recorder) deliver(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, m)
}

func (r *recorder) onReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready++
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) ids(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.delivered))
	for i, m := range r.delivered {
		ids[i] = m.ID.String()
	}
	return ids
}

func (r *recorder) readyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// pagedFetch serves a fixed sequence of pages keyed by token.
func pagedFetch(pages []Page) func(context.Context, string) (Page, error) {
	return func(_ context.Context, token string) (Page, error) {
		for i, page := range pages {
			expect := ""
			if i > 0 {
				expect = fmt.Sprintf("page-%d", i)
			}
			if token == expect {
				return page, nil
			}
		}
		return Page{}, fmt.Errorf("unknown page token %q", token)
	}
}

func newSyncer(t *testing.T, rec *recorder, config Config) *Syncer {
	t.Helper()
	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if config.Deliver == nil {
		config.Deliver = rec.deliver
	}
	if config.OnReady == nil {
		config.OnReady = rec.onReady
	}
	if config.OnError == nil {
		config.OnError = rec.onError
	}
	syncer, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return syncer
}

func TestEmptyRoomCompletes(t *testing.T) {
	rec := &recorder{}
	syncer := newSyncer(t, rec, Config{
		FetchPage: pagedFetch([]Page{{}}),
	})

	syncer.Start(context.Background())
	if syncer.Ready() {
		t.Fatal("ready before membership completed")
	}
	syncer.MembershipComplete()
	if !syncer.Ready() {
		t.Fatal("empty room never became ready")
	}
	if got := rec.readyCount(); got != 1 {
		t.Errorf("OnReady fired %d times, want 1", got)
	}

	// Live messages now deliver immediately, in arrival order.
	syncer.HandleLive(msg(t, "live-1", time.Minute))
	syncer.HandleLive(msg(t, "live-2", 30*time.Second))
	if got := rec.ids(t); len(got) != 2 || got[0] != "live-1" || got[1] != "live-2" {
		t.Errorf("live deliveries = %v, want [live-1 live-2]", got)
	}
}

func TestBacklogSortedAndDeduplicated(t *testing.T) {
	rec := &recorder{}
	// Pages arrive newest-first, the way the service returns them.
	syncer := newSyncer(t, rec, Config{
		FetchPage: pagedFetch([]Page{
			{Messages: []Message{msg(t, "m-4", 4 * time.Minute), msg(t, "m-3", 3 * time.Minute)}, NextToken: "page-1"},
			{Messages: []Message{msg(t, "m-2", 2 * time.Minute), msg(t, "m-1", 1 * time.Minute)}},
		}),
	})

	// A live copy of m-3 arrives before the fetch has run at all, and
	// a genuinely new live message arrives mid-sync. Both buffer.
	syncer.HandleLive(msg(t, "m-3", 3*time.Minute))
	syncer.HandleLive(msg(t, "m-5", 5*time.Minute))

	syncer.Start(context.Background())
	syncer.MembershipComplete()

	want := []string{"m-1", "m-2", "m-3", "m-4", "m-5"}
	got := rec.ids(t)
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
}

func TestTimestampsNonDecreasing(t *testing.T) {
	rec := &recorder{}
	syncer := newSyncer(t, rec, Config{
		FetchPage: pagedFetch([]Page{{Messages: []Message{
			msg(t, "m-b", 2*time.Minute),
			msg(t, "m-a", 1*time.Minute),
			msg(t, "m-c", 2*time.Minute), // same stamp as m-b: ID breaks the tie
		}}}),
	})
	syncer.Start(context.Background())
	syncer.MembershipComplete()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.delivered); i++ {
		if rec.delivered[i].CreatedOn.Before(rec.delivered[i-1].CreatedOn) {
			t.Fatalf("delivery %d (%s) before predecessor in time", i, rec.delivered[i].ID)
		}
	}
	if len(rec.delivered) != 3 {
		t.Fatalf("delivered %d messages, want 3", len(rec.delivered))
	}
}

func TestReadinessWaitsForMembership(t *testing.T) {
	rec := &recorder{}
	syncer := newSyncer(t, rec, Config{
		FetchPage: pagedFetch([]Page{{}}),
	})

	syncer.Start(context.Background())
	syncer.HandleLive(msg(t, "m-1", time.Minute))
	if got := len(rec.ids(t)); got != 0 {
		t.Fatalf("delivered %d messages before membership completed", got)
	}

	syncer.MembershipComplete()
	if got := rec.ids(t); len(got) != 1 || got[0] != "m-1" {
		t.Errorf("deliveries after completion = %v, want [m-1]", got)
	}
	if got := rec.readyCount(); got != 1 {
		t.Errorf("OnReady fired %d times, want 1", got)
	}
}

func TestResumePointSuppressesSeenHistory(t *testing.T) {
	rec := &recorder{}
	syncer := newSyncer(t, rec, Config{
		FetchPage: pagedFetch([]Page{{Messages: []Message{
			msg(t, "m-old", 1*time.Minute),
			msg(t, "m-seen", 2*time.Minute),
			msg(t, "m-new", 3*time.Minute),
		}}}),
		ResumePoint: syncBase.Add(2 * time.Minute),
	})
	syncer.Start(context.Background())
	syncer.MembershipComplete()

	if got := rec.ids(t); len(got) != 1 || got[0] != "m-new" {
		t.Errorf("deliveries = %v, want [m-new]", got)
	}
}

func TestFetchFailureReportsOnce(t *testing.T) {
	rec := &recorder{}
	fetchErr := errors.New("page fetch exploded")
	syncer := newSyncer(t, rec, Config{
		FetchPage: func(context.Context, string) (Page, error) { return Page{}, fetchErr },
	})
	syncer.Start(context.Background())
	syncer.MembershipComplete()

	if syncer.Ready() {
		t.Fatal("room became ready after a fetch failure")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], fetchErr) {
		t.Errorf("OnError calls = %v, want exactly one wrapping the fetch error", rec.errs)
	}
	if len(rec.delivered) != 0 {
		t.Errorf("delivered %d messages from a failed room", len(rec.delivered))
	}
	if rec.ready != 0 {
		t.Errorf("OnReady fired %d times after failure", rec.ready)
	}
}

func TestFailedRoomDropsLiveMessages(t *testing.T) {
	rec := &recorder{}
	syncer := newSyncer(t, rec, Config{
		FetchPage: func(context.Context, string) (Page, error) {
			return Page{}, errors.New("page fetch exploded")
		},
	})

	// Buffer a live message before the failure lands.
	syncer.HandleLive(msg(t, "m-early", time.Minute))
	syncer.Start(context.Background())
	syncer.MembershipComplete()

	// A failed room can never flush, so live traffic must not
	// accumulate for the rest of the connection's life.
	for i := 0; i < 100; i++ {
		syncer.HandleLive(msg(t, fmt.Sprintf("m-%d", i), time.Duration(i)*time.Second))
	}

	syncer.mu.Lock()
	buffered := len(syncer.buffer)
	syncer.mu.Unlock()
	if buffered != 0 {
		t.Errorf("failed room buffered %d live messages, want 0", buffered)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.delivered) != 0 {
		t.Errorf("failed room delivered %d messages", len(rec.delivered))
	}
}

func TestCancelledFetchStaysSilent(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	syncer := newSyncer(t, rec, Config{
		FetchPage: func(ctx context.Context, _ string) (Page, error) {
			cancel()
			return Page{}, ctx.Err()
		},
	})
	syncer.Start(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 0 {
		t.Errorf("OnError fired for a cancelled fetch: %v", rec.errs)
	}
	if rec.ready != 0 || len(rec.delivered) != 0 {
		t.Error("callbacks delivered after cancellation")
	}
}

func TestLiveMessagesBufferDuringFetch(t *testing.T) {
	rec := &recorder{}
	firstPageServed := make(chan struct{})
	releaseSecond := make(chan struct{})

	syncer := newSyncer(t, rec, Config{
		FetchPage: func(_ context.Context, token string) (Page, error) {
			if token == "" {
				close(firstPageServed)
				return Page{Messages: []Message{msg(t, "m-2", 2 * time.Minute)}, NextToken: "more"}, nil
			}
			<-releaseSecond
			return Page{Messages: []Message{msg(t, "m-1", 1 * time.Minute)}}, nil
		},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		syncer.Start(context.Background())
	}()

	<-firstPageServed
	// m-2 also arrives live while page two is still pending: it must
	// collapse with the historical copy, and m-0 must sort before
	// everything despite arriving last.
	syncer.HandleLive(msg(t, "m-2", 2*time.Minute))
	syncer.HandleLive(msg(t, "m-0", 30*time.Second))
	if got := len(rec.ids(t)); got != 0 {
		t.Fatalf("delivered %d messages while fetch in progress", got)
	}
	close(releaseSecond)
	<-done
	syncer.MembershipComplete()

	want := []string{"m-0", "m-1", "m-2"}
	got := rec.ids(t)
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
}
