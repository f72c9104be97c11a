// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package chime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

// parkedRequest is a request held in the pending-renewal queue. Its
// body was serialized once at submission; replay re-issues the same
// bytes with the renewed cookie.
type parkedRequest struct {
	method   string
	url      string
	body     []byte
	wantJSON bool
	result   chan parkResult
}

// parkResult completes a parked request: exactly one of body or err.
type parkResult struct {
	body []byte
	err  error
}

// requestQueue owns the connection state machine and the FIFO of
// requests parked behind a token renewal. All REST traffic flows
// through do; the queue guarantees that an auth failure triggers at
// most one renewal at a time, that parked requests are re-issued in
// original order with the renewed token, and that teardown completes
// every pending request with ErrCancelled.
type requestQueue struct {
	client *Client

	mu       sync.Mutex
	st       State
	sess     *Session
	parked   []*parkedRequest
	fatalErr error
	closed   chan struct{}
}

func newRequestQueue(client *Client) *requestQueue {
	return &requestQueue{
		client: client,
		st:     StateNoSession,
		closed: make(chan struct{}),
	}
}

func (q *requestQueue) state() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.st
}

func (q *requestQueue) session() *Session {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sess
}

// beginRegistration moves NoSession -> Registering. Connect may only
// be called once per Client.
func (q *requestQueue) beginRegistration() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.st != StateNoSession {
		return fmt.Errorf("chime: Connect called in state %s", q.st)
	}
	q.st = StateRegistering
	return nil
}

// activate installs the freshly registered session and moves to
// StateActive.
func (q *requestQueue) activate(sess *Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sess = sess
	q.st = StateActive
}

// do issues one authenticated request. On an auth-failure response
// the request parks behind a renewal and the call blocks until the
// renewed replay completes, the caller's context is cancelled, or
// the connection closes.
func (q *requestQueue) do(ctx context.Context, method, requestURL string, body []byte, wantJSON bool) ([]byte, error) {
	q.mu.Lock()
	switch q.st {
	case StateClosed:
		q.mu.Unlock()
		return nil, ErrCancelled
	case StateFailed:
		err := q.fatalErr
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	case StateNoSession, StateRegistering:
		q.mu.Unlock()
		return nil, fmt.Errorf("chime: request before session established (state %s)", q.st)
	}
	cookie := q.sess.CookieHeader()
	q.mu.Unlock()

	status, contentType, respBody, err := q.client.executeOnce(ctx, method, requestURL, body, cookie)
	if err != nil {
		return nil, err
	}

	if !isAuthFailure(status) {
		return finishResponse(status, contentType, respBody, wantJSON)
	}

	resultCh, err := q.park(method, requestURL, body, wantJSON)
	if err != nil {
		return nil, err
	}

	select {
	case result := <-resultCh:
		return result.body, result.err
	case <-ctx.Done():
		// The replay may still run this request; its result lands in
		// the buffered channel and is discarded. The caller never
		// sees a stale completion.
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	case <-q.closed:
		return nil, ErrCancelled
	}
}

// park appends a request to the pending-renewal FIFO. The first
// parked request starts the renewal; requests failing while a renewal
// is already pending join the same queue.
func (q *requestQueue) park(method, requestURL string, body []byte, wantJSON bool) (<-chan parkResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.st {
	case StateClosed:
		return nil, ErrCancelled
	case StateFailed:
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, q.fatalErr)
	}

	request := &parkedRequest{
		method:   method,
		url:      requestURL,
		body:     body,
		wantJSON: wantJSON,
		result:   make(chan parkResult, 1),
	}
	q.parked = append(q.parked, request)

	if q.st != StateRenewing {
		q.st = StateRenewing
		go q.renew()
	}
	return request.result, nil
}

// renew performs one token renewal and replays the parked queue.
// Runs on its own goroutine; exactly one renew is in flight per
// StateRenewing episode.
func (q *requestQueue) renew() {
	q.mu.Lock()
	sess := q.sess
	q.mu.Unlock()

	q.client.logger.Info("session token rejected, renewing")

	currentToken := sess.Token()
	renewURL := sess.Endpoints().TokensURL() + "?" + url.Values{"Token": {currentToken}}.Encode()
	renewBody, err := jsonBody(map[string]string{"Token": currentToken})
	if err != nil {
		q.fail(fmt.Errorf("chime: token renewal: %w", err))
		return
	}

	status, _, respBody, err := q.client.executeOnce(context.Background(), http.MethodPost, renewURL, renewBody, sess.CookieHeader())
	if err != nil {
		q.fail(fmt.Errorf("chime: token renewal: %w", err))
		return
	}
	if status != http.StatusOK && status != http.StatusCreated {
		q.fail(fmt.Errorf("chime: token renewal: %w", apiError(status, respBody)))
		return
	}

	var renewed renewalResponse
	if err := decodeBody(respBody, &renewed); err != nil {
		q.fail(fmt.Errorf("chime: token renewal: %w", err))
		return
	}
	if err := sess.setToken(renewed.SessionToken); err != nil {
		q.fail(fmt.Errorf("chime: token renewal: %w", err))
		return
	}
	q.client.storeToken(sess)
	q.client.logger.Info("session token renewed")

	// Take the whole queue and reactivate before replaying: a fresh
	// auth failure during replay parks behind a new renewal episode
	// rather than this one.
	q.mu.Lock()
	batch := q.parked
	q.parked = nil
	if q.st == StateRenewing {
		q.st = StateActive
	}
	q.mu.Unlock()

	// The cookie is computed once for the whole replay.
	cookie := sess.CookieHeader()

	var replayAuthFailure error
	for _, request := range batch {
		status, contentType, respBody, err := q.client.executeOnce(context.Background(), request.method, request.url, request.body, cookie)

		var result parkResult
		switch {
		case err != nil:
			result.err = err
		case isAuthFailure(status):
			// A request that fails auth again with the renewed token
			// gets no second renewal. It fails, and the connection
			// goes with it.
			result.err = fmt.Errorf("chime: auth failed after token renewal: %w", apiError(status, respBody))
			replayAuthFailure = result.err
		default:
			result.body, result.err = finishResponse(status, contentType, respBody, request.wantJSON)
		}
		request.result <- result
	}

	if replayAuthFailure != nil {
		q.fail(replayAuthFailure)
	}
}

// fail transitions to StateFailed, completes every parked request
// with the fatal error, and notifies the host. Later transitions are
// no-ops once failed or closed.
func (q *requestQueue) fail(err error) {
	q.mu.Lock()
	if q.st == StateFailed || q.st == StateClosed {
		q.mu.Unlock()
		return
	}
	q.st = StateFailed
	q.fatalErr = err
	batch := q.parked
	q.parked = nil
	q.mu.Unlock()

	for _, request := range batch {
		request.result <- parkResult{err: fmt.Errorf("%w: %w", ErrConnectionFailed, err)}
	}
	q.client.notifyFatal(err)
}

// close tears the queue down: parked requests complete with
// ErrCancelled and the session token is released. Idempotent.
func (q *requestQueue) close() {
	q.mu.Lock()
	if q.st == StateClosed {
		q.mu.Unlock()
		return
	}
	q.st = StateClosed
	batch := q.parked
	q.parked = nil
	sess := q.sess
	close(q.closed)
	q.mu.Unlock()

	for _, request := range batch {
		request.result <- parkResult{err: ErrCancelled}
	}
	if sess != nil {
		sess.close()
	}
}
