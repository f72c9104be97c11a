// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package chime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/fosschime/chime-api/lib/netutil"
)

// executeOnce issues a single HTTP request with no retry or queueing.
// cookie, when non-empty, is sent as the Cookie header. The response
// body is fully read (bounded by netutil.MaxResponseSize) so the
// underlying connection can be reused.
func (c *Client) executeOnce(ctx context.Context, method, requestURL string, body []byte, cookie string) (status int, contentType string, respBody []byte, err error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return 0, "", nil, fmt.Errorf("chime: building request: %w", err)
	}

	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", userAgent)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if cookie != "" {
		request.Header.Set("Cookie", cookie)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return 0, "", nil, fmt.Errorf("chime: %s %s: %w", method, requestURL, err)
	}

	defer response.Body.Close()

	respBody, err = netutil.ReadResponse(response.Body)
	if err != nil {
		return 0, "", nil, fmt.Errorf("chime: reading response: %w", err)
	}
	return response.StatusCode, response.Header.Get("Content-Type"), respBody, nil
}

// finishResponse turns a completed HTTP exchange into the caller's
// result: success bodies pass through (with a content-type check when
// JSON was requested), everything else becomes an APIError.
func finishResponse(status int, contentType string, body []byte, wantJSON bool) ([]byte, error) {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	default:
		return nil, apiError(status, body)
	}

	if wantJSON && len(body) > 0 {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			return nil, fmt.Errorf("%w: unexpected content type %q", ErrBadResponse, contentType)
		}
	}
	return body, nil
}

// jsonBody serializes a request body once, so a parked request can be
// replayed byte-identically after renewal.
func jsonBody(v any) ([]byte, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("chime: encoding request body: %w", err)
	}
	return encoded, nil
}

// decodeBody strictly decodes a JSON response body.
func decodeBody(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding response: %w", ErrBadResponse, err)
	}
	return nil
}

// apiError builds an APIError from a non-success response, pulling
// the service's error message out of the body when it has one.
func apiError(status int, body []byte) *APIError {
	var parsed errorResponse
	reason := http.StatusText(status)
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		reason = parsed.Message
	}
	return &APIError{StatusCode: status, Reason: reason}
}

// anyEmpty reports whether any resolved service endpoint is missing.
// A registration response without the full endpoint map cannot back
// a working connection.
func anyEmpty(endpoints ServiceEndpoints) bool {
	for _, u := range []string{
		endpoints.Presence,
		endpoints.Reachability,
		endpoints.Websocket,
		endpoints.Profile,
		endpoints.Contacts,
		endpoints.Messaging,
		endpoints.Conference,
	} {
		if u == "" {
			return true
		}
	}
	return false
}
