// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package chime

import (
	"errors"
	"fmt"
	"net/http"
)

// userAgent identifies this client on every REST request.
const userAgent = "chime-api/0.4"

// APIError represents an error response from a Chime service endpoint:
// the HTTP status plus whatever reason the server gave. Callers use
// errors.As to extract the structured information:
//
//	var apiErr *chime.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.StatusCode == http.StatusNotFound { ... }
//	}
type APIError struct {
	// StatusCode is the HTTP status code of the response.
	StatusCode int
	// Reason is the server's error description: the response body's
	// Message field when present, otherwise the HTTP status text.
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chime: request failed (%d): %s", e.StatusCode, e.Reason)
}

// Sentinel errors for connection lifecycle failures.
var (
	// ErrCancelled completes a request that was pending when the
	// connection closed or the caller's context was cancelled.
	ErrCancelled = errors.New("chime: request cancelled")

	// ErrConnectionFailed is wrapped by every error surfaced after
	// the connection has entered its fatal state (failed token
	// renewal, failed registration).
	ErrConnectionFailed = errors.New("chime: connection failed")

	// ErrBadResponse is wrapped by protocol failures: wrong content
	// type, malformed JSON, or a response shape missing required
	// fields.
	ErrBadResponse = errors.New("chime: unexpected response from server")
)

// isAuthFailure reports whether a response status indicates an
// expired or invalid session token. These responses are never
// surfaced directly — the request queue parks the request and renews
// the token instead.
func isAuthFailure(statusCode int) bool {
	return statusCode == http.StatusUnauthorized
}
