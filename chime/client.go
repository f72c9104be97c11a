// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

package chime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the connection lifecycle state.
type State int

const (
	// StateNoSession is the initial state before Connect.
	StateNoSession State = iota
	// StateRegistering means device registration is in flight.
	StateRegistering
	// StateActive means the session is established and requests flow
	// normally.
	StateActive
	// StateRenewing means a token renewal is in flight and
	// auth-failing requests are queued behind it.
	StateRenewing
	// StateFailed is the fatal state: registration or renewal failed.
	// Every subsequent request completes with ErrConnectionFailed.
	StateFailed
	// StateClosed means Close was called.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no-session"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateRenewing:
		return "renewing"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// SigninURL is the base URL of the initial sign-in service
	// (e.g., "https://signin.id.ue1.app.chime.aws"). Required. All
	// other service URLs are resolved from the registration response.
	SigninURL string

	// HTTPClient is used for all REST requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// RequestTimeout bounds each individual REST request. Zero
	// disables the timeout. The original client had none; the bound
	// is a deliberate hardening divergence.
	RequestTimeout time.Duration

	// CredentialCache, when non-nil, receives the session token at
	// registration and after every renewal, so a later Connect can
	// use the freshest token instead of the original sign-in token.
	CredentialCache *CredentialCache

	// OnConnectionError, when non-nil, is invoked once when the
	// connection enters the fatal state. It runs on the goroutine
	// that observed the failure; implementations must not call back
	// into the Client.
	OnConnectionError func(error)
}

// Client is a Chime REST client: it owns the device registration,
// the session credential, and the authenticated request queue that
// transparently renews the session token on auth failures. Create
// one with NewClient, establish the session with Connect, and issue
// requests with Do and DoRaw.
//
// Client is safe for concurrent use.
type Client struct {
	signinURL      string
	httpClient     *http.Client
	logger         *slog.Logger
	requestTimeout time.Duration
	cache          *CredentialCache
	onError        func(error)

	queue *requestQueue
}

// NewClient creates a new, unconnected Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.SigninURL == "" {
		return nil, fmt.Errorf("chime: SigninURL is required")
	}
	if _, err := url.Parse(config.SigninURL); err != nil {
		return nil, fmt.Errorf("chime: invalid SigninURL %q: %w", config.SigninURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := &Client{
		signinURL:      strings.TrimRight(config.SigninURL, "/"),
		httpClient:     httpClient,
		logger:         logger,
		requestTimeout: config.RequestTimeout,
		cache:          config.CredentialCache,
		onError:        config.OnConnectionError,
	}
	client.queue = newRequestQueue(client)
	return client, nil
}

// Connect performs device registration with the given sign-in token,
// establishing the Session. Registration failure is fatal to the
// connection: the Client enters StateFailed and must be discarded.
//
// When a CredentialCache is configured and holds a token newer than
// nothing at all, callers typically pass the cached token here — the
// cache is advisory, the caller decides.
func (c *Client) Connect(ctx context.Context, signinToken string) error {
	if signinToken == "" {
		return fmt.Errorf("chime: sign-in token is required")
	}
	if err := c.queue.beginRegistration(); err != nil {
		return err
	}

	// The device token and push channel token are never used for
	// anything push-related by this client, but the service requires
	// them to be present and unique per registration.
	request := deviceRegistrationRequest{
		Device: devicePayload{
			Platform:       "android",
			DeviceToken:    uuid.NewString(),
			UaChannelToken: uuid.NewString(),
			Capabilities:   1,
		},
	}

	encoded, err := jsonBody(request)
	if err != nil {
		return err
	}

	registerURL := c.signinURL + "/sessions?" + url.Values{"Token": {signinToken}}.Encode()
	status, _, body, err := c.executeOnce(ctx, http.MethodPost, registerURL, encoded, "")
	if err != nil {
		fatal := fmt.Errorf("chime: device registration: %w", err)
		c.queue.fail(fatal)
		return fatal
	}
	if status != http.StatusOK && status != http.StatusCreated {
		fatal := fmt.Errorf("chime: device registration: %w", apiError(status, body))
		c.queue.fail(fatal)
		return fatal
	}

	var reg registrationResponse
	if err := decodeBody(body, &reg); err != nil {
		fatal := fmt.Errorf("chime: device registration: %w", err)
		c.queue.fail(fatal)
		return fatal
	}

	session, err := newSession(&reg)
	if err != nil {
		fatal := fmt.Errorf("chime: device registration: %w", err)
		c.queue.fail(fatal)
		return fatal
	}
	if anyEmpty(session.endpoints) {
		fatal := fmt.Errorf("%w: registration response missing service endpoints", ErrBadResponse)
		c.queue.fail(fatal)
		return fatal
	}

	c.queue.activate(session)
	c.storeToken(session)

	c.logger.Info("registered chime device",
		"profile_id", session.ProfileID(),
		"device_id", session.DeviceID(),
	)
	return nil
}

// Session returns the established Session, or nil before Connect.
func (c *Client) Session() *Session {
	return c.queue.session()
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.queue.state()
}

// Do issues an authenticated JSON request and decodes the response
// into out (out may be nil to discard the body). An auth failure is
// never returned to the caller: the request parks behind a token
// renewal and is re-issued once the renewal completes. See the
// package documentation for the full queueing contract.
func (c *Client) Do(ctx context.Context, method, requestURL string, requestBody any, out any) error {
	var encoded []byte
	if requestBody != nil {
		var err error
		encoded, err = jsonBody(requestBody)
		if err != nil {
			return err
		}
	}

	body, err := c.queue.do(ctx, method, requestURL, encoded, true)
	if err != nil {
		return err
	}
	if out != nil {
		if err := decodeBody(body, out); err != nil {
			return err
		}
	}
	return nil
}

// DoRaw issues an authenticated request and returns the raw response
// body without requiring a JSON content type. The juggernaut
// negotiation step uses this: its response is a colon-delimited plain
// string, but its auth failures still flow through token renewal.
func (c *Client) DoRaw(ctx context.Context, method, requestURL string) ([]byte, error) {
	return c.queue.do(ctx, method, requestURL, nil, false)
}

// Close tears down the connection: all pending requests complete
// with ErrCancelled, the session token is released, and idle HTTP
// connections are closed. Idempotent.
func (c *Client) Close() error {
	c.queue.close()
	c.httpClient.CloseIdleConnections()
	return nil
}

// storeToken writes the current session token to the credential
// cache, if one is configured. Cache write failures are logged, not
// surfaced — the connection works without the cache.
func (c *Client) storeToken(session *Session) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Store(session.Token()); err != nil {
		c.logger.Warn("credential cache write failed", "error", err)
	}
}

// notifyFatal reports a fatal connection error to the host. The
// queue guarantees it runs at most once per connection.
func (c *Client) notifyFatal(err error) {
	c.logger.Error("chime connection failed", "error", err)
	if c.onError != nil {
		c.onError(err)
	}
}
