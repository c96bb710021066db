// Package netclient provides the timeout-bounded HTTP client used for all
// relay traffic: source polls, acknowledgement posts, and attachment
// downloads. Source-endpoint requests carry bearer-token authorization
// backed by a persisted credential store.
package netclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultToken is the compiled-in fallback used when no credential has
// been persisted yet. It must match the source application's default.
const DefaultToken = "fklejqwhfiu342lhk3"

// CredentialStore persists the bearer token across restarts.
type CredentialStore interface {
	Token() (string, error)
	SetToken(token string) error
}

// RequestOptions controls a single FetchTimed call.
type RequestOptions struct {
	Method  string
	Headers map[string]string
	// Authorize attaches the bearer token. Source-endpoint calls set it;
	// attachment fetches use only the caller-supplied headers.
	Authorize bool
}

// Response is a fully-read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client issues timeout-bounded HTTP requests.
type Client struct {
	http   *http.Client
	creds  CredentialStore
	logger *zap.Logger
}

// New creates a client with a pooled transport. Per-call deadlines come
// from the timeout argument of each request, not from the client.
func New(creds CredentialStore, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &Client{
		http:   &http.Client{Transport: transport},
		creds:  creds,
		logger: logger,
	}
}

// BearerToken returns the active token, falling back to the default when
// the store is empty or unreadable.
func (c *Client) BearerToken() string {
	if c.creds == nil {
		return DefaultToken
	}
	token, err := c.creds.Token()
	if err != nil || strings.TrimSpace(token) == "" {
		return DefaultToken
	}
	return token
}

// FetchTimed performs a request with a hard deadline. Non-2xx statuses are
// returned as *HTTPError; network failures as *TransportError.
func (c *Client) FetchTimed(ctx context.Context, url string, opts RequestOptions, timeout time.Duration) (*Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	return c.do(ctx, method, url, nil, opts, timeout)
}

// PostJSONTimed posts a JSON payload with a hard deadline and bearer auth.
func (c *Client) PostJSONTimed(ctx context.Context, url string, payload any, timeout time.Duration) (*Response, error) {
	return c.PostJSONWith(ctx, url, payload, RequestOptions{Authorize: true}, timeout)
}

// PostJSONWith posts a JSON payload with caller-controlled options.
// Delivery webhooks use it without the source bearer token.
func (c *Client) PostJSONWith(ctx context.Context, url string, payload any, opts RequestOptions, timeout time.Duration) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if opts.Headers == nil {
		opts.Headers = make(map[string]string, 1)
	}
	opts.Headers["Content-Type"] = "application/json"
	return c.do(ctx, http.MethodPost, url, body, opts, timeout)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, opts RequestOptions, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.Authorize {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			timedOut = true
		}
		return nil, &TransportError{URL: url, Timeout: timedOut, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// ApplyCredentialUpdate performs the two-phase rotation the source signals
// through a poll response: persist the new token, verify the persisted
// value round-trips, then acknowledge with the new token while the server
// still honors the old one. The new token is active locally before the
// acknowledgement; an ack failure is logged and otherwise ignored.
func (c *Client) ApplyCredentialUpdate(ctx context.Context, newToken, ackURL string, timeout time.Duration) error {
	if strings.TrimSpace(newToken) == "" {
		return fmt.Errorf("empty credential update")
	}
	if c.creds == nil {
		return fmt.Errorf("no credential store configured")
	}

	if err := c.creds.SetToken(newToken); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	stored, err := c.creds.Token()
	if err != nil {
		return fmt.Errorf("verify credential: %w", err)
	}
	if stored != newToken {
		return fmt.Errorf("credential verification mismatch")
	}

	ack := map[string]any{"type": "credential_ack", "ts": time.Now().UnixMilli()}
	if _, err := c.PostJSONTimed(ctx, ackURL, ack, timeout); err != nil {
		// The new credential is already committed; the server keeps
		// accepting the old token through its transition window.
		c.logger.Warn("credential ack failed", zap.Error(err))
	}
	return nil
}
