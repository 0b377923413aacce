// Package transport is the HTTP collaborator the dispatch core calls.
//
// Failures come back as values with a Kind (timeout vs transport), not
// as unwinding errors, so callers can classify without string matching.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrorKind classifies a failed call.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota + 1
	KindTransport
)

// Error is a failed transport call.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return "transport timeout: " + e.Err.Error()
	default:
		return "transport error: " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Result is the gateway's reply to a successful (transport-level) call.
type Result struct {
	StatusCode int
	Body       []byte
	Latency    time.Duration
}

// Client posts one request to a carrier gateway.
type Client interface {
	Post(ctx context.Context, rawURL string, query url.Values, body any, timeout time.Duration) (*Result, *Error)
}

// HTTPClient is the production Client backed by net/http.
type HTTPClient struct {
	hc *http.Client
}

func NewHTTPClient() *HTTPClient {
	// Per-request timeouts come from the carrier config; the shared
	// client itself does not impose one.
	return &HTTPClient{hc: &http.Client{}}
}

func (c *HTTPClient) Post(ctx context.Context, rawURL string, query url.Values, body any, timeout time.Duration) (*Result, *Error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("marshal body: %w", err)}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	u := rawURL
	if len(query) > 0 {
		u = rawURL + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}

	return &Result{StatusCode: resp.StatusCode, Body: b, Latency: latency}, nil
}

func classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindTransport, Err: err}
}
