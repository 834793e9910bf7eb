// Package backend provides the client side of the execution backend wire
// contract.
//
// client.go - HTTP implementation of Backend
//
// This file contains:
// - Client, talking to the backend's HTTP API
// - Request helpers (doJSON) and status-code classification
// - A rate limiter on stream (re)connects
//
// Stream responses are returned unread; decoding belongs to the session.

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// API paths of the execution backend
const (
	PathInvoke        = "/api/invoke_agent"
	PathStreamPrefix  = "/api/stream_progress/"
	PathStopPrefix    = "/api/stop_stream/"
	PathConversations = "/api/conversations/"
)

const (
	DefaultRequestTimeout     = 30 * time.Second
	DefaultReconnectPerSecond = 2.0
	DefaultReconnectBurst     = 4
	maxErrorBody              = 4096
)

// ClientOptions configures a Client
type ClientOptions struct {
	BaseURL            string
	RequestTimeout     time.Duration // applies to every call except Stream
	ReconnectPerSecond float64
	ReconnectBurst     int
	HTTPClient         *http.Client
	Header             http.Header // extra headers, e.g. auth forwarded by the host app
}

// Client implements Backend over HTTP
type Client struct {
	baseURL        string
	requestTimeout time.Duration
	httpClient     *http.Client
	header         http.Header
	streamLimiter  *rate.Limiter
}

var _ Backend = (*Client)(nil)

// NewClient creates a backend client
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ReconnectPerSecond <= 0 {
		opts.ReconnectPerSecond = DefaultReconnectPerSecond
	}
	if opts.ReconnectBurst <= 0 {
		opts.ReconnectBurst = DefaultReconnectBurst
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client-wide timeout: streams stay open for the whole execution
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		requestTimeout: opts.RequestTimeout,
		httpClient:     httpClient,
		header:         opts.Header.Clone(),
		streamLimiter:  rate.NewLimiter(rate.Limit(opts.ReconnectPerSecond), opts.ReconnectBurst),
	}, nil
}

// Start launches a new execution
func (c *Client) Start(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	var resp StartResponse
	if err := c.doJSON(ctx, "start", http.MethodPost, PathInvoke, req, &resp); err != nil {
		return nil, err
	}
	if resp.ExecutionID == "" {
		return nil, fmt.Errorf("start: backend returned no execution_id")
	}
	return &resp, nil
}

// Stream opens the execution's event stream after lastTimestamp
func (c *Client) Stream(ctx context.Context, executionID string, lastTimestamp float64) (io.ReadCloser, error) {
	if err := c.streamLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(StreamRequest{LastEventTimestamp: lastTimestamp})
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, PathStreamPrefix+url.PathEscape(executionID), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: "stream", Err: err}
	}

	if err := classify("stream", resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// Stop asks the backend to stop an execution
func (c *Client) Stop(ctx context.Context, executionID string) error {
	err := c.doJSON(ctx, "stop", http.MethodPost, PathStopPrefix+url.PathEscape(executionID), struct{}{}, nil)
	if errors.Is(err, ErrNotFound) {
		// Already gone; nothing left to stop
		return nil
	}
	return err
}

// Status reports the active and recent executions of a conversation
func (c *Client) Status(ctx context.Context, conversationID string) (*StatusResponse, error) {
	var resp StatusResponse
	path := PathConversations + url.PathEscape(conversationID) + "/executions"
	if err := c.doJSON(ctx, "status", http.MethodGet, path, nil, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &StatusResponse{}, nil
		}
		return nil, err
	}
	return &resp, nil
}

// Conversation fetches the persisted conversation
func (c *Client) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	if err := c.doJSON(ctx, "conversation", http.MethodGet, PathConversations+url.PathEscape(conversationID), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// doJSON performs a bounded request/response call
func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classify(op, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// classify maps non-2xx responses onto the error taxonomy
func classify(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &TransportError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Err:        errors.New(strings.TrimSpace(string(msg))),
	}
}
