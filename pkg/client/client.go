// Package client is the Go SDK for a running deferq process.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	ids, err := c.Pending(ctx)
//	for _, id := range ids {
//	    _, _ = c.Cancel(ctx, id)
//	}
//
//	// Follow dispatch events until ctx is cancelled.
//	err = c.Events(ctx, func(ev client.Event) {
//	    log.Printf("task %d: %s", ev.TaskID, ev.Status)
//	})
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use errors.As to inspect the HTTP status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	gorillaws "github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("deferq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether the error is a 401 (missing or wrong API key).
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// IsBadRequest reports whether the error is a 400 from the server.
func IsBadRequest(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusBadRequest
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the deferq API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	dialer  *gorillaws.Dialer
}

// New creates a new Client for the deferq server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://deferq.internal:8080", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  gorillaws.DefaultDialer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Public types ─────────────────────────────────────────────────────────────

// HealthInfo is the result of a health check.
type HealthInfo struct {
	Status string
	Driver string
	RunID  string
	Uptime time.Duration
}

// Stats is a snapshot of the server's driver.
type Stats struct {
	Name       string `json:"name"`
	RunID      string `json:"run_id"`
	Running    bool   `json:"running"`
	Pending    int    `json:"pending"`
	HeapLen    int    `json:"heap_len"`
	Tombstones int    `json:"tombstones"`
	Scheduled  int64  `json:"scheduled"`
	Cancelled  int64  `json:"cancelled"`
	Dispatched int64  `json:"dispatched"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
}

// Event describes one dispatched task. Status is "done" or "error".
type Event struct {
	ID           string `json:"id"`
	Driver       string `json:"driver"`
	TaskID       uint64 `json:"task_id"`
	Timestamp    int64  `json:"timestamp"`
	Status       string `json:"status"`
	Result       any    `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	DispatchedAt int64  `json:"dispatched_at"`
	FinishedAt   int64  `json:"finished_at"`
}

// Subscription is a registered webhook.
type Subscription struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ─── Operations ───────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		Driver   string `json:"driver"`
		RunID    string `json:"run_id"`
		UptimeMs int64  `json:"uptime_ms"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status: resp.Status,
		Driver: resp.Driver,
		RunID:  resp.RunID,
		Uptime: time.Duration(resp.UptimeMs) * time.Millisecond,
	}, nil
}

// Pending returns the ids of tasks still waiting to run, ascending.
func (c *Client) Pending(ctx context.Context) ([]uint64, error) {
	var resp struct {
		Pending []uint64 `json:"pending"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/pending", &resp); err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

// Stats returns the driver's queue sizes and lifecycle counters.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Cancel removes a pending task. It reports false when the id was unknown or
// had already been dispatched.
func (c *Client) Cancel(ctx context.Context, id uint64) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	path := "/api/tasks/" + strconv.FormatUint(id, 10)
	if err := c.do(ctx, http.MethodDelete, path, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

// Failed returns up to limit of the oldest dead-lettered task events without
// removing them. A limit below 1 returns them all.
func (c *Client) Failed(ctx context.Context, limit int) ([]Event, error) {
	return c.failed(ctx, http.MethodGet, limit)
}

// DrainFailed removes and returns up to limit dead-lettered task events.
// A limit below 1 drains them all.
func (c *Client) DrainFailed(ctx context.Context, limit int) ([]Event, error) {
	return c.failed(ctx, http.MethodDelete, limit)
}

func (c *Client) failed(ctx context.Context, method string, limit int) ([]Event, error) {
	path := "/api/failed"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Failed []Event `json:"failed"`
	}
	if err := c.doBody(ctx, method, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Failed, nil
}

// Subscribe registers a webhook that receives every dispatch Event as a JSON
// POST. With a non-empty secret each request is signed; see VerifySignature.
func (c *Client) Subscribe(ctx context.Context, webhookURL, secret string) (string, error) {
	req := struct {
		URL    string `json:"url"`
		Secret string `json:"secret,omitempty"`
	}{webhookURL, secret}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doBody(ctx, http.MethodPost, "/api/subscriptions", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Subscriptions lists the registered webhooks.
func (c *Client) Subscriptions(ctx context.Context) ([]Subscription, error) {
	var resp struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/subscriptions", &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// Unsubscribe removes a webhook. An unknown id returns an error for which
// IsNotFound is true.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/subscriptions/"+url.PathEscape(id), nil)
}

// VerifySignature reports whether header is the signature the server computes
// for body under secret. Webhook receivers call it on the X-Deferq-Signature
// header.
func VerifySignature(secret string, body []byte, header string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}

// Events streams dispatch events to fn until ctx is cancelled or the server
// closes the stream. Cancellation returns nil.
func (c *Client) Events(ctx context.Context, fn func(Event)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/events"
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("deferq: dial events: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("deferq: read event: %w", err)
		}
		var frame struct {
			Type  string `json:"type"`
			Event *Event `json:"event"`
		}
		if err := sonic.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("deferq: decode event: %w", err)
		}
		if frame.Type == "event" && frame.Event != nil {
			fn(*frame.Event)
		}
	}
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single bodiless HTTP request and decodes the JSON response
// into resp when non-nil.
func (c *Client) do(ctx context.Context, method, path string, resp any) error {
	return c.doBody(ctx, method, path, nil, resp)
}

// doBody is do with a request body, encoded as JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) doBody(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("deferq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("deferq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("deferq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("deferq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = sonic.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := sonic.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("deferq: decode response: %w", err)
		}
	}
	return nil
}
