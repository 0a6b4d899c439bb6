// Package history is the client for the request/response chat API: history
// pages, unread counts, read state and message posts.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/protocol"
)

const maxBodyBytes = 8 << 20

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the chat backend over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logging.Component("history"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchRecent returns the newest limit messages.
func (c *Client) FetchRecent(ctx context.Context, limit int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	return c.getMessages(ctx, "/api/messages", q)
}

// FetchBefore returns up to limit messages older than beforeID.
func (c *Client) FetchBefore(ctx context.Context, beforeID int64, limit int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("before_id", strconv.FormatInt(beforeID, 10))
	q.Set("limit", strconv.Itoa(limit))
	return c.getMessages(ctx, "/api/messages", q)
}

// FetchAfter returns up to limit messages newer than afterID.
func (c *Client) FetchAfter(ctx context.Context, afterID int64, limit int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("since_db_id", strconv.FormatInt(afterID, 10))
	q.Set("limit", strconv.Itoa(limit))
	return c.getMessages(ctx, "/api/messages", q)
}

// FetchContext returns a window around id.
func (c *Client) FetchContext(ctx context.Context, id int64, before, after int) (models.ContextWindow, error) {
	q := url.Values{}
	q.Set("before", strconv.Itoa(before))
	q.Set("after", strconv.Itoa(after))
	q.Set("extended", "1")
	raw, err := c.do(ctx, http.MethodGet, "/api/messages/context/"+strconv.FormatInt(id, 10), q, nil)
	if err != nil {
		return models.ContextWindow{}, err
	}
	return protocol.DecodeContextWindow(raw)
}

// UnreadCount returns how many messages are newer than sinceID.
func (c *Client) UnreadCount(ctx context.Context, sinceID, uid int64) (models.UnreadCount, error) {
	q := url.Values{}
	q.Set("since_db_id", strconv.FormatInt(sinceID, 10))
	if uid > 0 {
		q.Set("uid", strconv.FormatInt(uid, 10))
	}
	raw, err := c.do(ctx, http.MethodGet, "/api/messages/unread-count", q, nil)
	if err != nil {
		return models.UnreadCount{}, err
	}
	var out struct {
		Count    protocol.FlexInt `json:"count"`
		LatestID protocol.FlexInt `json:"latest_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.UnreadCount{}, fmt.Errorf("decode unread count: %w", err)
	}
	return models.UnreadCount{Count: int(out.Count), LatestID: int64(out.LatestID)}, nil
}

// GetReadState returns the server's read cursor for uid.
func (c *Client) GetReadState(ctx context.Context, uid int64) (int64, error) {
	q := url.Values{}
	q.Set("user_id", strconv.FormatInt(uid, 10))
	raw, err := c.do(ctx, http.MethodGet, "/api/messages/read", q, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Status     string           `json:"status"`
		LastReadID protocol.FlexInt `json:"last_read_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("decode read state: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return 0, fmt.Errorf("read state: status %q", out.Status)
	}
	return int64(out.LastReadID), nil
}

// PutReadState pushes the read cursor and returns the value the server
// settled on, which may be higher than id.
func (c *Client) PutReadState(ctx context.Context, uid, id int64) (int64, error) {
	body := map[string]int64{"user_id": uid, "last_read_id": id}
	raw, err := c.do(ctx, http.MethodPost, "/api/messages/read", nil, body)
	if err != nil {
		return 0, err
	}
	var out struct {
		Status    string           `json:"status"`
		Effective protocol.FlexInt `json:"effective_last_read_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("decode read push: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return 0, fmt.Errorf("read push: status %q", out.Status)
	}
	if out.Effective <= 0 {
		return id, nil
	}
	return int64(out.Effective), nil
}

// SendRequest is an outbound chat message.
type SendRequest struct {
	UserID    int64  `json:"user_id"`
	Content   string `json:"message"`
	ReplyToID int64  `json:"reply_to_id,omitempty"`
	StableKey string `json:"stable_key"`
}

// PostMessage submits a message. The server may echo the stored message,
// in which case it is returned for immediate reconciliation.
func (c *Client) PostMessage(ctx context.Context, req SendRequest) (*models.Message, error) {
	raw, err := c.do(ctx, http.MethodPost, "/api/messages", nil, req)
	if err != nil {
		return nil, err
	}
	var out struct {
		Status  string          `json:"status"`
		Message json.RawMessage `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		if out.Error == "" {
			out.Error = out.Status
		}
		return nil, fmt.Errorf("send rejected: %s", out.Error)
	}
	trimmed := bytes.TrimSpace(out.Message)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil
	}
	m, err := protocol.DecodeMessage(trimmed)
	if err != nil {
		return nil, err
	}
	if m.StableKey == "" {
		m.StableKey = req.StableKey
	}
	return &m, nil
}

func (c *Client) getMessages(ctx context.Context, path string, q url.Values) ([]models.Message, error) {
	raw, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMessages(raw)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	c.logger.Debug().
		Str("method", method).
		Str("url", logging.RedactURL(endpoint)).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("request finished")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Method: method, Path: path, Body: snippet}
	}
	return raw, nil
}
