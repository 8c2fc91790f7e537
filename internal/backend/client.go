// Package backend talks to the marketplace REST API that owns conversation
// history and message persistence.
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

	"go.uber.org/zap"

	"github.com/matheus3301/farmchat/internal/auth"
	"github.com/matheus3301/farmchat/internal/chat"
)

const DefaultTimeout = 15 * time.Second

// StatusError is a non-2xx reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d", e.Code)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	creds      auth.Provider
	httpClient *http.Client
	logger     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a client for the API rooted at baseURL.
func New(baseURL string, creds auth.Provider, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recent returns the summaries of the caller's recent conversations.
func (c *Client) Recent(ctx context.Context) ([]chat.Summary, error) {
	var rows []wireSummary
	if err := c.do(ctx, http.MethodGet, "/conversations/recent", nil, nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch recent conversations: %w", err)
	}
	out := make([]chat.Summary, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toChat())
	}
	return out, nil
}

// History returns the authoritative message list of one conversation.
func (c *Client) History(ctx context.Context, key chat.ConversationKey) (chat.History, error) {
	var query url.Values
	if key.ListingID != "" {
		query = url.Values{"listingId": {key.ListingID}}
	}
	var h wireHistory
	path := "/conversations/" + url.PathEscape(key.CounterpartID)
	if err := c.do(ctx, http.MethodGet, path, query, nil, &h); err != nil {
		return chat.History{}, fmt.Errorf("fetch conversation %s: %w", key, err)
	}
	return h.toChat(key), nil
}

// Send posts a text message and returns the record the server created.
// tempID is echoed by servers that support it so push delivery can be
// matched to the optimistic entry.
func (c *Client) Send(ctx context.Context, key chat.ConversationKey, text, tempID string) (chat.Message, error) {
	body := sendRequest{
		CounterpartID: key.CounterpartID,
		Text:          text,
		ListingID:     key.ListingID,
		TempID:        tempID,
	}
	var m WireMessage
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, body, &m); err != nil {
		return chat.Message{}, fmt.Errorf("send message: %w", err)
	}
	return m.ToChat(key), nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, err := c.creds.Token()
	if err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("backend request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsUnauthorized reports whether err is a 401 or 403 reply.
func IsUnauthorized(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
}
