// Package api is the HTTP client for the marketplace backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/MattCruikshank/sokoni/internal/models"
	"github.com/MattCruikshank/sokoni/internal/protocol"
)

// ErrUnauthorized is matched by errors.Is for 401 responses.
var ErrUnauthorized = errors.New("unauthorized")

// TransportError is returned for every failed backend call: the request could
// not be sent, the response was not 2xx, or the body could not be decoded.
type TransportError struct {
	Op         string // e.g. "POST /messages"
	StatusCode int    // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client talks to the backend REST API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient replaces the underlying HTTP client. Its Jar is kept if set.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.http = hc
		return nil
	}
}

// WithSessionCookie attaches the ambient session credential to every request
// made to the backend host.
func WithSessionCookie(name, value string) Option {
	return func(c *Client) error {
		if name == "" || value == "" {
			return nil
		}
		if c.http.Jar == nil {
			jar, err := cookiejar.New(nil)
			if err != nil {
				return err
			}
			c.http.Jar = jar
		}
		c.http.Jar.SetCookies(c.baseURL, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
		return nil
	}
}

// New creates a client for the backend rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}
	c := &Client{baseURL: u, http: &http.Client{}}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply client option: %w", err)
		}
	}
	return c, nil
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Jar returns the cookie jar holding the session credential, if any.
func (c *Client) Jar() http.CookieJar {
	return c.http.Jar
}

// ListConversations returns the caller's conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns the ordered message history of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.ServerMessage, error) {
	var out []models.ServerMessage
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateMessage posts a message and returns the record created by the backend.
func (c *Client) CreateMessage(ctx context.Context, conversationID, text string) (models.ServerMessage, error) {
	var out models.ServerMessage
	body := protocol.SendMessageRequest{ConversationID: conversationID, Text: text}
	if err := c.do(ctx, http.MethodPost, "/messages", body, &out); err != nil {
		return models.ServerMessage{}, err
	}
	if out.ConversationID == "" {
		out.ConversationID = conversationID
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dst interface{}) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Op: op, Err: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	var env protocol.Response
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode == http.StatusUnauthorized {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: ErrUnauthorized}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := http.StatusText(resp.StatusCode)
		if decodeErr == nil && env.Message != "" {
			reason = env.Message
		}
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(reason)}
	}
	if decodeErr != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", decodeErr)}
	}
	if !env.Success {
		reason := env.Message
		if reason == "" {
			reason = "request unsuccessful"
		}
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(reason)}
	}
	if dst == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode data: %w", err)}
	}
	return nil
}
