// Package gitter talks to the Gitter REST and streaming APIs.
package gitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultRESTBase is the production REST API endpoint.
	DefaultRESTBase = "https://api.gitter.im/"
	// DefaultStreamBase is the production streaming endpoint.
	DefaultStreamBase = "https://stream.gitter.im/"

	// maxErrorBody caps how much of an error response is kept for the message.
	maxErrorBody = 2 << 20
)

// APIError is a non-2xx response from the Gitter API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gitter: api returned %d: %s", e.StatusCode, e.Body)
}

// User is an authenticated Gitter account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Room is a Gitter room as returned by the rooms endpoints.  Name is the
// canonical org/repo form, derived from the url field without its leading
// slash.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"-"`
	URL  string `json:"url"`
}

// UnmarshalJSON derives Name from the url field.
func (r *Room) UnmarshalJSON(data []byte) error {
	type alias Room
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Room(raw)
	r.Name = strings.TrimPrefix(r.URL, "/")
	return nil
}

// Client issues authenticated calls against the Gitter REST API.  Methods
// take the acting user's access token so one client serves every bridge user.
type Client struct {
	restBase   string
	streamBase string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURLs overrides the REST and streaming endpoints, for tests.
func WithBaseURLs(restBase, streamBase string) Option {
	return func(c *Client) {
		c.restBase = restBase
		c.streamBase = streamBase
	}
}

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a Gitter API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		restBase:   DefaultRESTBase,
		streamBase: DefaultStreamBase,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if !strings.HasSuffix(c.restBase, "/") {
		c.restBase += "/"
	}
	if !strings.HasSuffix(c.streamBase, "/") {
		c.streamBase += "/"
	}
	return c
}

// do issues a request and decodes the JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, token, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gitter: encode request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.restBase+path, reqBody)
	if err != nil {
		return fmt.Errorf("gitter: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gitter: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gitter: decode response: %w", err)
	}
	return nil
}

// WhoAmI returns the account the token belongs to.
func (c *Client) WhoAmI(ctx context.Context, token string) (*User, error) {
	var users []User
	if err := c.do(ctx, token, http.MethodGet, "v1/user", nil, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("gitter: /v1/user returned no accounts")
	}
	return &users[0], nil
}

// ListRooms returns the rooms the user is in.
func (c *Client) ListRooms(ctx context.Context, token string) ([]Room, error) {
	var rooms []Room
	if err := c.do(ctx, token, http.MethodGet, "v1/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// LookupRoom resolves a room name (org/repo) to its room record without
// joining it.
func (c *Client) LookupRoom(ctx context.Context, token, roomName string) (*Room, error) {
	var room Room
	body := map[string]string{"uri": roomName}
	if err := c.do(ctx, token, http.MethodPost, "v1/rooms", body, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// JoinRoom adds the user to a room by its resolved ID.
func (c *Client) JoinRoom(ctx context.Context, token, gitterUserID, roomID string) error {
	path := "v1/user/" + url.PathEscape(gitterUserID) + "/rooms"
	body := map[string]string{"id": roomID}
	return c.do(ctx, token, http.MethodPost, path, body, nil)
}

// LeaveRoom removes the user from the named room.
func (c *Client) LeaveRoom(ctx context.Context, token, gitterUserID, roomName string) error {
	room, err := c.LookupRoom(ctx, token, roomName)
	if err != nil {
		return err
	}
	path := "v1/rooms/" + url.PathEscape(room.ID) + "/users/" + url.PathEscape(gitterUserID)
	return c.do(ctx, token, http.MethodDelete, path, nil, nil)
}

// PostMessage sends a chat message to a room as the token's user.
func (c *Client) PostMessage(ctx context.Context, token, roomID, text string) error {
	path := "v1/rooms/" + url.PathEscape(roomID) + "/chatMessages"
	body := map[string]string{"text": text}
	return c.do(ctx, token, http.MethodPost, path, body, nil)
}

// OpenStream starts streaming chat messages from a room.  The caller owns the
// returned body and must close it to stop the stream.  The request is made
// without a client timeout since the stream stays open indefinitely.
func (c *Client) OpenStream(ctx context.Context, token, roomID string) (io.ReadCloser, error) {
	streamURL := c.streamBase + "v1/rooms/" + url.PathEscape(roomID) + "/chatMessages"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gitter: build stream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	// A fresh client without Timeout: the stream is long-lived.
	hc := &http.Client{Transport: c.httpClient.Transport}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gitter: open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp.Body, nil
}
