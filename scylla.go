// Package scylla is a Go client for the Scylla messaging API.
//
// It covers the REST endpoints, the realtime WebSocket channel, and a chat
// synchronization engine that keeps a local view of chats, messages, and
// read cursors consistent with the server.
//
// Example:
//
//	client := scylla.NewClient(token)
//	rt := scylla.NewRealtime(client.BaseURL(), token, userID, nil)
//	engine := scylla.NewEngine(client, rt, userID)
//
//	if err := engine.Initialize(ctx); err != nil { ... }
//	engine.Subscribe(func(s scylla.Snapshot) { render(s) })
//	engine.SendMessage("chat-1", "hello")
package scylla

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production messaging API.
	DefaultBaseURL = "https://c9server.go.ro/messaging-api"

	// DefaultTimeout bounds every REST request.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the messaging API. It is safe for use from
// multiple goroutines.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient supplies a custom *http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger supplies a logger for request diagnostics.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a messaging API client. token may be empty for the
// login call; set it afterwards with SetToken.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// SetToken sets or replaces the bearer credential.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Message: errorMessage(data, "credential rejected")}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{Resource: path}
	case resp.StatusCode >= 400:
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: errorMessage(data, resp.Status)}
	}
	return data, nil
}

func errorMessage(body []byte, fallback string) string {
	var e APIError
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return e.Message
	}
	return fallback
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth
// ============================================================================

// Login exchanges credentials for a bearer token and stores it on the
// client. Token persistence is the caller's concern.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	data, err := c.doRequest(ctx, "POST", "/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[LoginResult](data)
	if err != nil {
		return nil, err
	}
	c.SetToken(result.Token)
	return result, nil
}

// ============================================================================
// Chats & Messages
// ============================================================================

// GetChats lists all chats the authenticated user participates in.
func (c *Client) GetChats(ctx context.Context) ([]Chat, error) {
	data, err := c.doRequest(ctx, "GET", "/get-chats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[chatsResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// GetMessages returns the message history of one chat, unordered.
func (c *Client) GetMessages(ctx context.Context, chatID string) ([]Message, error) {
	data, err := c.doRequest(ctx, "GET", "/get-messages/"+chatID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messagesResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// GetMembers returns the user records of one chat's participants.
func (c *Client) GetMembers(ctx context.Context, chatID string) ([]User, error) {
	data, err := c.doRequest(ctx, "GET", "/get-members/"+chatID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[membersResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// GetChatMembers returns the per-participant read cursors of one chat.
func (c *Client) GetChatMembers(ctx context.Context, chatID string) ([]ChatMember, error) {
	data, err := c.doRequest(ctx, "GET", "/get-chat-members/"+chatID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[chatMembersResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// GetUsers returns every user visible to the session. Used during bulk load
// to resolve member records against the denormalized user cache.
func (c *Client) GetUsers(ctx context.Context) ([]User, error) {
	data, err := c.doRequest(ctx, "GET", "/users", nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[usersResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// CreateChat creates a one-on-one or group chat. Other participants learn
// about it through a refresh signal on the realtime channel.
func (c *Client) CreateChat(ctx context.Context, opts *CreateChatOptions) (*Chat, error) {
	if opts == nil || len(opts.MemberIDs) == 0 {
		return nil, &ValidationError{Message: "memberIds are required"}
	}
	data, err := c.doRequest(ctx, "POST", "/create-chat", opts)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[chatResponse](data)
	if err != nil {
		return nil, err
	}
	return &resp.Chat, nil
}

// ============================================================================
// Social graph
// ============================================================================

// SendFriendRequest asks another user to become a contact.
func (c *Client) SendFriendRequest(ctx context.Context, userID string) error {
	_, err := c.doRequest(ctx, "POST", "/send-friend-request", map[string]string{"userId": userID})
	return err
}

// AcceptFriendRequest accepts a pending request from userID.
func (c *Client) AcceptFriendRequest(ctx context.Context, userID string) error {
	_, err := c.doRequest(ctx, "POST", "/accept-friend-request", map[string]string{"userId": userID})
	return err
}

// RejectFriendRequest rejects a pending request from userID.
func (c *Client) RejectFriendRequest(ctx context.Context, userID string) error {
	_, err := c.doRequest(ctx, "POST", "/reject-friend-request", map[string]string{"userId": userID})
	return err
}
