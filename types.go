package scylla

import (
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is an error response body returned by the messaging server.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// NetworkError wraps a failed or timed-out request. Retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError reports a rejected credential. Fatal to the session; the caller
// owns re-authentication.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return "auth: " + e.Message }

// NotFoundError reports a referenced chat, message, or user the server does
// not know about. Benign during event application.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

// ValidationError reports a malformed payload or rejected input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "validation: " + e.Message }

// ============================================================================
// Data Model
// ============================================================================

// User is a denormalized user record cached by the store. Identity fields
// are immutable; Name and Status are updated by profile events.
type User struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Status   string `json:"status,omitempty"`
}

// ChatType discriminates one-on-one and group chats.
type ChatType string

const (
	ChatTypeOneOnOne ChatType = "one_on_one"
	ChatTypeGroup    ChatType = "group"
)

// Chat is a conversation. UnreadCount is a client-maintained counter; the
// server value is only an initial seed.
type Chat struct {
	ChatID      string    `json:"chatId"`
	ChatType    ChatType  `json:"chatType"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UnreadCount int       `json:"unreadCount,omitempty"`
}

// ChatMember is one user's read cursor within one chat. The (UserID, ChatID)
// pair is the natural key.
type ChatMember struct {
	UserID            string     `json:"userId"`
	ChatID            string     `json:"chatId"`
	JoinedAt          time.Time  `json:"joinedAt"`
	LastReadMessageID string     `json:"lastReadMessageId,omitempty"`
	LastReadAt        *time.Time `json:"lastReadAt,omitempty"`
}

// Message is immutable once created except for SeenBy, which only ever
// grows. Display order is by SentAt, ties broken by MessageID.
type Message struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sentAt"`
	SeenBy    []string  `json:"seenBy,omitempty"`
}

// HasSeen reports whether userID appears in the message's receipt set.
func (m *Message) HasSeen(userID string) bool {
	for _, id := range m.SeenBy {
		if id == userID {
			return true
		}
	}
	return false
}

// ChatDetail is the per-chat working set: resolved member users, the raw
// message list, and each member's read cursor. Messages are unordered as
// received; consumers sort before display.
type ChatDetail struct {
	Members     []User       `json:"members"`
	Messages    []Message    `json:"messages"`
	ChatMembers []ChatMember `json:"chatMembers"`
}

// ============================================================================
// REST Response Envelopes
// ============================================================================

type chatsResponse struct {
	Chats []Chat `json:"chats"`
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
}

type membersResponse struct {
	Members []User `json:"members"`
}

type chatMembersResponse struct {
	Members []ChatMember `json:"members"`
}

type usersResponse struct {
	Users []User `json:"users"`
}

type chatResponse struct {
	Chat Chat `json:"chat"`
}

// LoginResult is the response of POST /login.
type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// CreateChatOptions configures POST /create-chat.
type CreateChatOptions struct {
	ChatType  ChatType `json:"chatType"`
	Name      string   `json:"name,omitempty"`
	MemberIDs []string `json:"memberIds"`
}
