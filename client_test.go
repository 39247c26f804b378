package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := NewClient("tok")
		if c.BaseURL() != DefaultBaseURL {
			t.Errorf("Expected default base URL, got %s", c.BaseURL())
		}
		if c.httpClient.Timeout != DefaultTimeout {
			t.Errorf("Expected default timeout, got %v", c.httpClient.Timeout)
		}
	})

	t.Run("with options", func(t *testing.T) {
		c := NewClient("tok",
			WithBaseURL("https://example.com/api/"),
			WithTimeout(5*time.Second),
		)
		if c.BaseURL() != "https://example.com/api" {
			t.Errorf("Expected trailing slash trimmed, got %s", c.BaseURL())
		}
		if c.httpClient.Timeout != 5*time.Second {
			t.Errorf("Expected 5s timeout, got %v", c.httpClient.Timeout)
		}
	})
}

func TestAuthHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(chatsResponse{})
	}))
	defer server.Close()

	t.Run("bearer token sent", func(t *testing.T) {
		c := NewClient("secret-token", WithBaseURL(server.URL))
		if _, err := c.GetChats(context.Background()); err != nil {
			t.Fatalf("GetChats failed: %v", err)
		}
		if gotAuth != "Bearer secret-token" {
			t.Errorf("Expected bearer header, got %q", gotAuth)
		}
	})

	t.Run("no header without token", func(t *testing.T) {
		c := NewClient("", WithBaseURL(server.URL))
		if _, err := c.GetChats(context.Background()); err != nil {
			t.Fatalf("GetChats failed: %v", err)
		}
		if gotAuth != "" {
			t.Errorf("Expected empty auth header, got %q", gotAuth)
		}
	})
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"message":"token expired"}`,
			check: func(t *testing.T, err error) {
				var authErr *AuthError
				if !errors.As(err, &authErr) {
					t.Fatalf("Expected AuthError, got %T", err)
				}
				if authErr.Message != "token expired" {
					t.Errorf("Expected server message, got %q", authErr.Message)
				}
			},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			body:   `{}`,
			check: func(t *testing.T, err error) {
				var authErr *AuthError
				if !errors.As(err, &authErr) {
					t.Fatalf("Expected AuthError, got %T", err)
				}
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   `{}`,
			check: func(t *testing.T, err error) {
				var nfErr *NotFoundError
				if !errors.As(err, &nfErr) {
					t.Fatalf("Expected NotFoundError, got %T", err)
				}
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"code":"INTERNAL","message":"boom"}`,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				if !errors.As(err, &apiErr) {
					t.Fatalf("Expected APIError, got %T", err)
				}
				if apiErr.Message != "boom" {
					t.Errorf("Expected server message, got %q", apiErr.Message)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewClient("tok", WithBaseURL(server.URL))
			_, err := c.GetChats(context.Background())
			if err == nil {
				t.Fatal("Expected error")
			}
			tt.check(t, err)
		})
	}

	t.Run("network failure", func(t *testing.T) {
		c := NewClient("tok", WithBaseURL("http://127.0.0.1:1"))
		_, err := c.GetChats(context.Background())
		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			t.Fatalf("Expected NetworkError, got %T", err)
		}
		if errors.Unwrap(netErr) == nil {
			t.Error("Expected wrapped transport error")
		}
	})
}

func TestLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login" {
			t.Errorf("Expected /login, got %s", r.URL.Path)
		}
		var creds map[string]string
		json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "ana" || creds["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(LoginResult{
			Token: "fresh-token",
			User:  User{UserID: "u1", Username: "ana"},
		})
	}))
	defer server.Close()

	t.Run("stores token on success", func(t *testing.T) {
		c := NewClient("", WithBaseURL(server.URL))
		result, err := c.Login(context.Background(), "ana", "pw")
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		if result.Token != "fresh-token" {
			t.Errorf("Expected token, got %q", result.Token)
		}
		if c.token != "fresh-token" {
			t.Error("Expected token stored on client")
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		c := NewClient("", WithBaseURL(server.URL))
		_, err := c.Login(context.Background(), "ana", "wrong")
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("Expected AuthError, got %T", err)
		}
	})
}

func TestGetChats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get-chats" {
			t.Errorf("Expected /get-chats, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(chatsResponse{Chats: []Chat{
			{ChatID: "c1", ChatType: ChatTypeOneOnOne, UnreadCount: 2},
			{ChatID: "c2", ChatType: ChatTypeGroup, Name: "Team"},
		}})
	}))
	defer server.Close()

	c := NewClient("tok", WithBaseURL(server.URL))
	chats, err := c.GetChats(context.Background())
	if err != nil {
		t.Fatalf("GetChats failed: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("Expected 2 chats, got %d", len(chats))
	}
	if chats[0].UnreadCount != 2 {
		t.Errorf("Expected unread seed 2, got %d", chats[0].UnreadCount)
	}
	if chats[1].ChatType != ChatTypeGroup {
		t.Errorf("Expected group chat, got %s", chats[1].ChatType)
	}
}

func TestGetMessages(t *testing.T) {
	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get-messages/c1" {
			t.Errorf("Expected /get-messages/c1, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(messagesResponse{Messages: []Message{
			{MessageID: "m1", ChatID: "c1", SenderID: "u2", Text: "hi", SentAt: sentAt, SeenBy: []string{"u1"}},
		}})
	}))
	defer server.Close()

	c := NewClient("tok", WithBaseURL(server.URL))
	msgs, err := c.GetMessages(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].HasSeen("u1") {
		t.Errorf("Expected message with receipt, got %+v", msgs)
	}
}

func TestCreateChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var opts CreateChatOptions
		json.NewDecoder(r.Body).Decode(&opts)
		json.NewEncoder(w).Encode(chatResponse{Chat: Chat{
			ChatID:   "c-new",
			ChatType: opts.ChatType,
			Name:     opts.Name,
		}})
	}))
	defer server.Close()

	t.Run("creates group chat", func(t *testing.T) {
		c := NewClient("tok", WithBaseURL(server.URL))
		chat, err := c.CreateChat(context.Background(), &CreateChatOptions{
			ChatType:  ChatTypeGroup,
			Name:      "Team",
			MemberIDs: []string{"u2", "u3"},
		})
		if err != nil {
			t.Fatalf("CreateChat failed: %v", err)
		}
		if chat.ChatID != "c-new" || chat.Name != "Team" {
			t.Errorf("Unexpected chat: %+v", chat)
		}
	})

	t.Run("requires members", func(t *testing.T) {
		c := NewClient("tok", WithBaseURL(server.URL))
		_, err := c.CreateChat(context.Background(), &CreateChatOptions{ChatType: ChatTypeOneOnOne})
		var valErr *ValidationError
		if !errors.As(err, &valErr) {
			t.Fatalf("Expected ValidationError, got %T", err)
		}
	})
}

func TestFriendRequests(t *testing.T) {
	var gotPath string
	var gotUser string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotUser = body["userId"]
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := NewClient("tok", WithBaseURL(server.URL))

	t.Run("send", func(t *testing.T) {
		if err := c.SendFriendRequest(context.Background(), "u9"); err != nil {
			t.Fatalf("SendFriendRequest failed: %v", err)
		}
		if gotPath != "/send-friend-request" || gotUser != "u9" {
			t.Errorf("Unexpected request: %s %s", gotPath, gotUser)
		}
	})

	t.Run("accept", func(t *testing.T) {
		if err := c.AcceptFriendRequest(context.Background(), "u9"); err != nil {
			t.Fatalf("AcceptFriendRequest failed: %v", err)
		}
		if gotPath != "/accept-friend-request" {
			t.Errorf("Unexpected path: %s", gotPath)
		}
	})

	t.Run("reject", func(t *testing.T) {
		if err := c.RejectFriendRequest(context.Background(), "u9"); err != nil {
			t.Fatalf("RejectFriendRequest failed: %v", err)
		}
		if gotPath != "/reject-friend-request" {
			t.Errorf("Unexpected path: %s", gotPath)
		}
	})
}
