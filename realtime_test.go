package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// wsServer accepts websocket connections and hands each to onConn on its
// own goroutine.
func wsServer(t *testing.T, onConn func(ctx context.Context, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		onConn(r.Context(), c)
	}))
	t.Cleanup(server.Close)
	return server
}

func sendEnvelope(ctx context.Context, c *websocket.Conn, event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

func readEnvelope(ctx context.Context, c *websocket.Conn) (Envelope, error) {
	var env Envelope
	_, data, err := c.Read(ctx)
	if err != nil {
		return env, err
	}
	err = json.Unmarshal(data, &env)
	return env, err
}

func TestRealtimeConnect(t *testing.T) {
	t.Run("connect and disconnect", func(t *testing.T) {
		hold := make(chan struct{})
		server := wsServer(t, func(ctx context.Context, c *websocket.Conn) {
			<-hold
			c.Close(websocket.StatusNormalClosure, "")
		})
		defer close(hold)

		rt := NewRealtime(server.URL, "tok", "me", nil)
		if err := rt.Connect(context.Background()); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		if !rt.Connected() {
			t.Error("Expected connected after Connect")
		}
		if err := rt.Disconnect(); err != nil {
			t.Fatalf("Disconnect failed: %v", err)
		}
		if rt.Connected() {
			t.Error("Expected disconnected after Disconnect")
		}
	})

	t.Run("credentials in handshake", func(t *testing.T) {
		var gotQuery string
		done := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.RawQuery
			c, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			close(done)
			c.Close(websocket.StatusNormalClosure, "")
		}))
		defer server.Close()

		rt := NewRealtime(server.URL, "tok123", "me", nil)
		if err := rt.Connect(context.Background()); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		defer rt.Disconnect()
		<-done
		if gotQuery != "token=tok123&userId=me" {
			t.Errorf("Unexpected handshake query: %s", gotQuery)
		}
	})

	t.Run("handshake rejection maps to auth error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		rt := NewRealtime(server.URL, "bad", "me", nil)
		err := rt.Connect(context.Background())
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("Expected AuthError, got %T: %v", err, err)
		}
	})
}

func TestRealtimeDispatch(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	server := wsServer(t, func(ctx context.Context, c *websocket.Conn) {
		ready <- c
		// Keep the connection open until the client leaves.
		c.Read(context.Background())
	})

	rt := NewRealtime(server.URL, "tok", "me", nil)

	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 16)
	rt.On(eventMessage, func(payload json.RawMessage) {
		var msg Message
		json.Unmarshal(payload, &msg)
		mu.Lock()
		got = append(got, msg.MessageID)
		mu.Unlock()
		received <- struct{}{}
	})

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer rt.Disconnect()

	conn := <-ready
	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := sendEnvelope(ctx, conn, eventMessage, Message{MessageID: id, ChatID: "c1"}); err != nil {
			t.Fatalf("Server write failed: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for dispatch")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected dispatch order %v, got %v", want, got)
		}
	}
}

func TestRealtimeRooms(t *testing.T) {
	frames := make(chan Envelope, 16)
	server := wsServer(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			env, err := readEnvelope(context.Background(), c)
			if err != nil {
				return
			}
			frames <- env
		}
	})

	rt := NewRealtime(server.URL, "tok", "me", nil)
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer rt.Disconnect()

	t.Run("join is idempotent", func(t *testing.T) {
		rt.JoinRoom("c1")
		rt.JoinRoom("c1")

		select {
		case env := <-frames:
			if env.Event != eventJoinChat {
				t.Errorf("Expected join_chat, got %s", env.Event)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for join frame")
		}
		select {
		case env := <-frames:
			t.Errorf("Expected one join frame, got second: %s", env.Event)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("leave emits once", func(t *testing.T) {
		rt.LeaveRoom("c1")
		rt.LeaveRoom("c1")

		select {
		case env := <-frames:
			if env.Event != eventLeaveChat {
				t.Errorf("Expected leave_chat, got %s", env.Event)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for leave frame")
		}
		select {
		case env := <-frames:
			t.Errorf("Expected one leave frame, got second: %s", env.Event)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestRealtimeEmitDisconnected(t *testing.T) {
	rt := NewRealtime("http://127.0.0.1:1", "tok", "me", nil)
	err := rt.Emit(eventSendMessage, sendMessagePayload{ChatID: "c1", Text: "hi"})
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("Expected NetworkError, got %T", err)
	}
}

func TestRealtimeReconnect(t *testing.T) {
	var mu sync.Mutex
	connCount := 0
	frames := make(chan Envelope, 16)
	reconnected := make(chan struct{}, 4)

	server := wsServer(t, func(ctx context.Context, c *websocket.Conn) {
		mu.Lock()
		connCount++
		n := connCount
		mu.Unlock()

		if n == 1 {
			// Drop the first connection to trigger the retry path.
			c.Close(websocket.StatusInternalError, "going away")
			return
		}
		for {
			env, err := readEnvelope(context.Background(), c)
			if err != nil {
				return
			}
			frames <- env
		}
	})

	rt := NewRealtime(server.URL, "tok", "me", &RealtimeConfig{ReconnectDelay: 10 * time.Millisecond})
	rt.OnConnected(func() { reconnected <- struct{}{} })

	rt.JoinRoom("c1")
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer rt.Disconnect()

	// First connect fires once, then the server drop forces a second.
	for i := 0; i < 2; i++ {
		select {
		case <-reconnected:
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for reconnection")
		}
	}

	t.Run("rooms rejoined", func(t *testing.T) {
		deadline := time.After(2 * time.Second)
		for {
			select {
			case env := <-frames:
				if env.Event == eventJoinChat {
					var p roomPayload
					json.Unmarshal(env.Payload, &p)
					if p.ChatID == "c1" {
						return
					}
				}
			case <-deadline:
				t.Fatal("Timed out waiting for rejoin frame")
			}
		}
	})
}
