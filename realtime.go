package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for all realtime traffic: a named event with
// a JSON payload. Events for every chat are multiplexed over the single
// connection and demultiplexed by the chatId field inside the payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound events.
const (
	eventJoinChat      = "join_chat"
	eventLeaveChat     = "leave_chat"
	eventSendMessage   = "send_message"
	eventMarkAsRead    = "mark_as_read"
	eventStartedTyping = "started_typing"
	eventStoppedTyping = "stopped_typing"
)

// Inbound events.
const (
	eventMessage       = "message"
	eventTyping        = "typing"
	eventPresence      = "presence_update"
	eventReadReceipt   = "mark_as_read"
	eventRefresh       = "refresh"
	eventProfileChange = "profile_update"
)

// TypingPayload is received when a user starts or stops typing in a chat.
type TypingPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

// PresencePayload is received when a user's presence or status changes.
type PresencePayload struct {
	UserID string `json:"userId"`
	State  string `json:"state"`
}

// ReadReceiptPayload is received when a user marks a message as read, and
// sent when this client does.
type ReadReceiptPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
}

// RefreshPayload is the server's out-of-band signal that the client's view
// is stale and should be re-fetched. ChatID scopes the refresh to one chat
// when present.
type RefreshPayload struct {
	ChatID string `json:"chatId,omitempty"`
}

// ProfilePayload carries out-of-band display-field updates for a user.
type ProfilePayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

type roomPayload struct {
	ChatID string `json:"chatId"`
}

type sendMessagePayload struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
	TempID string `json:"tempId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime channel.
type RealtimeConfig struct {
	// ReconnectDelay is the fixed delay between reconnection attempts.
	// Retries are unbounded; a lost connection is degraded, never fatal.
	ReconnectDelay time.Duration

	// WriteTimeout bounds each outbound frame.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Realtime
// ============================================================================

// Realtime is the WebSocket transport adapter. It owns the reconnection
// policy: on an unexpected close it retries indefinitely with a fixed
// delay, re-joining every open room once the connection is back. Consumers
// only observe connected/disconnected transitions.
//
// Event handlers are invoked synchronously from the read loop, so events
// arrive in receipt order.
type Realtime struct {
	baseURL string
	token   string
	userID  string
	config  RealtimeConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	connected        bool
	intentionalClose bool
	cancelFn         context.CancelFunc
	rooms            map[string]bool

	handlerMu      sync.RWMutex
	handlers       map[string]func(json.RawMessage)
	onConnected    func()
	onDisconnected func(reason string)
}

// NewRealtime creates a realtime client for the given messaging API base
// URL. Call Connect to establish the channel.
func NewRealtime(baseURL, token, userID string, config *RealtimeConfig) *Realtime {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Realtime{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		userID:   userID,
		config:   cfg,
		rooms:    make(map[string]bool),
		handlers: make(map[string]func(json.RawMessage)),
	}
}

// On registers the handler for one event name, replacing any previous
// handler for that event.
func (rt *Realtime) On(event string, handler func(json.RawMessage)) {
	rt.handlerMu.Lock()
	rt.handlers[event] = handler
	rt.handlerMu.Unlock()
}

// OnConnected registers the connect callback. It also fires after every
// successful reconnection.
func (rt *Realtime) OnConnected(h func()) {
	rt.handlerMu.Lock()
	rt.onConnected = h
	rt.handlerMu.Unlock()
}

// OnDisconnected registers the disconnect callback.
func (rt *Realtime) OnDisconnected(h func(reason string)) {
	rt.handlerMu.Lock()
	rt.onDisconnected = h
	rt.handlerMu.Unlock()
}

// Connected reports whether the channel is currently established. This is
// the only transport-health state exposed to consumers.
func (rt *Realtime) Connected() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.connected
}

// Connect establishes the WebSocket channel and starts the read loop.
// Connecting an already-connected client is a no-op.
func (rt *Realtime) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.connected {
		rt.mu.Unlock()
		return nil
	}
	rt.intentionalClose = false
	rt.mu.Unlock()

	if err := rt.dial(ctx); err != nil {
		return err
	}
	return nil
}

func (rt *Realtime) dial(ctx context.Context) error {
	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + url.QueryEscape(rt.token) + "&userId=" + url.QueryEscape(rt.userID)

	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return &AuthError{Message: "realtime handshake rejected"}
		}
		return &NetworkError{Op: "websocket dial", Err: err}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.connected = true
	rt.cancelFn = cancel
	rooms := make([]string, 0, len(rt.rooms))
	for id := range rt.rooms {
		rooms = append(rooms, id)
	}
	rt.mu.Unlock()

	// Re-scope every open room before reporting connected.
	for _, id := range rooms {
		if err := rt.Emit(eventJoinChat, roomPayload{ChatID: id}); err != nil {
			rt.config.Logger.Warn("rejoin failed", "chatId", id, "err", err)
		}
	}

	rt.handlerMu.RLock()
	onConnected := rt.onConnected
	rt.handlerMu.RUnlock()
	if onConnected != nil {
		onConnected()
	}

	go rt.readLoop(connCtx, conn)
	return nil
}

// Disconnect closes the channel and stops reconnecting.
func (rt *Realtime) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	rt.connected = false
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ============================================================================
// Rooms
// ============================================================================

// JoinRoom scopes delivery of one chat's events to this client. Idempotent:
// joining an already-joined room is a no-op. Joined rooms are re-issued
// automatically after a reconnection.
func (rt *Realtime) JoinRoom(chatID string) error {
	rt.mu.Lock()
	if rt.rooms[chatID] {
		rt.mu.Unlock()
		return nil
	}
	rt.rooms[chatID] = true
	connected := rt.connected
	rt.mu.Unlock()

	if !connected {
		return nil
	}
	return rt.Emit(eventJoinChat, roomPayload{ChatID: chatID})
}

// LeaveRoom stops delivery of one chat's events.
func (rt *Realtime) LeaveRoom(chatID string) error {
	rt.mu.Lock()
	if !rt.rooms[chatID] {
		rt.mu.Unlock()
		return nil
	}
	delete(rt.rooms, chatID)
	connected := rt.connected
	rt.mu.Unlock()

	if !connected {
		return nil
	}
	return rt.Emit(eventLeaveChat, roomPayload{ChatID: chatID})
}

// ============================================================================
// Emit
// ============================================================================

// Emit sends one event. Fire-and-forget: delivery is not acknowledged, so
// callers treat every sent action as optimistic.
func (rt *Realtime) Emit(event string, payload interface{}) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return &NetworkError{Op: "emit " + event, Err: fmt.Errorf("not connected")}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return &ValidationError{Message: "marshal " + event + ": " + err.Error()}
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return &ValidationError{Message: "marshal envelope: " + err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.config.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &NetworkError{Op: "emit " + event, Err: err}
	}
	return nil
}

// ============================================================================
// Read loop & reconnection
// ============================================================================

func (rt *Realtime) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.handleDisconnect(err)
			return
		}

		var env Envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil || env.Event == "" {
			rt.config.Logger.Warn("dropping malformed frame", "err", jsonErr)
			continue
		}

		rt.handlerMu.RLock()
		handler := rt.handlers[env.Event]
		rt.handlerMu.RUnlock()
		if handler != nil {
			handler(env.Payload)
		}
	}
}

func (rt *Realtime) handleDisconnect(cause error) {
	rt.mu.Lock()
	intentional := rt.intentionalClose
	rt.connected = false
	rt.conn = nil
	rt.mu.Unlock()

	if intentional {
		return
	}

	rt.handlerMu.RLock()
	onDisconnected := rt.onDisconnected
	rt.handlerMu.RUnlock()
	if onDisconnected != nil {
		onDisconnected(cause.Error())
	}

	go rt.reconnectLoop()
}

func (rt *Realtime) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		time.Sleep(rt.config.ReconnectDelay)

		rt.mu.Lock()
		stop := rt.intentionalClose
		rt.mu.Unlock()
		if stop {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		err := rt.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		rt.config.Logger.Warn("reconnect failed", "attempt", attempt, "err", err)
	}
}
