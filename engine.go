package scylla

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Transport contract
// ============================================================================

// Transport is the bidirectional channel the engine synchronizes against.
// Realtime satisfies it; tests inject fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Emit(event string, payload interface{}) error
	JoinRoom(chatID string) error
	LeaveRoom(chatID string) error
	On(event string, handler func(json.RawMessage))
	OnConnected(h func())
	OnDisconnected(h func(reason string))
}

// ============================================================================
// Engine state & snapshots
// ============================================================================

// EngineState is the engine lifecycle state.
type EngineState string

const (
	StateUninitialized EngineState = "uninitialized"
	StateLoading       EngineState = "loading"
	StateReady         EngineState = "ready"

	// StateDegraded means the realtime channel is down but REST is assumed
	// reachable. Recoverable: the transport reconnects on its own.
	StateDegraded EngineState = "degraded"
)

// ChatView is one chat's read-only slice of a snapshot. Messages are in
// display order. Degraded marks a chat whose detail fetch failed; its
// detail set stays empty until the next refresh succeeds.
type ChatView struct {
	Chat        Chat
	Members     []User
	ChatMembers []ChatMember
	Messages    []Message
	Typing      []string
	Degraded    bool
}

// Snapshot is an immutable copy of the engine's view, ordered by the
// canonical chat comparator. Presentation layers only ever read snapshots
// and dispatch intents; they never mutate store entities.
type Snapshot struct {
	State          EngineState
	Connected      bool
	SelectedChatID string
	Chats          []ChatView
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns the client's view of chats, memberships, and messages, and
// reconciles three sources of mutation: the initial bulk REST load, the
// realtime event stream, and locally-originated optimistic actions.
//
// All store mutation is funneled through a single-consumer run loop, so
// handler invocations never overlap even though network fetches suspend
// concurrently. Subscribers are invoked on the run loop and must not call
// engine methods synchronously.
type Engine struct {
	client    *Client
	transport Transport
	userID    string
	log       *slog.Logger

	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Everything below is owned by the run loop.
	store     *Store
	state     EngineState
	selected  string
	typingOut string                     // chat with an unpaired started_typing
	typingIn  map[string]map[string]bool // chatId -> userIds currently typing
	degraded  map[string]bool            // chats whose detail fetch failed
	subs      []func(Snapshot)
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithEngineLogger supplies a logger for swallowed event errors.
func WithEngineLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// NewEngine wires an engine to its REST client and transport and starts
// the run loop. The transport is injected, never created implicitly; its
// Connect/Disconnect lifecycle belongs to the session owner.
func NewEngine(client *Client, transport Transport, userID string, opts ...EngineOption) *Engine {
	e := &Engine{
		client:    client,
		transport: transport,
		userID:    userID,
		ops:       make(chan func(), 64),
		done:      make(chan struct{}),
		store:     NewStore(),
		state:     StateUninitialized,
		typingIn:  make(map[string]map[string]bool),
		degraded:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}

	transport.On(eventMessage, e.handleMessage)
	transport.On(eventReadReceipt, e.handleReadReceipt)
	transport.On(eventTyping, e.handleTyping)
	transport.On(eventPresence, e.handlePresence)
	transport.On(eventProfileChange, e.handleProfile)
	transport.On(eventRefresh, e.handleRefresh)
	transport.OnConnected(func() {
		e.post(func() {
			if e.state == StateDegraded {
				e.state = StateReady
				e.notify()
			}
		})
	})
	transport.OnDisconnected(func(reason string) {
		e.post(func() {
			if e.state == StateReady {
				e.state = StateDegraded
				e.notify()
			}
		})
	})

	go e.run()
	return e
}

// Close stops the run loop. An unpaired typing signal is paired first so
// the other side never sees a stuck indicator. The transport itself is not
// disconnected; that belongs to whoever connected it.
func (e *Engine) Close() {
	e.postWait(func() {
		e.stopTyping()
	})
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *Engine) run() {
	for {
		select {
		case fn := <-e.ops:
			fn()
		case <-e.done:
			return
		}
	}
}

// post schedules fn on the run loop. Ops are applied in post order, which
// gives FIFO application per chat for transport events.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.done:
	}
}

func (e *Engine) postWait(fn func()) {
	applied := make(chan struct{})
	e.post(func() {
		fn()
		close(applied)
	})
	select {
	case <-applied:
	case <-e.done:
	}
}

// ============================================================================
// Subscription & snapshots
// ============================================================================

// Subscribe registers fn to receive a snapshot after every applied
// mutation. The callback runs on the engine loop: return quickly and do
// not call engine methods from it.
func (e *Engine) Subscribe(fn func(Snapshot)) {
	e.postWait(func() {
		e.subs = append(e.subs, fn)
	})
}

// Snapshot returns a copy of the current view.
func (e *Engine) Snapshot() Snapshot {
	var snap Snapshot
	e.postWait(func() {
		snap = e.buildSnapshot()
	})
	return snap
}

func (e *Engine) notify() {
	if len(e.subs) == 0 {
		return
	}
	snap := e.buildSnapshot()
	for _, fn := range e.subs {
		fn(snap)
	}
}

func (e *Engine) buildSnapshot() Snapshot {
	snap := Snapshot{
		State:          e.state,
		Connected:      e.transport.Connected(),
		SelectedChatID: e.selected,
	}
	for _, chatID := range e.store.SortedChatIDs() {
		chat, _ := e.store.Chat(chatID)
		view := ChatView{
			Chat:     *chat,
			Messages: e.store.SortedMessages(chatID),
			Degraded: e.degraded[chatID],
		}
		if d, ok := e.store.Detail(chatID); ok {
			view.Members = append([]User(nil), d.Members...)
			view.ChatMembers = append([]ChatMember(nil), d.ChatMembers...)
		}
		for userID, typing := range e.typingIn[chatID] {
			if typing {
				view.Typing = append(view.Typing, userID)
			}
		}
		sort.Strings(view.Typing)
		snap.Chats = append(snap.Chats, view)
	}
	return snap
}

// ============================================================================
// Bulk load & refresh
// ============================================================================

// Initialize performs the initial bulk load: all chats, the user
// directory, then every chat's messages, members, and read cursors
// concurrently. A single chat's failed detail fetch degrades only that
// chat; it is retried on the next Refresh. The engine is Ready (or
// Degraded, if the socket is down) once the bulk fetch settles.
func (e *Engine) Initialize(ctx context.Context) error {
	e.postWait(func() {
		e.state = StateLoading
		e.notify()
	})

	err := e.bulkLoad(ctx)

	e.postWait(func() {
		if err != nil {
			e.state = StateUninitialized
		} else if e.transport.Connected() {
			e.state = StateReady
		} else {
			e.state = StateDegraded
		}
		e.notify()
	})
	return err
}

// Refresh re-runs the bulk reconciliation, merging results into the
// existing store rather than replacing it, so selection and already-applied
// realtime events survive.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.bulkLoad(ctx)
}

type chatFetch struct {
	chatID      string
	messages    []Message
	members     []User
	chatMembers []ChatMember
	err         error
}

func (e *Engine) bulkLoad(ctx context.Context) error {
	chats, err := e.client.GetChats(ctx)
	if err != nil {
		return err
	}

	// The user directory resolves chat members to display records. Its
	// failure degrades names, not the load.
	users, err := e.client.GetUsers(ctx)
	if err != nil {
		e.log.Warn("user directory fetch failed", "err", err)
		users = nil
	}

	fetches := make([]chatFetch, len(chats))
	var wg sync.WaitGroup
	for i, chat := range chats {
		wg.Add(1)
		go func(i int, chatID string) {
			defer wg.Done()
			fetches[i] = e.fetchChatDetail(ctx, chatID)
		}(i, chat.ChatID)
	}
	wg.Wait()

	e.postWait(func() {
		e.store.UpsertUsers(users)
		for i, chat := range chats {
			drained := e.store.UpsertChat(chat)
			for _, msg := range drained {
				e.accountIncoming(msg)
			}

			f := fetches[i]
			if f.err != nil {
				// Degrade this chat only; empty detail until next refresh.
				e.degraded[chat.ChatID] = true
				e.log.Warn("chat detail fetch failed", "chatId", chat.ChatID, "err", f.err)
				continue
			}
			delete(e.degraded, chat.ChatID)
			e.mergeChatDetail(f)
		}
		e.notify()
	})
	return nil
}

// fetchChatDetail fetches one chat's messages, member users, and read
// cursors concurrently. Any sub-fetch failure fails the whole chat; the
// partial results are discarded rather than half-merged.
func (e *Engine) fetchChatDetail(ctx context.Context, chatID string) chatFetch {
	f := chatFetch{chatID: chatID}
	var wg sync.WaitGroup
	var mu sync.Mutex

	fail := func(err error) {
		mu.Lock()
		if f.err == nil {
			f.err = err
		}
		mu.Unlock()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		msgs, err := e.client.GetMessages(ctx, chatID)
		if err != nil {
			fail(err)
			return
		}
		f.messages = msgs
	}()
	go func() {
		defer wg.Done()
		members, err := e.client.GetMembers(ctx, chatID)
		if err != nil {
			fail(err)
			return
		}
		f.members = members
	}()
	go func() {
		defer wg.Done()
		cursors, err := e.client.GetChatMembers(ctx, chatID)
		if err != nil {
			fail(err)
			return
		}
		f.chatMembers = cursors
	}()
	wg.Wait()
	return f
}

// mergeChatDetail merges one fetched detail set. Runs on the loop. The
// merge is defensive: a stale response superseded by later realtime events
// only adds, never overwrites, so an incoming message applied mid-fetch is
// preserved.
func (e *Engine) mergeChatDetail(f chatFetch) {
	e.store.SetMembers(f.chatID, f.members)
	e.store.MergeMessages(f.chatID, f.messages)
	e.store.SetChatMembers(f.chatID, f.chatMembers)
	e.recomputeUnread(f.chatID)
}

// recomputeUnread rederives a chat's unread counter from the local user's
// read cursor. Client-side recomputation is the source of truth; the
// server value only seeds chats whose cursors were never fetched.
func (e *Engine) recomputeUnread(chatID string) {
	chat, ok := e.store.Chat(chatID)
	if !ok {
		return
	}
	if chatID == e.selected {
		chat.UnreadCount = 0
		return
	}
	d, ok := e.store.Detail(chatID)
	if !ok {
		return
	}
	cursor := ""
	if mi := memberIndex(d.ChatMembers, e.userID); mi >= 0 {
		cursor = d.ChatMembers[mi].LastReadMessageID
	} else if len(d.ChatMembers) == 0 {
		// Cursors never fetched: keep the server seed.
		return
	}
	chat.UnreadCount = ComputeUnreadCount(e.store.SortedMessages(chatID), cursor, e.userID)
}

// refreshChat re-fetches a single chat's detail set, for scoped refresh
// signals. Falls back to a full refresh when the chat is unknown locally.
func (e *Engine) refreshChat(ctx context.Context, chatID string) error {
	known := false
	e.postWait(func() {
		_, known = e.store.Chat(chatID)
	})
	if !known {
		return e.Refresh(ctx)
	}

	f := e.fetchChatDetail(ctx, chatID)
	if f.err != nil {
		e.postWait(func() {
			e.degraded[chatID] = true
		})
		return f.err
	}
	e.postWait(func() {
		delete(e.degraded, chatID)
		e.mergeChatDetail(f)
		e.notify()
	})
	return nil
}

// ============================================================================
// Inbound event handlers
// ============================================================================
//
// Handlers decode on the transport's read goroutine and post the mutation
// to the run loop; the loop's channel preserves receipt order. Malformed
// payloads and references to unknown entities are logged and dropped;
// nothing is thrown out of an event handler, ever.

func (e *Engine) handleMessage(payload json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.MessageID == "" || msg.ChatID == "" {
		e.log.Warn("dropping malformed message event", "err", err)
		return
	}
	e.post(func() {
		if !e.store.AppendMessage(msg) {
			// Duplicate (e.g. the echo of a bulk-loaded message) or buffered
			// for a chat that a pending refresh signal will resolve.
			return
		}
		e.accountIncoming(msg)
		e.notify()
	})
}

// accountIncoming applies the unread/receipt policy for one newly-landed
// message. Runs on the loop.
func (e *Engine) accountIncoming(msg Message) {
	chat, ok := e.store.Chat(msg.ChatID)
	if !ok {
		return
	}
	if msg.ChatID == e.selected {
		chat.UnreadCount = 0
		if msg.SenderID != e.userID && !msg.HasSeen(e.userID) {
			e.emitReceipt(msg.ChatID, msg.MessageID)
		}
		return
	}
	if msg.SenderID != e.userID {
		chat.UnreadCount++
	}
}

func (e *Engine) emitReceipt(chatID, messageID string) {
	err := e.transport.Emit(eventMarkAsRead, ReadReceiptPayload{ChatID: chatID, MessageID: messageID})
	if err != nil {
		e.log.Warn("mark_as_read emit failed", "chatId", chatID, "err", err)
	}
	e.store.AddReceipt(chatID, messageID, e.userID)
}

func (e *Engine) handleReadReceipt(payload json.RawMessage) {
	var p ReadReceiptPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChatID == "" || p.MessageID == "" {
		e.log.Warn("dropping malformed mark_as_read event", "err", err)
		return
	}
	e.post(func() {
		if !e.store.AddReceipt(p.ChatID, p.MessageID, p.UserID) {
			// Unknown message or duplicate receipt: benign.
			return
		}
		e.notify()
	})
}

func (e *Engine) handleTyping(payload json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChatID == "" {
		e.log.Warn("dropping malformed typing event", "err", err)
		return
	}
	e.post(func() {
		set := e.typingIn[p.ChatID]
		if p.Typing {
			if set == nil {
				set = make(map[string]bool)
				e.typingIn[p.ChatID] = set
			}
			set[p.UserID] = true
		} else {
			delete(set, p.UserID)
		}
		e.notify()
	})
}

func (e *Engine) handlePresence(payload json.RawMessage) {
	var p PresencePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		e.log.Warn("dropping malformed presence event", "err", err)
		return
	}
	e.post(func() {
		e.store.SetUserStatus(p.UserID, p.State)
		e.notify()
	})
}

func (e *Engine) handleProfile(payload json.RawMessage) {
	var p ProfilePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		e.log.Warn("dropping malformed profile event", "err", err)
		return
	}
	e.post(func() {
		e.store.UpsertUsers([]User{{UserID: p.UserID, Name: p.Name, Status: p.Status}})
		e.notify()
	})
}

func (e *Engine) handleRefresh(payload json.RawMessage) {
	var p RefreshPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			e.log.Warn("dropping malformed refresh event", "err", err)
			return
		}
	}
	// Refresh suspends on REST, so it cannot run on the loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		var err error
		if p.ChatID != "" {
			err = e.refreshChat(ctx, p.ChatID)
		} else {
			err = e.Refresh(ctx)
		}
		if err != nil {
			e.log.Warn("refresh failed", "chatId", p.ChatID, "err", err)
		}
	}()
}

// ============================================================================
// Local intents
// ============================================================================

// SelectChat makes chatID the open chat: joins its room, zeroes its unread
// counter, and emits receipts for every message not yet seen by the local
// user. Pass "" to deselect. Switching away leaves the previous room and
// pairs any outstanding typing signal.
func (e *Engine) SelectChat(chatID string) {
	e.post(func() {
		if e.selected == chatID {
			return
		}
		if e.selected != "" {
			e.stopTyping()
			if err := e.transport.LeaveRoom(e.selected); err != nil {
				e.log.Warn("leave room failed", "chatId", e.selected, "err", err)
			}
		}
		e.selected = chatID
		if chatID == "" {
			e.notify()
			return
		}
		if err := e.transport.JoinRoom(chatID); err != nil {
			e.log.Warn("join room failed", "chatId", chatID, "err", err)
		}
		if chat, ok := e.store.Chat(chatID); ok {
			chat.UnreadCount = 0
		}
		// Bulk mark-read pass. Receipts recorded locally make this
		// idempotent across re-selections: nothing already marked is
		// emitted again.
		for _, msg := range e.store.SortedMessages(chatID) {
			if msg.SenderID == e.userID || msg.HasSeen(e.userID) {
				continue
			}
			e.emitReceipt(chatID, msg.MessageID)
		}
		e.notify()
	})
}

// SendMessage emits a message. The text must be non-empty after trimming
// or the call silently does nothing. The chat is optimistically resorted
// to the top of the list. There is no rollback: the persisted message
// re-arrives through the server's own broadcast and is deduplicated by
// messageId.
func (e *Engine) SendMessage(chatID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	e.post(func() {
		payload := sendMessagePayload{ChatID: chatID, Text: text, TempID: uuid.NewString()}
		if err := e.transport.Emit(eventSendMessage, payload); err != nil {
			e.log.Warn("send_message emit failed", "chatId", chatID, "err", err)
		}
		e.store.Touch(chatID, time.Now())
		e.notify()
	})
}

// SendTyping emits a typing signal for the chat. Signals are paired: at
// most one stop is implied per start, and an unpaired start is stopped
// automatically on chat change or Close. Debouncing belongs to the caller.
func (e *Engine) SendTyping(chatID string, typing bool) {
	e.post(func() {
		if typing {
			if e.typingOut == chatID {
				return
			}
			e.stopTyping()
			if err := e.transport.Emit(eventStartedTyping, roomPayload{ChatID: chatID}); err != nil {
				e.log.Warn("started_typing emit failed", "chatId", chatID, "err", err)
				return
			}
			e.typingOut = chatID
			return
		}
		if e.typingOut != chatID {
			return
		}
		e.stopTyping()
	})
}

// stopTyping pairs an outstanding started_typing, if any. Runs on the loop.
func (e *Engine) stopTyping() {
	if e.typingOut == "" {
		return
	}
	chatID := e.typingOut
	e.typingOut = ""
	if err := e.transport.Emit(eventStoppedTyping, roomPayload{ChatID: chatID}); err != nil {
		e.log.Warn("stopped_typing emit failed", "chatId", chatID, "err", err)
	}
}

// CreateChat creates a chat and merges it locally. Other participants are
// notified through the server's refresh signal. Failure is surfaced to the
// caller; no optimistic chat is inserted.
func (e *Engine) CreateChat(ctx context.Context, opts *CreateChatOptions) (*Chat, error) {
	chat, err := e.client.CreateChat(ctx, opts)
	if err != nil {
		return nil, err
	}
	e.postWait(func() {
		e.store.UpsertChat(*chat)
		e.notify()
	})
	return chat, nil
}
