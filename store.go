package scylla

import (
	"sort"
	"time"
)

// pendingBufferCap bounds how many messages are buffered per chat while the
// chat itself is still unknown to the store. Oldest entries are dropped
// beyond the cap.
const pendingBufferCap = 256

// ============================================================================
// Store
// ============================================================================

// Store is the authoritative in-memory model of chats, memberships, and
// messages. It is exclusively owned and mutated by the engine's run loop;
// it is not safe for concurrent use on its own. Consumers only ever see
// copies taken through Snapshot accessors.
type Store struct {
	chats    map[string]*Chat
	details  map[string]*ChatDetail
	users    map[string]*User
	pending  map[string][]Message
	activity map[string]time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		chats:    make(map[string]*Chat),
		details:  make(map[string]*ChatDetail),
		users:    make(map[string]*User),
		pending:  make(map[string][]Message),
		activity: make(map[string]time.Time),
	}
}

// Reset discards all state. Used on session teardown.
func (s *Store) Reset() {
	s.chats = make(map[string]*Chat)
	s.details = make(map[string]*ChatDetail)
	s.users = make(map[string]*User)
	s.pending = make(map[string][]Message)
	s.activity = make(map[string]time.Time)
}

// ============================================================================
// Chats
// ============================================================================

// UpsertChat creates or updates a chat record. The server's unreadCount is
// used only as a seed on first sight; afterwards the counter is maintained
// client-side. Messages buffered for the chat while it was unknown are
// drained into its detail set and returned so the caller can account for
// them.
func (s *Store) UpsertChat(chat Chat) []Message {
	existing, ok := s.chats[chat.ChatID]
	if ok {
		existing.ChatType = chat.ChatType
		existing.Name = chat.Name
		if existing.CreatedAt.IsZero() {
			existing.CreatedAt = chat.CreatedAt
		}
	} else {
		c := chat
		s.chats[chat.ChatID] = &c
		s.details[chat.ChatID] = &ChatDetail{}
	}

	buffered := s.pending[chat.ChatID]
	if len(buffered) == 0 {
		return nil
	}
	delete(s.pending, chat.ChatID)

	var drained []Message
	for _, msg := range buffered {
		if s.appendKnown(msg) {
			drained = append(drained, msg)
		}
	}
	return drained
}

// Chat returns the chat record, if known.
func (s *Store) Chat(chatID string) (*Chat, bool) {
	c, ok := s.chats[chatID]
	return c, ok
}

// RemoveChat discards a chat and its detail set entirely.
func (s *Store) RemoveChat(chatID string) {
	delete(s.chats, chatID)
	delete(s.details, chatID)
	delete(s.pending, chatID)
	delete(s.activity, chatID)
}

// SortedChatIDs returns every known chatId ordered by the canonical
// comparator: descending latest activity (the SentAt of the newest message,
// or an optimistic touch), chats with no activity last, ties broken by
// chatId ascending.
func (s *Store) SortedChatIDs() []string {
	ids := make([]string, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		ai, aj := s.activity[ids[i]], s.activity[ids[j]]
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Touch records optimistic activity on a chat so it resorts to the top of
// the list before the server's own broadcast arrives.
func (s *Store) Touch(chatID string, at time.Time) {
	if _, ok := s.chats[chatID]; !ok {
		return
	}
	if at.After(s.activity[chatID]) {
		s.activity[chatID] = at
	}
}

// ============================================================================
// Users
// ============================================================================

// UpsertUsers merges user records into the denormalized cache, updating
// mutable display fields on existing entries.
func (s *Store) UpsertUsers(users []User) {
	for _, u := range users {
		if existing, ok := s.users[u.UserID]; ok {
			if u.Name != "" {
				existing.Name = u.Name
			}
			if u.Status != "" {
				existing.Status = u.Status
			}
		} else {
			c := u
			s.users[u.UserID] = &c
		}
	}
}

// User returns a cached user record, if known.
func (s *Store) User(userID string) (*User, bool) {
	u, ok := s.users[userID]
	return u, ok
}

// SetUserStatus updates the presence status of a cached user. Unknown users
// are ignored.
func (s *Store) SetUserStatus(userID, status string) {
	if u, ok := s.users[userID]; ok {
		u.Status = status
	}
}

// ============================================================================
// Chat details
// ============================================================================

// Detail returns the working set of one chat, if known.
func (s *Store) Detail(chatID string) (*ChatDetail, bool) {
	d, ok := s.details[chatID]
	return d, ok
}

// SetMembers replaces the resolved member users of a chat.
func (s *Store) SetMembers(chatID string, members []User) {
	if d, ok := s.details[chatID]; ok {
		d.Members = members
	}
}

// SetChatMembers merges read-cursor records into a chat. A fresh server
// cursor never moves an existing local cursor backwards: receipts applied
// mid-fetch must survive a stale response arriving late.
func (s *Store) SetChatMembers(chatID string, members []ChatMember) {
	d, ok := s.details[chatID]
	if !ok {
		return
	}
	sorted := s.SortedMessages(chatID)
	for _, incoming := range members {
		idx := memberIndex(d.ChatMembers, incoming.UserID)
		if idx < 0 {
			d.ChatMembers = append(d.ChatMembers, incoming)
			continue
		}
		current := &d.ChatMembers[idx]
		if cursorAdvances(sorted, current.LastReadMessageID, incoming.LastReadMessageID) {
			current.LastReadMessageID = incoming.LastReadMessageID
			current.LastReadAt = incoming.LastReadAt
		}
		if current.JoinedAt.IsZero() {
			current.JoinedAt = incoming.JoinedAt
		}
	}
}

// MergeMessages merges a fetched message batch into a chat, deduplicating
// by messageId and unioning receipt sets on duplicates. Returns how many
// messages were new. A no-op for unknown chats.
func (s *Store) MergeMessages(chatID string, msgs []Message) int {
	d, ok := s.details[chatID]
	if !ok {
		return 0
	}
	added := 0
	for _, msg := range msgs {
		idx := messageIndex(d.Messages, msg.MessageID)
		if idx >= 0 {
			// Already present: receipts only ever grow, so union them.
			existing := &d.Messages[idx]
			for _, seen := range msg.SeenBy {
				if !existing.HasSeen(seen) {
					existing.SeenBy = append(existing.SeenBy, seen)
				}
			}
			continue
		}
		d.Messages = append(d.Messages, msg)
		s.Touch(chatID, msg.SentAt)
		added++
	}
	return added
}

// AppendMessage applies one incoming realtime message. Messages for chats
// the store does not know yet are buffered until the chat resolves; the
// return value reports whether the message landed in a known chat's detail
// set (false for buffered and for duplicates).
func (s *Store) AppendMessage(msg Message) bool {
	if _, ok := s.details[msg.ChatID]; !ok {
		buf := append(s.pending[msg.ChatID], msg)
		if len(buf) > pendingBufferCap {
			buf = buf[len(buf)-pendingBufferCap:]
		}
		s.pending[msg.ChatID] = buf
		return false
	}
	return s.appendKnown(msg)
}

func (s *Store) appendKnown(msg Message) bool {
	d := s.details[msg.ChatID]
	if messageIndex(d.Messages, msg.MessageID) >= 0 {
		return false
	}
	d.Messages = append(d.Messages, msg)
	s.Touch(msg.ChatID, msg.SentAt)
	return true
}

// AddReceipt records that userID has seen messageID. Idempotent; unknown
// chats or messages are a no-op. The member's read cursor advances with the
// receipt so the cursor fallback stays consistent with the seenBy set.
func (s *Store) AddReceipt(chatID, messageID, userID string) bool {
	d, ok := s.details[chatID]
	if !ok {
		return false
	}
	idx := messageIndex(d.Messages, messageID)
	if idx < 0 {
		return false
	}
	msg := &d.Messages[idx]
	if msg.HasSeen(userID) {
		return false
	}
	msg.SeenBy = append(msg.SeenBy, userID)

	sorted := s.SortedMessages(chatID)
	mi := memberIndex(d.ChatMembers, userID)
	if mi < 0 {
		now := time.Now()
		d.ChatMembers = append(d.ChatMembers, ChatMember{
			UserID:            userID,
			ChatID:            chatID,
			LastReadMessageID: messageID,
			LastReadAt:        &now,
		})
	} else if cursorAdvances(sorted, d.ChatMembers[mi].LastReadMessageID, messageID) {
		now := time.Now()
		d.ChatMembers[mi].LastReadMessageID = messageID
		d.ChatMembers[mi].LastReadAt = &now
	}
	return true
}

// SortedMessages returns a copy of a chat's messages in display order:
// ascending SentAt, ties broken by messageId.
func (s *Store) SortedMessages(chatID string) []Message {
	d, ok := s.details[chatID]
	if !ok {
		return nil
	}
	sorted := make([]Message, len(d.Messages))
	copy(sorted, d.Messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].SentAt.Equal(sorted[j].SentAt) {
			return sorted[i].SentAt.Before(sorted[j].SentAt)
		}
		return sorted[i].MessageID < sorted[j].MessageID
	})
	return sorted
}

// ============================================================================
// Helpers
// ============================================================================

func messageIndex(msgs []Message, messageID string) int {
	for i := range msgs {
		if msgs[i].MessageID == messageID {
			return i
		}
	}
	return -1
}

func memberIndex(members []ChatMember, userID string) int {
	for i := range members {
		if members[i].UserID == userID {
			return i
		}
	}
	return -1
}

// cursorAdvances reports whether moving a read cursor from current to next
// is a forward move in the sorted message list. A missing current cursor
// always advances; a next message unknown to the list never does.
func cursorAdvances(sorted []Message, current, next string) bool {
	nextIdx := indexOfMessage(sorted, next)
	if nextIdx < 0 {
		return false
	}
	if current == "" {
		return true
	}
	return indexOfMessage(sorted, current) < nextIdx
}
