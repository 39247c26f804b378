package scylla

// Read-state calculation. Pure functions, no I/O.
//
// The seenBy receipt set is the primary source of truth for read state; the
// cursor-index comparison against lastReadMessageId is the fallback used
// when a message carries no receipts. Both definitions agree when receipts
// and cursors are kept consistent, which the engine guarantees by advancing
// the cursor whenever it applies a receipt.

// IsSeenByAll reports whether every chat member other than the sender
// appears in the message's receipt set. A chat with no other members is
// vacuously fully read.
func IsSeenByAll(msg *Message, members []ChatMember) bool {
	for _, m := range members {
		if m.UserID == msg.SenderID {
			continue
		}
		if !msg.HasSeen(m.UserID) {
			return false
		}
	}
	return true
}

// IsMessageRead reports whether a message authored by currentUserID has
// been read by every other member. Messages sent by anyone else have no
// meaningful read state from this user's perspective and return false.
//
// messagesSorted must be ordered by SentAt (ties by MessageID).
func IsMessageRead(msg *Message, messagesSorted []Message, members []ChatMember, currentUserID string) bool {
	if msg.SenderID != currentUserID {
		return false
	}

	if len(msg.SeenBy) > 0 {
		return IsSeenByAll(msg, members)
	}

	// Receipt set absent: fall back to comparing cursor positions.
	msgIndex := indexOfMessage(messagesSorted, msg.MessageID)
	if msgIndex < 0 {
		return false
	}

	hasOthers := false
	for _, m := range members {
		if m.UserID == currentUserID {
			continue
		}
		hasOthers = true
		if m.LastReadMessageID == "" {
			return false
		}
		cursorIndex := indexOfMessage(messagesSorted, m.LastReadMessageID)
		if cursorIndex < msgIndex {
			return false
		}
	}
	if !hasOthers {
		// Degenerate single-member chat.
		return true
	}
	return true
}

// ComputeUnreadCount counts messages not sent by currentUserID positioned
// strictly after lastReadMessageID in the sorted message list. With no
// cursor, every message from another sender is unread.
func ComputeUnreadCount(messagesSorted []Message, lastReadMessageID, currentUserID string) int {
	start := 0
	if lastReadMessageID != "" {
		if idx := indexOfMessage(messagesSorted, lastReadMessageID); idx >= 0 {
			start = idx + 1
		}
	}

	count := 0
	for _, m := range messagesSorted[start:] {
		if m.SenderID != currentUserID {
			count++
		}
	}
	return count
}

func indexOfMessage(messages []Message, messageID string) int {
	for i := range messages {
		if messages[i].MessageID == messageID {
			return i
		}
	}
	return -1
}
