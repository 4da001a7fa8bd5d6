// Package readstate keeps the unread counter and the isRead flags of a
// conversation in step with focus changes and read receipts in both
// directions.
package readstate

import "storefront-chat/internal/models"

// Messages is the part of the message store the synchronizer mutates.
type Messages interface {
	At(pos int) (models.Message, bool)
	Set(pos int, msg models.Message)
	Update(fn func(*models.Message) bool) int
}

// ReceiptFunc sends one read receipt for a conversation.
type ReceiptFunc func(conversationID string)

// Synchronizer is not safe for concurrent use; the owning session serializes
// calls.
type Synchronizer struct {
	messages       Messages
	selfRole       models.SenderRole
	selfID         string
	receipt        ReceiptFunc
	conversationID string
	focused        bool
	unread         int
}

func New(messages Messages, selfRole models.SenderRole, selfID string, receipt ReceiptFunc) *Synchronizer {
	return &Synchronizer{
		messages: messages,
		selfRole: selfRole,
		selfID:   selfID,
		receipt:  receipt,
	}
}

// SetConversation changes the conversation receipts are sent for.
func (s *Synchronizer) SetConversation(conversationID string) {
	s.conversationID = conversationID
}

func (s *Synchronizer) Focused() bool {
	return s.focused
}

// Unread returns the number of confirmed peer messages not yet read.
func (s *Synchronizer) Unread() int {
	return s.unread
}

// IsPeer reports whether msg was written by the other side of the thread. A
// message without a known sender role is judged by its sender id alone.
func (s *Synchronizer) IsPeer(msg models.Message) bool {
	if s.selfID != "" && msg.SenderID == s.selfID {
		return false
	}
	if !msg.SenderRole.Valid() {
		return true
	}
	return msg.SenderRole != s.selfRole
}

// OnInbound accounts for a server message freshly appended at pos. While
// focused the message is marked read and a receipt goes out; otherwise the
// counter grows. It reports whether the message was counted as unread.
func (s *Synchronizer) OnInbound(pos int) bool {
	msg, ok := s.messages.At(pos)
	if !ok || msg.IsOptimistic() || msg.IsRead || !s.IsPeer(msg) {
		return false
	}
	if s.focused {
		msg.IsRead = true
		s.messages.Set(pos, msg)
		s.sendReceipt()
		return false
	}
	s.unread++
	return true
}

// SetFocused records the focus signal of the host. Gaining focus marks
// everything read with a single receipt.
func (s *Synchronizer) SetFocused(focused bool) {
	was := s.focused
	s.focused = focused
	if focused && !was {
		s.MarkAllRead()
	}
}

// MarkAllRead flips every unread peer message to read, resets the counter and
// sends one receipt.
func (s *Synchronizer) MarkAllRead() int {
	n := s.messages.Update(func(m *models.Message) bool {
		if m.IsOptimistic() || m.IsRead || !s.IsPeer(*m) {
			return false
		}
		m.IsRead = true
		return true
	})
	s.unread = 0
	s.sendReceipt()
	return n
}

// OnPeerRead applies a receipt from the other side: own delivered messages of
// the conversation become read. The unread counter is left alone.
func (s *Synchronizer) OnPeerRead(conversationID, userID string) int {
	if conversationID != s.conversationID {
		return 0
	}
	if s.selfID != "" && userID == s.selfID {
		return 0
	}
	return s.messages.Update(func(m *models.Message) bool {
		if m.DeliveryStatus != models.StatusDelivered || m.IsRead || s.IsPeer(*m) {
			return false
		}
		m.IsRead = true
		return true
	})
}

// Recount rebuilds the counter after a bulk load. When focused the loaded
// unread messages are read at once.
func (s *Synchronizer) Recount() int {
	unread := 0
	s.messages.Update(func(m *models.Message) bool {
		if !m.IsOptimistic() && !m.IsRead && s.IsPeer(*m) {
			unread++
		}
		return false
	})
	s.unread = unread
	if s.focused && unread > 0 {
		s.MarkAllRead()
	}
	return s.unread
}

func (s *Synchronizer) sendReceipt() {
	if s.receipt == nil || s.conversationID == "" || s.conversationID == models.TempConversationID {
		return
	}
	s.receipt(s.conversationID)
}
