package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"storefront-chat/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmptyMessage         = errors.New("message content is empty")
	ErrInvalidKind          = errors.New("unknown message kind")
)

// DefaultHistoryLimit bounds the per-conversation log.
const DefaultHistoryLimit = 500

// ConversationRepository stores support conversations and their messages.
type ConversationRepository interface {
	// OpenForCustomer returns the customer's conversation, creating it on first use.
	OpenForCustomer(ctx context.Context, customerID string) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	CanAccess(ctx context.Context, conversationID, userID string, role models.SenderRole) (bool, error)
	// AppendMessage assigns the server id and timestamp. A repeated
	// correlation id from the same sender returns the stored message.
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, bool, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	// MarkRead flips isRead on every message in the conversation not written by role.
	MarkRead(ctx context.Context, conversationID string, reader models.SenderRole) (int, error)
}

type conversationLog struct {
	conv     models.Conversation
	messages []models.Message
	byCorr   map[string]int
}

// MemoryRepo keeps conversations in memory; nothing survives a restart.
type MemoryRepo struct {
	mu         sync.RWMutex
	convs      map[string]*conversationLog
	byCustomer map[string]string
	limit      int
	now        func() time.Time
	newID      func() string
}

// NewMemoryRepo constructs MemoryRepo keeping at most limit messages per conversation.
func NewMemoryRepo(limit int) *MemoryRepo {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemoryRepo{
		convs:      make(map[string]*conversationLog),
		byCustomer: make(map[string]string),
		limit:      limit,
		now:        time.Now,
		newID:      func() string { return ulid.Make().String() },
	}
}

func (r *MemoryRepo) OpenForCustomer(ctx context.Context, customerID string) (models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byCustomer[customerID]; ok {
		return r.convs[id].conv, nil
	}
	conv := models.Conversation{ID: r.newID(), CustomerID: customerID, CreatedAt: r.now().UTC()}
	r.convs[conv.ID] = &conversationLog{conv: conv, byCorr: make(map[string]int)}
	r.byCustomer[customerID] = conv.ID
	return conv, nil
}

func (r *MemoryRepo) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	log, ok := r.convs[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return log.conv, nil
}

// CanAccess lets agents into every conversation and customers into their own.
func (r *MemoryRepo) CanAccess(ctx context.Context, conversationID, userID string, role models.SenderRole) (bool, error) {
	conv, err := r.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if role == models.RoleAgent {
		return true, nil
	}
	return conv.CustomerID == userID, nil
}

func (r *MemoryRepo) AppendMessage(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	if msg.Kind == "" {
		msg.Kind = models.KindText
	}
	if !msg.Kind.Valid() {
		return models.Message{}, false, ErrInvalidKind
	}
	if strings.TrimSpace(msg.Content) == "" && msg.Kind == models.KindText {
		return models.Message{}, false, ErrEmptyMessage
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	log, ok := r.convs[msg.ConversationID]
	if !ok {
		return models.Message{}, false, ErrConversationNotFound
	}

	key := corrKey(msg)
	if key != "" {
		if pos, ok := log.byCorr[key]; ok && pos < len(log.messages) {
			return log.messages[pos], false, nil
		}
	}

	msg.ID = r.newID()
	msg.SentAt = r.now().UTC()
	msg.DeliveryStatus = models.StatusDelivered
	msg.IsRead = false
	log.messages = append(log.messages, msg)
	if key != "" {
		log.byCorr[key] = len(log.messages) - 1
	}
	r.trim(log)
	return msg, true, nil
}

func (r *MemoryRepo) trim(log *conversationLog) {
	over := len(log.messages) - r.limit
	if over <= 0 {
		return
	}
	log.messages = append([]models.Message(nil), log.messages[over:]...)
	for key, pos := range log.byCorr {
		if pos < over {
			delete(log.byCorr, key)
			continue
		}
		log.byCorr[key] = pos - over
	}
}

func (r *MemoryRepo) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	log, ok := r.convs[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	msgs := log.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (r *MemoryRepo) MarkRead(ctx context.Context, conversationID string, reader models.SenderRole) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log, ok := r.convs[conversationID]
	if !ok {
		return 0, ErrConversationNotFound
	}
	n := 0
	for i := range log.messages {
		m := &log.messages[i]
		if m.SenderRole != reader && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func corrKey(msg models.Message) string {
	if msg.CorrelationID == "" {
		return ""
	}
	return msg.SenderID + "/" + msg.CorrelationID
}
