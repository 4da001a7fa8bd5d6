// Package notify forwards summaries of inbound peer messages to the
// process-wide notification facility.
package notify

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"storefront-chat/internal/models"
	"storefront-chat/internal/observability"
)

const (
	// NotificationKind tags entries produced by the bridge.
	NotificationKind = "chat_message"
	maxBodyRunes     = 100
	ellipsis         = "…"
)

// Facility is the process-wide notification sink. The bridge only writes to it.
type Facility interface {
	AddNotification(ctx context.Context, n models.Notification) error
}

// Arrival describes how a server message reached the store.
type Arrival struct {
	Message models.Message
	// Appended is true only for a fresh append; reconciliations and
	// duplicates are not arrivals worth notifying about.
	Appended bool
	Peer     bool
	Focused  bool
}

// Bridge has no state of its own beyond its collaborators.
type Bridge struct {
	facility Facility
	linkBase string
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
}

func NewBridge(facility Facility, linkBase string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		facility: facility,
		linkBase: strings.TrimRight(linkBase, "/"),
		logger:   logger.With("component", "notify"),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Forward hands one notification to the facility when the arrival qualifies.
// It reports whether a notification was accepted.
func (b *Bridge) Forward(ctx context.Context, a Arrival) bool {
	if b == nil || b.facility == nil {
		return false
	}
	if !a.Appended || !a.Peer || a.Focused || a.Message.IsOptimistic() || a.Message.ID == "" {
		observability.IncClientNotification("skipped")
		return false
	}

	n := b.Summarize(a.Message)
	if err := b.facility.AddNotification(ctx, n); err != nil {
		b.logger.Warn("notification not delivered", "message_id", a.Message.ID, "error", err)
		observability.IncClientNotification("failed")
		return false
	}
	observability.IncClientNotification("forwarded")
	return true
}

// Summarize builds the notification entry for msg.
func (b *Bridge) Summarize(msg models.Message) models.Notification {
	return models.Notification{
		ID:             b.newID(),
		Kind:           NotificationKind,
		Title:          title(msg.SenderRole),
		Body:           Summary(msg),
		Link:           b.Link(msg.ConversationID),
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderRole:     msg.SenderRole,
		CreatedAt:      b.now().UTC(),
	}
}

// Link returns the deep link into a conversation.
func (b *Bridge) Link(conversationID string) string {
	return b.linkBase + "/" + url.PathEscape(conversationID)
}

// Summary returns the notification body for msg. Non-text kinds become a
// short label.
func Summary(msg models.Message) string {
	switch msg.Kind {
	case models.KindImage:
		return "Sent an image"
	case models.KindProductReference:
		return "Shared a product"
	case models.KindOrderReference:
		return "Shared an order"
	}
	return Truncate(strings.TrimSpace(msg.Content), maxBodyRunes)
}

// Truncate shortens s to at most limit runes, ellipsis included.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + ellipsis
}

func title(role models.SenderRole) string {
	switch role {
	case models.RoleAgent:
		return "New message from support"
	case models.RoleCustomer:
		return "New message from a customer"
	}
	return "New message"
}
