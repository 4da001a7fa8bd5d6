package notify

import (
	"context"
	"errors"

	"storefront-chat/internal/models"
)

// ErrMailboxFull is returned when the mailbox has no room left.
var ErrMailboxFull = errors.New("notification mailbox full")

// Mailbox is an in-process facility: entries are passed over a buffered
// channel to whoever renders them.
type Mailbox struct {
	ch chan models.Notification
}

func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = 32
	}
	return &Mailbox{ch: make(chan models.Notification, size)}
}

// AddNotification never blocks; entries are dropped when the mailbox is full.
func (m *Mailbox) AddNotification(ctx context.Context, n models.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case m.ch <- n:
		return nil
	default:
		return ErrMailboxFull
	}
}

// C delivers queued notifications.
func (m *Mailbox) C() <-chan models.Notification {
	return m.ch
}
