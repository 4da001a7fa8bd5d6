package notify

import (
	"context"
	"log/slog"

	"storefront-chat/internal/models"
)

// LogFacility writes notifications to the log. Used when nothing else is configured.
type LogFacility struct {
	Logger *slog.Logger
}

func (f LogFacility) AddNotification(ctx context.Context, n models.Notification) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"title", n.Title,
		"body", n.Body,
		"link", n.Link,
		"conversation_id", n.ConversationID,
	)
	return nil
}
