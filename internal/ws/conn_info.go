package ws

import (
	"time"

	"storefront-chat/internal/models"
)

type ConnInfo struct {
	ConnID      string
	UserID      string
	Role        models.SenderRole
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
