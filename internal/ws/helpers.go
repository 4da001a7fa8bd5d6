package ws

import (
	"context"
	"time"

	"github.com/google/uuid"

	"storefront-chat/internal/observability"
)

const wsRoutingKey = "ws_events.conversations"

func newConnID() string {
	return uuid.NewString()
}

// publishWSEvent reports a connection lifecycle event to metrics and the
// event exchange.
func publishWSEvent(ctx context.Context, info ConnInfo, conversationID, event, reason string) {
	observability.IncWSEvent(string(info.Role), event)

	duration := int64(0)
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Headers:   observability.BuildHeaders(info.RequestID, info.TraceID),
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"conversation_id": conversationID,
				"event":           event,
				"conn_id":         info.ConnID,
				"duration_ms":     duration,
				"reason":          reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"role":      info.Role,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	})
}
