package notify

import (
	"context"
	"fmt"

	"storefront-chat/internal/models"
	"storefront-chat/internal/observability"
	"storefront-chat/internal/rabbitmq"
)

const (
	DefaultExchange   = "notifications"
	DefaultRoutingKey = "notifications.chat"
)

// AMQPFacility publishes notifications to a topic exchange for the
// notification service to pick up.
type AMQPFacility struct {
	publisher  rabbitmq.Publisher
	routingKey string
}

func NewAMQPFacility(publisher rabbitmq.Publisher, routingKey string) *AMQPFacility {
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	return &AMQPFacility{publisher: publisher, routingKey: routingKey}
}

func (f *AMQPFacility) AddNotification(ctx context.Context, n models.Notification) error {
	if err := f.publisher.Publish(ctx, f.routingKey, n); err != nil {
		observability.IncAMQPPublishError()
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
