package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"storefront-chat/internal/models"
	"storefront-chat/internal/rabbitmq"
)

var _ rabbitmq.Publisher = (*PublisherMock)(nil)

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// FacilityMock records notifications handed to the process-wide facility.
type FacilityMock struct {
	mock.Mock
}

func (m *FacilityMock) AddNotification(ctx context.Context, n models.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}
