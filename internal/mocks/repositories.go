package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"storefront-chat/internal/models"
	"storefront-chat/internal/repositories"
	"storefront-chat/internal/ws"
)

var _ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) OpenForCustomer(ctx context.Context, customerID string) (models.Conversation, error) {
	args := m.Called(ctx, customerID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) CanAccess(ctx context.Context, conversationID, userID string, role models.SenderRole) (bool, error) {
	args := m.Called(ctx, conversationID, userID, role)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) AppendMessage(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	args := m.Called(ctx, msg)
	var stored models.Message
	if val := args.Get(0); val != nil {
		stored = val.(models.Message)
	}
	return stored, args.Bool(1), args.Error(2)
}

func (m *ConversationRepositoryMock) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, limit)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) MarkRead(ctx context.Context, conversationID string, reader models.SenderRole) (int, error) {
	args := m.Called(ctx, conversationID, reader)
	return args.Int(0), args.Error(1)
}

type BroadcasterMock struct {
	mock.Mock
}

func (m *BroadcasterMock) BroadcastMessage(msg models.Message) {
	m.Called(msg)
}

func (m *BroadcasterMock) BroadcastRead(conversationID, userID string, skip *ws.Client) {
	m.Called(conversationID, userID, skip)
}
