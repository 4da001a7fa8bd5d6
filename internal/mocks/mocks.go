package mocks

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"

	"storefront-chat/internal/connection"
)

// ChannelMock stands in for the connection manager. Its On method is the
// channel's handler registration, which shadows the embedded mock.Mock.On:
// expectations are set through m.Mock.On. Tests push frames with Deliver.
type ChannelMock struct {
	mock.Mock

	mu       sync.Mutex
	handlers map[string]connection.HandlerFunc
}

func (m *ChannelMock) On(event string, handler connection.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[string]connection.HandlerFunc)
	}
	m.handlers[event] = handler
}

func (m *ChannelMock) Connect(credential string) {
	m.Called(credential)
}

func (m *ChannelMock) Disconnect() {
	m.Called()
	m.mu.Lock()
	m.handlers = nil
	m.mu.Unlock()
}

func (m *ChannelMock) Emit(event string, payload any, ack connection.AckFunc) {
	m.Called(event, payload, ack)
}

func (m *ChannelMock) State() connection.State {
	args := m.Called()
	return args.Get(0).(connection.State)
}

func (m *ChannelMock) Err() error {
	args := m.Called()
	return args.Error(0)
}

func (m *ChannelMock) SetConversation(conversationID string) {
	m.Called(conversationID)
}

// Handler returns the handler currently registered for event.
func (m *ChannelMock) Handler(event string) connection.HandlerFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[event]
}

// Deliver runs the registered handler for event with data encoded as JSON.
// It reports false when no handler is registered.
func (m *ChannelMock) Deliver(event string, data any) bool {
	raw, ok := data.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(data)
		if err != nil {
			panic(fmt.Sprintf("mocks: encode %s: %v", event, err))
		}
		raw = b
	}
	m.mu.Lock()
	handler := m.handlers[event]
	m.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(raw)
	return true
}
