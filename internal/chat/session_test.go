package chat

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"storefront-chat/internal/connection"
	"storefront-chat/internal/mocks"
	"storefront-chat/internal/models"
	"storefront-chat/internal/notify"
)

var (
	_ Channel         = (*connection.Manager)(nil)
	_ Channel         = (*mocks.ChannelMock)(nil)
	_ notify.Facility = (*mocks.FacilityMock)(nil)
)

func newSession(t *testing.T, conversationID string) (*Session, *mocks.ChannelMock, *mocks.FacilityMock) {
	t.Helper()
	return newSessionWithTimeout(t, conversationID, 0)
}

func newSessionWithTimeout(t *testing.T, conversationID string, sendTimeout time.Duration) (*Session, *mocks.ChannelMock, *mocks.FacilityMock) {
	t.Helper()
	ch := &mocks.ChannelMock{}
	facility := &mocks.FacilityMock{}
	s := New(Options{
		ConversationID: conversationID,
		UserID:         "cust-1",
		Role:           models.RoleCustomer,
		SendTimeout:    sendTimeout,
		Channel:        ch,
		Facility:       facility,
		LinkBase:       "https://shop.example/support",
	})

	ch.Mock.On("SetConversation", mock.Anything).Return()
	ch.Mock.On("Connect", "tok").Return().Once()
	s.Open("tok")
	return s, ch, facility
}

func peerMsg(id string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "conv1",
		SenderID:       "agent-1",
		SenderRole:     models.RoleAgent,
		Content:        "Hi",
		Kind:           models.KindText,
		SentAt:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func ownMsg(id, corr string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "conv1",
		SenderID:       "cust-1",
		SenderRole:     models.RoleCustomer,
		Content:        "Hello",
		Kind:           models.KindText,
		CorrelationID:  corr,
	}
}

func captureSend(ch *mocks.ChannelMock) *connection.AckFunc {
	var ack connection.AckFunc
	ch.Mock.On("Emit", models.EventSendMessage, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ack = args.Get(2).(connection.AckFunc)
		}).
		Return().Once()
	return &ack
}

func TestRedeliveredMessageStoredOnce(t *testing.T) {
	s, ch, facility := newSession(t, "conv1")
	facility.On("AddNotification", mock.Anything, mock.Anything).Return(nil).Once()

	require.True(t, ch.Deliver(models.EventNewMessage, peerMsg("m1")))
	require.True(t, ch.Deliver(models.EventNewMessage, peerMsg("m1")))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, 1, s.Unread())
	facility.AssertExpectations(t)
}

func TestBareRedeliveredMessageStoredOnce(t *testing.T) {
	s, ch, facility := newSession(t, "conv1")
	facility.On("AddNotification", mock.Anything, mock.Anything).Return(nil).Once()

	frame := map[string]any{"id": "m1", "conversationId": "conv1", "content": "Hi"}
	require.True(t, ch.Deliver(models.EventNewMessage, frame))
	require.True(t, ch.Deliver(models.EventNewMessage, frame))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, models.KindText, msgs[0].Kind)
	assert.Equal(t, 1, s.Unread())
	facility.AssertExpectations(t)
}

func TestAcknowledgedSendFailsWithoutDelivery(t *testing.T) {
	s, ch, _ := newSessionWithTimeout(t, "conv1", 20*time.Millisecond)
	ch.Mock.On("State").Return(connection.Connected)

	ack := captureSend(ch)
	s.Send("Hello", models.KindText, nil)
	(*ack)(models.AckResult{Success: true}, nil)
	assert.Equal(t, models.StatusPending, s.Messages()[0].DeliveryStatus)

	require.Eventually(t, func() bool {
		return s.Messages()[0].DeliveryStatus == models.StatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestAcknowledgedSendDeliveredBeforeTimeoutStaysDelivered(t *testing.T) {
	s, ch, _ := newSessionWithTimeout(t, "conv1", 20*time.Millisecond)
	ch.Mock.On("State").Return(connection.Connected)

	ack := captureSend(ch)
	corr := s.Send("Hello", models.KindText, nil)
	(*ack)(models.AckResult{Success: true}, nil)
	ch.Deliver(models.EventNewMessage, ownMsg("m1", corr))

	time.Sleep(60 * time.Millisecond)
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusDelivered, msgs[0].DeliveryStatus)
}

func TestSendReconcilesAtOriginalPosition(t *testing.T) {
	s, ch, facility := newSession(t, "conv1")
	facility.On("AddNotification", mock.Anything, mock.Anything).Return(nil)
	ch.Mock.On("State").Return(connection.Connected)

	ch.Deliver(models.EventNewMessage, peerMsg("m0"))
	ack := captureSend(ch)
	corr := s.Send("Hello", models.KindText, nil)
	ch.Deliver(models.EventNewMessage, peerMsg("m2"))

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.True(t, msgs[1].IsOptimistic())
	assert.Equal(t, corr, msgs[1].CorrelationID)

	(*ack)(models.AckResult{Success: true}, nil)
	assert.Equal(t, models.StatusPending, s.Messages()[1].DeliveryStatus)

	ch.Deliver(models.EventNewMessage, ownMsg("m1", corr))

	msgs = s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[1].ID)
	assert.Equal(t, models.StatusDelivered, msgs[1].DeliveryStatus)
	assert.Equal(t, []string{"m0", "m1", "m2"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	facility.AssertNumberOfCalls(t, "AddNotification", 2)
	ch.AssertExpectations(t)
}

func TestAckCarryingMessageReconcilesImmediately(t *testing.T) {
	s, ch, _ := newSession(t, "conv1")
	ch.Mock.On("State").Return(connection.Connected)

	ack := captureSend(ch)
	corr := s.Send("Hello", "", nil)
	confirmed := ownMsg("m1", "")
	(*ack)(models.AckResult{Success: true, Message: &confirmed}, nil)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, corr, msgs[0].CorrelationID)

	ch.Deliver(models.EventNewMessage, ownMsg("m1", corr))
	assert.Len(t, s.Messages(), 1)
}

func TestSendWhileDisconnectedFailsImmediately(t *testing.T) {
	s, ch, _ := newSession(t, "conv1")
	ch.Mock.On("State").Return(connection.Disconnected)

	s.Send("Hello", models.KindText, nil)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusFailed, msgs[0].DeliveryStatus)
	ch.AssertNotCalled(t, "Emit", models.EventSendMessage, mock.Anything, mock.Anything)
}

func TestRejectedAndTimedOutSendsFail(t *testing.T) {
	s, ch, _ := newSession(t, "conv1")
	ch.Mock.On("State").Return(connection.Connected)

	first := captureSend(ch)
	s.Send("one", models.KindText, nil)
	second := captureSend(ch)
	s.Send("two", models.KindText, nil)

	(*first)(models.AckResult{Success: false, Error: "blocked"}, nil)
	(*second)(models.AckResult{}, connection.ErrAckTimeout)

	for _, m := range s.Messages() {
		assert.Equal(t, models.StatusFailed, m.DeliveryStatus, m.Content)
	}
}

func TestFocusedArrivalMarkedReadWithOneReceipt(t *testing.T) {
	s, ch, facility := newSession(t, "conv1")
	ch.Mock.On("Emit", models.EventMarkAsRead, models.MarkAsReadPayload{ConversationID: "conv1"}, mock.Anything).Return().Once()
	s.SetFocused(true)

	ch.Mock.On("Emit", models.EventMarkAsRead, models.MarkAsReadPayload{ConversationID: "conv1"}, mock.Anything).Return().Once()
	ch.Deliver(models.EventNewMessage, peerMsg("m1"))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsRead)
	assert.Zero(t, s.Unread())
	facility.AssertNotCalled(t, "AddNotification", mock.Anything, mock.Anything)
	ch.AssertExpectations(t)
}

func TestUnreadAccountingAndSingleReceiptOnFocus(t *testing.T) {
	s, ch, facility := newSession(t, "conv1")
	facility.On("AddNotification", mock.Anything, mock.Anything).Return(nil)

	const n = 4
	for i := 0; i < n; i++ {
		ch.Deliver(models.EventNewMessage, peerMsg(fmt.Sprintf("m%d", i)))
	}
	require.Equal(t, n, s.Unread())
	facility.AssertNumberOfCalls(t, "AddNotification", n)

	ch.Mock.On("Emit", models.EventMarkAsRead, models.MarkAsReadPayload{ConversationID: "conv1"}, mock.Anything).Return().Once()
	s.SetFocused(true)

	assert.Zero(t, s.Unread())
	for _, m := range s.Messages() {
		assert.True(t, m.IsRead)
	}
	ch.AssertExpectations(t)
}

func TestNotificationSummary(t *testing.T) {
	_, ch, facility := newSession(t, "conv1")

	var got models.Notification
	facility.On("AddNotification", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(models.Notification) }).
		Return(nil).Once()

	ch.Deliver(models.EventNewMessage, peerMsg("m1"))

	assert.Equal(t, "Hi", got.Body)
	assert.Equal(t, "https://shop.example/support/conv1", got.Link)
	assert.Equal(t, "m1", got.MessageID)
	facility.AssertExpectations(t)
}

func TestHistoryReplacesStateOnReconnect(t *testing.T) {
	s, ch, facility := newSession(t, "conv1")
	facility.On("AddNotification", mock.Anything, mock.Anything).Return(nil)

	ch.Deliver(models.EventNewMessage, peerMsg("m1"))
	ch.Deliver(models.EventNewMessage, peerMsg("m2"))

	ch.Deliver(models.EventHistory, []models.Message{peerMsg("m1"), peerMsg("m2"), ownMsg("m3", "")})

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, 2, s.Unread())

	ch.Deliver(models.EventNewMessage, peerMsg("m2"))
	assert.Len(t, s.Messages(), 3)
	facility.AssertNumberOfCalls(t, "AddNotification", 2)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	s, ch, _ := newSession(t, "conv1")

	ch.Deliver(models.EventNewMessage, map[string]any{"conversationId": "conv1", "senderRole": "agent"})
	ch.Deliver(models.EventNewMessage, map[string]any{"id": "m1", "senderRole": "agent", "content": "no conversation"})
	ch.Deliver(models.EventHistory, map[string]any{"not": "a list"})

	assert.Empty(t, s.Messages())
	assert.Zero(t, s.Unread())
}

func TestTemporaryConversationAdoptsServerID(t *testing.T) {
	s, ch, facility := newSession(t, "")
	facility.On("AddNotification", mock.Anything, mock.Anything).Return(nil)
	require.Equal(t, models.TempConversationID, s.ConversationID())

	ch.Deliver(models.EventNewMessage, peerMsg("m1"))

	assert.Equal(t, "conv1", s.ConversationID())
	ch.AssertCalled(t, "SetConversation", "conv1")

	other := peerMsg("x1")
	other.ConversationID = "conv2"
	ch.Deliver(models.EventNewMessage, other)
	assert.Len(t, s.Messages(), 1)
}

func TestPeerReadReceiptFlipsOwnMessages(t *testing.T) {
	s, ch, _ := newSession(t, "conv1")
	ch.Deliver(models.EventHistory, []models.Message{ownMsg("m1", ""), ownMsg("m2", "")})

	ch.Deliver(models.EventMessageRead, models.MessageReadPayload{ConversationID: "conv1", UserID: "agent-1"})

	for _, m := range s.Messages() {
		assert.True(t, m.IsRead, m.ID)
	}
	assert.Zero(t, s.Unread())
}

func TestCloseStopsProcessingAndAbandonsSends(t *testing.T) {
	s, ch, facility := newSession(t, "conv1")
	ch.Mock.On("State").Return(connection.Connected)
	ack := captureSend(ch)
	s.Send("Hello", models.KindText, nil)

	stale := ch.Handler(models.EventNewMessage)
	require.NotNil(t, stale)
	ch.Mock.On("Disconnect").Return().Once()
	s.Close()

	stale(mustJSON(t, peerMsg("m1")))
	(*ack)(models.AckResult{}, connection.ErrConnectionLost)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusPending, msgs[0].DeliveryStatus)
	facility.AssertNotCalled(t, "AddNotification", mock.Anything, mock.Anything)
	ch.AssertExpectations(t)
}

func TestSwitchStartsFreshConversation(t *testing.T) {
	s, ch, facility := newSession(t, "conv1")
	facility.On("AddNotification", mock.Anything, mock.Anything).Return(nil)
	ch.Deliver(models.EventNewMessage, peerMsg("m1"))

	ch.Mock.On("Disconnect").Return().Once()
	ch.Mock.On("Connect", "tok").Return().Once()
	s.Switch("conv2", "tok")

	assert.Empty(t, s.Messages())
	assert.Zero(t, s.Unread())
	assert.Equal(t, "conv2", s.ConversationID())
	ch.AssertCalled(t, "SetConversation", "conv2")
}

func TestUpdatesSignalIsCoalesced(t *testing.T) {
	s, ch, facility := newSession(t, "conv1")
	facility.On("AddNotification", mock.Anything, mock.Anything).Return(nil)
	drain(s)

	ch.Deliver(models.EventNewMessage, peerMsg("m1"))
	ch.Deliver(models.EventNewMessage, peerMsg("m2"))

	select {
	case <-s.Updates():
	default:
		t.Fatal("expected an update signal")
	}
	select {
	case <-s.Updates():
		t.Fatal("signals should coalesce")
	default:
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func drain(s *Session) {
	for {
		select {
		case <-s.Updates():
		default:
			return
		}
	}
}
