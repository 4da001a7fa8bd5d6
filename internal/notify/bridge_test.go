package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"storefront-chat/internal/mocks"
	"storefront-chat/internal/models"
)

func inbound(kind models.Kind, content string) models.Message {
	return models.Message{
		ID:             "m1",
		ConversationID: "conv 1",
		SenderID:       "agent-1",
		SenderRole:     models.RoleAgent,
		Content:        content,
		Kind:           kind,
		DeliveryStatus: models.StatusDelivered,
	}
}

func newTestBridge(f Facility) *Bridge {
	b := NewBridge(f, "https://shop.example/support/", nil)
	b.newID = func() string { return "n1" }
	b.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return b
}

func TestForwardSkipsIneligibleArrivals(t *testing.T) {
	facility := &mocks.FacilityMock{}
	b := newTestBridge(facility)
	msg := inbound(models.KindText, "Hi")

	cases := map[string]Arrival{
		"reconciled": {Message: msg, Appended: false, Peer: true},
		"own":        {Message: msg, Appended: true, Peer: false},
		"focused":    {Message: msg, Appended: true, Peer: true, Focused: true},
		"optimistic": {Message: models.Message{DeliveryStatus: models.StatusPending}, Appended: true, Peer: true},
	}
	for name, a := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, b.Forward(context.Background(), a))
		})
	}
	facility.AssertNotCalled(t, "AddNotification", mock.Anything, mock.Anything)
}

func TestForwardBuildsNotification(t *testing.T) {
	facility := &mocks.FacilityMock{}
	b := newTestBridge(facility)
	facility.On("AddNotification", mock.Anything, models.Notification{
		ID:             "n1",
		Kind:           NotificationKind,
		Title:          "New message from support",
		Body:           "Your order shipped",
		Link:           "https://shop.example/support/conv%201",
		ConversationID: "conv 1",
		MessageID:      "m1",
		SenderRole:     models.RoleAgent,
		CreatedAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}).Return(nil).Once()

	ok := b.Forward(context.Background(), Arrival{Message: inbound(models.KindText, "  Your order shipped "), Appended: true, Peer: true})

	assert.True(t, ok)
	facility.AssertExpectations(t)
}

func TestForwardReportsFacilityFailure(t *testing.T) {
	facility := &mocks.FacilityMock{}
	b := newTestBridge(facility)
	facility.On("AddNotification", mock.Anything, mock.Anything).Return(errors.New("down")).Once()

	assert.False(t, b.Forward(context.Background(), Arrival{Message: inbound(models.KindText, "Hi"), Appended: true, Peer: true}))
	facility.AssertExpectations(t)
}

func TestSummaryLabelsNonTextKinds(t *testing.T) {
	assert.Equal(t, "Sent an image", Summary(inbound(models.KindImage, "")))
	assert.Equal(t, "Shared a product", Summary(inbound(models.KindProductReference, "sku-1")))
	assert.Equal(t, "Shared an order", Summary(inbound(models.KindOrderReference, "")))
}

func TestTruncateCountsRunes(t *testing.T) {
	long := strings.Repeat("é", 150)
	out := Truncate(long, 100)
	assert.Equal(t, 100, utf8.RuneCountInString(out))
	assert.True(t, strings.HasSuffix(out, "…"))

	assert.Equal(t, "short", Truncate("short", 100))
	assert.Empty(t, Truncate("x", 0))
}

func TestMailboxDropsWhenFull(t *testing.T) {
	box := NewMailbox(1)
	ctx := context.Background()

	require.NoError(t, box.AddNotification(ctx, models.Notification{ID: "a"}))
	assert.ErrorIs(t, box.AddNotification(ctx, models.Notification{ID: "b"}), ErrMailboxFull)

	got := <-box.C()
	assert.Equal(t, "a", got.ID)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, box.AddNotification(cancelled, models.Notification{ID: "c"}), context.Canceled)
}

func TestAMQPFacilityPublishesToRoutingKey(t *testing.T) {
	pub := &mocks.PublisherMock{}
	n := models.Notification{ID: "n1", ConversationID: "conv1"}
	pub.On("Publish", mock.Anything, DefaultRoutingKey, n).Return(nil).Once()

	f := NewAMQPFacility(pub, "")
	require.NoError(t, f.AddNotification(context.Background(), n))

	pub.On("Publish", mock.Anything, DefaultRoutingKey, n).Return(errors.New("closed")).Once()
	assert.Error(t, f.AddNotification(context.Background(), n))
	pub.AssertExpectations(t)
}
