package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"storefront-chat/internal/middleware"
	"storefront-chat/internal/mocks"
	"storefront-chat/internal/models"
	"storefront-chat/internal/repositories"
	"storefront-chat/internal/telemetry"
	"storefront-chat/internal/ws"
)

var _ Broadcaster = (*mocks.BroadcasterMock)(nil)

func setupRouter(handler *ConversationHandler, userID string, role models.SenderRole) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Set(middleware.RoleKey, role)
		c.Next()
	})
	r.POST("/conversations", handler.OpenConversation)
	r.GET("/conversations/:conversation_id/messages", handler.GetMessages)
	r.POST("/conversations/:conversation_id/messages", handler.PostMessage)
	r.POST("/conversations/:conversation_id/read", handler.MarkRead)
	return r
}

func TestOpenConversationForCustomer(t *testing.T) {
	repo := new(mocks.ConversationRepositoryMock)
	router := setupRouter(NewConversationHandler(repo, nil, nil, 50), "cust-1", models.RoleCustomer)

	repo.On("OpenForCustomer", mock.Anything, "cust-1").Return(models.Conversation{ID: "conv1", CustomerID: "cust-1"}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"conv1"`)
	repo.AssertExpectations(t)
}

func TestOpenConversationRejectsAgents(t *testing.T) {
	repo := new(mocks.ConversationRepositoryMock)
	router := setupRouter(NewConversationHandler(repo, nil, nil, 50), "agent-1", models.RoleAgent)

	req := httptest.NewRequest(http.MethodPost, "/conversations", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	repo.AssertNotCalled(t, "OpenForCustomer", mock.Anything, mock.Anything)
}

func TestGetMessagesSuccess(t *testing.T) {
	repo := new(mocks.ConversationRepositoryMock)
	router := setupRouter(NewConversationHandler(repo, nil, nil, 50), "cust-1", models.RoleCustomer)

	repo.On("CanAccess", mock.Anything, "conv1", "cust-1", models.RoleCustomer).Return(true, nil).Once()
	repo.On("ListMessages", mock.Anything, "conv1", 10).Return([]models.Message{{ID: "m1", ConversationID: "conv1"}}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations/conv1/messages?limit=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "m1", resp.Messages[0].ID)
	repo.AssertExpectations(t)
}

func TestGetMessagesAccessErrors(t *testing.T) {
	cases := []struct {
		name   string
		ok     bool
		err    error
		status int
	}{
		{"not found", false, repositories.ErrConversationNotFound, http.StatusNotFound},
		{"forbidden", false, nil, http.StatusForbidden},
		{"repo failure", false, assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := new(mocks.ConversationRepositoryMock)
			router := setupRouter(NewConversationHandler(repo, nil, nil, 50), "cust-2", models.RoleCustomer)
			repo.On("CanAccess", mock.Anything, "conv1", "cust-2", models.RoleCustomer).Return(tc.ok, tc.err).Once()

			req := httptest.NewRequest(http.MethodGet, "/conversations/conv1/messages", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			repo.AssertExpectations(t)
		})
	}
}

func TestGetMessagesInvalidLimit(t *testing.T) {
	repo := new(mocks.ConversationRepositoryMock)
	router := setupRouter(NewConversationHandler(repo, nil, nil, 50), "cust-1", models.RoleCustomer)
	repo.On("CanAccess", mock.Anything, "conv1", "cust-1", models.RoleCustomer).Return(true, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations/conv1/messages?limit=zero", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentPostBroadcastsAndAudits(t *testing.T) {
	repo := new(mocks.ConversationRepositoryMock)
	hub := new(mocks.BroadcasterMock)
	publisher := new(mocks.PublisherMock)
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", "storefront-chat", "test")
	router := setupRouter(NewConversationHandler(repo, hub, audit, 50), "agent-1", models.RoleAgent)

	stored := models.Message{ID: "m9", ConversationID: "conv1", SenderID: "agent-1", SenderRole: models.RoleAgent, Content: "Your order shipped", Kind: models.KindText}
	repo.On("CanAccess", mock.Anything, "conv1", "agent-1", models.RoleAgent).Return(true, nil).Once()
	repo.On("AppendMessage", mock.Anything, mock.MatchedBy(func(m models.Message) bool {
		return m.ConversationID == "conv1" && m.SenderID == "agent-1" && m.Content == "Your order shipped"
	})).Return(stored, true, nil).Once()
	hub.On("BroadcastMessage", stored).Return().Once()
	publisher.On("Publish", mock.Anything, "audit.chat", mock.MatchedBy(func(e telemetry.AuditEnvelope) bool {
		return e.Payload.MessageID == "m9" && e.Payload.ConversationID == "conv1"
	})).Return(nil).Once()

	body := bytes.NewBufferString(`{"content":"Your order shipped"}`)
	req := httptest.NewRequest(http.MethodPost, "/conversations/conv1/messages", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	repo.AssertExpectations(t)
	hub.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestPostMessageValidation(t *testing.T) {
	repo := new(mocks.ConversationRepositoryMock)
	router := setupRouter(NewConversationHandler(repo, nil, nil, 50), "cust-1", models.RoleCustomer)
	repo.On("CanAccess", mock.Anything, "conv1", "cust-1", models.RoleCustomer).Return(true, nil)
	repo.On("AppendMessage", mock.Anything, mock.Anything).Return(nil, false, repositories.ErrEmptyMessage).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations/conv1/messages", bytes.NewBufferString(`{"content":""}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/conversations/conv1/messages", bytes.NewBufferString(`{`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRepeatedPostIsNotBroadcastAgain(t *testing.T) {
	repo := new(mocks.ConversationRepositoryMock)
	hub := new(mocks.BroadcasterMock)
	router := setupRouter(NewConversationHandler(repo, hub, nil, 50), "cust-1", models.RoleCustomer)
	repo.On("CanAccess", mock.Anything, "conv1", "cust-1", models.RoleCustomer).Return(true, nil).Once()
	repo.On("AppendMessage", mock.Anything, mock.Anything).Return(models.Message{ID: "m1"}, false, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations/conv1/messages", bytes.NewBufferString(`{"content":"hi","correlationId":"c1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	hub.AssertNotCalled(t, "BroadcastMessage", mock.Anything)
}

func TestMarkReadBroadcastsReceipt(t *testing.T) {
	repo := new(mocks.ConversationRepositoryMock)
	hub := new(mocks.BroadcasterMock)
	router := setupRouter(NewConversationHandler(repo, hub, nil, 50), "agent-1", models.RoleAgent)
	repo.On("CanAccess", mock.Anything, "conv1", "agent-1", models.RoleAgent).Return(true, nil).Once()
	repo.On("MarkRead", mock.Anything, "conv1", models.RoleAgent).Return(3, nil).Once()
	hub.On("BroadcastRead", "conv1", "agent-1", (*ws.Client)(nil)).Return().Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations/conv1/read", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":3}`, rec.Body.String())
	repo.AssertExpectations(t)
	hub.AssertExpectations(t)
}
