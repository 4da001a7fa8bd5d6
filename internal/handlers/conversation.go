package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"storefront-chat/internal/models"
	"storefront-chat/internal/repositories"
	"storefront-chat/internal/telemetry"
	"storefront-chat/internal/ws"
)

// Broadcaster pushes REST-originated changes to connected websocket clients.
type Broadcaster interface {
	BroadcastMessage(msg models.Message)
	BroadcastRead(conversationID, userID string, skip *ws.Client)
}

// ConversationHandler manages the support conversation endpoints.
type ConversationHandler struct {
	repo         repositories.ConversationRepository
	hub          Broadcaster
	audit        *telemetry.AuditEmitter
	historyLimit int
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(repo repositories.ConversationRepository, hub Broadcaster, audit *telemetry.AuditEmitter, historyLimit int) *ConversationHandler {
	return &ConversationHandler{
		repo:         repo,
		hub:          hub,
		audit:        audit,
		historyLimit: historyLimit,
	}
}

// OpenConversation returns the authenticated customer's conversation, creating it if needed.
func (h *ConversationHandler) OpenConversation(c *gin.Context) {
	if roleFromContext(c) != models.RoleCustomer {
		c.JSON(http.StatusForbidden, gin.H{"error": "only customers open conversations"})
		return
	}

	conv, err := h.repo.OpenForCustomer(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not open conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// GetMessages returns the most recent messages of a conversation.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conversationID, ok := h.authorize(c)
	if !ok {
		return
	}

	limit := h.historyLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	msgs, err := h.repo.ListMessages(c.Request.Context(), conversationID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage stores a message sent over HTTP and broadcasts it to the room.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	conversationID, ok := h.authorize(c)
	if !ok {
		return
	}

	var req struct {
		Content       string          `json:"content"`
		Kind          models.Kind     `json:"kind"`
		Payload       json.RawMessage `json:"payload"`
		CorrelationID string          `json:"correlationId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := userIDFromContext(c)
	role := roleFromContext(c)
	msg, created, err := h.repo.AppendMessage(c.Request.Context(), models.Message{
		ConversationID: conversationID,
		SenderID:       userID,
		SenderRole:     role,
		Content:        req.Content,
		Kind:           req.Kind,
		Payload:        req.Payload,
		CorrelationID:  req.CorrelationID,
	})
	switch {
	case errors.Is(err, repositories.ErrEmptyMessage), errors.Is(err, repositories.ErrInvalidKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store message"})
		return
	}

	if created {
		if h.hub != nil {
			h.hub.BroadcastMessage(msg)
		}
		if role == models.RoleAgent {
			h.audit.Emit(c.Request.Context(), telemetry.AuditRecord{
				Level:          "INFO",
				Text:           "agent posted message",
				RequestID:      requestIDFromContext(c),
				UserID:         userID,
				ConversationID: conversationID,
				MessageID:      msg.ID,
			})
		}
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"message": msg})
}

// MarkRead marks the other side's messages read and notifies the room.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conversationID, ok := h.authorize(c)
	if !ok {
		return
	}

	n, err := h.repo.MarkRead(c.Request.Context(), conversationID, roleFromContext(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not mark read"})
		return
	}
	if h.hub != nil {
		h.hub.BroadcastRead(conversationID, userIDFromContext(c), nil)
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func (h *ConversationHandler) authorize(c *gin.Context) (string, bool) {
	conversationID := c.Param("conversation_id")
	ok, err := h.repo.CanAccess(c.Request.Context(), conversationID, userIDFromContext(c), roleFromContext(c))
	switch {
	case errors.Is(err, repositories.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return "", false
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify access"})
		return "", false
	case !ok:
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
		return "", false
	}
	return conversationID, true
}
