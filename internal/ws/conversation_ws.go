package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"storefront-chat/internal/auth"
	"storefront-chat/internal/middleware"
	"storefront-chat/internal/models"
	"storefront-chat/internal/observability"
	"storefront-chat/internal/repositories"
)

var errConversationUnavailable = errors.New("conversation not available")

// ConversationWebSocketHandler serves the support chat channel.
type ConversationWebSocketHandler struct {
	hub          *Hub
	repo         repositories.ConversationRepository
	validator    auth.Validator
	historyLimit int
}

// NewConversationWebSocketHandler constructs a ConversationWebSocketHandler.
func NewConversationWebSocketHandler(hub *Hub, repo repositories.ConversationRepository, validator auth.Validator, historyLimit int) *ConversationWebSocketHandler {
	return &ConversationWebSocketHandler{hub: hub, repo: repo, validator: validator, historyLimit: historyLimit}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates the handshake, upgrades the connection and serves its frames.
func (h *ConversationWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("storefront-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("token"); token != "" {
			header = "Bearer " + token
		}
	}
	token, ok := middleware.BearerToken(header)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	id, err := h.validator.ValidateToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	client := observability.ClientInfoFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      id.UserID,
		Role:        id.Role,
		DeviceID:    client.DeviceID,
		IP:          client.IP,
		RequestID:   client.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	observability.IncWSActive(string(info.Role))
	publishWSEvent(ctx, info, "", "ws_connect", "")

	go h.serve(context.WithoutCancel(ctx), NewClient(conn, info))
}

func (h *ConversationWebSocketHandler) serve(ctx context.Context, client *Client) {
	var joined, closeReason string
	defer func() {
		if joined != "" {
			h.hub.RemoveClient(joined, client)
		}
		observability.DecWSActive(string(client.info.Role))
		publishWSEvent(ctx, client.info, joined, "ws_disconnect", closeReason)
		_ = client.Close()
	}()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishWSEvent(ctx, client.info, joined, "ws_error", closeReason)
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			h.sendError(client, "malformed frame")
			continue
		}
		observability.IncWSEvent(string(client.info.Role), frame.Event)
		joined = h.dispatch(ctx, client, joined, frame)
	}
}

// dispatch handles one frame and returns the conversation the client is joined to afterwards.
func (h *ConversationWebSocketHandler) dispatch(ctx context.Context, client *Client, joined string, frame models.Frame) string {
	switch frame.Event {
	case models.EventJoinConversation:
		var p models.JoinPayload
		_ = json.Unmarshal(frame.Data, &p)
		return h.join(ctx, client, joined, p.ConversationID)

	case models.EventSendMessage:
		var p models.SendMessagePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			h.ack(client, frame.Ack, models.AckResult{Error: "malformed payload"})
			return joined
		}
		h.send(ctx, client, joined, frame.Ack, p)

	case models.EventMarkAsRead:
		var p models.MarkAsReadPayload
		_ = json.Unmarshal(frame.Data, &p)
		if joined == "" || (p.ConversationID != "" && p.ConversationID != joined) {
			h.sendError(client, errConversationUnavailable.Error())
			return joined
		}
		if _, err := h.repo.MarkRead(ctx, joined, client.info.Role); err != nil {
			log.Printf("mark read failed: conversation=%s err=%v", joined, err)
			return joined
		}
		h.hub.BroadcastRead(joined, client.info.UserID, client)

	default:
		h.sendError(client, "unknown event "+frame.Event)
	}
	return joined
}

func (h *ConversationWebSocketHandler) join(ctx context.Context, client *Client, joined, requested string) string {
	conversationID, err := h.resolveConversation(ctx, client.info, requested)
	if err != nil {
		log.Printf("join rejected: user=%s conversation=%s err=%v", client.info.UserID, requested, err)
		h.sendError(client, errConversationUnavailable.Error())
		return joined
	}

	if joined != "" && joined != conversationID {
		h.hub.RemoveClient(joined, client)
	}
	h.hub.AddClient(conversationID, client)

	history, err := h.repo.ListMessages(ctx, conversationID, h.historyLimit)
	if err != nil {
		log.Printf("history load failed: conversation=%s err=%v", conversationID, err)
		history = []models.Message{}
	}
	raw, _ := json.Marshal(history)
	if err := client.Send(models.Frame{Event: models.EventHistory, Data: raw}); err != nil {
		log.Printf("websocket write error: %v", err)
	}
	return conversationID
}

// resolveConversation maps a join request to a stored conversation. Customers
// joining the temporary conversation get their own.
func (h *ConversationWebSocketHandler) resolveConversation(ctx context.Context, info ConnInfo, requested string) (string, error) {
	if requested == "" || requested == models.TempConversationID {
		if info.Role != models.RoleCustomer {
			return "", errConversationUnavailable
		}
		conv, err := h.repo.OpenForCustomer(ctx, info.UserID)
		if err != nil {
			return "", err
		}
		return conv.ID, nil
	}

	ok, err := h.repo.CanAccess(ctx, requested, info.UserID, info.Role)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errConversationUnavailable
	}
	return requested, nil
}

func (h *ConversationWebSocketHandler) send(ctx context.Context, client *Client, joined string, ackID uint64, p models.SendMessagePayload) {
	if joined == "" {
		h.ack(client, ackID, models.AckResult{Error: "join a conversation first"})
		return
	}
	if p.ConversationID != "" && p.ConversationID != models.TempConversationID && p.ConversationID != joined {
		h.ack(client, ackID, models.AckResult{Error: errConversationUnavailable.Error()})
		return
	}

	stored, created, err := h.repo.AppendMessage(ctx, models.Message{
		ConversationID: joined,
		SenderID:       client.info.UserID,
		SenderRole:     client.info.Role,
		Content:        p.Content,
		Kind:           p.Kind,
		Payload:        p.Payload,
		CorrelationID:  p.CorrelationID,
	})
	if err != nil {
		h.ack(client, ackID, models.AckResult{Error: err.Error()})
		return
	}

	h.ack(client, ackID, models.AckResult{Success: true, Message: &stored})
	if created {
		h.hub.BroadcastMessage(stored)
	}
}

func (h *ConversationWebSocketHandler) ack(client *Client, ackID uint64, res models.AckResult) {
	if ackID == 0 {
		return
	}
	raw, _ := json.Marshal(res)
	if err := client.Send(models.Frame{Event: models.EventAck, Ack: ackID, Data: raw}); err != nil {
		log.Printf("websocket write error: %v", err)
	}
}

func (h *ConversationWebSocketHandler) sendError(client *Client, text string) {
	raw, _ := json.Marshal(models.ErrorPayload{Error: text})
	if err := client.Send(models.Frame{Event: models.EventError, Data: raw}); err != nil {
		log.Printf("websocket write error: %v", err)
	}
}
