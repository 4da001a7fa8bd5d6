package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"storefront-chat/internal/models"
)

const writeWait = 10 * time.Second

// Client is one websocket connection. Writes are serialized per client.
type Client struct {
	conn *websocket.Conn
	info ConnInfo

	writeMu sync.Mutex
}

func NewClient(conn *websocket.Conn, info ConnInfo) *Client {
	return &Client{conn: conn, info: info}
}

func (c *Client) Info() ConnInfo {
	return c.info
}

// Send writes one frame to the client.
func (c *Client) Send(frame models.Frame) error {
	if c == nil || c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Hub maintains one room per conversation.
type Hub struct {
	rooms map[string]map[*Client]bool
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]bool)}
}

// AddClient registers a client in a conversation room.
func (h *Hub) AddClient(conversationID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*Client]bool)
	}
	h.rooms[conversationID][client] = true
}

// RemoveClient removes a client from a conversation room.
func (h *Hub) RemoveClient(conversationID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.rooms[conversationID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// RoomSize returns the number of clients joined to a conversation.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Broadcast sends an event to every client in the room except skip, which may be nil.
func (h *Hub) Broadcast(conversationID, event string, data any, skip *Client) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("websocket encode error: event=%s err=%v", event, err)
		return
	}
	frame := models.Frame{Event: event, Data: raw}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[conversationID]))
	for client := range h.rooms[conversationID] {
		if client != skip {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.Send(frame); err != nil {
			log.Printf("websocket write error: %v", err)
			_ = client.Close()
			h.RemoveClient(conversationID, client)
			publishWSEvent(context.Background(), client.info, conversationID, "ws_error", err.Error())
		}
	}
}

// BroadcastMessage announces a stored message to the whole room, sender included.
func (h *Hub) BroadcastMessage(msg models.Message) {
	h.Broadcast(msg.ConversationID, models.EventNewMessage, msg, nil)
}

// BroadcastRead tells the other participants that userID has read the conversation.
func (h *Hub) BroadcastRead(conversationID, userID string, skip *Client) {
	h.Broadcast(conversationID, models.EventMessageRead, models.MessageReadPayload{
		ConversationID: conversationID,
		UserID:         userID,
	}, skip)
}
