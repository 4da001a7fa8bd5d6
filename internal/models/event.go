package models

import "encoding/json"

// Event names carried in Frame.Event.
const (
	EventSendMessage      = "sendMessage"
	EventNewMessage       = "newMessage"
	EventHistory          = "history"
	EventMarkAsRead       = "markAsRead"
	EventMessageRead      = "messageRead"
	EventJoinConversation = "joinConversation"
	EventAck              = "ack"
	EventError            = "error"
)

// Frame is the JSON envelope exchanged over the websocket in both directions.
// Ack is set on client requests expecting an acknowledgement and echoed by the
// server on the matching "ack" frame.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// SendMessagePayload is the body of an outbound sendMessage event.
type SendMessagePayload struct {
	ConversationID string          `json:"conversationId,omitempty"`
	Content        string          `json:"content"`
	Kind           Kind            `json:"kind,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CorrelationID  string          `json:"correlationId"`
}

// AckResult is the server response to an acknowledged request.
type AckResult struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// JoinPayload asks the server for the history of a conversation.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// MarkAsReadPayload is an outbound read receipt.
type MarkAsReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// MessageReadPayload is an inbound peer read receipt.
type MessageReadPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// ErrorPayload is sent by the server for rejected frames that carry no ack id.
type ErrorPayload struct {
	Error string `json:"error"`
}
