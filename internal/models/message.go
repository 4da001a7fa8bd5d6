package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TempConversationID is the placeholder used before the server has assigned a conversation.
const TempConversationID = "temp"

// SenderRole identifies which side of the support thread wrote a message.
type SenderRole string

const (
	RoleCustomer SenderRole = "customer"
	RoleAgent    SenderRole = "agent"
)

// Valid reports whether r is a known role.
func (r SenderRole) Valid() bool {
	return r == RoleCustomer || r == RoleAgent
}

// Kind is the content type of a message.
type Kind string

const (
	KindText             Kind = "text"
	KindImage            Kind = "image"
	KindProductReference Kind = "product-reference"
	KindOrderReference   Kind = "order-reference"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindProductReference, KindOrderReference:
		return true
	}
	return false
}

// DeliveryStatus is the client-side delivery state of a message.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// ErrMalformedMessage is returned by Validate for inbound messages the store must not apply.
var ErrMalformedMessage = errors.New("malformed message")

// Message represents a chat message in a support conversation.
type Message struct {
	ID             string          `json:"id,omitempty"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	SenderRole     SenderRole      `json:"senderRole"`
	Content        string          `json:"content"`
	Kind           Kind            `json:"kind,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SentAt         time.Time       `json:"sentAt"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	DeliveryStatus DeliveryStatus  `json:"deliveryStatus,omitempty"`
	IsRead         bool            `json:"isRead"`
}

// IsOptimistic reports whether the message is a local send still waiting for the server.
func (m Message) IsOptimistic() bool {
	return m.ID == "" && m.DeliveryStatus == StatusPending
}

// Validate checks a server-originated message. Only the id and the
// conversation are required; an absent sender role is resolved by the reader
// and an empty kind is normalised to text.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if m.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrMalformedMessage)
	}
	if m.Kind == "" {
		m.Kind = KindText
	}
	return nil
}
