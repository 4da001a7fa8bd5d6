package models

import "time"

// Notification is the summarized entry handed to the process-wide notification facility.
type Notification struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	Link           string     `json:"link"`
	ConversationID string     `json:"conversation_id"`
	MessageID      string     `json:"message_id"`
	SenderRole     SenderRole `json:"sender_role"`
	CreatedAt      time.Time  `json:"created_at"`
}
