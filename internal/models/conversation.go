package models

import "time"

// Conversation is one support thread between a customer and the agents.
type Conversation struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customerId"`
	CreatedAt  time.Time `json:"createdAt"`
}
