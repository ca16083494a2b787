package models

import "time"

// Conversation is the summary of a buyer/seller chat about one product.
type Conversation struct {
	ID               string    `json:"id"`
	CounterpartyID   string    `json:"counterpartyId"`
	CounterpartyName string    `json:"counterpartyName,omitempty"`
	ProductID        string    `json:"productId"`
	ProductName      string    `json:"productName,omitempty"`
	LastMessage      string    `json:"lastMessage"`
	LastMessageAt    time.Time `json:"lastMessageAt"`
	Unread           int       `json:"unread"` // Client-side badge, not sent by the backend
}
