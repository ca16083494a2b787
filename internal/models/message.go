package models

import "time"

// DeliveryStatus is the client-side send state of a message.
type DeliveryStatus string

const (
	StatusSending DeliveryStatus = "sending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s DeliveryStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Message represents a chat message as held by an open conversation view.
// Its JSON keys follow the backend records so UI frames use one casing.
type Message struct {
	LocalID        string         `json:"localId,omitempty"`  // Client-generated, stable while optimistic
	ServerID       string         `json:"serverId,omitempty"` // Assigned once the backend confirms
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId,omitempty"`
	SenderIsSelf   bool           `json:"senderIsSelf"`
	Text           string         `json:"text"`
	CreatedAt      time.Time      `json:"createdAt"`
	Status         DeliveryStatus `json:"status"`
}

// Key returns the identity used for the message: the server ID once assigned,
// the local ID before that.
func (m Message) Key() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.LocalID
}

// ServerMessage is a message record as returned or pushed by the backend.
type ServerMessage struct {
	ServerID       string    `json:"serverId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AsMessage converts a backend record into a confirmed Message.
func (sm ServerMessage) AsMessage(selfID string) Message {
	return Message{
		ServerID:       sm.ServerID,
		ConversationID: sm.ConversationID,
		SenderID:       sm.SenderID,
		SenderIsSelf:   selfID != "" && sm.SenderID == selfID,
		Text:           sm.Text,
		CreatedAt:      sm.CreatedAt,
		Status:         StatusSent,
	}
}
