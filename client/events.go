package client

import "github.com/MattCruikshank/sokoni/internal/models"

// EventType names a session event.
type EventType string

const (
	EventMessageQueued       EventType = "message_queued"
	EventMessageSent         EventType = "message_sent"
	EventMessageFailed       EventType = "message_failed"
	EventMessageReceived     EventType = "message_received"
	EventConversationUpdated EventType = "conversation_updated"
	EventConversations       EventType = "conversations"
	EventPushLost            EventType = "push_lost"
)

// Event is raised for every change observers may need to render.
type Event struct {
	Type           EventType
	ConversationID string
	Message        models.Message
	Conversation   models.Conversation
	Err            error
}
