package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/MattCruikshank/sokoni/internal/models"
)

// MessageType identifies the type of a push channel frame.
type MessageType string

const (
	// Client -> Server
	TypeJoinConversation  MessageType = "joinConversation"
	TypeLeaveConversation MessageType = "leaveConversation"

	// Server -> Client
	TypeNewMessage MessageType = "newMessage"
	TypeError      MessageType = "error"
)

// Envelope wraps all push channel frames with a type field.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinConversationMessage asks the backend to deliver pushes for a conversation.
type JoinConversationMessage struct {
	ConversationID string `json:"conversationId"`
}

// LeaveConversationMessage stops pushes for a conversation.
type LeaveConversationMessage struct {
	ConversationID string `json:"conversationId"`
}

// NewMessageEvent is pushed by the backend when a message is created in a
// joined conversation.
type NewMessageEvent = models.ServerMessage

// ErrorMessage is sent by the server when an error occurs.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeInvalidMsg   = "invalid_message"
	ErrCodeInternal     = "internal_error"
)

// NewEnvelope creates an envelope with the given type and data.
func NewEnvelope(msgType MessageType, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type: msgType,
		Data: raw,
	}, nil
}

// Marshal encodes a typed frame ready to be written to the socket.
func Marshal(msgType MessageType, data interface{}) ([]byte, error) {
	env, err := NewEnvelope(msgType, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// ParseEnvelope parses a JSON frame into an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return &env, nil
}

// Decode unmarshals the envelope payload into dst.
func (e *Envelope) Decode(dst interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s frame has no data", e.Type)
	}
	return json.Unmarshal(e.Data, dst)
}

// Response is the REST envelope used by the marketplace backend.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// SendMessageRequest is the body of POST /messages.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}
