package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalParseNewMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, err := Marshal(TypeNewMessage, NewMessageEvent{
		ServerID:       "m42",
		ConversationID: "c1",
		SenderID:       "u2",
		Text:           "hello",
		CreatedAt:      at,
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"newMessage"`)
	assert.Contains(t, string(raw), `"conversationId":"c1"`)

	env, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeNewMessage, env.Type)

	var ev NewMessageEvent
	require.NoError(t, env.Decode(&ev))
	assert.Equal(t, "m42", ev.ServerID)
	assert.True(t, at.Equal(ev.CreatedAt))
}

func TestParseEnvelopeRejectsUntyped(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"data":{}}`))
	assert.Error(t, err)

	_, err = ParseEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeEmptyData(t *testing.T) {
	env := &Envelope{Type: TypeJoinConversation}
	var msg JoinConversationMessage
	assert.Error(t, env.Decode(&msg))
}
