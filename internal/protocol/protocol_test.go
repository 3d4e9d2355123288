package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"message_response","messageId":"m1"}`))
	require.NoError(t, err)
	assert.Equal(t, EvtMessageResponse, typ)

	typ, err = PeekType([]byte(`{"messageId":"m1"}`))
	require.NoError(t, err)
	assert.Empty(t, typ)

	_, err = PeekType([]byte(`not json`))
	assert.Error(t, err)
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(CmdSendMessage, SendMessagePayload{
		ConversationID: "c1",
		Message:        "hello",
		TempID:         "temp-1",
		Language:       "de",
	})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded struct {
		Type    string `json:"type"`
		Payload struct {
			ConversationID string `json:"conversationId"`
			Message        string `json:"message"`
			TempID         string `json:"tempId"`
			Language       string `json:"language"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, CmdSendMessage, decoded.Type)
	assert.Equal(t, "c1", decoded.Payload.ConversationID)
	assert.Equal(t, "hello", decoded.Payload.Message)
	assert.Equal(t, "temp-1", decoded.Payload.TempID)
	assert.Equal(t, "de", decoded.Payload.Language)
}

func TestNewEnvelopeRejectsUnmarshalablePayload(t *testing.T) {
	_, err := NewEnvelope(CmdSendMessage, make(chan int))
	assert.Error(t, err)
}

// Inbound frames are flat: the discriminant sits next to the event
// fields rather than wrapping a payload object.
func TestInboundFrameDecoding(t *testing.T) {
	frame := []byte(`{
		"type": "message_received_confirmed",
		"tempId": "temp-9",
		"permanentId": "msg-42",
		"conversationId": "c1",
		"content": "what are my rights here?"
	}`)

	typ, err := PeekType(frame)
	require.NoError(t, err)
	require.Equal(t, EvtMessageConfirmed, typ)

	var ev MessageConfirmedEvent
	require.NoError(t, json.Unmarshal(frame, &ev))
	assert.Equal(t, "temp-9", ev.TempID)
	assert.Equal(t, "msg-42", ev.PermanentID)
	assert.Equal(t, "c1", ev.ConversationID)
	assert.Equal(t, "what are my rights here?", ev.Content)
}
