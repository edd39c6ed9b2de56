package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "user message",
			msg:  UserMessage{Username: "alice", Content: "hi"},
		},
		{
			name: "join event",
			msg:  JoinEvent{Username: "bob"},
		},
		{
			name: "unregister",
			msg:  UnRegisterConnection{Username: "carol"},
		},
		{
			name: "relay heartbeat",
			msg:  RelayHeartbeat{RelayID: 7, ActiveConnections: 42},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope("pod-a", 3, tt.msg)

			data, err := json.Marshal(env)
			require.NoError(t, err)

			var decoded Envelope
			require.NoError(t, json.Unmarshal(data, &decoded))

			assert.Equal(t, env.FromPodID, decoded.FromPodID)
			assert.Equal(t, env.FromRelayID, decoded.FromRelayID)
			assert.Equal(t, env.Timestamp, decoded.Timestamp)
			assert.Equal(t, tt.msg, decoded.Message)
		})
	}
}

// The tag names under message_type are wire contract shared with other pods;
// they must never drift.
func TestEnvelopeWireFormat(t *testing.T) {
	env := Envelope{
		FromPodID:   "pod-a",
		FromRelayID: 1,
		Timestamp:   1700000000,
		Message:     UserMessage{Username: "alice", Content: "hi"},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"from_pod_id": "pod-a",
		"from_relay_id": 1,
		"timestamp": 1700000000,
		"message_type": {"UserMessage": {"username": "alice", "content": "hi"}}
	}`, string(data))
}

func TestEnvelopeDecodeForeignVariants(t *testing.T) {
	raw := `{
		"from_pod_id": "pod-b",
		"from_relay_id": 2,
		"timestamp": 1700000001,
		"message_type": {"RelayHeartbeat": {"relay_id": 2, "active_connections": 10}}
	}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	hb, ok := env.Message.(RelayHeartbeat)
	require.True(t, ok)
	assert.Equal(t, uint32(2), hb.RelayID)
	assert.Equal(t, 10, hb.ActiveConnections)
}

func TestEnvelopeUnknownVariant(t *testing.T) {
	raw := `{"from_pod_id":"p","from_relay_id":1,"timestamp":0,"message_type":{"Bogus":{}}}`

	var env Envelope
	assert.Error(t, json.Unmarshal([]byte(raw), &env))
}

func TestEnvelopeMarshalUnknownType(t *testing.T) {
	_, err := json.Marshal(Envelope{Message: nil})
	assert.Error(t, err)
}
