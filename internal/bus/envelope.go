package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is one of the bus payload variants. The concrete types below are
// also what shards deliver to local sessions, so the wire schema and the
// client-facing schema stay in lockstep.
type Message interface {
	kind() string
}

// UserMessage is a chat message relayed to every other connected client.
type UserMessage struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

// JoinEvent announces a new member to the clients that were already present.
type JoinEvent struct {
	Username string `json:"username"`
}

// UnRegisterConnection announces that a member left.
type UnRegisterConnection struct {
	Username string `json:"username"`
}

// RelayHeartbeat carries a shard's liveness and load across pods.
type RelayHeartbeat struct {
	RelayID           uint32 `json:"relay_id"`
	ActiveConnections int    `json:"active_connections"`
}

func (UserMessage) kind() string          { return "UserMessage" }
func (JoinEvent) kind() string            { return "JoinEvent" }
func (UnRegisterConnection) kind() string { return "UnRegisterConnection" }
func (RelayHeartbeat) kind() string       { return "RelayHeartbeat" }

// Envelope is the serialized bus frame. The variant is externally tagged
// under message_type; the tag names are stable wire contract.
type Envelope struct {
	FromPodID   string
	FromRelayID uint32
	Timestamp   int64
	Message     Message
}

// NewEnvelope stamps a message with origin metadata.
func NewEnvelope(podID string, relayID uint32, msg Message) Envelope {
	return Envelope{
		FromPodID:   podID,
		FromRelayID: relayID,
		Timestamp:   time.Now().Unix(),
		Message:     msg,
	}
}

type envelopeWire struct {
	FromPodID   string      `json:"from_pod_id"`
	FromRelayID uint32      `json:"from_relay_id"`
	Timestamp   int64       `json:"timestamp"`
	MessageType messageWire `json:"message_type"`
}

type messageWire struct {
	UserMessage          *UserMessage          `json:"UserMessage,omitempty"`
	JoinEvent            *JoinEvent            `json:"JoinEvent,omitempty"`
	UnRegisterConnection *UnRegisterConnection `json:"UnRegisterConnection,omitempty"`
	RelayHeartbeat       *RelayHeartbeat       `json:"RelayHeartbeat,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	wire := envelopeWire{
		FromPodID:   e.FromPodID,
		FromRelayID: e.FromRelayID,
		Timestamp:   e.Timestamp,
	}

	switch m := e.Message.(type) {
	case UserMessage:
		wire.MessageType.UserMessage = &m
	case JoinEvent:
		wire.MessageType.JoinEvent = &m
	case UnRegisterConnection:
		wire.MessageType.UnRegisterConnection = &m
	case RelayHeartbeat:
		wire.MessageType.RelayHeartbeat = &m
	default:
		return nil, fmt.Errorf("unknown bus message type %T", e.Message)
	}

	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	e.FromPodID = wire.FromPodID
	e.FromRelayID = wire.FromRelayID
	e.Timestamp = wire.Timestamp

	switch {
	case wire.MessageType.UserMessage != nil:
		e.Message = *wire.MessageType.UserMessage
	case wire.MessageType.JoinEvent != nil:
		e.Message = *wire.MessageType.JoinEvent
	case wire.MessageType.UnRegisterConnection != nil:
		e.Message = *wire.MessageType.UnRegisterConnection
	case wire.MessageType.RelayHeartbeat != nil:
		e.Message = *wire.MessageType.RelayHeartbeat
	default:
		return fmt.Errorf("envelope has no recognized message_type variant")
	}

	return nil
}
