package bus

import "fmt"

// Global fallback channels. Every shard subscribes to the globals in addition
// to its own channels so that pods with different relay id ranges still
// overlap on at least one channel.
const (
	MessagesGlobal  = "relay_messages_global"
	EventsGlobal    = "relay_events_global"
	HeartbeatGlobal = "relay_heartbeat_global"
)

// MessageChannel returns the per-shard chat message channel.
func MessageChannel(relayID uint32) string {
	return fmt.Sprintf("relay_messages_%d", relayID)
}

// EventChannel returns the per-shard presence event channel.
func EventChannel(relayID uint32) string {
	return fmt.Sprintf("relay_events_%d", relayID)
}

// HeartbeatChannel returns the per-shard heartbeat channel.
func HeartbeatChannel(relayID uint32) string {
	return fmt.Sprintf("relay_heartbeat_%d", relayID)
}
