package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced: "connectivity.changed", "sync.started",
// "sync.progress", "sync.finished", "message.upserted",
// "message.confirmed", "message.send_failed", "message.deleted",
// "conversation.upserted", "conversation.confirmed",
// "conversation.deleted", "presence.changed".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
