// Package remote defines the contract with the remote real-time service and
// provides a websocket client implementing it. The sync engine only ever
// sees the Service interface, so tests substitute fakes.
package remote

import (
	"context"

	"github.com/andepants/courier/internal/store"
)

// Delta kinds pushed by the remote service.
const (
	DeltaConversation        = "conversation"
	DeltaMessage             = "message"
	DeltaConversationDeleted = "conversation.deleted"
	DeltaMessageDeleted      = "message.deleted"
)

// Ack carries the server-assigned ordering metadata for a pushed message.
type Ack struct {
	ServerSequence  int64
	ServerTimestamp int64
}

// Delta is one inbound change from the authoritative feed. Exactly one of
// Conversation/Message is set for upsert kinds; EntityID identifies the
// target of deletion kinds.
type Delta struct {
	Kind         string
	Conversation *store.Conversation
	Message      *store.Message
	EntityID     string
}

// PresenceRecord is the ephemeral per-user presence beacon. There is exactly
// one authoritative record per user at the remote service.
type PresenceRecord struct {
	UserID     string
	Online     bool
	LastSeenAt int64
}

// Service is the remote real-time collaborator. All writes are keyed by
// client-chosen ids so retries are idempotent server-side. Every method is a
// suspension point bounded by the service's own client timeout.
type Service interface {
	// PushConversation writes a conversation keyed by its derived id.
	// Re-pushing the same id is a no-op merge server-side.
	PushConversation(ctx context.Context, c *store.Conversation) error

	// PushMessage writes a message keyed by its immutable client id and
	// returns the server-assigned sequence and timestamp.
	PushMessage(ctx context.Context, m *store.Message) (Ack, error)

	// Subscribe opens the authoritative conversation/message feed for
	// conversations the user participates in. Deltas arrive in per-
	// conversation order. The returned func releases the subscription.
	Subscribe(ctx context.Context, userID string) (<-chan Delta, func(), error)

	// WritePresence updates the user's presence record.
	WritePresence(ctx context.Context, rec PresenceRecord) error

	// RegisterDisconnectHook arms a server-side action that flips the
	// user's presence record to offline if this connection drops without
	// an explicit offline write.
	RegisterDisconnectHook(ctx context.Context, userID string) error

	// CancelDisconnectHook disarms a previously registered hook, used
	// after an explicit offline write makes it unnecessary.
	CancelDisconnectHook(ctx context.Context, userID string) error

	// ObservePresence streams another user's presence record. The
	// returned func releases the observation.
	ObservePresence(ctx context.Context, userID string) (<-chan PresenceRecord, func(), error)
}
