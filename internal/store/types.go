package store

// Sync status values shared by conversations and messages.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

// Conversation is a locally stored conversation row.
//
// ParticipantIDs is always stored in canonical (sorted) order; the id is
// derived from it and never changes. Archived and Pinned are device-local
// and survive remote merges untouched.
type Conversation struct {
	ID                 string
	ParticipantIDs     []string
	DisplayLabel       string
	LastMessagePreview string
	LastMessageAt      int64
	UnreadCount        int
	Archived           bool
	Pinned             bool
	SyncStatus         string
}

// Message is a locally stored message row.
//
// ID is client-generated and never regenerated: retries resend the same id
// so the remote service can deduplicate. ServerSequence and ServerTimestamp
// are zero until the remote service assigns them; once set they are
// authoritative for ordering.
type Message struct {
	ID              string
	ConversationID  string
	SenderID        string
	Body            string
	LocalCreatedAt  int64
	ServerSequence  int64
	ServerTimestamp int64
	SyncStatus      string
	RetryCount      int
}

// Sequenced reports whether the remote service has assigned ordering
// metadata to the message.
func (m *Message) Sequenced() bool {
	return m.ServerSequence > 0
}
