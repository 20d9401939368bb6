package remote

import (
	"encoding/json"

	"github.com/andepants/courier/internal/store"
)

// envelope is the wire format for every frame in both directions.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-to-server frame types.
const (
	frameConversationPush = "conversation.push"
	frameMessagePush      = "message.push"
	frameFeedSubscribe    = "feed.subscribe"
	frameFeedUnsubscribe  = "feed.unsubscribe"
	framePresenceWrite    = "presence.write"
	framePresenceHook     = "presence.hook"
	framePresenceUnhook   = "presence.unhook"
	framePresenceObserve  = "presence.observe"
	framePresenceForget   = "presence.unobserve"
)

// Server-to-client frame types.
const (
	frameAck            = "ack"
	frameFeedDelta      = "feed.delta"
	framePresenceUpdate = "presence.update"
)

type wireError struct {
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	Transient bool   `json:"transient"`
}

type ackPayload struct {
	OK              bool       `json:"ok"`
	ServerSequence  int64      `json:"serverSequence,omitempty"`
	ServerTimestamp int64      `json:"serverTimestamp,omitempty"`
	Error           *wireError `json:"error,omitempty"`
}

type wireConversation struct {
	ID                 string   `json:"id"`
	ParticipantIDs     []string `json:"participantIds"`
	DisplayLabel       string   `json:"displayLabel,omitempty"`
	LastMessagePreview string   `json:"lastMessagePreview,omitempty"`
	LastMessageAt      int64    `json:"lastMessageAt,omitempty"`
}

type wireMessage struct {
	ID              string `json:"id"`
	ConversationID  string `json:"conversationId"`
	SenderID        string `json:"senderId"`
	Body            string `json:"body"`
	LocalCreatedAt  int64  `json:"localCreatedAt"`
	ServerSequence  int64  `json:"serverSequence,omitempty"`
	ServerTimestamp int64  `json:"serverTimestamp,omitempty"`
}

type wireDelta struct {
	Kind         string            `json:"kind"`
	UserID       string            `json:"userId,omitempty"`
	Conversation *wireConversation `json:"conversation,omitempty"`
	Message      *wireMessage      `json:"message,omitempty"`
	EntityID     string            `json:"entityId,omitempty"`
}

type wirePresence struct {
	UserID     string `json:"userId"`
	Online     bool   `json:"online"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

type subscribePayload struct {
	UserID string `json:"userId"`
}

func toWireConversation(c *store.Conversation) *wireConversation {
	return &wireConversation{
		ID:                 c.ID,
		ParticipantIDs:     c.ParticipantIDs,
		DisplayLabel:       c.DisplayLabel,
		LastMessagePreview: c.LastMessagePreview,
		LastMessageAt:      c.LastMessageAt,
	}
}

func toWireMessage(m *store.Message) *wireMessage {
	return &wireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		LocalCreatedAt: m.LocalCreatedAt,
	}
}

func (d *wireDelta) toDelta() Delta {
	out := Delta{Kind: d.Kind, EntityID: d.EntityID}
	if d.Conversation != nil {
		out.Conversation = &store.Conversation{
			ID:                 d.Conversation.ID,
			ParticipantIDs:     d.Conversation.ParticipantIDs,
			DisplayLabel:       d.Conversation.DisplayLabel,
			LastMessagePreview: d.Conversation.LastMessagePreview,
			LastMessageAt:      d.Conversation.LastMessageAt,
			SyncStatus:         store.StatusSynced,
		}
	}
	if d.Message != nil {
		out.Message = &store.Message{
			ID:              d.Message.ID,
			ConversationID:  d.Message.ConversationID,
			SenderID:        d.Message.SenderID,
			Body:            d.Message.Body,
			LocalCreatedAt:  d.Message.LocalCreatedAt,
			ServerSequence:  d.Message.ServerSequence,
			ServerTimestamp: d.Message.ServerTimestamp,
			SyncStatus:      store.StatusSynced,
		}
	}
	return out
}
