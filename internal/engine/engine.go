// Package engine is the facade the app shell drives: user actions come in,
// durable local writes happen immediately, and synchronization catches up in
// the background.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andepants/courier/internal/bus"
	"github.com/andepants/courier/internal/connectivity"
	"github.com/andepants/courier/internal/identity"
	"github.com/andepants/courier/internal/presence"
	"github.com/andepants/courier/internal/remote"
	"github.com/andepants/courier/internal/store"
	isync "github.com/andepants/courier/internal/sync"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoCurrentUser means the session has no configured user id yet.
var ErrNoCurrentUser = errors.New("no current user configured")

// ErrConversationNotFound means the target conversation is not in the store.
var ErrConversationNotFound = errors.New("conversation not found")

const previewLen = 100

// Engine wires the offline-first write path: every user action lands in the
// local store first and is acknowledged from there; pushing to the remote
// service is the coordinator's problem.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	monitor  *connectivity.Monitor
	coord    *isync.Coordinator
	listener *isync.Listener
	presence *presence.Tracker
	userID   string
}

// New creates an engine for the configured user.
func New(
	db *store.DB,
	b *bus.Bus,
	logger *zap.Logger,
	monitor *connectivity.Monitor,
	coord *isync.Coordinator,
	listener *isync.Listener,
	tracker *presence.Tracker,
	userID string,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:       db,
		bus:      b,
		logger:   logger,
		monitor:  monitor,
		coord:    coord,
		listener: listener,
		presence: tracker,
		userID:   userID,
	}
}

// SendMessage records the message locally as pending and nudges the sync
// coordinator. The id is generated here, once, and never changes across
// retries, so the remote service can deduplicate.
func (e *Engine) SendMessage(conversationID, body string) (*store.Message, error) {
	if e.userID == "" {
		return nil, ErrNoCurrentUser
	}
	conv, err := e.db.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}

	now := time.Now().UnixMilli()
	m := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       e.userID,
		Body:           body,
		LocalCreatedAt: now,
		SyncStatus:     store.StatusPending,
	}
	// A local write failure is fatal to the action: nothing was recorded, so
	// the caller must not believe the message exists.
	if err := e.db.InsertMessage(m); err != nil {
		return nil, fmt.Errorf("persisting message: %w", err)
	}
	if err := e.db.TouchConversation(conversationID, truncate(body), now, false); err != nil {
		e.logger.Error("failed to touch conversation", zap.Error(err), zap.String("conversation_id", conversationID))
	}

	e.bus.Emit("message.upserted", m.ID)
	e.coord.SyncPending()
	return m, nil
}

// CreateConversation derives the deterministic conversation id from the
// participant set. If the conversation already exists locally the existing
// record is returned, so two devices creating "the same" conversation
// converge instead of duplicating.
func (e *Engine) CreateConversation(participantIDs []string, displayLabel string) (*store.Conversation, error) {
	if e.userID == "" {
		return nil, ErrNoCurrentUser
	}
	id, err := identity.Resolve(participantIDs)
	if err != nil {
		return nil, err
	}
	if existing, err := e.db.GetConversation(id); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	conv := &store.Conversation{
		ID:             id,
		ParticipantIDs: identity.Canonical(participantIDs),
		DisplayLabel:   displayLabel,
		SyncStatus:     store.StatusPending,
	}
	if err := e.db.InsertConversation(conv); err != nil {
		return nil, fmt.Errorf("persisting conversation: %w", err)
	}
	e.bus.Emit("conversation.upserted", conv.ID)
	e.coord.SyncPending()
	return conv, nil
}

// RetryMessage re-attempts a single failed message, bypassing the metered
// transport policy since the user asked explicitly.
func (e *Engine) RetryMessage(id string) {
	e.coord.Retry(id)
}

// Conversations lists local conversations, pinned first, then by recency.
func (e *Engine) Conversations(limit, offset int) ([]store.Conversation, error) {
	return e.db.ListConversations(limit, offset)
}

// Messages lists a conversation's messages in display order: sequenced
// messages by server sequence, then unsequenced ones by local creation time.
func (e *Engine) Messages(conversationID string, limit int) ([]store.Message, error) {
	return e.db.ListMessages(conversationID, limit)
}

// MarkRead clears the conversation's unread counter.
func (e *Engine) MarkRead(conversationID string) error {
	if err := e.db.MarkConversationRead(conversationID); err != nil {
		return err
	}
	e.bus.Emit("conversation.upserted", conversationID)
	return nil
}

// SetArchived toggles the device-local archived flag.
func (e *Engine) SetArchived(conversationID string, archived bool) error {
	if err := e.db.SetArchived(conversationID, archived); err != nil {
		return err
	}
	e.bus.Emit("conversation.upserted", conversationID)
	return nil
}

// SetPinned toggles the device-local pinned flag.
func (e *Engine) SetPinned(conversationID string, pinned bool) error {
	if err := e.db.SetPinned(conversationID, pinned); err != nil {
		return err
	}
	e.bus.Emit("conversation.upserted", conversationID)
	return nil
}

// DeleteMessage removes a message locally.
func (e *Engine) DeleteMessage(id string) error {
	if err := e.db.DeleteMessage(id); err != nil {
		return err
	}
	e.bus.Emit("message.deleted", id)
	return nil
}

// DeleteConversation removes a conversation and, via the store's cascade,
// all of its messages.
func (e *Engine) DeleteConversation(id string) error {
	if err := e.db.DeleteConversation(id); err != nil {
		return err
	}
	e.bus.Emit("conversation.deleted", id)
	return nil
}

// OnForeground is the app-became-active hook: open the reconciliation feed,
// advertise presence, and drain anything that queued up while backgrounded.
func (e *Engine) OnForeground(ctx context.Context) {
	if err := e.listener.Start(ctx); err != nil {
		e.logger.Error("failed to start reconciliation listener", zap.Error(err))
	}
	e.presence.OnForeground(ctx)
	e.coord.SyncPending()
}

// OnBackground is the app-went-inactive hook.
func (e *Engine) OnBackground(ctx context.Context) {
	e.presence.OnBackground(ctx)
	e.listener.Stop()
}

// OnConnectivityChanged feeds a platform connectivity snapshot in. Sync
// triggering happens downstream off the debounced monitor event.
func (e *Engine) OnConnectivityChanged(snap connectivity.Snapshot) {
	e.monitor.Update(snap)
}

// ObservePresence watches another user's presence.
func (e *Engine) ObservePresence(userID string) (<-chan remote.PresenceRecord, func(), error) {
	return e.presence.Observe(userID)
}

// SyncProgress reports the coordinator's current state.
func (e *Engine) SyncProgress() isync.Progress {
	return e.coord.Progress()
}

// Shutdown tears the engine down in dependency order.
func (e *Engine) Shutdown(ctx context.Context) {
	e.presence.Shutdown(ctx)
	e.listener.Stop()
	e.coord.Stop()
	e.monitor.Stop()
}

func truncate(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen]
}
