package sync

import (
	"context"
	"sync"

	"github.com/andepants/courier/internal/bus"
	"github.com/andepants/courier/internal/remote"
	"github.com/andepants/courier/internal/store"
	"go.uber.org/zap"
)

// Listener merges the remote authoritative feed into the local store.
//
// Merge rules: a record unknown locally is inserted as synced; a pending
// local record with the same id is confirmed by adopting the server fields —
// this closes the loop on pushes that succeeded server-side but timed out on
// the client. On any conflict the remote copy wins, except the device-local
// archived/pinned flags which are preserved. Deltas are applied in arrival
// order on a single goroutine, which also guarantees per-conversation order.
type Listener struct {
	db     *store.DB
	remote remote.Service
	bus    *bus.Bus
	logger *zap.Logger
	userID string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	release func()
	done    chan struct{}
}

// NewListener creates a listener for the given user's feed.
func NewListener(db *store.DB, svc remote.Service, b *bus.Bus, logger *zap.Logger, userID string) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		db:     db,
		remote: svc,
		bus:    b,
		logger: logger,
		userID: userID,
	}
}

// Start opens the subscription. Idempotent: a second Start while running is
// a no-op, so no duplicate subscriptions accumulate.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	deltas, release, err := l.remote.Subscribe(subCtx, l.userID)
	if err != nil {
		cancel()
		return err
	}

	l.running = true
	l.cancel = cancel
	l.release = release
	l.done = make(chan struct{})
	done := l.done

	go func() {
		defer close(done)
		for {
			select {
			case <-subCtx.Done():
				return
			case delta, ok := <-deltas:
				if !ok {
					return
				}
				// A cancelled listener racing a late delta drops it.
				if subCtx.Err() != nil {
					return
				}
				l.apply(delta)
			}
		}
	}()
	return nil
}

// Stop cancels the subscription and waits for the apply goroutine so that
// no merge lands after Stop returns.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	release := l.release
	done := l.done
	l.running = false
	l.cancel = nil
	l.release = nil
	l.done = nil
	l.mu.Unlock()

	cancel()
	release()
	<-done
}

func (l *Listener) apply(delta remote.Delta) {
	switch delta.Kind {
	case remote.DeltaConversation:
		l.applyConversation(delta.Conversation)
	case remote.DeltaMessage:
		l.applyMessage(delta.Message)
	case remote.DeltaConversationDeleted:
		if err := l.db.DeleteConversation(delta.EntityID); err != nil {
			l.logger.Error("failed to apply conversation deletion", zap.Error(err), zap.String("conversation_id", delta.EntityID))
			return
		}
		l.bus.Emit("conversation.deleted", delta.EntityID)
	case remote.DeltaMessageDeleted:
		if err := l.db.DeleteMessage(delta.EntityID); err != nil {
			l.logger.Error("failed to apply message deletion", zap.Error(err), zap.String("msg_id", delta.EntityID))
			return
		}
		l.bus.Emit("message.deleted", delta.EntityID)
	default:
		l.logger.Warn("unknown delta kind", zap.String("kind", delta.Kind))
	}
}

func (l *Listener) applyConversation(c *store.Conversation) {
	if c == nil {
		return
	}
	if err := l.db.UpsertConversationRemote(c); err != nil {
		l.logger.Error("failed to merge conversation", zap.Error(err), zap.String("conversation_id", c.ID))
		return
	}
	l.bus.Emit("conversation.upserted", c.ID)
}

func (l *Listener) applyMessage(m *store.Message) {
	if m == nil {
		return
	}
	existing, err := l.db.GetMessage(m.ID)
	if err != nil {
		l.logger.Error("failed to look up message for merge", zap.Error(err), zap.String("msg_id", m.ID))
		return
	}

	if existing != nil && existing.SyncStatus == store.StatusSynced && existing.Body != m.Body {
		// Ids are client-generated and immutable, so divergent content
		// under the same id points at a bug somewhere. Remote still wins.
		l.logger.Error("conflicting content for message id, taking remote version",
			zap.String("msg_id", m.ID))
	}

	if err := l.db.UpsertMessageRemote(m); err != nil {
		l.logger.Error("failed to merge message", zap.Error(err), zap.String("msg_id", m.ID))
		return
	}

	if existing == nil {
		// New message from another device or participant: keep the
		// conversation's denormalized fields current.
		at := m.ServerTimestamp
		if at == 0 {
			at = m.LocalCreatedAt
		}
		if err := l.db.TouchConversation(m.ConversationID, preview(m.Body), at, m.SenderID != l.userID); err != nil {
			l.logger.Error("failed to touch conversation", zap.Error(err), zap.String("conversation_id", m.ConversationID))
		}
		l.bus.Emit("message.upserted", m.ID)
		return
	}

	if existing.SyncStatus == store.StatusPending || existing.SyncStatus == store.StatusFailed {
		// Confirmation of a locally originated write, independent of
		// whether our own push call ever returned.
		l.bus.Emit("message.confirmed", m.ID)
		return
	}
	l.bus.Emit("message.upserted", m.ID)
}

func preview(s string) string {
	const maxLen = 100
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
