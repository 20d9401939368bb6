package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/andepants/courier/internal/store"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	responseTimeout = 30 * time.Second
	dialTimeout     = 10 * time.Second

	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Client is the websocket implementation of Service.
//
// Architecture: one connection, one reader goroutine. The reader correlates
// ack frames to in-flight requests by id and fans feed/presence frames out
// to registered subscribers. On a read error the connection is torn down,
// in-flight requests fail transiently, and a reconnect loop with
// exponential backoff re-establishes the connection and re-issues every
// active subscription, observation, and armed disconnect hook.
type Client struct {
	url    string
	token  string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan ackPayload
	feeds   map[int]*feedSub
	watches map[string]map[int]chan PresenceRecord
	hooks   map[string]bool
	nextSub int
	closed  bool
	done    chan struct{}
}

type feedSub struct {
	userID string
	ch     chan Delta
}

// NewClient creates a websocket client for the remote sync service. The
// token comes from the external identity provider and is sent as a bearer
// header on dial.
func NewClient(url, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:     url,
		token:   token,
		logger:  logger,
		pending: make(map[string]chan ackPayload),
		feeds:   make(map[int]*feedSub),
		watches: make(map[string]map[int]chan PresenceRecord),
		hooks:   make(map[string]bool),
		done:    make(chan struct{}),
	}
}

// Close tears down the connection. In-flight requests fail transiently and
// no further frames are delivered to subscribers.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.failPendingLocked()
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
}

// PushConversation implements Service.
func (c *Client) PushConversation(ctx context.Context, conv *store.Conversation) error {
	_, err := c.request(ctx, frameConversationPush, toWireConversation(conv))
	return err
}

// PushMessage implements Service.
func (c *Client) PushMessage(ctx context.Context, m *store.Message) (Ack, error) {
	ack, err := c.request(ctx, frameMessagePush, toWireMessage(m))
	if err != nil {
		return Ack{}, err
	}
	return Ack{ServerSequence: ack.ServerSequence, ServerTimestamp: ack.ServerTimestamp}, nil
}

// Subscribe implements Service.
func (c *Client) Subscribe(ctx context.Context, userID string) (<-chan Delta, func(), error) {
	if _, err := c.request(ctx, frameFeedSubscribe, subscribePayload{UserID: userID}); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	sub := &feedSub{userID: userID, ch: make(chan Delta, 64)}
	c.feeds[id] = sub
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.feeds, id)
		c.mu.Unlock()
		ctx, done := context.WithTimeout(context.Background(), responseTimeout)
		defer done()
		// Best effort: the server drops the subscription on disconnect anyway.
		_, _ = c.request(ctx, frameFeedUnsubscribe, subscribePayload{UserID: userID})
	}
	return sub.ch, cancel, nil
}

// WritePresence implements Service.
func (c *Client) WritePresence(ctx context.Context, rec PresenceRecord) error {
	_, err := c.request(ctx, framePresenceWrite, wirePresence{
		UserID:     rec.UserID,
		Online:     rec.Online,
		LastSeenAt: rec.LastSeenAt,
	})
	return err
}

// RegisterDisconnectHook implements Service. The hook is re-armed after
// every reconnect until cancelled, since it is scoped to a connection
// server-side.
func (c *Client) RegisterDisconnectHook(ctx context.Context, userID string) error {
	if _, err := c.request(ctx, framePresenceHook, subscribePayload{UserID: userID}); err != nil {
		return err
	}
	c.mu.Lock()
	c.hooks[userID] = true
	c.mu.Unlock()
	return nil
}

// CancelDisconnectHook implements Service.
func (c *Client) CancelDisconnectHook(ctx context.Context, userID string) error {
	c.mu.Lock()
	delete(c.hooks, userID)
	c.mu.Unlock()
	_, err := c.request(ctx, framePresenceUnhook, subscribePayload{UserID: userID})
	return err
}

// ObservePresence implements Service.
func (c *Client) ObservePresence(ctx context.Context, userID string) (<-chan PresenceRecord, func(), error) {
	if _, err := c.request(ctx, framePresenceObserve, subscribePayload{UserID: userID}); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.watches[userID] == nil {
		c.watches[userID] = make(map[int]chan PresenceRecord)
	}
	ch := make(chan PresenceRecord, 8)
	c.watches[userID][id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.watches[userID], id)
		last := len(c.watches[userID]) == 0
		if last {
			delete(c.watches, userID)
		}
		c.mu.Unlock()
		if last {
			ctx, done := context.WithTimeout(context.Background(), responseTimeout)
			defer done()
			_, _ = c.request(ctx, framePresenceForget, subscribePayload{UserID: userID})
		}
	}
	return ch, cancel, nil
}

// request sends a frame and waits for its ack.
func (c *Client) request(ctx context.Context, frameType string, payload any) (ackPayload, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return ackPayload{}, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ackPayload{}, fmt.Errorf("encode %s: %w", frameType, err)
	}
	id := uuid.NewString()
	frame, err := json.Marshal(envelope{Type: frameType, ID: id, Payload: body})
	if err != nil {
		return ackPayload{}, fmt.Errorf("encode envelope: %w", err)
	}

	respCh := make(chan ackPayload, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return ackPayload{}, Transientf("write %s: %v", frameType, err)
	}

	select {
	case ack, ok := <-respCh:
		if !ok {
			return ackPayload{}, Transientf("connection lost waiting for %s ack", frameType)
		}
		if ack.Error != nil {
			if ack.Error.Transient {
				return ackPayload{}, Transientf("%s: %s", ack.Error.Code, ack.Error.Reason)
			}
			return ackPayload{}, &RejectionError{Code: ack.Error.Code, Reason: ack.Error.Reason}
		}
		return ack, nil
	case <-time.After(responseTimeout):
		return ackPayload{}, Transientf("timed out waiting for %s ack", frameType)
	case <-ctx.Done():
		return ackPayload{}, Transientf("%s cancelled: %v", frameType, ctx.Err())
	}
}

// ensureConn dials on first use and after disconnects.
func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, Transientf("client closed")
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, Transientf("dial %s: %v", c.url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
		return nil, Transientf("client closed")
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			active := c.conn == conn
			if active {
				c.conn = nil
				c.failPendingLocked()
			}
			closed := c.closed
			resubscribe := len(c.feeds) > 0 || len(c.watches) > 0 || len(c.hooks) > 0
			c.mu.Unlock()
			if active && !closed {
				c.logger.Warn("remote connection lost", zap.Error(err))
				if resubscribe {
					go c.reconnectLoop()
				}
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("malformed frame from remote", zap.Error(err))
		return
	}

	switch env.Type {
	case frameAck:
		var ack ackPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			c.logger.Warn("malformed ack payload", zap.Error(err))
			return
		}
		// Claim the entry before sending so a concurrent Close cannot close
		// the channel out from under us; once removed from the map, the
		// buffered send cannot block or panic.
		c.mu.Lock()
		ch := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- ack
		}

	case frameFeedDelta:
		var wd wireDelta
		if err := json.Unmarshal(env.Payload, &wd); err != nil {
			c.logger.Warn("malformed delta payload", zap.Error(err))
			return
		}
		delta := wd.toDelta()
		c.mu.Lock()
		for _, sub := range c.feeds {
			// Frames tagged with a feed owner go only to that user's
			// subscriptions; untagged frames go to everyone.
			if wd.UserID != "" && wd.UserID != sub.userID {
				continue
			}
			select {
			case sub.ch <- delta:
			default:
				c.logger.Warn("feed subscriber full, dropping delta", zap.String("kind", delta.Kind))
			}
		}
		c.mu.Unlock()

	case framePresenceUpdate:
		var wp wirePresence
		if err := json.Unmarshal(env.Payload, &wp); err != nil {
			c.logger.Warn("malformed presence payload", zap.Error(err))
			return
		}
		rec := PresenceRecord{UserID: wp.UserID, Online: wp.Online, LastSeenAt: wp.LastSeenAt}
		c.mu.Lock()
		for _, ch := range c.watches[rec.UserID] {
			select {
			case ch <- rec:
			default:
			}
		}
		c.mu.Unlock()

	default:
		c.logger.Warn("unknown frame type from remote", zap.String("type", env.Type))
	}
}

// failPendingLocked fails every in-flight request. Caller holds c.mu.
func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// reconnectLoop re-establishes the connection with exponential backoff and
// jitter, then re-issues active subscriptions, observations, and armed
// disconnect hooks.
func (c *Client) reconnectLoop() {
	backoff := reconnectBase
	for {
		c.mu.Lock()
		if c.closed || c.conn != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		select {
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff/2)))):
		case <-c.done:
			return
		}
		if backoff < reconnectMax {
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		_, err := c.ensureConn(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("reconnect attempt failed", zap.Error(err))
			continue
		}

		c.logger.Info("remote connection re-established")
		c.replayState()
		return
	}
}

// replayState re-issues subscribe/observe/hook frames after a reconnect.
func (c *Client) replayState() {
	c.mu.Lock()
	users := make(map[string]bool)
	for _, sub := range c.feeds {
		users[sub.userID] = true
	}
	var watched []string
	for userID := range c.watches {
		watched = append(watched, userID)
	}
	var hooked []string
	for userID := range c.hooks {
		hooked = append(hooked, userID)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), responseTimeout)
	defer cancel()
	for userID := range users {
		if _, err := c.request(ctx, frameFeedSubscribe, subscribePayload{UserID: userID}); err != nil {
			c.logger.Warn("resubscribe failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	for _, userID := range watched {
		if _, err := c.request(ctx, framePresenceObserve, subscribePayload{UserID: userID}); err != nil {
			c.logger.Warn("re-observe failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	for _, userID := range hooked {
		if _, err := c.request(ctx, framePresenceHook, subscribePayload{UserID: userID}); err != nil {
			c.logger.Warn("re-arm disconnect hook failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}
