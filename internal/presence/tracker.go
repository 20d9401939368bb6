// Package presence mirrors the app lifecycle into remote presence state and
// fans remote presence updates out to local observers.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/andepants/courier/internal/bus"
	"github.com/andepants/courier/internal/remote"
	"go.uber.org/zap"
)

// State is the local user's advertised presence.
type State string

const (
	// StateAbsent means nothing has been advertised yet this session.
	StateAbsent  State = "absent"
	StateOnline  State = "online"
	StateOffline State = "offline"
)

var validTransitions = map[State][]State{
	StateAbsent:  {StateOnline, StateOffline},
	StateOnline:  {StateOffline},
	StateOffline: {StateOnline},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tracker advertises the local user's presence and multiplexes remote
// presence feeds.
//
// Presence writes are best effort: a failed write is logged and the session
// carries on, because the server-side disconnect hook is the real safety net
// for an abruptly killed process. Observe shares one remote subscription per
// observed user, reference counted, torn down when the last observer
// releases.
type Tracker struct {
	remote remote.Service
	bus    *bus.Bus
	logger *zap.Logger
	userID string

	mu      sync.Mutex
	state   State
	watches map[string]*watch
}

type watch struct {
	refs    int
	release func()
	cancel  context.CancelFunc
	nextID  int
	subs    map[int]chan remote.PresenceRecord
}

// NewTracker creates a tracker for the given local user.
func NewTracker(svc remote.Service, b *bus.Bus, logger *zap.Logger, userID string) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		remote:  svc,
		bus:     b,
		logger:  logger,
		userID:  userID,
		state:   StateAbsent,
		watches: make(map[string]*watch),
	}
}

// State returns the currently advertised presence.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnForeground advertises the user online and arms the server-side
// disconnect hook that flips them offline if the connection drops without a
// clean OnBackground.
func (t *Tracker) OnForeground(ctx context.Context) {
	if !t.transition(StateOnline) {
		return
	}
	rec := remote.PresenceRecord{UserID: t.userID, Online: true, LastSeenAt: time.Now().UnixMilli()}
	if err := t.remote.WritePresence(ctx, rec); err != nil {
		t.logger.Warn("presence write failed", zap.Error(err), zap.String("state", string(StateOnline)))
	}
	if err := t.remote.RegisterDisconnectHook(ctx, t.userID); err != nil {
		t.logger.Warn("failed to arm disconnect hook", zap.Error(err))
	}
	t.bus.Emit("presence.changed", rec)
}

// OnBackground advertises the user offline and disarms the disconnect hook,
// since going offline is now intentional.
func (t *Tracker) OnBackground(ctx context.Context) {
	if !t.transition(StateOffline) {
		return
	}
	rec := remote.PresenceRecord{UserID: t.userID, Online: false, LastSeenAt: time.Now().UnixMilli()}
	if err := t.remote.WritePresence(ctx, rec); err != nil {
		t.logger.Warn("presence write failed", zap.Error(err), zap.String("state", string(StateOffline)))
	}
	if err := t.remote.CancelDisconnectHook(ctx, t.userID); err != nil {
		t.logger.Warn("failed to disarm disconnect hook", zap.Error(err))
	}
	t.bus.Emit("presence.changed", rec)
}

// transition applies the state machine; invalid or redundant transitions
// (already online, already offline) return false and are skipped.
func (t *Tracker) transition(to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !canTransition(t.state, to) {
		return false
	}
	t.state = to
	return true
}

// Observe watches another user's presence. Concurrent observers of the same
// user share a single remote subscription. The returned release function
// must be called exactly once; the last release tears the subscription down.
func (t *Tracker) Observe(userID string) (<-chan remote.PresenceRecord, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.watches[userID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		feed, release, err := t.remote.ObservePresence(ctx, userID)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		w = &watch{release: release, cancel: cancel, subs: make(map[int]chan remote.PresenceRecord)}
		t.watches[userID] = w
		go t.fanOut(ctx, userID, feed, w)
	}

	w.refs++
	id := w.nextID
	w.nextID++
	ch := make(chan remote.PresenceRecord, 8)
	w.subs[id] = ch

	released := false
	release := func() {
		t.mu.Lock()
		if released {
			t.mu.Unlock()
			return
		}
		released = true
		delete(w.subs, id)
		w.refs--
		last := w.refs == 0
		if last {
			delete(t.watches, userID)
		}
		t.mu.Unlock()

		// The remote release can block on the network; never hold the
		// tracker lock across it.
		if last {
			w.cancel()
			w.release()
		}
	}
	return ch, release, nil
}

func (t *Tracker) fanOut(ctx context.Context, userID string, feed <-chan remote.PresenceRecord, w *watch) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-feed:
			if !ok {
				return
			}
			t.bus.Emit("presence.changed", rec)
			t.mu.Lock()
			for _, ch := range w.subs {
				select {
				case ch <- rec:
				default:
					// Slow observer, drop rather than stall the feed.
				}
			}
			t.mu.Unlock()
		}
	}
}

// Shutdown advertises offline if needed and tears down all observations.
func (t *Tracker) Shutdown(ctx context.Context) {
	if t.State() == StateOnline {
		t.OnBackground(ctx)
	}

	t.mu.Lock()
	watches := t.watches
	t.watches = make(map[string]*watch)
	t.mu.Unlock()

	for _, w := range watches {
		w.cancel()
		w.release()
	}
}
