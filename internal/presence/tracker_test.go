package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/andepants/courier/internal/bus"
	"github.com/andepants/courier/internal/remote"
	"github.com/andepants/courier/internal/store"
)

type fakePresenceService struct {
	mu          sync.Mutex
	writes      []remote.PresenceRecord
	hookArmed   bool
	observeCnt  map[string]int
	releasedCnt map[string]int
	feeds       map[string]chan remote.PresenceRecord

	// releaseGate, when set before any Observe, makes every release block
	// until the gate is closed, like a remote teardown on a stalled link.
	releaseGate chan struct{}
}

func newFakePresenceService() *fakePresenceService {
	return &fakePresenceService{
		observeCnt:  make(map[string]int),
		releasedCnt: make(map[string]int),
		feeds:       make(map[string]chan remote.PresenceRecord),
	}
}

func (f *fakePresenceService) WritePresence(_ context.Context, rec remote.PresenceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, rec)
	return nil
}

func (f *fakePresenceService) RegisterDisconnectHook(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hookArmed = true
	return nil
}

func (f *fakePresenceService) CancelDisconnectHook(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hookArmed = false
	return nil
}

func (f *fakePresenceService) ObservePresence(_ context.Context, userID string) (<-chan remote.PresenceRecord, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observeCnt[userID]++
	ch := make(chan remote.PresenceRecord, 8)
	f.feeds[userID] = ch
	gate := f.releaseGate
	return ch, func() {
		if gate != nil {
			<-gate
		}
		f.mu.Lock()
		f.releasedCnt[userID]++
		f.mu.Unlock()
	}, nil
}

func (f *fakePresenceService) PushMessage(_ context.Context, _ *store.Message) (remote.Ack, error) {
	return remote.Ack{}, nil
}
func (f *fakePresenceService) PushConversation(_ context.Context, _ *store.Conversation) error {
	return nil
}
func (f *fakePresenceService) Subscribe(_ context.Context, _ string) (<-chan remote.Delta, func(), error) {
	return nil, func() {}, nil
}

func (f *fakePresenceService) writeLog() []remote.PresenceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.PresenceRecord, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestForegroundBackgroundCycle(t *testing.T) {
	svc := newFakePresenceService()
	tr := NewTracker(svc, bus.New(), nil, "alice")
	ctx := context.Background()

	tr.OnForeground(ctx)
	if tr.State() != StateOnline {
		t.Errorf("state = %q, want online", tr.State())
	}
	svc.mu.Lock()
	armed := svc.hookArmed
	svc.mu.Unlock()
	if !armed {
		t.Error("disconnect hook not armed on foreground")
	}

	tr.OnBackground(ctx)
	if tr.State() != StateOffline {
		t.Errorf("state = %q, want offline", tr.State())
	}
	svc.mu.Lock()
	armed = svc.hookArmed
	svc.mu.Unlock()
	if armed {
		t.Error("disconnect hook still armed after background")
	}

	writes := svc.writeLog()
	if len(writes) != 2 || !writes[0].Online || writes[1].Online {
		t.Errorf("presence writes = %+v, want online then offline", writes)
	}
	for i, w := range writes {
		if w.LastSeenAt == 0 {
			t.Errorf("write %d has no lastSeenAt stamp", i)
		}
	}
}

func TestRedundantTransitionsAreSkipped(t *testing.T) {
	svc := newFakePresenceService()
	tr := NewTracker(svc, bus.New(), nil, "alice")
	ctx := context.Background()

	tr.OnForeground(ctx)
	tr.OnForeground(ctx)
	tr.OnForeground(ctx)

	if got := len(svc.writeLog()); got != 1 {
		t.Errorf("presence writes = %d, want 1 (already online)", got)
	}
}

func TestObserversShareOneSubscription(t *testing.T) {
	svc := newFakePresenceService()
	tr := NewTracker(svc, bus.New(), nil, "alice")

	ch1, rel1, err := tr.Observe("bob")
	if err != nil {
		t.Fatal(err)
	}
	ch2, rel2, err := tr.Observe("bob")
	if err != nil {
		t.Fatal(err)
	}

	svc.mu.Lock()
	cnt := svc.observeCnt["bob"]
	feed := svc.feeds["bob"]
	svc.mu.Unlock()
	if cnt != 1 {
		t.Fatalf("remote observations = %d, want 1 shared", cnt)
	}

	feed <- remote.PresenceRecord{UserID: "bob", Online: true}
	for i, ch := range []<-chan remote.PresenceRecord{ch1, ch2} {
		select {
		case rec := <-ch:
			if !rec.Online {
				t.Errorf("observer %d got offline record", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("observer %d never received the update", i)
		}
	}

	// First release keeps the subscription alive, second tears it down.
	rel1()
	svc.mu.Lock()
	released := svc.releasedCnt["bob"]
	svc.mu.Unlock()
	if released != 0 {
		t.Error("subscription released while an observer remains")
	}

	rel2()
	svc.mu.Lock()
	released = svc.releasedCnt["bob"]
	svc.mu.Unlock()
	if released != 1 {
		t.Errorf("subscription releases = %d, want 1 after last observer left", released)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	svc := newFakePresenceService()
	tr := NewTracker(svc, bus.New(), nil, "alice")

	_, rel1, _ := tr.Observe("bob")
	_, rel2, _ := tr.Observe("bob")

	rel1()
	rel1() // double release of the same handle must not steal rel2's ref

	svc.mu.Lock()
	released := svc.releasedCnt["bob"]
	svc.mu.Unlock()
	if released != 0 {
		t.Error("double release tore down a subscription that still has an observer")
	}
	rel2()
}

func TestSlowRemoteReleaseDoesNotBlockTracker(t *testing.T) {
	svc := newFakePresenceService()
	svc.releaseGate = make(chan struct{})
	tr := NewTracker(svc, bus.New(), nil, "alice")

	_, rel, err := tr.Observe("bob")
	if err != nil {
		t.Fatal(err)
	}

	relDone := make(chan struct{})
	go func() {
		rel()
		close(relDone)
	}()

	// The last-observer teardown is stuck in the remote release; state
	// reads and new observations must not queue up behind it.
	callsDone := make(chan struct{})
	go func() {
		_ = tr.State()
		_, _, _ = tr.Observe("carol")
		close(callsDone)
	}()
	select {
	case <-callsDone:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker blocked while a remote release was in flight")
	}

	close(svc.releaseGate)
	select {
	case <-relDone:
	case <-time.After(2 * time.Second):
		t.Fatal("release never completed")
	}
	svc.mu.Lock()
	released := svc.releasedCnt["bob"]
	svc.mu.Unlock()
	if released != 1 {
		t.Errorf("subscription releases = %d, want 1", released)
	}
}

func TestObserverUpdatesReachTheBus(t *testing.T) {
	svc := newFakePresenceService()
	b := bus.New()
	tr := NewTracker(svc, b, nil, "alice")

	ch, unsub := b.Subscribe("presence.", 8)
	defer unsub()

	_, rel, _ := tr.Observe("bob")
	defer rel()

	svc.mu.Lock()
	feed := svc.feeds["bob"]
	svc.mu.Unlock()
	feed <- remote.PresenceRecord{UserID: "bob", Online: true, LastSeenAt: 1700000000000}

	select {
	case evt := <-ch:
		rec, ok := evt.Payload.(remote.PresenceRecord)
		if !ok {
			t.Fatalf("payload type = %T, want PresenceRecord", evt.Payload)
		}
		if rec.UserID != "bob" || !rec.Online {
			t.Errorf("record = %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no presence.changed event published")
	}
}

func TestShutdownGoesOfflineAndReleasesWatches(t *testing.T) {
	svc := newFakePresenceService()
	tr := NewTracker(svc, bus.New(), nil, "alice")
	ctx := context.Background()

	tr.OnForeground(ctx)
	_, _, _ = tr.Observe("bob")

	tr.Shutdown(ctx)

	if tr.State() != StateOffline {
		t.Errorf("state = %q, want offline after shutdown", tr.State())
	}
	svc.mu.Lock()
	released := svc.releasedCnt["bob"]
	svc.mu.Unlock()
	if released != 1 {
		t.Errorf("watch releases = %d, want 1", released)
	}
}
