// Package sync moves local state to the remote service and reconciles the
// remote feed back into the store.
package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andepants/courier/internal/bus"
	"github.com/andepants/courier/internal/connectivity"
	"github.com/andepants/courier/internal/remote"
	"github.com/andepants/courier/internal/store"
	"go.uber.org/zap"
)

// Settings tunes the coordinator. Zero values fall back to defaults.
type Settings struct {
	// Workers caps concurrent push operations. Fixed, not derived at runtime.
	Workers int
	// MaxAttempts is the total automatic attempts per record per run.
	MaxAttempts int
	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration
	// PowerSaveGrace delays (not skips) sync runs while power saving is on.
	PowerSaveGrace time.Duration
	// AllowMetered permits automatic sync on metered transports.
	AllowMetered bool
}

func (s *Settings) applyDefaults() {
	if s.Workers <= 0 {
		s.Workers = 5
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = time.Second
	}
	if s.PowerSaveGrace <= 0 {
		s.PowerSaveGrace = 30 * time.Second
	}
}

// Progress is the coordinator's published state.
type Progress struct {
	InFlight int
	Syncing  bool
}

// Coordinator drains pending records to the remote service.
//
// SyncPending is single-flight: concurrent callers no-op while a run is in
// progress, which also makes connectivity flapping harmless. Records are
// pushed oldest first with bounded concurrency; each record retries with
// exponential backoff (1s, 2s, 4s, ...) up to MaxAttempts, then goes to
// failed. Failed records are requeued at the start of the next run, so an
// explicit SyncPending (or a connectivity-transition trigger, which calls
// the same path) re-attempts them from attempt zero; Retry targets a single
// failed record and bypasses the metered policy gate.
type Coordinator struct {
	db       *store.DB
	remote   remote.Service
	monitor  *connectivity.Monitor
	bus      *bus.Bus
	logger   *zap.Logger
	settings Settings

	mu      sync.Mutex
	syncing bool
	runCtx  context.Context
	cancel  context.CancelFunc
	unsub   func()

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(db *store.DB, svc remote.Service, monitor *connectivity.Monitor, b *bus.Bus, logger *zap.Logger, settings Settings) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings.applyDefaults()
	return &Coordinator{
		db:       db,
		remote:   svc,
		monitor:  monitor,
		bus:      b,
		logger:   logger,
		settings: settings,
	}
}

// Start begins watching for reachability transitions. False→true triggers a
// sync run.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.runCtx != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel
	ch, unsub := c.bus.Subscribe("connectivity.", 16)
	c.unsub = unsub
	c.mu.Unlock()

	go func() {
		reachable := false
		for {
			select {
			case evt := <-ch:
				snap, ok := evt.Payload.(connectivity.Snapshot)
				if !ok {
					continue
				}
				if snap.Reachable && !reachable {
					c.logger.Info("connectivity restored, triggering sync")
					c.SyncPending()
				}
				reachable = snap.Reachable
			case <-runCtx.Done():
				return
			}
		}
	}()
}

// Stop cancels any in-progress run, including backoff sleeps, and waits for
// workers to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	unsub := c.unsub
	c.runCtx = nil
	c.cancel = nil
	c.unsub = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	c.wg.Wait()
}

// Progress returns the current published state.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	syncing := c.syncing
	c.mu.Unlock()
	return Progress{InFlight: int(c.inFlight.Load()), Syncing: syncing}
}

// SyncPending starts a sync run unless one is already in progress. Safe to
// call redundantly; never blocks the caller.
func (c *Coordinator) SyncPending() {
	c.mu.Lock()
	if c.syncing || c.runCtx == nil {
		c.mu.Unlock()
		return
	}
	c.syncing = true
	ctx := c.runCtx
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.syncing = false
			c.mu.Unlock()
			c.bus.Emit("sync.finished", c.Progress())
		}()
		c.run(ctx)
	}()
}

// Retry manually re-attempts a single failed message. Works on metered
// transports even when automatic sync is disabled there.
func (c *Coordinator) Retry(id string) {
	if err := c.db.ResetMessageForRetry(id); err != nil {
		c.logger.Error("failed to reset message for retry", zap.Error(err), zap.String("msg_id", id))
		return
	}
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil || !c.monitor.Current().Reachable {
		return
	}
	m, err := c.db.GetMessage(id)
	if err != nil || m == nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pushMessage(ctx, *m)
	}()
}

func (c *Coordinator) run(ctx context.Context) {
	snap := c.monitor.Current()
	if !snap.Reachable {
		return
	}
	if snap.Metered && !c.settings.AllowMetered {
		c.logger.Info("skipping sync run on metered transport")
		return
	}
	if snap.PowerSaving {
		// Shed load without starving: delay, then proceed.
		select {
		case <-time.After(c.settings.PowerSaveGrace):
		case <-ctx.Done():
			return
		}
		if !c.monitor.Current().Reachable {
			return
		}
	}

	// Explicit runs treat failed records like pending ones.
	if err := c.db.RequeueFailedConversations(); err != nil {
		c.logger.Error("failed to requeue conversations", zap.Error(err))
	}
	if err := c.db.RequeueFailedMessages(); err != nil {
		c.logger.Error("failed to requeue messages", zap.Error(err))
	}

	convs, err := c.db.PendingConversations()
	if err != nil {
		c.logger.Error("failed to scan pending conversations", zap.Error(err))
		return
	}
	msgs, err := c.db.PendingMessages()
	if err != nil {
		c.logger.Error("failed to scan pending messages", zap.Error(err))
		return
	}
	if len(convs) == 0 && len(msgs) == 0 {
		return
	}

	c.bus.Emit("sync.started", len(convs)+len(msgs))
	c.logger.Info("sync run started",
		zap.Int("conversations", len(convs)),
		zap.Int("messages", len(msgs)))

	// Conversations first so message pushes never reference an unknown id.
	convJobs := make([]func(context.Context), 0, len(convs))
	for _, conv := range convs {
		conv := conv
		convJobs = append(convJobs, func(ctx context.Context) { c.pushConversation(ctx, conv) })
	}
	c.runBatch(ctx, convJobs)

	msgJobs := make([]func(context.Context), 0, len(msgs))
	for _, m := range msgs {
		m := m
		msgJobs = append(msgJobs, func(ctx context.Context) { c.pushMessage(ctx, m) })
	}
	c.runBatch(ctx, msgJobs)
}

// runBatch executes jobs with at most Workers running at once.
func (c *Coordinator) runBatch(ctx context.Context, jobs []func(context.Context)) {
	if len(jobs) == 0 {
		return
	}
	workers := c.settings.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	queue := make(chan func(context.Context))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				job(ctx)
			}
		}()
	}

feed:
	for _, job := range jobs {
		select {
		case queue <- job:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()
}

// pushMessage attempts one message with per-record retry and backoff. The
// message keeps its immutable id across attempts so the remote service can
// deduplicate a retry racing an earlier attempt that actually landed.
func (c *Coordinator) pushMessage(ctx context.Context, m store.Message) {
	for attempt := 1; ; attempt++ {
		c.inFlight.Add(1)
		c.bus.Emit("sync.progress", c.Progress())
		ack, err := c.remote.PushMessage(ctx, &m)
		c.inFlight.Add(-1)
		c.bus.Emit("sync.progress", c.Progress())

		if err == nil {
			if dbErr := c.db.ConfirmMessage(m.ID, ack.ServerSequence, ack.ServerTimestamp); dbErr != nil {
				c.logger.Error("failed to confirm message", zap.Error(dbErr), zap.String("msg_id", m.ID))
				return
			}
			c.bus.Emit("message.confirmed", m.ID)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if remote.IsRejection(err) {
			c.logger.Warn("message rejected by remote", zap.Error(err), zap.String("msg_id", m.ID))
			c.failMessage(m.ID, attempt)
			return
		}
		if attempt >= c.settings.MaxAttempts {
			c.logger.Warn("message push attempts exhausted", zap.Error(err),
				zap.String("msg_id", m.ID), zap.Int("attempts", attempt))
			c.failMessage(m.ID, attempt)
			return
		}

		delay := c.settings.BackoffBase << (attempt - 1)
		c.logger.Info("message push failed, backing off", zap.Error(err),
			zap.String("msg_id", m.ID), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) failMessage(id string, attempts int) {
	if err := c.db.MarkMessageFailed(id, attempts); err != nil {
		c.logger.Error("failed to mark message failed", zap.Error(err), zap.String("msg_id", id))
		return
	}
	c.bus.Emit("message.send_failed", id)
}

// pushConversation mirrors pushMessage for conversation records.
func (c *Coordinator) pushConversation(ctx context.Context, conv store.Conversation) {
	for attempt := 1; ; attempt++ {
		c.inFlight.Add(1)
		c.bus.Emit("sync.progress", c.Progress())
		err := c.remote.PushConversation(ctx, &conv)
		c.inFlight.Add(-1)
		c.bus.Emit("sync.progress", c.Progress())

		if err == nil {
			if dbErr := c.db.SetConversationStatus(conv.ID, store.StatusSynced); dbErr != nil {
				c.logger.Error("failed to confirm conversation", zap.Error(dbErr), zap.String("conversation_id", conv.ID))
				return
			}
			c.bus.Emit("conversation.confirmed", conv.ID)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if remote.IsRejection(err) || attempt >= c.settings.MaxAttempts {
			c.logger.Warn("conversation push failed terminally", zap.Error(err),
				zap.String("conversation_id", conv.ID), zap.Int("attempts", attempt))
			if dbErr := c.db.SetConversationStatus(conv.ID, store.StatusFailed); dbErr != nil {
				c.logger.Error("failed to mark conversation failed", zap.Error(dbErr), zap.String("conversation_id", conv.ID))
			}
			return
		}

		delay := c.settings.BackoffBase << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}
