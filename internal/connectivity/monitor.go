// Package connectivity tracks the device's link state for the sync engine.
// A thin platform adapter feeds snapshots in; everything above reads the
// latest snapshot or subscribes to debounced change events on the bus.
package connectivity

import (
	"sync"
	"time"

	"github.com/andepants/courier/internal/bus"
	"go.uber.org/zap"
)

// DefaultDebounce is how long reachability must hold still before a change
// event is published. Rapid flapping collapses into a single event.
const DefaultDebounce = 300 * time.Millisecond

// Snapshot is the current link state.
type Snapshot struct {
	Reachable   bool
	Metered     bool
	PowerSaving bool
}

// Monitor publishes connectivity state. Current() always returns the latest
// snapshot immediately; "connectivity.changed" bus events are debounced so
// sub-second flapping does not trigger duplicate sync runs.
type Monitor struct {
	bus      *bus.Bus
	logger   *zap.Logger
	debounce time.Duration

	mu        sync.Mutex
	current   Snapshot
	published Snapshot
	hasEvent  bool
	timer     *time.Timer
}

// NewMonitor creates a monitor with the default debounce window.
func NewMonitor(b *bus.Bus, logger *zap.Logger) *Monitor {
	return NewMonitorDebounce(b, logger, DefaultDebounce)
}

// NewMonitorDebounce creates a monitor with an explicit debounce window.
func NewMonitorDebounce(b *bus.Bus, logger *zap.Logger, debounce time.Duration) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{bus: b, logger: logger, debounce: debounce}
}

// Current returns the latest snapshot, undebounced.
func (m *Monitor) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Update records a new snapshot from the platform adapter and schedules a
// debounced "connectivity.changed" event if anything actually changed.
func (m *Monitor) Update(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = s
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, m.publish)
}

func (m *Monitor) publish() {
	m.mu.Lock()
	snap := m.current
	changed := !m.hasEvent || snap != m.published
	m.published = snap
	m.hasEvent = true
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("connectivity changed",
		zap.Bool("reachable", snap.Reachable),
		zap.Bool("metered", snap.Metered),
		zap.Bool("power_saving", snap.PowerSaving))
	m.bus.Emit("connectivity.changed", snap)
}

// Stop cancels any scheduled publish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
