package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/orderdeck/orderdeck/pkg/clock"
)

type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusWithDelays Status = "WITH_DELAYS"
	StatusInactive   Status = "INACTIVE"
)

// State is the fused connection-health view.
type State struct {
	WorkerActive    bool
	LastHeartbeatAt time.Time
	OverdueOrders   int
	StreamUp        bool
	Status          Status
}

// Monitor fuses the periodic health poll, passive push-stream
// heartbeats and the overdue-order count into a tri-state status.
//
// Resolution order: with no healthy poll result and no heartbeat inside
// the watchdog timeout the status is INACTIVE, overriding everything
// else; otherwise a positive overdue count yields WITH_DELAYS; otherwise
// ACTIVE. A 5s watchdog re-evaluates independently of the poll cadence,
// so a worker that stops heartbeating is demoted even while the health
// endpoint keeps returning stale results.
type Monitor struct {
	log   *slog.Logger
	clock clock.Clock

	watchdogTimeout  time.Duration
	watchdogInterval time.Duration

	mu              sync.Mutex
	lastLivenessAt  time.Time
	workerActive    bool
	lastHeartbeatAt time.Time
	overdue         int
	streamUp        bool
	lastStatus      Status
	subs            map[int]func(State)
	nextSubID       int
}

func NewMonitor(log *slog.Logger, clk clock.Clock) *Monitor {
	return &Monitor{
		log:              log,
		clock:            clk,
		watchdogTimeout:  15 * time.Second,
		watchdogInterval: 5 * time.Second,
		lastStatus:       StatusInactive,
		subs:             make(map[int]func(State)),
	}
}

// ReportHealthPoll records the outcome of one health-check poll. Only a
// successful poll reporting an active worker counts as a liveness
// signal; errors and inactive results leave the last signal untouched.
func (m *Monitor) ReportHealthPoll(active bool, err error) {
	m.mu.Lock()
	if err == nil {
		m.workerActive = active
		if active {
			m.lastLivenessAt = m.clock.Now()
		}
	}
	m.mu.Unlock()
	m.Evaluate()
}

// Heartbeat records passive liveness from any push-stream traffic.
func (m *Monitor) Heartbeat(at time.Time) {
	m.mu.Lock()
	if at.After(m.lastHeartbeatAt) {
		m.lastHeartbeatAt = at
	}
	m.mu.Unlock()
	m.Evaluate()
}

// SetOverdue updates the overdue-order count from the metrics poll or
// the orders.overdue push event.
func (m *Monitor) SetOverdue(count int) {
	m.mu.Lock()
	m.overdue = count
	m.mu.Unlock()
	m.Evaluate()
}

// ReportStream records push-connection state. Informational only: a
// down stream never demotes the status by itself, heartbeat staleness
// does.
func (m *Monitor) ReportStream(up bool) {
	m.mu.Lock()
	m.streamUp = up
	m.mu.Unlock()
}

// Snapshot returns the current fused state.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.clock.Now())
}

func (m *Monitor) snapshotLocked(now time.Time) State {
	return State{
		WorkerActive:    m.workerActive,
		LastHeartbeatAt: m.lastHeartbeatAt,
		OverdueOrders:   m.overdue,
		StreamUp:        m.streamUp,
		Status:          m.resolveLocked(now),
	}
}

func (m *Monitor) resolveLocked(now time.Time) Status {
	freshPoll := !m.lastLivenessAt.IsZero() && now.Sub(m.lastLivenessAt) <= m.watchdogTimeout
	freshBeat := !m.lastHeartbeatAt.IsZero() && now.Sub(m.lastHeartbeatAt) <= m.watchdogTimeout
	if !freshPoll && !freshBeat {
		return StatusInactive
	}
	if m.overdue > 0 {
		return StatusWithDelays
	}
	return StatusActive
}

// Evaluate recomputes the status and notifies subscribers on change.
func (m *Monitor) Evaluate() {
	m.mu.Lock()
	now := m.clock.Now()
	status := m.resolveLocked(now)
	changed := status != m.lastStatus
	m.lastStatus = status
	var st State
	var fns []func(State)
	if changed {
		st = m.snapshotLocked(now)
		fns = make([]func(State), 0, len(m.subs))
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()
	if changed {
		m.log.Info("connection status changed", "status", status)
		for _, fn := range fns {
			fn(st)
		}
	}
}

// Subscribe registers fn for status changes.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Run drives the watchdog until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.watchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Evaluate()
		}
	}
}
