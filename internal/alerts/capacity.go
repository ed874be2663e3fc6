package alerts

import (
	"context"
	"log/slog"
	"sync"

	"github.com/orderdeck/orderdeck/internal/orders/domain"
	"github.com/orderdeck/orderdeck/pkg/clock"
)

// Tier is the visual pressure band for the in-kitchen column.
type Tier string

const (
	TierNormal  Tier = "normal"
	TierWarning Tier = "warning"
	TierFull    Tier = "full"
)

// TierFor maps utilisation onto a band: normal below 75%, warning from
// 75% up to (but excluding) full, full at or above capacity.
func TierFor(s domain.CapacitySnapshot) Tier {
	if s.IsFull() {
		return TierFull
	}
	if s.PercentUsed() >= 0.75 {
		return TierWarning
	}
	return TierNormal
}

// CapacityFetcher is the single remote call the monitor needs.
type CapacityFetcher interface {
	CapacitySnapshot(ctx context.Context) (domain.CapacitySnapshot, error)
}

// Monitor caches the kitchen capacity snapshot and re-fetches only when
// the set of in-kitchen order ids actually changes, not on every tick.
type Monitor struct {
	log   *slog.Logger
	gw    CapacityFetcher
	clock clock.Clock

	mu          sync.Mutex
	snapshot    domain.CapacitySnapshot
	lastMembers map[string]struct{}
	invalidated bool
	fetchedOnce bool
}

func NewMonitor(log *slog.Logger, gw CapacityFetcher, clk clock.Clock) *Monitor {
	return &Monitor{log: log, gw: gw, clock: clk}
}

// Tick is driven on the capacity poll cadence. It fetches when the
// membership differs from the last observed set, on the first call, or
// after Invalidate; otherwise it is a no-op.
func (m *Monitor) Tick(ctx context.Context, inKitchenIDs []string) error {
	members := make(map[string]struct{}, len(inKitchenIDs))
	for _, id := range inKitchenIDs {
		members[id] = struct{}{}
	}

	m.mu.Lock()
	need := m.invalidated || !m.fetchedOnce || !sameMembers(m.lastMembers, members)
	m.lastMembers = members
	m.mu.Unlock()
	if !need {
		return nil
	}

	snap, err := m.gw.CapacitySnapshot(ctx)
	if err != nil {
		return err
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = m.clock.Now()
	}

	m.mu.Lock()
	m.snapshot = snap
	m.invalidated = false
	m.fetchedOnce = true
	m.mu.Unlock()
	m.log.Debug("capacity refreshed", "in_kitchen", snap.InKitchen, "max", snap.Max)
	return nil
}

// Invalidate forces a fetch on the next tick, used when a
// capacity.changed push event arrives.
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = true
}

// SetSnapshot installs a push-delivered snapshot immediately.
func (m *Monitor) SetSnapshot(s domain.CapacitySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = s
	m.fetchedOnce = true
}

// Snapshot returns the last-known capacity reading.
func (m *Monitor) Snapshot() domain.CapacitySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Tier returns the current pressure band.
func (m *Monitor) Tier() Tier {
	return TierFor(m.Snapshot())
}

func sameMembers(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
