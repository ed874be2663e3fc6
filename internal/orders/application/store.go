package application

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orderdeck/orderdeck/internal/orders/domain"
	"github.com/orderdeck/orderdeck/pkg/clock"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrMutationPending = errors.New("order has an unresolved mutation")
)

// OrderState is the readable unit the store exposes: the order plus the
// transient annotations the presentation layer renders.
type OrderState struct {
	Order           domain.Order
	RecentlyUpdated bool
	MutationPending bool
}

// pendingMutation shields optimistically-patched fields from remote
// merges until the mutation resolves.
type pendingMutation struct {
	id       uuid.UUID
	patch    domain.Patch
	prior    domain.Patch
	issuedAt time.Time
	// inFlight is true while the remote write has not yet returned.
	// A push delta newer than issuedAt may override patched fields only
	// during that window.
	inFlight bool
}

type entry struct {
	order   domain.Order
	pending *pendingMutation
	// touchedAt drives the recently-updated highlight; the periodic
	// alert tick clears it once the TTL passes.
	touchedAt time.Time
	// fieldTouched records when a push delta (or a confirmed mutation)
	// last set each field, so a poll snapshot fetched earlier cannot
	// roll it back.
	fieldTouched map[domain.Field]time.Time
}

type subscription struct {
	orderID string // empty matches every order
	fn      func(OrderState)
}

// Store is the authoritative in-memory order table. It is the single
// point of mutation for order data: poll snapshots, push deltas and
// optimistic patches all merge here, atomically per order id.
type Store struct {
	log          *slog.Logger
	clock        clock.Clock
	highlightTTL time.Duration

	mu        sync.Mutex
	entries   map[string]*entry
	subs      map[int]subscription
	nextSubID int
}

func NewStore(log *slog.Logger, clk clock.Clock, highlightTTL time.Duration) *Store {
	return &Store{
		log:          log,
		clock:        clk,
		highlightTTL: highlightTTL,
		entries:      make(map[string]*entry),
		subs:         make(map[int]subscription),
	}
}

// Subscribe registers fn for changes to one order id, or to every order
// when orderID is empty. The returned func cancels the subscription.
func (s *Store) Subscribe(orderID string, fn func(OrderState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = subscription{orderID: orderID, fn: fn}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Get returns a copy of one order.
func (s *Store) Get(id string) (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.Order{}, false
	}
	return e.order, true
}

// State returns one order with its annotations.
func (s *Store) State(id string) (OrderState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return OrderState{}, false
	}
	return s.stateLocked(e), true
}

// All returns every order sorted by creation time.
func (s *Store) All() []OrderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OrderState, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.stateLocked(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order.CreatedAt.Equal(out[j].Order.CreatedAt) {
			return out[i].Order.ID < out[j].Order.ID
		}
		return out[i].Order.CreatedAt.Before(out[j].Order.CreatedAt)
	})
	return out
}

// InKitchenIDs returns the ids currently in the kitchen column, used by
// the capacity monitor's membership diff.
func (s *Store) InKitchenIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.entries {
		if e.order.LifecycleState == domain.StateInKitchen {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) HasPending(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[orderID]
	return ok && e.pending != nil
}

func (s *Store) stateLocked(e *entry) OrderState {
	return OrderState{
		Order:           e.order,
		RecentlyUpdated: !e.touchedAt.IsZero(),
		MutationPending: e.pending != nil,
	}
}

// ReplaceAll installs a full poll snapshot fetched at fetchedAt. Fields
// held by a pending mutation, or set by a push delta newer than the
// fetch, keep their local values; everything else is refreshed. Orders
// the snapshot no longer contains degrade to CANCELLED rather than
// silently disappearing.
func (s *Store) ReplaceAll(orders []domain.Order, fetchedAt time.Time) {
	s.mu.Lock()
	seen := make(map[string]struct{}, len(orders))
	var changed []OrderState
	for _, remote := range orders {
		seen[remote.ID] = struct{}{}
		if st, ok := s.mergeRemoteLocked(remote, fetchedAt); ok {
			changed = append(changed, st)
		}
	}
	for id, e := range s.entries {
		if _, ok := seen[id]; ok {
			continue
		}
		if e.pending != nil || e.order.LifecycleState.Terminal() {
			continue
		}
		e.order.LifecycleState = domain.StateCancelled
		e.touchedAt = s.clock.Now()
		changed = append(changed, s.stateLocked(e))
		s.log.Info("order vanished from snapshot, marked cancelled", "order_id", id)
	}
	s.mu.Unlock()
	s.notify(changed)
}

// ApplyFull merges a single fully-fetched order, e.g. the debounced
// re-fetch that follows a push event.
func (s *Store) ApplyFull(remote domain.Order, fetchedAt time.Time) {
	s.mu.Lock()
	st, ok := s.mergeRemoteLocked(remote, fetchedAt)
	s.mu.Unlock()
	if ok {
		s.notify([]OrderState{st})
	}
}

func (s *Store) mergeRemoteLocked(remote domain.Order, fetchedAt time.Time) (OrderState, bool) {
	e, ok := s.entries[remote.ID]
	if !ok {
		e = &entry{order: remote, touchedAt: s.clock.Now(), fieldTouched: make(map[domain.Field]time.Time)}
		s.entries[remote.ID] = e
		return s.stateLocked(e), true
	}

	merged := remote
	// Re-assert shielded local values on top of the remote row: fields
	// held by the pending mutation plus fields a push delta set after
	// this snapshot was fetched.
	shielded := make(map[domain.Field]struct{})
	if e.pending != nil {
		for _, f := range e.pending.patch.Fields() {
			shielded[f] = struct{}{}
		}
	}
	for f, at := range e.fieldTouched {
		if at.After(fetchedAt) {
			shielded[f] = struct{}{}
		}
	}
	for f := range shielded {
		fieldValue(e.order, f).Apply(&merged)
	}

	if ordersEqual(e.order, merged) {
		return OrderState{}, false
	}
	e.order = merged
	e.touchedAt = s.clock.Now()
	return s.stateLocked(e), true
}

// ApplyDelta merges a push-event partial update. While a mutation is in
// flight, a patched field yields to the delta only when the delta is
// newer than the mutation's issue time; once the write has returned
// (e.g. rate-limited, awaiting retry) the pending patch shields fully
// until resolution.
func (s *Store) ApplyDelta(d domain.Delta) {
	s.mu.Lock()
	e, ok := s.entries[d.OrderID]
	if !ok {
		// Unknown id; the follow-up re-fetch will install the order.
		s.mu.Unlock()
		s.log.Debug("delta for unknown order dropped", "order_id", d.OrderID)
		return
	}

	patch := d.Patch
	if p := e.pending; p != nil {
		remoteWins := p.inFlight && d.At.After(p.issuedAt)
		if !remoteWins {
			for _, f := range p.patch.Fields() {
				patch = patch.Without(f)
			}
		}
	}

	changed := false
	for _, f := range patch.Fields() {
		e.fieldTouched[f] = d.At
	}
	if !patch.Empty() {
		before := e.order
		patch.Apply(&e.order)
		changed = !ordersEqual(before, e.order)
	}
	var st OrderState
	if changed {
		e.touchedAt = s.clock.Now()
		st = s.stateLocked(e)
	}
	s.mu.Unlock()
	if changed {
		s.notify([]OrderState{st})
	}
}

// ApplyOptimistic applies an operator patch ahead of remote
// confirmation. At most one mutation may be pending per order; a second
// request is rejected, not queued.
func (s *Store) ApplyOptimistic(mutID uuid.UUID, orderID string, patch domain.Patch, issuedAt time.Time) error {
	s.mu.Lock()
	e, ok := s.entries[orderID]
	if !ok {
		s.mu.Unlock()
		return ErrOrderNotFound
	}
	if e.pending != nil {
		s.mu.Unlock()
		return ErrMutationPending
	}
	e.pending = &pendingMutation{
		id:       mutID,
		patch:    patch,
		prior:    patch.Snapshot(e.order),
		issuedAt: issuedAt,
		inFlight: true,
	}
	patch.Apply(&e.order)
	e.touchedAt = s.clock.Now()
	st := s.stateLocked(e)
	s.mu.Unlock()
	s.notify([]OrderState{st})
	return nil
}

// MarkReturned records that the remote write came back without
// resolving the mutation (rate-limited, awaiting its deferred retry).
func (s *Store) MarkReturned(mutID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.findPendingLocked(mutID); e != nil {
		e.pending.inFlight = false
	}
}

// MarkInFlight flags the mutation's write as re-issued.
func (s *Store) MarkInFlight(mutID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.findPendingLocked(mutID); e != nil {
		e.pending.inFlight = true
	}
}

// ConfirmOptimistic finalises a mutation. Idempotent: confirming an
// already-resolved mutation is a no-op.
func (s *Store) ConfirmOptimistic(mutID uuid.UUID) {
	now := s.clock.Now()
	s.mu.Lock()
	e := s.findPendingLocked(mutID)
	if e == nil {
		s.mu.Unlock()
		return
	}
	// Shield the confirmed values against poll snapshots fetched before
	// the write landed.
	for _, f := range e.pending.patch.Fields() {
		e.fieldTouched[f] = now
	}
	e.pending = nil
	st := s.stateLocked(e)
	s.mu.Unlock()
	s.notify([]OrderState{st})
}

// RevertOptimistic restores the pre-mutation values of the patched
// fields. Idempotent.
func (s *Store) RevertOptimistic(mutID uuid.UUID) {
	s.mu.Lock()
	e := s.findPendingLocked(mutID)
	if e == nil {
		s.mu.Unlock()
		return
	}
	e.pending.prior.Apply(&e.order)
	e.pending = nil
	e.touchedAt = s.clock.Now()
	st := s.stateLocked(e)
	s.mu.Unlock()
	s.notify([]OrderState{st})
}

// ForceResolve abandons a mutation that outlived its reconciliation
// deadline: the pending shield is dropped and any per-field shields for
// its fields are cleared, so the next successful poll becomes
// authoritative for them.
func (s *Store) ForceResolve(mutID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findPendingLocked(mutID)
	if e == nil {
		return
	}
	for _, f := range e.pending.patch.Fields() {
		delete(e.fieldTouched, f)
	}
	e.pending = nil
}

// ClearStaleHighlights expires recently-updated markers older than the
// TTL. Driven by the alert evaluator's tick rather than per-event
// timers.
func (s *Store) ClearStaleHighlights(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if !e.touchedAt.IsZero() && now.Sub(e.touchedAt) > s.highlightTTL {
			e.touchedAt = time.Time{}
		}
	}
}

func (s *Store) findPendingLocked(mutID uuid.UUID) *entry {
	for _, e := range s.entries {
		if e.pending != nil && e.pending.id == mutID {
			return e
		}
	}
	return nil
}

func (s *Store) notify(states []OrderState) {
	if len(states) == 0 {
		return
	}
	s.mu.Lock()
	subs := make([]subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, st := range states {
		for _, sub := range subs {
			if sub.orderID == "" || sub.orderID == st.Order.ID {
				sub.fn(st)
			}
		}
	}
}

// fieldValue captures one field's current value as a single-field patch.
func fieldValue(o domain.Order, f domain.Field) domain.Patch {
	var p domain.Patch
	switch f {
	case domain.FieldLifecycleState:
		v := o.LifecycleState
		p.LifecycleState = &v
	case domain.FieldPaymentStatus:
		v := o.PaymentStatus
		p.PaymentStatus = &v
	case domain.FieldCustomerName:
		v := o.CustomerName
		p.CustomerName = &v
	case domain.FieldItems:
		v := o.Items
		p.Items = &v
	case domain.FieldTotal:
		v := o.TotalCents
		p.TotalCents = &v
	case domain.FieldScheduledFor:
		v := o.ScheduledFor
		p.ScheduledFor = &v
	}
	return p
}

func ordersEqual(a, b domain.Order) bool {
	if a.ID != b.ID ||
		a.CustomerName != b.CustomerName ||
		a.TotalCents != b.TotalCents ||
		a.PaymentStatus != b.PaymentStatus ||
		a.LifecycleState != b.LifecycleState ||
		a.DeliveryMode != b.DeliveryMode ||
		a.SourceChannel != b.SourceChannel ||
		!a.CreatedAt.Equal(b.CreatedAt) ||
		a.ScheduledFor != b.ScheduledFor ||
		len(a.Items) != len(b.Items) {
		return false
	}
	for i := range a.Items {
		ai, bi := a.Items[i], b.Items[i]
		if ai.ArticleID != bi.ArticleID || ai.Name != bi.Name ||
			ai.Quantity != bi.Quantity || ai.UnitPriceCents != bi.UnitPriceCents ||
			ai.Note != bi.Note || len(ai.AddOns) != len(bi.AddOns) {
			return false
		}
		for j := range ai.AddOns {
			if ai.AddOns[j] != bi.AddOns[j] {
				return false
			}
		}
	}
	return true
}
