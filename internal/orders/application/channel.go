package application

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/orderdeck/orderdeck/internal/orders/domain"
	"github.com/orderdeck/orderdeck/pkg/clock"
)

// CapacityInvalidator lets capacity.changed events force a re-fetch on
// the next capacity tick regardless of membership.
type CapacityInvalidator interface {
	Invalidate()
	SetSnapshot(s domain.CapacitySnapshot)
}

// Channel consumes the multiplexed push stream, normalises events into
// store deltas and keeps the heartbeat fresh. Push events optimise
// latency; the debounced follow-up fetch guarantees completeness for
// fields a partial event omitted.
type Channel struct {
	log      *slog.Logger
	source   Source
	store    *Store
	gw       Gateway
	health   HealthSink
	capacity CapacityInvalidator
	clock    clock.Clock

	debounce       time.Duration
	reconnectBase  time.Duration
	reconnectLimit time.Duration

	mu           sync.Mutex
	refetchQueue map[string]struct{}
	refetchTimer *time.Timer
	subs         map[string]map[int]func(Message)
	nextSubID    int
	closed       bool
}

func NewChannel(log *slog.Logger, source Source, store *Store, gw Gateway, health HealthSink, capacity CapacityInvalidator, clk clock.Clock) *Channel {
	return &Channel{
		log:            log,
		source:         source,
		store:          store,
		gw:             gw,
		health:         health,
		capacity:       capacity,
		clock:          clk,
		debounce:       250 * time.Millisecond,
		reconnectBase:  time.Second,
		reconnectLimit: 30 * time.Second,
		refetchQueue:   make(map[string]struct{}),
		subs:           make(map[string]map[int]func(Message)),
	}
}

// Subscribe registers fn for one event kind. The returned func cancels
// the subscription.
func (c *Channel) Subscribe(kind string, fn func(Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	if c.subs[kind] == nil {
		c.subs[kind] = make(map[int]func(Message))
	}
	c.subs[kind][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[kind], id)
	}
}

// Run receives until ctx ends, reconnecting with increasing bounded
// delays on stream errors. Stream state is reported to the health
// monitor but never decides worker liveness; heartbeats do.
func (c *Channel) Run(ctx context.Context) error {
	defer c.teardown()
	delay := c.reconnectBase
	for {
		msg, err := c.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.health.ReportStream(false)
			c.log.Warn("push stream error, reconnecting", "delay", delay, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			if delay *= 2; delay > c.reconnectLimit {
				delay = c.reconnectLimit
			}
			continue
		}
		delay = c.reconnectBase
		c.health.ReportStream(true)
		c.handle(ctx, msg)
	}
}

// handle refreshes the heartbeat on every message, protocol-level
// heartbeats included, then dispatches on kind.
func (c *Channel) handle(ctx context.Context, msg Message) {
	at := msg.At
	if at.IsZero() {
		at = c.clock.Now()
	}
	c.health.Heartbeat(at)

	switch msg.Kind {
	case domain.EventHeartbeat:
		// Liveness only.
	case domain.EventOrderCreated:
		var ev domain.OrderCreatedEvent
		if c.decode(msg, &ev) {
			c.store.ApplyFull(ev.Order, at)
		}
	case domain.EventOrderStateChanged:
		var ev domain.OrderStateChangedEvent
		if c.decode(msg, &ev) {
			c.store.ApplyDelta(domain.Delta{
				OrderID: ev.OrderID,
				At:      eventTime(ev.At, at),
				Patch:   domain.Patch{LifecycleState: domain.StatePtr(ev.NewState)},
			})
			c.scheduleRefetch(ctx, ev.OrderID)
		}
	case domain.EventOrderPaid:
		var ev domain.OrderPaidEvent
		if c.decode(msg, &ev) {
			c.store.ApplyDelta(domain.Delta{
				OrderID: ev.OrderID,
				At:      eventTime(ev.At, at),
				Patch:   domain.Patch{PaymentStatus: domain.PaymentPtr(domain.PaymentPaid)},
			})
			c.scheduleRefetch(ctx, ev.OrderID)
		}
	case domain.EventOrderUpdated:
		var ev domain.OrderUpdatedEvent
		if c.decode(msg, &ev) {
			c.store.ApplyDelta(domain.Delta{
				OrderID: ev.OrderID,
				At:      eventTime(ev.At, at),
				Patch: domain.Patch{
					CustomerName: ev.CustomerName,
					ScheduledFor: ev.ScheduledFor,
					TotalCents:   ev.TotalCents,
				},
			})
			c.scheduleRefetch(ctx, ev.OrderID)
		}
	case domain.EventCapacityChanged:
		var ev domain.CapacityChangedEvent
		if c.decode(msg, &ev) {
			c.capacity.SetSnapshot(domain.CapacitySnapshot{InKitchen: ev.InKitchen, Max: ev.Max, FetchedAt: at})
			c.capacity.Invalidate()
		}
	case domain.EventOrdersOverdue:
		var ev domain.OrdersOverdueEvent
		if c.decode(msg, &ev) {
			c.health.SetOverdue(ev.Count)
		}
	default:
		c.log.Debug("unknown push event kind", "kind", msg.Kind)
	}

	c.fanOut(msg)
}

func (c *Channel) decode(msg Message, v any) bool {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		c.log.Error("push event payload malformed", "kind", msg.Kind, "err", err)
		return false
	}
	return true
}

func (c *Channel) fanOut(msg Message) {
	c.mu.Lock()
	fns := make([]func(Message), 0, len(c.subs[msg.Kind]))
	for _, fn := range c.subs[msg.Kind] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// scheduleRefetch queues a full-order fetch behind a single shared
// debounce timer; ids arriving inside the window coalesce into one
// flush.
func (c *Channel) scheduleRefetch(ctx context.Context, orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.refetchQueue[orderID] = struct{}{}
	if c.refetchTimer == nil {
		c.refetchTimer = time.AfterFunc(c.debounce, func() { c.flushRefetch(ctx) })
	}
}

func (c *Channel) flushRefetch(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.refetchQueue))
	for id := range c.refetchQueue {
		ids = append(ids, id)
	}
	c.refetchQueue = make(map[string]struct{})
	c.refetchTimer = nil
	c.mu.Unlock()

	for _, id := range ids {
		fetchedAt := c.clock.Now()
		o, err := c.gw.GetOrder(ctx, id)
		if err != nil {
			// Recovered locally; the next poll snapshot reconciles.
			c.log.Debug("debounced refetch failed", "order_id", id, "err", err)
			continue
		}
		c.store.ApplyFull(o, fetchedAt)
	}
}

func (c *Channel) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.refetchTimer != nil {
		c.refetchTimer.Stop()
		c.refetchTimer = nil
	}
}

func eventTime(evAt, fallback time.Time) time.Time {
	if evAt.IsZero() {
		return fallback
	}
	return evAt
}
