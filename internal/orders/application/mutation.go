package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/orderdeck/orderdeck/internal/orders/domain"
	"github.com/orderdeck/orderdeck/pkg/clock"
)

type MutationStatus string

const (
	MutationPending    MutationStatus = "PENDING"
	MutationConfirmed  MutationStatus = "CONFIRMED"
	MutationRolledBack MutationStatus = "ROLLED_BACK"
)

// MutationRecord tracks one operator action from optimistic apply to
// resolution. Owned exclusively by the Coordinator; destroyed on
// confirm or rollback.
type MutationRecord struct {
	ID       uuid.UUID
	OrderID  string
	Kind     domain.Action
	Patch    domain.Patch
	Status   MutationStatus
	IssuedAt time.Time
	// deadline bounds how long a silently-unresolved mutation (rate
	// limit, failed retry) may shield the order before the next poll
	// snapshot becomes authoritative.
	deadline time.Time
	retried  bool
}

// Dispatch is the synchronous result of an operator action: accepted
// means the transition guard approved it and the optimistic state is
// already visible.
type Dispatch struct {
	Accepted   bool
	MutationID uuid.UUID
}

// DispatchPayload carries action arguments, currently just the payment
// method for collect-payment.
type DispatchPayload struct {
	PaymentMethod string
}

// OperatorError surfaces a definite remote failure to the operator who
// initiated the action. Poll and event errors never travel this path.
type OperatorError struct {
	OrderID string
	Action  domain.Action
	Err     error
}

// Coordinator orchestrates operator actions: guard check, optimistic
// apply, sequenced remote writes, then confirm, rollback or a single
// deferred retry on rate limiting.
type Coordinator struct {
	log    *slog.Logger
	store  *Store
	gw     Gateway
	clock  clock.Clock
	tracer trace.Tracer

	// interWriteDelay separates the ticket write from the order write
	// on compound actions to avoid a read-after-write race remotely.
	interWriteDelay   time.Duration
	retryFallback     time.Duration
	reconcileDeadline time.Duration

	errCb func(OperatorError)

	mu      sync.Mutex
	records map[uuid.UUID]*MutationRecord
	timers  map[uuid.UUID]*time.Timer
	closed  bool
}

type CoordinatorConfig struct {
	InterWriteDelay   time.Duration
	RetryFallback     time.Duration
	ReconcileDeadline time.Duration
}

func NewCoordinator(log *slog.Logger, store *Store, gw Gateway, clk clock.Clock, cfg CoordinatorConfig, errCb func(OperatorError)) *Coordinator {
	if cfg.InterWriteDelay <= 0 {
		cfg.InterWriteDelay = 100 * time.Millisecond
	}
	if cfg.RetryFallback <= 0 {
		cfg.RetryFallback = 5 * time.Second
	}
	if cfg.ReconcileDeadline <= 0 {
		cfg.ReconcileDeadline = 2 * time.Minute
	}
	if errCb == nil {
		errCb = func(OperatorError) {}
	}
	return &Coordinator{
		log:               log,
		store:             store,
		gw:                gw,
		clock:             clk,
		tracer:            otel.Tracer("mutation-coordinator"),
		interWriteDelay:   cfg.InterWriteDelay,
		retryFallback:     cfg.RetryFallback,
		reconcileDeadline: cfg.ReconcileDeadline,
		errCb:             errCb,
		records:           make(map[uuid.UUID]*MutationRecord),
		timers:            make(map[uuid.UUID]*time.Timer),
	}
}

// Dispatch validates and applies an operator action. It returns as soon
// as the optimistic state is visible; the remote outcome arrives via
// the error callback or silently as a confirmation.
func (c *Coordinator) Dispatch(ctx context.Context, action domain.Action, orderID string, payload DispatchPayload) (Dispatch, error) {
	ctx, span := c.tracer.Start(ctx, "Dispatch",
		trace.WithAttributes(attribute.String("action", string(action)), attribute.String("order_id", orderID)))
	defer span.End()

	order, ok := c.store.Get(orderID)
	if !ok {
		return Dispatch{}, ErrOrderNotFound
	}
	if verr := domain.GuardAction(order, action); verr != nil {
		c.log.Info("action rejected by guard", "action", action, "order_id", orderID, "reason", verr.Reason)
		return Dispatch{Accepted: false}, verr
	}

	now := c.clock.Now()
	rec := &MutationRecord{
		ID:       uuid.New(),
		OrderID:  orderID,
		Kind:     action,
		Patch:    domain.ActionPatch(action),
		Status:   MutationPending,
		IssuedAt: now,
		deadline: now.Add(c.reconcileDeadline),
	}
	if err := c.store.ApplyOptimistic(rec.ID, orderID, rec.Patch, now); err != nil {
		return Dispatch{Accepted: false}, err
	}

	c.mu.Lock()
	c.records[rec.ID] = rec
	c.mu.Unlock()

	// Detach from the dispatch caller's context: the UI handler
	// returning must not abort an in-flight remote write.
	go c.execute(context.WithoutCancel(ctx), rec, payload, false)

	return Dispatch{Accepted: true, MutationID: rec.ID}, nil
}

// execute performs the remote write sequence and resolves the record.
func (c *Coordinator) execute(ctx context.Context, rec *MutationRecord, payload DispatchPayload, isRetry bool) {
	err := c.performWrites(ctx, rec, payload)

	switch {
	case err == nil:
		c.confirm(rec)
	case domain.IsRateLimited(err):
		if isRetry {
			// The single deferred retry was itself rate-limited. Keep the
			// optimistic state; the reconciliation sweep resolves it from
			// the next poll once the deadline passes.
			c.store.MarkReturned(rec.ID)
			c.log.Warn("mutation retry rate-limited, awaiting reconciliation", "mutation_id", rec.ID, "order_id", rec.OrderID)
			return
		}
		c.store.MarkReturned(rec.ID)
		delay := domain.RetryAfterIn(err, c.retryFallback)
		c.log.Info("mutation rate-limited, retry scheduled", "mutation_id", rec.ID, "order_id", rec.OrderID, "delay", delay)
		c.scheduleRetry(ctx, rec, payload, delay)
	case domain.IsNotFound(err):
		// Another terminal likely closed the order; reconcile instead of
		// failing the operator.
		c.log.Info("order gone remotely, reconciling", "mutation_id", rec.ID, "order_id", rec.OrderID)
		c.store.ForceResolve(rec.ID)
		c.destroy(rec, MutationConfirmed)
		if fresh, ferr := c.gw.GetOrder(ctx, rec.OrderID); ferr == nil {
			c.store.ApplyFull(fresh, c.clock.Now())
		} else {
			// Vanished for real; the next snapshot degrades it.
			c.log.Debug("reconciliation fetch failed", "order_id", rec.OrderID, "err", ferr)
		}
	case domain.IsTransient(err) && !isRetry:
		c.store.MarkReturned(rec.ID)
		c.log.Warn("mutation write failed transiently, retry scheduled", "mutation_id", rec.ID, "order_id", rec.OrderID, "err", err)
		c.scheduleRetry(ctx, rec, payload, c.retryFallback)
	default:
		c.rollback(rec, err)
	}
}

// performWrites issues the remote writes for the action. Mark-ready is
// compound: the kitchen-ticket write goes first, and the order write
// follows only when the ticket write succeeded or was itself
// rate-limited, after a short settle delay.
func (c *Coordinator) performWrites(ctx context.Context, rec *MutationRecord, payload DispatchPayload) error {
	switch rec.Kind {
	case domain.ActionMarkReady:
		ticketErr := c.gw.SetKitchenTicketState(ctx, rec.OrderID, domain.StateReady)
		if ticketErr != nil && !domain.IsRateLimited(ticketErr) {
			return ticketErr
		}
		time.Sleep(c.interWriteDelay)
		if err := c.gw.SetOrderState(ctx, rec.OrderID, domain.StateReady); err != nil {
			return err
		}
		return ticketErr
	case domain.ActionMarkDelivered:
		return c.gw.SetOrderState(ctx, rec.OrderID, domain.StateDelivered)
	case domain.ActionCancel:
		return c.gw.SetOrderState(ctx, rec.OrderID, domain.StateCancelled)
	case domain.ActionCollectPayment:
		_, err := c.gw.CollectPayment(ctx, rec.OrderID, payload.PaymentMethod)
		return err
	}
	return nil
}

func (c *Coordinator) scheduleRetry(ctx context.Context, rec *MutationRecord, payload DispatchPayload, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || rec.Status != MutationPending {
		return
	}
	rec.retried = true
	c.timers[rec.ID] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, rec.ID)
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.store.MarkInFlight(rec.ID)
		c.execute(ctx, rec, payload, true)
	})
}

func (c *Coordinator) confirm(rec *MutationRecord) {
	c.mu.Lock()
	if rec.Status != MutationPending {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.store.ConfirmOptimistic(rec.ID)
	c.destroy(rec, MutationConfirmed)
	c.log.Info("mutation confirmed", "mutation_id", rec.ID, "order_id", rec.OrderID, "action", rec.Kind)
}

func (c *Coordinator) rollback(rec *MutationRecord, cause error) {
	c.mu.Lock()
	if rec.Status != MutationPending {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.store.RevertOptimistic(rec.ID)
	c.destroy(rec, MutationRolledBack)
	c.log.Error("mutation rolled back", "mutation_id", rec.ID, "order_id", rec.OrderID, "action", rec.Kind, "err", cause)
	c.errCb(OperatorError{OrderID: rec.OrderID, Action: rec.Kind, Err: cause})
}

func (c *Coordinator) destroy(rec *MutationRecord, final MutationStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec.Status = final
	delete(c.records, rec.ID)
	if t, ok := c.timers[rec.ID]; ok {
		t.Stop()
		delete(c.timers, rec.ID)
	}
}

// Run sweeps for mutations that outlived their reconciliation deadline
// and tears the retry timers down on context end.
func (c *Coordinator) Run(ctx context.Context) error {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return nil
		case <-t.C:
			c.Sweep(c.clock.Now())
		}
	}
}

// Sweep force-resolves records past their deadline so the next poll
// snapshot wins their fields.
func (c *Coordinator) Sweep(now time.Time) {
	c.mu.Lock()
	var expired []*MutationRecord
	for _, rec := range c.records {
		if now.After(rec.deadline) {
			expired = append(expired, rec)
		}
	}
	c.mu.Unlock()
	for _, rec := range expired {
		c.log.Warn("mutation past reconciliation deadline, force-resolved", "mutation_id", rec.ID, "order_id", rec.OrderID, "action", rec.Kind)
		c.store.ForceResolve(rec.ID)
		c.destroy(rec, MutationRolledBack)
	}
}

// PendingCount reports unresolved mutations, mainly for tests and the
// debug surface.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Close stops every retry timer. Idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}
