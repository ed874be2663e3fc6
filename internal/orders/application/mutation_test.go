package application

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderdeck/orderdeck/internal/orders/domain"
	"github.com/orderdeck/orderdeck/pkg/clock"
)

// fakeGateway scripts remote outcomes per endpoint: each call pops the
// next error from its queue, nil meaning success.
type fakeGateway struct {
	mu          sync.Mutex
	ticketErrs  []error
	orderErrs   []error
	paymentErrs []error

	ticketCalls  int
	orderCalls   int
	paymentCalls int
	getCalls     int

	getOrderResult domain.Order
	getOrderErr    error

	lastOrderState  domain.LifecycleState
	lastTicketState domain.LifecycleState
	orderWriteAt    time.Time
	ticketWriteAt   time.Time
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	e := (*errs)[0]
	*errs = (*errs)[1:]
	return e
}

func (f *fakeGateway) ListOrders(ctx context.Context) ([]domain.Order, error) { return nil, nil }

func (f *fakeGateway) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return f.getOrderResult, f.getOrderErr
}

func (f *fakeGateway) SetOrderState(ctx context.Context, id string, state domain.LifecycleState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls++
	f.lastOrderState = state
	f.orderWriteAt = time.Now()
	return pop(&f.orderErrs)
}

func (f *fakeGateway) SetKitchenTicketState(ctx context.Context, id string, state domain.LifecycleState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticketCalls++
	f.lastTicketState = state
	f.ticketWriteAt = time.Now()
	return pop(&f.ticketErrs)
}

func (f *fakeGateway) CollectPayment(ctx context.Context, orderID, method string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paymentCalls++
	return "sale-1", pop(&f.paymentErrs)
}

func (f *fakeGateway) CapacitySnapshot(ctx context.Context) (domain.CapacitySnapshot, error) {
	return domain.CapacitySnapshot{}, nil
}

func (f *fakeGateway) WorkerHealth(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeGateway) OverdueMetrics(ctx context.Context) (domain.OverdueMetrics, error) {
	return domain.OverdueMetrics{}, nil
}

func (f *fakeGateway) counts() (ticket, order, payment int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticketCalls, f.orderCalls, f.paymentCalls
}

func rateLimited(after time.Duration) error {
	return &domain.RemoteError{Status: http.StatusTooManyRequests, RateLimited: true, RetryAfter: after}
}

type coordFixture struct {
	store *Store
	gw    *fakeGateway
	coord *Coordinator
	clk   *clock.Fake

	mu   sync.Mutex
	errs []OperatorError
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	fx := &coordFixture{gw: &fakeGateway{}, clk: clock.NewFake(testStart)}
	fx.store = NewStore(testLogger(), fx.clk, 10*time.Second)
	fx.coord = NewCoordinator(testLogger(), fx.store, fx.gw, fx.clk, CoordinatorConfig{
		InterWriteDelay:   5 * time.Millisecond,
		RetryFallback:     20 * time.Millisecond,
		ReconcileDeadline: 2 * time.Minute,
	}, func(e OperatorError) {
		fx.mu.Lock()
		fx.errs = append(fx.errs, e)
		fx.mu.Unlock()
	})
	t.Cleanup(fx.coord.Close)
	return fx
}

func (fx *coordFixture) operatorErrors() []OperatorError {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]OperatorError(nil), fx.errs...)
}

func TestDispatchRejectsIllegalTransitionSynchronously(t *testing.T) {
	fx := newCoordFixture(t)
	fx.store.ReplaceAll([]domain.Order{makeOrder("o-1", domain.StateReceived, domain.PaymentDue)}, testStart)

	// Dragging RECEIVED straight into the kitchen is system-only.
	res, err := fx.coord.Dispatch(context.Background(), domain.ActionAdvanceToKitchen, "o-1", DispatchPayload{})
	assert.False(t, res.Accepted)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	o, _ := fx.store.Get("o-1")
	assert.Equal(t, domain.StateReceived, o.LifecycleState)
	ticket, order, _ := fx.gw.counts()
	assert.Zero(t, ticket+order, "guard rejections never reach the network")
}

func TestDispatchAppliesOptimisticStateImmediately(t *testing.T) {
	fx := newCoordFixture(t)
	fx.store.ReplaceAll([]domain.Order{makeOrder("o-1", domain.StateReady, domain.PaymentPaid)}, testStart)

	res, err := fx.coord.Dispatch(context.Background(), domain.ActionMarkDelivered, "o-1", DispatchPayload{})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	// Visible before the remote write resolves.
	o, _ := fx.store.Get("o-1")
	assert.Equal(t, domain.StateDelivered, o.LifecycleState)

	require.Eventually(t, func() bool { return fx.coord.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, fx.store.HasPending("o-1"))
	assert.Empty(t, fx.operatorErrors())
}

func TestServerErrorRollsBackAndSurfaces(t *testing.T) {
	fx := newCoordFixture(t)
	fx.store.ReplaceAll([]domain.Order{makeOrder("o-1", domain.StateInKitchen, domain.PaymentDue)}, testStart)
	fx.gw.orderErrs = []error{&domain.RemoteError{Status: 500, Message: "boom"}}

	res, err := fx.coord.Dispatch(context.Background(), domain.ActionCancel, "o-1", DispatchPayload{})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	require.Eventually(t, func() bool { return len(fx.operatorErrors()) == 1 }, time.Second, 5*time.Millisecond)
	o, _ := fx.store.Get("o-1")
	assert.Equal(t, domain.StateInKitchen, o.LifecycleState, "rolled back to pre-mutation state")
	assert.False(t, fx.store.HasPending("o-1"))
	assert.Equal(t, domain.ActionCancel, fx.operatorErrors()[0].Action)
}

func TestRateLimitedKeepsOptimisticStateAndRetriesOnce(t *testing.T) {
	fx := newCoordFixture(t)
	fx.store.ReplaceAll([]domain.Order{makeOrder("o-1", domain.StateInKitchen, domain.PaymentDue)}, testStart)
	// Ticket write 429s first, then succeeds on the deferred retry.
	fx.gw.ticketErrs = []error{rateLimited(20 * time.Millisecond), nil}

	var seen []domain.LifecycleState
	var seenMu sync.Mutex
	cancel := fx.store.Subscribe("o-1", func(st OrderState) {
		seenMu.Lock()
		seen = append(seen, st.Order.LifecycleState)
		seenMu.Unlock()
	})
	defer cancel()

	res, err := fx.coord.Dispatch(context.Background(), domain.ActionMarkReady, "o-1", DispatchPayload{})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	// Optimistic READY with no user-facing error.
	o, _ := fx.store.Get("o-1")
	assert.Equal(t, domain.StateReady, o.LifecycleState)

	require.Eventually(t, func() bool { return fx.coord.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	ticket, order, _ := fx.gw.counts()
	assert.Equal(t, 2, ticket, "one original attempt plus one deferred retry")
	assert.GreaterOrEqual(t, order, 1)
	assert.Empty(t, fx.operatorErrors(), "rate limiting is not an operator error")

	// The order write trails the ticket write by the settle delay.
	fx.gw.mu.Lock()
	gap := fx.gw.orderWriteAt.Sub(fx.gw.ticketWriteAt)
	fx.gw.mu.Unlock()
	assert.GreaterOrEqual(t, gap, 5*time.Millisecond)

	// No intermediate rollback was ever visible.
	seenMu.Lock()
	defer seenMu.Unlock()
	for _, st := range seen {
		assert.Equal(t, domain.StateReady, st)
	}
	o, _ = fx.store.Get("o-1")
	assert.Equal(t, domain.StateReady, o.LifecycleState)
}

func TestRateLimitedRetryExhaustionAwaitsReconciliation(t *testing.T) {
	fx := newCoordFixture(t)
	fx.store.ReplaceAll([]domain.Order{makeOrder("o-1", domain.StateInKitchen, domain.PaymentDue)}, testStart)
	fx.gw.orderErrs = []error{rateLimited(10 * time.Millisecond), rateLimited(10 * time.Millisecond)}

	_, err := fx.coord.Dispatch(context.Background(), domain.ActionCancel, "o-1", DispatchPayload{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, order, _ := fx.gw.counts()
		return order == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Still optimistically cancelled, still pending, still quiet.
	o, _ := fx.store.Get("o-1")
	assert.Equal(t, domain.StateCancelled, o.LifecycleState)
	assert.Equal(t, 1, fx.coord.PendingCount())
	assert.Empty(t, fx.operatorErrors())

	// Past the reconciliation deadline the sweep force-resolves and the
	// next snapshot becomes authoritative.
	fx.clk.Advance(3 * time.Minute)
	fx.coord.Sweep(fx.clk.Now())
	assert.Zero(t, fx.coord.PendingCount())

	fx.store.ReplaceAll([]domain.Order{makeOrder("o-1", domain.StateInKitchen, domain.PaymentDue)}, fx.clk.Now())
	o, _ = fx.store.Get("o-1")
	assert.Equal(t, domain.StateInKitchen, o.LifecycleState)
}

func TestSecondActionOnPendingOrderRejected(t *testing.T) {
	fx := newCoordFixture(t)
	fx.store.ReplaceAll([]domain.Order{makeOrder("o-1", domain.StateInKitchen, domain.PaymentDue)}, testStart)
	fx.gw.ticketErrs = []error{rateLimited(time.Minute)}
	fx.gw.orderErrs = []error{rateLimited(time.Minute)}

	_, err := fx.coord.Dispatch(context.Background(), domain.ActionMarkReady, "o-1", DispatchPayload{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ticket, _, _ := fx.gw.counts()
		return ticket == 1
	}, time.Second, 5*time.Millisecond)

	res, err := fx.coord.Dispatch(context.Background(), domain.ActionCollectPayment, "o-1", DispatchPayload{PaymentMethod: "card"})
	assert.False(t, res.Accepted)
	assert.ErrorIs(t, err, ErrMutationPending)
}

func TestNotFoundTriggersReconciliationNotFailure(t *testing.T) {
	fx := newCoordFixture(t)
	fx.store.ReplaceAll([]domain.Order{makeOrder("o-1", domain.StateInKitchen, domain.PaymentDue)}, testStart)
	fx.gw.orderErrs = []error{&domain.RemoteError{Status: http.StatusNotFound, Message: "gone"}}
	// Another terminal already cancelled it.
	fresh := makeOrder("o-1", domain.StateCancelled, domain.PaymentDue)
	fx.gw.getOrderResult = fresh

	_, err := fx.coord.Dispatch(context.Background(), domain.ActionCancel, "o-1", DispatchPayload{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fx.coord.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		o, _ := fx.store.Get("o-1")
		return o.LifecycleState == domain.StateCancelled
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, fx.operatorErrors())
}

func TestCollectPaymentFlipsPaymentOnly(t *testing.T) {
	fx := newCoordFixture(t)
	fx.store.ReplaceAll([]domain.Order{makeOrder("o-1", domain.StateInKitchen, domain.PaymentDue)}, testStart)

	res, err := fx.coord.Dispatch(context.Background(), domain.ActionCollectPayment, "o-1", DispatchPayload{PaymentMethod: "cash"})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	o, _ := fx.store.Get("o-1")
	assert.Equal(t, domain.PaymentPaid, o.PaymentStatus)
	assert.Equal(t, domain.StateInKitchen, o.LifecycleState)

	require.Eventually(t, func() bool { return fx.coord.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
	_, _, payments := fx.gw.counts()
	assert.Equal(t, 1, payments)
}

func TestTransientWriteErrorRetriesThenRollsBack(t *testing.T) {
	fx := newCoordFixture(t)
	fx.store.ReplaceAll([]domain.Order{makeOrder("o-1", domain.StateInKitchen, domain.PaymentDue)}, testStart)
	fx.gw.orderErrs = []error{errors.New("connection reset"), errors.New("connection reset")}

	_, err := fx.coord.Dispatch(context.Background(), domain.ActionCancel, "o-1", DispatchPayload{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(fx.operatorErrors()) == 1 }, 2*time.Second, 5*time.Millisecond)
	o, _ := fx.store.Get("o-1")
	assert.Equal(t, domain.StateInKitchen, o.LifecycleState)
}

func TestDispatchUnknownOrder(t *testing.T) {
	fx := newCoordFixture(t)
	_, err := fx.coord.Dispatch(context.Background(), domain.ActionCancel, "nope", DispatchPayload{})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
