package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderdeck/orderdeck/internal/orders/domain"
	"github.com/orderdeck/orderdeck/pkg/clock"
)

func TestNextDelay(t *testing.T) {
	base := 3 * time.Second
	tests := []struct {
		name       string
		errs       int
		maxBackoff float64
		want       time.Duration
	}{
		{"no errors", 0, 8, base},
		{"first error", 1, 8, base},
		{"second error doubles", 2, 8, 6 * time.Second},
		{"third error doubles again", 3, 8, 12 * time.Second},
		{"capped at max", 10, 8, 24 * time.Second},
		{"kitchen cap is two times base", 10, 2, 6 * time.Second},
		{"kitchen cap on second error", 2, 2, 6 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextDelay(base, tt.errs, tt.maxBackoff))
		})
	}
}

// listGateway counts list calls and serves scripted outcomes.
type listGateway struct {
	fakeGateway
	mu      sync.Mutex
	listErr []error
	orders  []domain.Order
	calls   int
}

func (g *listGateway) ListOrders(ctx context.Context) ([]domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.orders, pop(&g.listErr)
}

func (g *listGateway) listCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type nopHealthSink struct{}

func (nopHealthSink) ReportHealthPoll(bool, error) {}
func (nopHealthSink) Heartbeat(time.Time)          {}
func (nopHealthSink) ReportStream(bool)            {}
func (nopHealthSink) SetOverdue(int)               {}

type countingRefresher struct {
	mu    sync.Mutex
	ticks int
	last  []string
}

func (r *countingRefresher) Tick(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
	r.last = ids
	return nil
}

func (r *countingRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticks
}

func fastProfile(pauseOnRateLimit bool) Profile {
	return Profile{
		Name:             "kitchen-display",
		ListInterval:     10 * time.Millisecond,
		CapacityInterval: 10 * time.Millisecond,
		HealthInterval:   time.Hour,
		MaxBackoff:       2,
		PauseOnRateLimit: pauseOnRateLimit,
	}
}

func TestSchedulerPopulatesStoreFromListPoll(t *testing.T) {
	gw := &listGateway{orders: []domain.Order{makeOrder("o-1", domain.StateReceived, domain.PaymentDue)}}
	store := NewStore(testLogger(), clock.NewFake(testStart), 10*time.Second)
	ref := &countingRefresher{}
	s := NewScheduler(testLogger(), gw, store, nopHealthSink{}, ref, clock.NewFake(testStart), fastProfile(false), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		_, ok := store.Get("o-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSchedulerBannerAfterThreeConsecutiveFailures(t *testing.T) {
	gw := &listGateway{listErr: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	store := NewStore(testLogger(), clock.NewFake(testStart), 10*time.Second)

	var mu sync.Mutex
	var flips []bool
	s := NewScheduler(testLogger(), gw, store, nopHealthSink{}, &countingRefresher{}, clock.NewFake(testStart), fastProfile(false), func(v bool) {
		mu.Lock()
		flips = append(flips, v)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	// Three failures raise the banner once; the next success clears it.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flips) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, flips[:2])
}

func TestSchedulerCapacityLoopGatedByView(t *testing.T) {
	gw := &listGateway{}
	store := NewStore(testLogger(), clock.NewFake(testStart), 10*time.Second)
	ref := &countingRefresher{}
	profile := fastProfile(false)
	profile.ListInterval = time.Hour
	s := NewScheduler(testLogger(), gw, store, nopHealthSink{}, ref, clock.NewFake(testStart), profile, nil)
	s.SetCapacityViewActive(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, ref.count(), "hidden column polls nothing")

	s.SetCapacityViewActive(true)
	require.Eventually(t, func() bool { return ref.count() > 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestKitchenProfileKeepsPollingUnderRateLimit(t *testing.T) {
	// Steady 429s must not stop an unattended display's loop.
	gw := &listGateway{listErr: []error{
		rateLimited(time.Hour), rateLimited(time.Hour), rateLimited(time.Hour),
	}}
	store := NewStore(testLogger(), clock.NewFake(testStart), 10*time.Second)
	s := NewScheduler(testLogger(), gw, store, nopHealthSink{}, &countingRefresher{}, clock.NewFake(testStart), fastProfile(false), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	// With backoff bounded to 2x base (20ms) the loop keeps cycling;
	// pausing for the server's one-hour window would freeze it.
	require.Eventually(t, func() bool { return gw.listCalls() >= 4 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestHealthLoopFeedsSink(t *testing.T) {
	var mu sync.Mutex
	var polls int
	fs := funcSink{
		poll: func(active bool, err error) {
			mu.Lock()
			polls++
			mu.Unlock()
		},
	}

	gw := &listGateway{}
	store := NewStore(testLogger(), clock.NewFake(testStart), 10*time.Second)
	profile := fastProfile(false)
	profile.HealthInterval = 10 * time.Millisecond
	profile.ListInterval = time.Hour
	profile.CapacityInterval = time.Hour
	s := NewScheduler(testLogger(), gw, store, fs, &countingRefresher{}, clock.NewFake(testStart), profile, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return polls >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

type funcSink struct {
	poll    func(bool, error)
	overdue func(int)
}

func (f funcSink) ReportHealthPoll(active bool, err error) {
	if f.poll != nil {
		f.poll(active, err)
	}
}
func (f funcSink) Heartbeat(time.Time) {}
func (f funcSink) ReportStream(bool)   {}
func (f funcSink) SetOverdue(n int) {
	if f.overdue != nil {
		f.overdue(n)
	}
}
