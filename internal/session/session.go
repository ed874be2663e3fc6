package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/orderdeck/orderdeck/internal/alerts"
	"github.com/orderdeck/orderdeck/internal/config"
	"github.com/orderdeck/orderdeck/internal/health"
	"github.com/orderdeck/orderdeck/internal/orders/application"
	"github.com/orderdeck/orderdeck/internal/orders/domain"
	"github.com/orderdeck/orderdeck/pkg/clock"
)

// AnnotatedOrder is what the presentation layer reads: the store's view
// of an order plus the derived temporal flags.
type AnnotatedOrder struct {
	application.OrderState
	Flags alerts.OrderFlags
}

// Session owns one terminal's sync engine: every component is
// constructed here, started together by Run, and torn down with the
// context. Nothing is global.
type Session struct {
	ID    uuid.UUID
	log   *slog.Logger
	clock clock.Clock

	store    *application.Store
	coord    *application.Coordinator
	sched    *application.Scheduler
	channel  *application.Channel
	eval     *alerts.Evaluator
	capacity *alerts.Monitor
	health   *health.Monitor

	mu       sync.Mutex
	degraded bool
	lastErr  *application.OperatorError
}

// New wires a session from externally-constructed adapters. The caller
// owns gateway and source construction so tests can substitute fakes.
func New(log *slog.Logger, cfg config.Config, gw application.Gateway, src application.Source) *Session {
	clk := clock.System()
	s := &Session{
		ID:    uuid.New(),
		log:   log,
		clock: clk,
	}

	s.store = application.NewStore(log, clk, cfg.Alerts.HighlightTTL.Std())
	s.health = health.NewMonitor(log, clk)
	s.capacity = alerts.NewMonitor(log, gw, clk)
	s.eval = alerts.NewEvaluator(log, clk, alerts.EvaluatorConfig{
		OverdueAfter: cfg.Alerts.OverdueAfter.Std(),
		UpcomingMin:  cfg.Alerts.UpcomingMin.Std(),
		UpcomingMax:  cfg.Alerts.UpcomingMax.Std(),
		Tick:         cfg.Alerts.Tick.Std(),
	})
	s.coord = application.NewCoordinator(log, s.store, gw, clk, application.CoordinatorConfig{
		InterWriteDelay:   cfg.Mutations.InterWriteDelay.Std(),
		RetryFallback:     cfg.Mutations.RetryFallback.Std(),
		ReconcileDeadline: cfg.Mutations.ReconcileDeadline.Std(),
	}, s.noteOperatorError)

	profile := profileFor(cfg)
	s.sched = application.NewScheduler(log, gw, s.store, s.health, s.capacity, clk, profile, s.setDegraded)
	s.channel = application.NewChannel(log, src, s.store, gw, s.health, s.capacity, clk)

	return s
}

func profileFor(cfg config.Config) application.Profile {
	var p application.Profile
	if cfg.Profile == "manager" {
		p = application.ManagerProfile()
	} else {
		p = application.KitchenDisplayProfile()
	}
	if cfg.Poll.List != 0 {
		p.ListInterval = cfg.Poll.List.Std()
	}
	if cfg.Poll.Capacity != 0 {
		p.CapacityInterval = cfg.Poll.Capacity.Std()
	}
	if cfg.Poll.Health != 0 {
		p.HealthInterval = cfg.Poll.Health.Std()
	}
	return p
}

// Run starts every loop and blocks until ctx ends. All timers and the
// stream connection die with the context.
func (s *Session) Run(ctx context.Context) error {
	s.log.Info("session starting", "session_id", s.ID)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				s.log.Error("component stopped with error", "component", name, "err", err)
			}
		}()
	}

	run("scheduler", s.sched.Run)
	run("event-channel", s.channel.Run)
	run("coordinator", s.coord.Run)
	run("health-watchdog", s.health.Run)
	run("alert-evaluator", func(ctx context.Context) error { return s.eval.Run(ctx, s.store) })

	wg.Wait()
	s.log.Info("session stopped", "session_id", s.ID)
	return nil
}

// Dispatch forwards an operator action to the mutation coordinator.
func (s *Session) Dispatch(ctx context.Context, action domain.Action, orderID string, payload application.DispatchPayload) (application.Dispatch, error) {
	return s.coord.Dispatch(ctx, action, orderID, payload)
}

// Subscribe registers a callback for order changes; empty orderID means
// every order.
func (s *Session) Subscribe(orderID string, fn func(application.OrderState)) func() {
	return s.store.Subscribe(orderID, fn)
}

// SubscribeHealth registers a callback for connection-status changes.
func (s *Session) SubscribeHealth(fn func(health.State)) func() {
	return s.health.Subscribe(fn)
}

// Orders returns the annotated order queue, oldest first.
func (s *Session) Orders() []AnnotatedOrder {
	states := s.store.All()
	out := make([]AnnotatedOrder, 0, len(states))
	for _, st := range states {
		out = append(out, AnnotatedOrder{OrderState: st, Flags: s.eval.Flags(st.Order.ID)})
	}
	return out
}

// Health returns the fused connection state.
func (s *Session) Health() health.State { return s.health.Snapshot() }

// Capacity returns the last kitchen capacity reading and its tier.
func (s *Session) Capacity() (domain.CapacitySnapshot, alerts.Tier) {
	snap := s.capacity.Snapshot()
	return snap, alerts.TierFor(snap)
}

// SetCapacityViewActive gates capacity polling on column visibility.
func (s *Session) SetCapacityViewActive(active bool) {
	s.sched.SetCapacityViewActive(active)
}

// Degraded reports whether the list poll has failed enough times in a
// row to warrant a connection banner.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// LastOperatorError returns and clears the most recent surfaced
// mutation failure.
func (s *Session) LastOperatorError() *application.OperatorError {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lastErr
	s.lastErr = nil
	return e
}

func (s *Session) setDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
	if v {
		s.log.Warn("list poll degraded, showing last-known-good state")
	} else {
		s.log.Info("list poll recovered")
	}
}

func (s *Session) noteOperatorError(e application.OperatorError) {
	s.mu.Lock()
	s.lastErr = &e
	s.mu.Unlock()
}
