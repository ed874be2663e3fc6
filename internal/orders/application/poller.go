package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/orderdeck/orderdeck/internal/orders/domain"
	"github.com/orderdeck/orderdeck/pkg/clock"
)

// Profile captures how a terminal context polls and how it degrades
// under rate limiting. An unattended kitchen display must keep showing
// last-known-good state, so its backoff is tightly bounded and the
// loops never stop; a manager console pauses for the server-supplied
// window instead.
type Profile struct {
	Name             string
	ListInterval     time.Duration
	CapacityInterval time.Duration
	HealthInterval   time.Duration
	// MaxBackoff caps the error backoff as a multiple of the base
	// interval.
	MaxBackoff float64
	// PauseOnRateLimit pauses the loop for Retry-After and resets the
	// error counter instead of bounded-multiplier backoff.
	PauseOnRateLimit bool
}

func KitchenDisplayProfile() Profile {
	return Profile{
		Name:             "kitchen-display",
		ListInterval:     3 * time.Second,
		CapacityInterval: 15 * time.Second,
		HealthInterval:   30 * time.Second,
		MaxBackoff:       2,
		PauseOnRateLimit: false,
	}
}

func ManagerProfile() Profile {
	return Profile{
		Name:             "manager",
		ListInterval:     45 * time.Second,
		CapacityInterval: 15 * time.Second,
		HealthInterval:   30 * time.Second,
		MaxBackoff:       8,
		PauseOnRateLimit: true,
	}
}

// CapacityRefresher is the capacity monitor's slice the scheduler
// drives: a cadence tick carrying the current kitchen membership.
type CapacityRefresher interface {
	Tick(ctx context.Context, inKitchenIDs []string) error
}

// Scheduler drives the three reconciliation loops: order-list refresh,
// capacity refresh and health refresh, each on its own cadence with
// per-profile backoff.
type Scheduler struct {
	log      *slog.Logger
	gw       Gateway
	store    *Store
	health   HealthSink
	capacity CapacityRefresher
	clock    clock.Clock
	profile  Profile

	// degradedCb fires after bannerThreshold consecutive list-poll
	// failures and again with false on the next success, so a live
	// display does not flicker a banner on a single blip.
	degradedCb      func(bool)
	bannerThreshold int

	mu             sync.Mutex
	capacityActive bool
	listFailures   int
	degraded       bool
}

func NewScheduler(log *slog.Logger, gw Gateway, store *Store, health HealthSink, capacity CapacityRefresher, clk clock.Clock, profile Profile, degradedCb func(bool)) *Scheduler {
	if degradedCb == nil {
		degradedCb = func(bool) {}
	}
	return &Scheduler{
		log:             log,
		gw:              gw,
		store:           store,
		health:          health,
		capacity:        capacity,
		clock:           clk,
		profile:         profile,
		degradedCb:      degradedCb,
		bannerThreshold: 3,
		capacityActive:  profile.Name == "kitchen-display",
	}
}

// SetCapacityViewActive gates the capacity loop: it only polls while
// the in-kitchen column is visible.
func (s *Scheduler) SetCapacityViewActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacityActive = active
}

// Run starts the three loops and blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.loop(ctx, "list", s.profile.ListInterval, s.listOnce) }()
	go func() { defer wg.Done(); s.loop(ctx, "capacity", s.profile.CapacityInterval, s.capacityOnce) }()
	go func() { defer wg.Done(); s.loop(ctx, "health", s.profile.HealthInterval, s.healthOnce) }()
	wg.Wait()
	return nil
}

// loop runs fn on a base cadence, stretching the delay on consecutive
// errors per the profile's policy. It fires once immediately so a fresh
// terminal is populated without waiting a full interval.
func (s *Scheduler) loop(ctx context.Context, name string, base time.Duration, fn func(ctx context.Context) error) {
	var errs int
	delay := time.Duration(0)
	for {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		err := fn(ctx)
		switch {
		case err == nil:
			errs = 0
			delay = base
		case domain.IsRateLimited(err) && s.profile.PauseOnRateLimit:
			// Interactive context: honor the server's window, then
			// resume clean.
			errs = 0
			delay = domain.RetryAfterIn(err, base)
			s.log.Info("poll paused by rate limit", "loop", name, "delay", delay)
		default:
			errs++
			delay = NextDelay(base, errs, s.profile.MaxBackoff)
			s.log.Warn("poll failed, backing off", "loop", name, "consecutive", errs, "delay", delay, "err", err)
		}
	}
}

// NextDelay is the exponential backoff schedule: base·2^(errs-1),
// capped at maxBackoff times the base.
func NextDelay(base time.Duration, errs int, maxBackoff float64) time.Duration {
	if errs <= 0 {
		return base
	}
	d := base
	for i := 1; i < errs; i++ {
		d *= 2
		if float64(d) >= float64(base)*maxBackoff {
			break
		}
	}
	if limit := time.Duration(float64(base) * maxBackoff); d > limit {
		d = limit
	}
	return d
}

func (s *Scheduler) listOnce(ctx context.Context) error {
	fetchedAt := s.clock.Now()
	orders, err := s.gw.ListOrders(ctx)
	if err != nil {
		s.noteListFailure()
		return err
	}
	s.store.ReplaceAll(orders, fetchedAt)
	s.noteListSuccess()
	return nil
}

func (s *Scheduler) capacityOnce(ctx context.Context) error {
	s.mu.Lock()
	active := s.capacityActive
	s.mu.Unlock()
	if !active {
		return nil
	}
	return s.capacity.Tick(ctx, s.store.InKitchenIDs())
}

func (s *Scheduler) healthOnce(ctx context.Context) error {
	active, err := s.gw.WorkerHealth(ctx)
	s.health.ReportHealthPoll(active, err)
	if err != nil {
		return err
	}
	metrics, merr := s.gw.OverdueMetrics(ctx)
	if merr != nil {
		return merr
	}
	s.health.SetOverdue(metrics.Count)
	return nil
}

func (s *Scheduler) noteListFailure() {
	s.mu.Lock()
	s.listFailures++
	flip := s.listFailures == s.bannerThreshold && !s.degraded
	if flip {
		s.degraded = true
	}
	s.mu.Unlock()
	if flip {
		s.degradedCb(true)
	}
}

func (s *Scheduler) noteListSuccess() {
	s.mu.Lock()
	s.listFailures = 0
	flip := s.degraded
	s.degraded = false
	s.mu.Unlock()
	if flip {
		s.degradedCb(false)
	}
}
