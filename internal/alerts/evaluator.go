package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orderdeck/orderdeck/internal/orders/application"
	"github.com/orderdeck/orderdeck/internal/orders/domain"
	"github.com/orderdeck/orderdeck/pkg/clock"
)

// OrderFlags are the time-derived display annotations for one order.
// Overdue and upcoming are computed independently; display precedence
// (overdue wins) is applied when the flags are built.
type OrderFlags struct {
	Overdue  bool
	Upcoming bool
	// Elapsed is the rendered age of the order, e.g. "1h 1m".
	Elapsed string
}

// Evaluator recomputes lateness and upcoming-deadline flags on a fixed
// tick against the wall clock. The same tick expires recently-updated
// highlights, so no per-event timers exist.
type Evaluator struct {
	log   *slog.Logger
	clock clock.Clock

	overdueAfter time.Duration
	upcomingMin  time.Duration
	upcomingMax  time.Duration
	tick         time.Duration

	mu    sync.RWMutex
	flags map[string]OrderFlags
}

type EvaluatorConfig struct {
	OverdueAfter time.Duration
	UpcomingMin  time.Duration
	UpcomingMax  time.Duration
	Tick         time.Duration
}

func NewEvaluator(log *slog.Logger, clk clock.Clock, cfg EvaluatorConfig) *Evaluator {
	if cfg.OverdueAfter <= 0 {
		cfg.OverdueAfter = 60 * time.Minute
	}
	if cfg.UpcomingMin <= 0 {
		cfg.UpcomingMin = 10 * time.Minute
	}
	if cfg.UpcomingMax <= 0 {
		cfg.UpcomingMax = 20 * time.Minute
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	return &Evaluator{
		log:          log,
		clock:        clk,
		overdueAfter: cfg.OverdueAfter,
		upcomingMin:  cfg.UpcomingMin,
		upcomingMax:  cfg.UpcomingMax,
		tick:         cfg.Tick,
		flags:        make(map[string]OrderFlags),
	}
}

// Run sweeps the store on every tick until ctx ends.
func (e *Evaluator) Run(ctx context.Context, store *application.Store) error {
	t := time.NewTicker(e.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			now := e.clock.Now()
			e.Sweep(now, store.All())
			store.ClearStaleHighlights(now)
		}
	}
}

// Sweep recomputes flags for the given orders at now.
func (e *Evaluator) Sweep(now time.Time, states []application.OrderState) {
	next := make(map[string]OrderFlags, len(states))
	for _, st := range states {
		next[st.Order.ID] = e.evaluate(now, st.Order)
	}
	e.mu.Lock()
	e.flags = next
	e.mu.Unlock()
}

func (e *Evaluator) evaluate(now time.Time, o domain.Order) OrderFlags {
	var f OrderFlags
	if o.LifecycleState.Terminal() {
		return f
	}

	age := now.Sub(o.CreatedAt)
	f.Elapsed = FormatElapsed(age)
	f.Overdue = age > e.overdueAfter

	if o.ScheduledFor != "" && !f.Overdue {
		at, err := NormalizeScheduled(o.ScheduledFor, now)
		if err != nil {
			e.log.Debug("unparseable scheduled time", "order_id", o.ID, "raw", o.ScheduledFor)
		} else {
			remaining := at.Sub(now)
			f.Upcoming = remaining >= e.upcomingMin && remaining <= e.upcomingMax
		}
	}
	return f
}

// Flags returns the latest computed flags for one order.
func (e *Evaluator) Flags(orderID string) OrderFlags {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flags[orderID]
}

// FormatElapsed renders a duration as "37m" under an hour and "1h 1m"
// above it.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	mins := int(d.Minutes())
	h, m := mins/60, mins%60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
