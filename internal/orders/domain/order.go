package domain

import "time"

type LifecycleState string

const (
	StateReceived  LifecycleState = "RECEIVED"
	StateInKitchen LifecycleState = "IN_KITCHEN"
	StateReady     LifecycleState = "READY"
	StateDelivered LifecycleState = "DELIVERED"
	StateCancelled LifecycleState = "CANCELLED"
)

// Terminal reports whether no further transition can leave s.
func (s LifecycleState) Terminal() bool {
	return s == StateDelivered || s == StateCancelled
}

type PaymentStatus string

const (
	PaymentDue  PaymentStatus = "DUE"
	PaymentPaid PaymentStatus = "PAID"
)

type DeliveryMode string

const (
	ModePickup   DeliveryMode = "PICKUP"
	ModeDelivery DeliveryMode = "DELIVERY"
)

// SourceChannel records where an order entered the pipeline. Informational
// only; no component branches on it.
type SourceChannel string

const (
	ChannelCounter SourceChannel = "counter"
	ChannelOnline  SourceChannel = "online"
	ChannelPhone   SourceChannel = "phone"
)

type AddOn struct {
	Name       string
	PriceCents int64
}

type OrderItem struct {
	ArticleID      string
	Name           string
	Quantity       int
	UnitPriceCents int64
	AddOns         []AddOn
	Note           string
}

// Order is the canonical local representation of one remote order.
// OrderStore holds exactly one instance per id; everything else works
// on copies.
type Order struct {
	ID             string
	CustomerName   string
	Items          []OrderItem
	TotalCents     int64
	PaymentStatus  PaymentStatus
	LifecycleState LifecycleState
	DeliveryMode   DeliveryMode
	SourceChannel  SourceChannel
	CreatedAt      time.Time
	// ScheduledFor keeps the remote representation verbatim; the alert
	// evaluator normalises it (ISO datetime, "HH:MM", 12-hour text).
	ScheduledFor string
	UpdatedAt    time.Time
}

// CapacitySnapshot is a point-in-time kitchen pressure reading,
// replaced wholesale on each successful capacity poll.
type CapacitySnapshot struct {
	InKitchen int
	Max       int
	FetchedAt time.Time
}

func (c CapacitySnapshot) PercentUsed() float64 {
	if c.Max <= 0 {
		return 0
	}
	return float64(c.InKitchen) / float64(c.Max)
}

func (c CapacitySnapshot) IsFull() bool {
	return c.Max > 0 && c.InKitchen >= c.Max
}

// OverdueMetrics mirrors the remote overdue report.
type OverdueMetrics struct {
	Count    int
	OrderIDs []string
}
