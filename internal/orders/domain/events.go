package domain

import "time"

// Push-event kinds published by the remote order service. Heartbeats are
// emitted by the kitchen worker on an idle stream so liveness can be
// told apart from silence.
const (
	EventOrderCreated      = "order.created"
	EventOrderStateChanged = "order.state_changed"
	EventOrderPaid         = "order.paid"
	EventOrderUpdated      = "order.updated"
	EventCapacityChanged   = "capacity.changed"
	EventOrdersOverdue     = "orders.overdue"
	EventHeartbeat         = "heartbeat"
)

type OrderCreatedEvent struct {
	Order Order `json:"order"`
}

type OrderStateChangedEvent struct {
	OrderID  string         `json:"order_id"`
	NewState LifecycleState `json:"new_state"`
	At       time.Time      `json:"at"`
}

type OrderPaidEvent struct {
	OrderID string    `json:"order_id"`
	SaleID  string    `json:"sale_id,omitempty"`
	At      time.Time `json:"at"`
}

// OrderUpdatedEvent carries whichever fields changed; omitted fields are
// left alone. The debounced re-fetch fills in anything the event missed.
type OrderUpdatedEvent struct {
	OrderID      string    `json:"order_id"`
	CustomerName *string   `json:"customer_name,omitempty"`
	ScheduledFor *string   `json:"scheduled_for,omitempty"`
	TotalCents   *int64    `json:"total_cents,omitempty"`
	At           time.Time `json:"at"`
}

type CapacityChangedEvent struct {
	InKitchen int       `json:"in_kitchen"`
	Max       int       `json:"max"`
	At        time.Time `json:"at"`
}

type OrdersOverdueEvent struct {
	Count    int      `json:"count"`
	OrderIDs []string `json:"order_ids"`
}
