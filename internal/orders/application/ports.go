package application

import (
	"context"
	"time"

	"github.com/orderdeck/orderdeck/internal/orders/domain"
)

// Gateway is the consumed surface of the remote order service. The REST
// adapter implements it; tests substitute fakes.
type Gateway interface {
	ListOrders(ctx context.Context) ([]domain.Order, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	SetOrderState(ctx context.Context, id string, state domain.LifecycleState) error
	SetKitchenTicketState(ctx context.Context, id string, state domain.LifecycleState) error
	CollectPayment(ctx context.Context, orderID, method string) (saleID string, err error)
	CapacitySnapshot(ctx context.Context) (domain.CapacitySnapshot, error)
	WorkerHealth(ctx context.Context) (active bool, err error)
	OverdueMetrics(ctx context.Context) (domain.OverdueMetrics, error)
}

// Message is one normalised inbound push-stream message.
type Message struct {
	Kind    string
	Payload []byte
	At      time.Time
}

// Source is a single multiplexed push-event connection. Receive blocks
// until a message arrives, the context ends, or the connection drops
// (returning an error the EventChannel recovers from with bounded
// reconnect delays).
type Source interface {
	Receive(ctx context.Context) (Message, error)
}

// HealthSink is the slice of the connection-health monitor the sync
// loops feed: poll verdicts, passive heartbeats, stream state and the
// overdue count.
type HealthSink interface {
	ReportHealthPoll(active bool, err error)
	Heartbeat(at time.Time)
	ReportStream(up bool)
	SetOverdue(count int)
}
