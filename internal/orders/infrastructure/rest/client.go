package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/orderdeck/orderdeck/internal/orders/domain"
)

// Client talks to the remote order service. Every response uses the
// shared envelope {success, errorMessage, httpStatus, rateLimited,
// retryAfterSeconds}; failures surface as *domain.RemoteError while
// transport-level problems pass through untyped (transient).
type Client struct {
	base   string
	http   *http.Client
	log    *slog.Logger
	tracer trace.Tracer
}

func NewClient(log *slog.Logger, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:   baseURL,
		http:   &http.Client{Timeout: timeout},
		log:    log,
		tracer: otel.Tracer("order-gateway"),
	}
}

type envelope struct {
	Success           bool            `json:"success"`
	ErrorMessage      string          `json:"errorMessage"`
	HTTPStatus        int             `json:"httpStatus"`
	RateLimited       bool            `json:"rateLimited"`
	RetryAfterSeconds int             `json:"retryAfterSeconds"`
	Data              json.RawMessage `json:"data"`
}

type orderDTO struct {
	ID             string         `json:"id"`
	CustomerName   string         `json:"customerName"`
	Items          []orderItemDTO `json:"items"`
	TotalCents     int64          `json:"totalCents"`
	PaymentStatus  string         `json:"paymentStatus"`
	LifecycleState string         `json:"lifecycleState"`
	DeliveryMode   string         `json:"deliveryMode"`
	SourceChannel  string         `json:"sourceChannel"`
	CreatedAt      time.Time      `json:"createdAt"`
	ScheduledFor   string         `json:"scheduledFor,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

type orderItemDTO struct {
	ArticleID      string     `json:"articleId"`
	Name           string     `json:"name"`
	Quantity       int        `json:"quantity"`
	UnitPriceCents int64      `json:"unitPriceCents"`
	AddOns         []addOnDTO `json:"addOns,omitempty"`
	Note           string     `json:"note,omitempty"`
}

type addOnDTO struct {
	Name       string `json:"name"`
	PriceCents int64  `json:"priceCents"`
}

func (d orderDTO) toDomain() domain.Order {
	items := make([]domain.OrderItem, 0, len(d.Items))
	for _, it := range d.Items {
		addOns := make([]domain.AddOn, 0, len(it.AddOns))
		for _, a := range it.AddOns {
			addOns = append(addOns, domain.AddOn{Name: a.Name, PriceCents: a.PriceCents})
		}
		items = append(items, domain.OrderItem{
			ArticleID:      it.ArticleID,
			Name:           it.Name,
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
			AddOns:         addOns,
			Note:           it.Note,
		})
	}
	return domain.Order{
		ID:             d.ID,
		CustomerName:   d.CustomerName,
		Items:          items,
		TotalCents:     d.TotalCents,
		PaymentStatus:  domain.PaymentStatus(d.PaymentStatus),
		LifecycleState: domain.LifecycleState(d.LifecycleState),
		DeliveryMode:   domain.DeliveryMode(d.DeliveryMode),
		SourceChannel:  domain.SourceChannel(d.SourceChannel),
		CreatedAt:      d.CreatedAt,
		ScheduledFor:   d.ScheduledFor,
		UpdatedAt:      d.UpdatedAt,
	}
}

func (c *Client) ListOrders(ctx context.Context) ([]domain.Order, error) {
	var dtos []orderDTO
	if err := c.call(ctx, http.MethodGet, "/orders", nil, &dtos); err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(dtos))
	for _, d := range dtos {
		orders = append(orders, d.toDomain())
	}
	return orders, nil
}

func (c *Client) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	var dto orderDTO
	if err := c.call(ctx, http.MethodGet, "/orders/"+id, nil, &dto); err != nil {
		return domain.Order{}, err
	}
	return dto.toDomain(), nil
}

func (c *Client) SetOrderState(ctx context.Context, id string, state domain.LifecycleState) error {
	body := map[string]string{"state": string(state)}
	return c.call(ctx, http.MethodPut, "/orders/"+id+"/state", body, nil)
}

func (c *Client) SetKitchenTicketState(ctx context.Context, id string, state domain.LifecycleState) error {
	body := map[string]string{"state": string(state)}
	return c.call(ctx, http.MethodPut, "/kitchen-tickets/"+id+"/state", body, nil)
}

func (c *Client) CollectPayment(ctx context.Context, orderID, method string) (string, error) {
	body := map[string]string{"orderId": orderID, "method": method}
	var out struct {
		SaleID string `json:"saleId"`
	}
	if err := c.call(ctx, http.MethodPost, "/payments", body, &out); err != nil {
		return "", err
	}
	return out.SaleID, nil
}

func (c *Client) CapacitySnapshot(ctx context.Context) (domain.CapacitySnapshot, error) {
	var out struct {
		Used int `json:"used"`
		Max  int `json:"max"`
	}
	if err := c.call(ctx, http.MethodGet, "/kitchen/capacity", nil, &out); err != nil {
		return domain.CapacitySnapshot{}, err
	}
	return domain.CapacitySnapshot{InKitchen: out.Used, Max: out.Max, FetchedAt: time.Now().UTC()}, nil
}

func (c *Client) WorkerHealth(ctx context.Context) (bool, error) {
	var out struct {
		Active bool `json:"active"`
	}
	if err := c.call(ctx, http.MethodGet, "/kitchen/health", nil, &out); err != nil {
		return false, err
	}
	return out.Active, nil
}

func (c *Client) OverdueMetrics(ctx context.Context) (domain.OverdueMetrics, error) {
	var out struct {
		Count int      `json:"count"`
		List  []string `json:"list"`
	}
	if err := c.call(ctx, http.MethodGet, "/metrics/overdue", nil, &out); err != nil {
		return domain.OverdueMetrics{}, err
	}
	return domain.OverdueMetrics{Count: out.Count, OrderIDs: out.List}, nil
}

// call performs one request and unwraps the response envelope. out may
// be nil for ack-only calls.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, method+" "+path)
	defer span.End()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failure: no remote verdict, callers treat it as
		// transient.
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("malformed envelope from %s %s: %w", method, path, err)
	}

	if !env.Success {
		status := env.HTTPStatus
		if status == 0 {
			status = resp.StatusCode
		}
		return &domain.RemoteError{
			Status:      status,
			Message:     env.ErrorMessage,
			RateLimited: env.RateLimited || status == http.StatusTooManyRequests,
			RetryAfter:  time.Duration(env.RetryAfterSeconds) * time.Second,
		}
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("envelope from %s %s missing data", method, path)
	}
	return json.Unmarshal(env.Data, out)
}
