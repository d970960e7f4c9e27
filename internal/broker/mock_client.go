package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/errkind"
)

// MockClient is an in-memory broker used in mock mode and in tests. It keeps
// a scripted book of depth/quotes per token and a simple order/position
// ledger. Safe for concurrent use.
type MockClient struct {
	mu        sync.Mutex
	orders    map[string]*Order
	byIdemKey map[string]string // idempotency key -> order id
	positions map[string]*Position
	depths    map[uint32]*Depth
	quotes    map[uint32]*Quote
	basket    *BasketMargins
	funds     Funds
	seq       int
	session   bool

	// FailNext makes the next n calls fail with a transient error, for
	// circuit breaker and retry tests.
	failNext int
	// Cancelled records every order id cancelled, in call order.
	Cancelled []string
	// Placed records every params passed to PlaceOrder.
	Placed []OrderParams
}

// NewMockClient creates an empty mock broker with ₹10,00,000 available.
func NewMockClient() *MockClient {
	return &MockClient{
		orders:    make(map[string]*Order),
		byIdemKey: make(map[string]string),
		positions: make(map[string]*Position),
		depths:    make(map[uint32]*Depth),
		quotes:    make(map[uint32]*Quote),
		funds: Funds{
			Available: decimal.NewFromInt(1000000),
			Net:       decimal.NewFromInt(1000000),
			AsOf:      time.Now().UTC(),
		},
		session: true,
	}
}

// SetDepth scripts the order book for a token.
func (m *MockClient) SetDepth(token uint32, d *Depth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Token = token
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	m.depths[token] = d
}

// SetQuote scripts the quote for a token.
func (m *MockClient) SetQuote(token uint32, q *Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.Token = token
	m.quotes[token] = q
}

// SetPosition seeds a position.
func (m *MockClient) SetPosition(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = &p
}

// SetOrder seeds an order.
func (m *MockClient) SetOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = &o
	if o.IdempotencyKey != "" {
		m.byIdemKey[o.IdempotencyKey] = o.ID
	}
}

// SetBasketMargins scripts the broker margin answer.
func (m *MockClient) SetBasketMargins(b *BasketMargins) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.basket = b
}

// SetFunds scripts the funds statement.
func (m *MockClient) SetFunds(f Funds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funds = f
}

// FailNextCalls makes the next n calls return a transient error.
func (m *MockClient) FailNextCalls(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// InvalidateSession simulates a token expiry.
func (m *MockClient) InvalidateSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = false
}

func (m *MockClient) maybeFail() error {
	if m.failNext > 0 {
		m.failNext--
		return errkind.New(errkind.BrokerTransient, "mock: injected failure")
	}
	return nil
}

// PlaceOrder records and fills nothing; orders stay OPEN. Duplicate
// idempotency keys return the original order.
func (m *MockClient) PlaceOrder(ctx context.Context, params OrderParams) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	if !m.session {
		return nil, errkind.New(errkind.BrokerPermanent, "mock: session invalidated")
	}

	if params.IdempotencyKey != "" {
		if id, ok := m.byIdemKey[params.IdempotencyKey]; ok {
			dup := *m.orders[id]
			return &dup, nil
		}
	}

	m.seq++
	now := time.Now().UTC()
	order := &Order{
		ID:             fmt.Sprintf("MOCK-%06d", m.seq),
		StrategyID:     params.StrategyID,
		Instrument:     params.Instrument,
		Side:           params.Side,
		Type:           params.Type,
		Product:        params.Product,
		Quantity:       params.Quantity,
		Price:          params.Price,
		TriggerPrice:   params.TriggerPrice,
		Status:         StatusOpen,
		IdempotencyKey: params.IdempotencyKey,
		PlacedAt:       now,
		UpdatedAt:      now,
	}
	m.orders[order.ID] = order
	if params.IdempotencyKey != "" {
		m.byIdemKey[params.IdempotencyKey] = order.ID
	}
	m.Placed = append(m.Placed, params)

	cp := *order
	return &cp, nil
}

func (m *MockClient) ModifyOrder(ctx context.Context, orderID string, params OrderParams) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	order, ok := m.orders[orderID]
	if !ok {
		return nil, errkind.New(errkind.Validation, "mock: unknown order %s", orderID)
	}
	order.Quantity = params.Quantity
	if !params.Price.IsZero() {
		order.Price = params.Price
	}
	if !params.TriggerPrice.IsZero() {
		order.TriggerPrice = params.TriggerPrice
	}
	order.UpdatedAt = time.Now().UTC()
	cp := *order
	return &cp, nil
}

func (m *MockClient) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return err
	}
	order, ok := m.orders[orderID]
	if !ok {
		return errkind.New(errkind.Validation, "mock: unknown order %s", orderID)
	}
	if !order.Status.Active() {
		return errkind.New(errkind.BrokerPermanent, "mock: order %s is %s", orderID, order.Status)
	}
	order.Status = StatusCancelled
	order.UpdatedAt = time.Now().UTC()
	m.Cancelled = append(m.Cancelled, orderID)
	return nil
}

func (m *MockClient) ListOrders(ctx context.Context) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out, nil
}

func (m *MockClient) ListPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (m *MockClient) ListHoldings(ctx context.Context) ([]Holding, error) {
	return nil, nil
}

func (m *MockClient) GetFunds(ctx context.Context) (*Funds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	f := m.funds
	return &f, nil
}

func (m *MockClient) GetBasketMargins(ctx context.Context, basket []OrderParams) (*BasketMargins, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	if m.basket == nil {
		return nil, errkind.New(errkind.BrokerTransient, "mock: no basket margins scripted")
	}
	b := *m.basket
	return &b, nil
}

func (m *MockClient) GetQuote(ctx context.Context, token uint32) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	q, ok := m.quotes[token]
	if !ok {
		return nil, errkind.New(errkind.DepthUnavailable, "mock: no quote for token %d", token)
	}
	cp := *q
	return &cp, nil
}

func (m *MockClient) GetDepth(ctx context.Context, token uint32) (*Depth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	d, ok := m.depths[token]
	if !ok {
		return nil, errkind.New(errkind.DepthUnavailable, "mock: no depth for token %d", token)
	}
	cp := *d
	return &cp, nil
}

func (m *MockClient) SessionValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *MockClient) Close() error { return nil }
