package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/errkind"
)

func testGateway(t *testing.T, mock *MockClient) *Gateway {
	t.Helper()
	return NewGateway(mock, GatewayConfig{
		MaxRetries:      2,
		BreakerFailures: 3,
		BreakerTimeout:  time.Second,
		RateLimits:      RateLimiterConfig{OrdersPerSecond: 1000, ReadsPerSecond: 1000, MarginGapSec: 5},
	}, zerolog.Nop())
}

func niftyFuture() Instrument {
	return Instrument{
		Token:         256265,
		TradingSymbol: "NIFTY25AUGFUT",
		Exchange:      "NFO",
		Segment:       SegmentFutures,
		Underlying:    "NIFTY",
		LotSize:       75,
		TickSize:      decimal.RequireFromString("0.05"),
	}
}

func TestPlaceOrderRejectsBadQuantity(t *testing.T) {
	gw := testGateway(t, NewMockClient())

	_, err := gw.PlaceOrder(context.Background(), OrderParams{
		Instrument: niftyFuture(),
		Side:       SideBuy,
		Type:       OrderTypeMarket,
		Quantity:   0,
	})
	if errkind.KindOf(err) != errkind.Validation {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = gw.PlaceOrder(context.Background(), OrderParams{
		Instrument: niftyFuture(),
		Side:       SideBuy,
		Type:       OrderTypeMarket,
		Quantity:   80, // not a multiple of lot size 75
	})
	if errkind.KindOf(err) != errkind.Validation {
		t.Fatalf("expected lot size validation error, got %v", err)
	}
}

func TestPlaceOrderIdempotencyDedupe(t *testing.T) {
	mock := NewMockClient()
	gw := testGateway(t, mock)

	params := OrderParams{
		Instrument:     niftyFuture(),
		Side:           SideBuy,
		Type:           OrderTypeLimit,
		Product:        ProductMIS,
		Quantity:       75,
		Price:          decimal.NewFromInt(22000),
		IdempotencyKey: "strat-1:entry:2026-08-24",
	}

	// Two concurrent requests with the same key must produce exactly one
	// broker order.
	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, err := gw.PlaceOrder(context.Background(), params)
			if err != nil {
				t.Errorf("place %d: %v", i, err)
				return
			}
			ids[i] = order.ID
		}(i)
	}
	wg.Wait()

	if len(mock.Placed) != 1 {
		t.Fatalf("expected exactly 1 broker placement, got %d", len(mock.Placed))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] != "" && ids[0] != "" && ids[i] != ids[0] {
			t.Fatalf("duplicate keys produced different orders: %s vs %s", ids[0], ids[i])
		}
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mock := NewMockClient()
	gw := NewGateway(mock, GatewayConfig{
		MaxRetries:      0,
		BreakerFailures: 3,
		BreakerTimeout:  time.Minute,
		RateLimits:      RateLimiterConfig{OrdersPerSecond: 1000, ReadsPerSecond: 1000, MarginGapSec: 5},
	}, zerolog.Nop())

	mock.FailNextCalls(10)
	for i := 0; i < 3; i++ {
		if _, err := gw.ListOrders(context.Background()); err == nil {
			t.Fatal("expected failure")
		}
	}

	if gw.Available() {
		t.Fatal("breaker should be open after 3 consecutive failures")
	}

	// While open, calls fail fast with a transient kind without reaching the
	// broker.
	before := len(mock.Cancelled)
	err := gw.CancelOrder(context.Background(), "whatever")
	if errkind.KindOf(err) != errkind.BrokerTransient {
		t.Fatalf("expected transient while open, got %v", err)
	}
	if len(mock.Cancelled) != before {
		t.Fatal("call must not reach broker while breaker open")
	}
}

func TestMarginThrottleUsesRateLimitKind(t *testing.T) {
	mock := NewMockClient()
	mock.SetBasketMargins(&BasketMargins{
		Final: OrderMargins{Total: decimal.NewFromInt(90000)},
		AsOf:  time.Now().UTC(),
	})
	gw := testGateway(t, mock)

	if _, err := gw.GetBasketMargins(context.Background(), nil); err != nil {
		t.Fatalf("first margin call: %v", err)
	}
	// Bucket refills once per 5s; the immediate second call must be throttled
	// locally, not sent to the broker.
	_, err := gw.GetBasketMargins(context.Background(), nil)
	if errkind.KindOf(err) != errkind.RateLimit {
		t.Fatalf("expected rate limit kind, got %v", err)
	}
}

func TestSessionLossRejectsOrdersAndFiresOnce(t *testing.T) {
	mock := NewMockClient()
	gw := testGateway(t, mock)

	fired := 0
	gw.OnSessionLost(func() { fired++ })
	mock.InvalidateSession()

	for i := 0; i < 3; i++ {
		_, err := gw.PlaceOrder(context.Background(), OrderParams{
			Instrument: niftyFuture(),
			Side:       SideBuy,
			Type:       OrderTypeMarket,
			Quantity:   75,
		})
		if errkind.KindOf(err) != errkind.BrokerPermanent {
			t.Fatalf("expected permanent rejection, got %v", err)
		}
	}
	if fired != 1 {
		t.Fatalf("session-lost callback should fire once, fired %d times", fired)
	}
}

func TestRetryReadRecoversFromTransient(t *testing.T) {
	mock := NewMockClient()
	gw := testGateway(t, mock)

	mock.SetOrder(Order{ID: "O1", Status: StatusOpen})
	mock.FailNextCalls(1)

	orders, err := gw.ListOrders(context.Background())
	if err != nil {
		t.Fatalf("read should recover after one transient failure: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
}
