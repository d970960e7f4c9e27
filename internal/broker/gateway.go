package broker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"fno-trading-engine/internal/errkind"
)

// Per-operation deadlines.
const (
	readDeadline   = 2 * time.Second
	writeDeadline  = 5 * time.Second
	marginDeadline = 10 * time.Second
)

// Gateway wraps a broker Client with rate limiting, bounded retries and a
// circuit breaker. All engine components go through the Gateway.
type Gateway struct {
	client  Client
	limiter *RateLimiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger

	maxRetries int

	mu       sync.Mutex
	inflight map[string]*placement // idempotency key -> first placement, same-process dedupe

	onSessionLost  func()
	sessionAlerted bool
}

// placement tracks the first flight for an idempotency key; duplicates wait
// on done and share the result.
type placement struct {
	done  chan struct{}
	order *Order
	err   error
}

// GatewayConfig configures the resilience layer.
type GatewayConfig struct {
	MaxRetries      int
	BreakerFailures int
	BreakerTimeout  time.Duration
	RateLimits      RateLimiterConfig
}

// NewGateway builds the gateway around a client.
func NewGateway(client Client, cfg GatewayConfig, log zerolog.Logger) *Gateway {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 60 * time.Second
	}

	gw := &Gateway{
		client:     client,
		limiter:    NewRateLimiter(cfg.RateLimits),
		log:        log.With().Str("component", "broker-gateway").Logger(),
		maxRetries: cfg.MaxRetries,
		inflight:   make(map[string]*placement),
	}

	failures := uint32(cfg.BreakerFailures)
	gw.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1, // single half-open probe
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// Validation and permanent broker answers are the broker working
			// correctly; only transport-level trouble should open the breaker.
			return err == nil || !errkind.Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			gw.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return gw
}

// OnSessionLost registers a callback fired once when the broker session is
// detected invalid (drives the URGENT alert).
func (g *Gateway) OnSessionLost(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onSessionLost = fn
}

// Available reports whether the circuit breaker allows calls.
func (g *Gateway) Available() bool {
	return g.breaker.State() != gobreaker.StateOpen
}

func (g *Gateway) execute(fn func() (interface{}, error)) (interface{}, error) {
	out, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errkind.Wrap(errkind.BrokerTransient, err, "broker circuit open")
	}
	return out, err
}

// retryRead runs a read with exponential backoff on transient errors.
func retryRead[T any](g *Gateway, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	backoff := 200 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if err := g.limiter.WaitReads(ctx); err != nil {
			return zero, errkind.Wrap(errkind.BrokerTransient, err, "%s: rate limit wait", op)
		}
		callCtx, cancel := context.WithTimeout(ctx, readDeadline)
		out, err := g.execute(func() (interface{}, error) { return fn(callCtx) })
		cancel()
		if err == nil {
			return out.(T), nil
		}
		lastErr = err
		if !errkind.Retryable(err) || ctx.Err() != nil {
			return zero, err
		}
		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		select {
		case <-ctx.Done():
			return zero, lastErr
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
	}
	return zero, lastErr
}

// PlaceOrder places an order. Writes retry only with an idempotency key, and
// a key seen before in this process returns the original order without
// touching the broker.
func (g *Gateway) PlaceOrder(ctx context.Context, params OrderParams) (*Order, error) {
	if params.Quantity <= 0 {
		return nil, errkind.New(errkind.Validation, "order quantity must be positive")
	}
	if ls := params.Instrument.LotSize; ls > 0 && params.Quantity%int64(ls) != 0 {
		return nil, errkind.New(errkind.Validation, "quantity %d not a multiple of lot size %d", params.Quantity, ls)
	}
	if !g.client.SessionValid() {
		g.notifySessionLost()
		return nil, errkind.New(errkind.BrokerPermanent, "broker session invalid, order rejected")
	}

	if params.IdempotencyKey == "" {
		return g.placeWithRetry(ctx, params)
	}

	// Reserve the key before calling out so a concurrent duplicate waits on
	// the first flight rather than double-placing.
	g.mu.Lock()
	if prev, ok := g.inflight[params.IdempotencyKey]; ok {
		g.mu.Unlock()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, errkind.Wrap(errkind.BrokerTransient, ctx.Err(), "duplicate order wait cancelled")
		}
		if prev.err != nil {
			return nil, prev.err
		}
		dup := *prev.order
		return &dup, nil
	}
	entry := &placement{done: make(chan struct{})}
	g.inflight[params.IdempotencyKey] = entry
	g.mu.Unlock()

	order, err := g.placeWithRetry(ctx, params)

	g.mu.Lock()
	entry.order, entry.err = order, err
	if err != nil {
		// A failed placement releases the key for a clean retry.
		delete(g.inflight, params.IdempotencyKey)
	}
	g.mu.Unlock()
	close(entry.done)

	return order, err
}

func (g *Gateway) placeWithRetry(ctx context.Context, params OrderParams) (*Order, error) {
	retries := 0
	if params.IdempotencyKey != "" {
		retries = g.maxRetries
	}
	backoff := 300 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		if err := g.limiter.WaitOrders(ctx); err != nil {
			return nil, errkind.Wrap(errkind.BrokerTransient, err, "place order: rate limit wait")
		}
		callCtx, cancel := context.WithTimeout(ctx, writeDeadline)
		out, err := g.execute(func() (interface{}, error) { return g.client.PlaceOrder(callCtx, params) })
		cancel()
		if err == nil {
			return out.(*Order), nil
		}
		lastErr = err
		if !errkind.Retryable(err) || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

// ModifyOrder modifies an open order.
func (g *Gateway) ModifyOrder(ctx context.Context, orderID string, params OrderParams) (*Order, error) {
	if err := g.limiter.WaitOrders(ctx); err != nil {
		return nil, errkind.Wrap(errkind.BrokerTransient, err, "modify order: rate limit wait")
	}
	callCtx, cancel := context.WithTimeout(ctx, writeDeadline)
	defer cancel()
	out, err := g.execute(func() (interface{}, error) { return g.client.ModifyOrder(callCtx, orderID, params) })
	if err != nil {
		return nil, err
	}
	return out.(*Order), nil
}

// CancelOrder cancels an open order. Cancellation is idempotent at the broker
// (cancelling a cancelled order is a permanent error the caller can ignore).
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	if err := g.limiter.WaitOrders(ctx); err != nil {
		return errkind.Wrap(errkind.BrokerTransient, err, "cancel order: rate limit wait")
	}
	callCtx, cancel := context.WithTimeout(ctx, writeDeadline)
	defer cancel()
	_, err := g.execute(func() (interface{}, error) { return nil, g.client.CancelOrder(callCtx, orderID) })
	return err
}

// ListOrders returns today's order book.
func (g *Gateway) ListOrders(ctx context.Context) ([]Order, error) {
	return retryRead(g, ctx, "list orders", g.client.ListOrders)
}

// ListPositions returns net positions.
func (g *Gateway) ListPositions(ctx context.Context) ([]Position, error) {
	return retryRead(g, ctx, "list positions", g.client.ListPositions)
}

// ListHoldings returns demat holdings.
func (g *Gateway) ListHoldings(ctx context.Context) ([]Holding, error) {
	return retryRead(g, ctx, "list holdings", g.client.ListHoldings)
}

// GetFunds returns the margin statement.
func (g *Gateway) GetFunds(ctx context.Context) (*Funds, error) {
	return retryRead(g, ctx, "get funds", g.client.GetFunds)
}

// GetQuote returns the quote for a token.
func (g *Gateway) GetQuote(ctx context.Context, token uint32) (*Quote, error) {
	return retryRead(g, ctx, "get quote", func(ctx context.Context) (*Quote, error) {
		return g.client.GetQuote(ctx, token)
	})
}

// GetDepth returns the 5-level book for a token.
func (g *Gateway) GetDepth(ctx context.Context, token uint32) (*Depth, error) {
	return retryRead(g, ctx, "get depth", func(ctx context.Context) (*Depth, error) {
		return g.client.GetDepth(ctx, token)
	})
}

// GetBasketMargins calls the broker margin calculator. Returns a RateLimit
// kind without calling out when the margin bucket is empty, so the margin
// engine can fall back to the internal path immediately.
func (g *Gateway) GetBasketMargins(ctx context.Context, basket []OrderParams) (*BasketMargins, error) {
	if !g.limiter.AllowMargin() {
		return nil, errkind.New(errkind.RateLimit, "margin calculator throttled")
	}
	callCtx, cancel := context.WithTimeout(ctx, marginDeadline)
	defer cancel()
	out, err := g.execute(func() (interface{}, error) { return g.client.GetBasketMargins(callCtx, basket) })
	if err != nil {
		return nil, err
	}
	return out.(*BasketMargins), nil
}

// SessionValid reports broker session health.
func (g *Gateway) SessionValid() bool {
	ok := g.client.SessionValid()
	if !ok {
		g.notifySessionLost()
	}
	return ok
}

func (g *Gateway) notifySessionLost() {
	g.mu.Lock()
	fn := g.onSessionLost
	fire := fn != nil && !g.sessionAlerted
	g.sessionAlerted = fire || g.sessionAlerted
	g.mu.Unlock()
	if fire {
		fn()
	}
}

// Close shuts the underlying client.
func (g *Gateway) Close() error {
	return g.client.Close()
}
