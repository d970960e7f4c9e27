package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/errkind"
)

// KiteClient talks to the Kite Connect v3 REST API. Reads are retried at the
// HTTP layer on 5xx; writes are never retried here — the Gateway decides
// write retries based on idempotency keys.
type KiteClient struct {
	http *resty.Client
	log  zerolog.Logger

	mu           sync.RWMutex
	sessionValid bool
}

// KiteConfig holds the Kite Connect credentials and endpoint.
type KiteConfig struct {
	BaseURL     string
	APIKey      string
	AccessToken string
}

// NewKiteClient builds a Kite Connect client. The session is assumed valid
// until the API reports a token error.
func NewKiteClient(cfg KiteConfig, log zerolog.Logger) *KiteClient {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10*time.Second).
		SetHeader("X-Kite-Version", "3").
		SetHeader("Authorization", fmt.Sprintf("token %s:%s", cfg.APIKey, cfg.AccessToken))

	return &KiteClient{
		http:         httpClient,
		log:          log.With().Str("component", "kite-client").Logger(),
		sessionValid: true,
	}
}

// kiteEnvelope is the standard Kite response wrapper.
type kiteEnvelope struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

type kiteOrder struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	Tradingsymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	InstrumentToken uint32  `json:"instrument_token"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	Product         string  `json:"product"`
	Quantity        int64   `json:"quantity"`
	FilledQuantity  int64   `json:"filled_quantity"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"trigger_price"`
	AveragePrice    float64 `json:"average_price"`
	Tag             string  `json:"tag"`
	OrderTimestamp  string  `json:"order_timestamp"`
}

func (k kiteOrder) toOrder() Order {
	placed, _ := time.Parse("2006-01-02 15:04:05", k.OrderTimestamp)
	return Order{
		ID: k.OrderID,
		Instrument: Instrument{
			Token:         k.InstrumentToken,
			TradingSymbol: k.Tradingsymbol,
			Exchange:      k.Exchange,
		},
		Side:           Side(k.TransactionType),
		Type:           OrderType(k.OrderType),
		Product:        Product(k.Product),
		Quantity:       k.Quantity,
		FilledQuantity: k.FilledQuantity,
		Price:          decimal.NewFromFloat(k.Price),
		TriggerPrice:   decimal.NewFromFloat(k.TriggerPrice),
		AveragePrice:   decimal.NewFromFloat(k.AveragePrice),
		Status:         mapKiteStatus(k.Status),
		IdempotencyKey: k.Tag,
		PlacedAt:       placed,
		UpdatedAt:      time.Now().UTC(),
	}
}

func mapKiteStatus(s string) OrderStatus {
	switch s {
	case "OPEN", "TRIGGER PENDING", "AMO REQ RECEIVED":
		return StatusOpen
	case "COMPLETE":
		return StatusFilled
	case "CANCELLED":
		return StatusCancelled
	case "REJECTED":
		return StatusRejected
	case "EXPIRED":
		return StatusExpired
	default:
		return StatusPending
	}
}

// PlaceOrder places a regular order. The idempotency key rides in the order
// tag so duplicates can be reconciled from the order book.
func (c *KiteClient) PlaceOrder(ctx context.Context, params OrderParams) (*Order, error) {
	var result struct {
		kiteEnvelope
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}

	form := map[string]string{
		"tradingsymbol":    params.Instrument.TradingSymbol,
		"exchange":         params.Instrument.Exchange,
		"transaction_type": string(params.Side),
		"order_type":       string(params.Type),
		"product":          string(params.Product),
		"quantity":         strconv.FormatInt(params.Quantity, 10),
		"validity":         "DAY",
		"tag":              params.IdempotencyKey,
	}
	if !params.Price.IsZero() {
		form["price"] = params.Price.String()
	}
	if !params.TriggerPrice.IsZero() {
		form["trigger_price"] = params.TriggerPrice.String()
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&result).
		SetError(&result).
		Post("/orders/regular")
	if err := c.checkResponse(resp, err, result.kiteEnvelope, "place order"); err != nil {
		return nil, err
	}

	order := Order{
		ID:             result.Data.OrderID,
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
		PlacedAt:       time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	return &order, nil
}

// ModifyOrder modifies price/quantity/trigger on an open order.
func (c *KiteClient) ModifyOrder(ctx context.Context, orderID string, params OrderParams) (*Order, error) {
	var result struct {
		kiteEnvelope
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}

	form := map[string]string{
		"order_type": string(params.Type),
		"quantity":   strconv.FormatInt(params.Quantity, 10),
	}
	if !params.Price.IsZero() {
		form["price"] = params.Price.String()
	}
	if !params.TriggerPrice.IsZero() {
		form["trigger_price"] = params.TriggerPrice.String()
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&result).
		SetError(&result).
		Put("/orders/regular/" + orderID)
	if err := c.checkResponse(resp, err, result.kiteEnvelope, "modify order"); err != nil {
		return nil, err
	}

	order := Order{ID: result.Data.OrderID, Status: StatusOpen, UpdatedAt: time.Now().UTC()}
	return &order, nil
}

// CancelOrder cancels an open order.
func (c *KiteClient) CancelOrder(ctx context.Context, orderID string) error {
	var result struct {
		kiteEnvelope
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&result).
		Delete("/orders/regular/" + orderID)
	return c.checkResponse(resp, err, result.kiteEnvelope, "cancel order")
}

// ListOrders returns today's order book.
func (c *KiteClient) ListOrders(ctx context.Context) ([]Order, error) {
	var result struct {
		kiteEnvelope
		Data []kiteOrder `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&result).
		Get("/orders")
	if err := c.checkResponse(resp, err, result.kiteEnvelope, "list orders"); err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(result.Data))
	for _, ko := range result.Data {
		orders = append(orders, ko.toOrder())
	}
	return orders, nil
}

// ListPositions returns net positions.
func (c *KiteClient) ListPositions(ctx context.Context) ([]Position, error) {
	var result struct {
		kiteEnvelope
		Data struct {
			Net []struct {
				Tradingsymbol   string  `json:"tradingsymbol"`
				Exchange        string  `json:"exchange"`
				InstrumentToken uint32  `json:"instrument_token"`
				Product         string  `json:"product"`
				Quantity        int64   `json:"quantity"`
				AveragePrice    float64 `json:"average_price"`
				LastPrice       float64 `json:"last_price"`
				ClosePrice      float64 `json:"close_price"`
			} `json:"net"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&result).
		Get("/portfolio/positions")
	if err := c.checkResponse(resp, err, result.kiteEnvelope, "list positions"); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(result.Data.Net))
	for _, p := range result.Data.Net {
		side := SideBuy
		qty := p.Quantity
		if qty < 0 {
			side = SideSell
			qty = -qty
		}
		positions = append(positions, Position{
			ID: fmt.Sprintf("%s:%s", p.Exchange, p.Tradingsymbol),
			Instrument: Instrument{
				Token:         p.InstrumentToken,
				TradingSymbol: p.Tradingsymbol,
				Exchange:      p.Exchange,
			},
			Side:                side,
			Product:             Product(p.Product),
			Quantity:            qty,
			AveragePrice:        decimal.NewFromFloat(p.AveragePrice),
			LastPrice:           decimal.NewFromFloat(p.LastPrice),
			PrevSettlementPrice: decimal.NewFromFloat(p.ClosePrice),
		})
	}
	return positions, nil
}

// ListHoldings returns demat holdings.
func (c *KiteClient) ListHoldings(ctx context.Context) ([]Holding, error) {
	var result struct {
		kiteEnvelope
		Data []struct {
			Tradingsymbol string  `json:"tradingsymbol"`
			Exchange      string  `json:"exchange"`
			Quantity      int64   `json:"quantity"`
			AveragePrice  float64 `json:"average_price"`
			LastPrice     float64 `json:"last_price"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&result).
		Get("/portfolio/holdings")
	if err := c.checkResponse(resp, err, result.kiteEnvelope, "list holdings"); err != nil {
		return nil, err
	}

	holdings := make([]Holding, 0, len(result.Data))
	for _, h := range result.Data {
		holdings = append(holdings, Holding{
			TradingSymbol: h.Tradingsymbol,
			Exchange:      h.Exchange,
			Quantity:      h.Quantity,
			AveragePrice:  decimal.NewFromFloat(h.AveragePrice),
			LastPrice:     decimal.NewFromFloat(h.LastPrice),
		})
	}
	return holdings, nil
}

// GetFunds returns the equity segment margin statement.
func (c *KiteClient) GetFunds(ctx context.Context) (*Funds, error) {
	var result struct {
		kiteEnvelope
		Data struct {
			Equity struct {
				Net       float64 `json:"net"`
				Available struct {
					Cash        float64 `json:"cash"`
					Collateral  float64 `json:"collateral"`
					LiveBalance float64 `json:"live_balance"`
				} `json:"available"`
				Utilised struct {
					Debits float64 `json:"debits"`
				} `json:"utilised"`
			} `json:"equity"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&result).
		Get("/user/margins")
	if err := c.checkResponse(resp, err, result.kiteEnvelope, "get funds"); err != nil {
		return nil, err
	}

	eq := result.Data.Equity
	return &Funds{
		Available:  decimal.NewFromFloat(eq.Available.LiveBalance),
		Utilised:   decimal.NewFromFloat(eq.Utilised.Debits),
		Net:        decimal.NewFromFloat(eq.Net),
		Collateral: decimal.NewFromFloat(eq.Available.Collateral),
		AsOf:       time.Now().UTC(),
	}, nil
}

// GetBasketMargins asks the broker for the authoritative margin on an order
// basket. The Gateway enforces the minimum gap between calls.
func (c *KiteClient) GetBasketMargins(ctx context.Context, basket []OrderParams) (*BasketMargins, error) {
	type legPayload struct {
		Exchange        string  `json:"exchange"`
		Tradingsymbol   string  `json:"tradingsymbol"`
		TransactionType string  `json:"transaction_type"`
		Product         string  `json:"product"`
		OrderType       string  `json:"order_type"`
		Quantity        int64   `json:"quantity"`
		Price           float64 `json:"price"`
	}
	legs := make([]legPayload, 0, len(basket))
	for _, p := range basket {
		price, _ := p.Price.Float64()
		legs = append(legs, legPayload{
			Exchange:        p.Instrument.Exchange,
			Tradingsymbol:   p.Instrument.TradingSymbol,
			TransactionType: string(p.Side),
			Product:         string(p.Product),
			OrderType:       string(p.Type),
			Quantity:        p.Quantity,
			Price:           price,
		})
	}

	type marginBlock struct {
		Span          float64 `json:"span"`
		Exposure      float64 `json:"exposure"`
		OptionPremium float64 `json:"option_premium"`
		Additional    float64 `json:"additional"`
		Total         float64 `json:"total"`
	}
	var result struct {
		kiteEnvelope
		Data struct {
			Initial marginBlock `json:"initial"`
			Final   marginBlock `json:"final"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(legs).
		SetResult(&result).
		SetError(&result).
		Post("/margins/basket?consider_positions=true")
	if err := c.checkResponse(resp, err, result.kiteEnvelope, "basket margins"); err != nil {
		return nil, err
	}

	toMargins := func(b marginBlock) OrderMargins {
		return OrderMargins{
			Span:       decimal.NewFromFloat(b.Span),
			Exposure:   decimal.NewFromFloat(b.Exposure),
			Premium:    decimal.NewFromFloat(b.OptionPremium),
			Additional: decimal.NewFromFloat(b.Additional),
			Total:      decimal.NewFromFloat(b.Total),
		}
	}
	return &BasketMargins{
		Initial: toMargins(result.Data.Initial),
		Final:   toMargins(result.Data.Final),
		AsOf:    time.Now().UTC(),
	}, nil
}

// GetQuote fetches the full quote for one instrument token.
func (c *KiteClient) GetQuote(ctx context.Context, token uint32) (*Quote, error) {
	q, _, err := c.fetchQuote(ctx, token)
	return q, err
}

// GetDepth fetches the 5-level order book for one instrument token.
func (c *KiteClient) GetDepth(ctx context.Context, token uint32) (*Depth, error) {
	_, d, err := c.fetchQuote(ctx, token)
	if err != nil {
		return nil, err
	}
	if d == nil || (len(d.Bids) == 0 && len(d.Asks) == 0) {
		return nil, errkind.New(errkind.DepthUnavailable, "no depth for token %d", token)
	}
	return d, nil
}

func (c *KiteClient) fetchQuote(ctx context.Context, token uint32) (*Quote, *Depth, error) {
	type level struct {
		Price    float64 `json:"price"`
		Quantity int64   `json:"quantity"`
		Orders   int     `json:"orders"`
	}
	var result struct {
		kiteEnvelope
		Data map[string]struct {
			LastPrice float64 `json:"last_price"`
			Volume    int64   `json:"volume"`
			OI        int64   `json:"oi"`
			OHLC      struct {
				Open  float64 `json:"open"`
				Close float64 `json:"close"`
			} `json:"ohlc"`
			Depth struct {
				Buy  []level `json:"buy"`
				Sell []level `json:"sell"`
			} `json:"depth"`
		} `json:"data"`
	}

	key := strconv.FormatUint(uint64(token), 10)
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("i", key).
		SetResult(&result).
		SetError(&result).
		Get("/quote")
	if err := c.checkResponse(resp, err, result.kiteEnvelope, "quote"); err != nil {
		return nil, nil, err
	}

	data, ok := result.Data[key]
	if !ok {
		return nil, nil, errkind.New(errkind.DepthUnavailable, "no quote for token %d", token)
	}

	now := time.Now().UTC()
	quote := &Quote{
		Token:      token,
		LastPrice:  decimal.NewFromFloat(data.LastPrice),
		OpenPrice:  decimal.NewFromFloat(data.OHLC.Open),
		ClosePrice: decimal.NewFromFloat(data.OHLC.Close),
		Volume:     data.Volume,
		OI:         data.OI,
		Timestamp:  now,
	}

	depth := &Depth{Token: token, Timestamp: now}
	for _, l := range data.Depth.Buy {
		depth.Bids = append(depth.Bids, DepthLevel{Price: decimal.NewFromFloat(l.Price), Quantity: l.Quantity, Orders: l.Orders})
	}
	for _, l := range data.Depth.Sell {
		depth.Asks = append(depth.Asks, DepthLevel{Price: decimal.NewFromFloat(l.Price), Quantity: l.Quantity, Orders: l.Orders})
	}
	return quote, depth, nil
}

// SessionValid reports whether the access token is still accepted.
func (c *KiteClient) SessionValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionValid
}

// Close releases the underlying HTTP client.
func (c *KiteClient) Close() error {
	return nil
}

// checkResponse maps transport and API failures to error kinds.
func (c *KiteClient) checkResponse(resp *resty.Response, err error, env kiteEnvelope, op string) error {
	if err != nil {
		return errkind.Wrap(errkind.BrokerTransient, err, "%s failed", op)
	}
	if resp.StatusCode() == http.StatusOK && env.Status != "error" {
		return nil
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return errkind.New(errkind.RateLimit, "%s: broker rate limit", op)
	case env.ErrorType == "TokenException":
		c.mu.Lock()
		c.sessionValid = false
		c.mu.Unlock()
		return errkind.New(errkind.BrokerPermanent, "%s: session invalidated: %s", op, env.Message)
	case env.ErrorType == "InputException", resp.StatusCode() == http.StatusBadRequest:
		return errkind.New(errkind.Validation, "%s: %s", op, env.Message)
	case resp.StatusCode() >= 500, env.ErrorType == "NetworkException":
		return errkind.New(errkind.BrokerTransient, "%s: %s (status %d)", op, env.Message, resp.StatusCode())
	default:
		return errkind.New(errkind.BrokerPermanent, "%s: %s (status %d)", op, env.Message, resp.StatusCode())
	}
}
