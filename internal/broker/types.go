// Package broker defines the broker gateway contract and the types that move
// across it. The engine core depends only on the Gateway interface; the Kite
// Connect client and the mock client both implement it.
package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// ==================== ENUMS ====================

// Segment identifies the instrument segment.
type Segment string

const (
	SegmentEquity  Segment = "EQUITY"
	SegmentFutures Segment = "FUTURES"
	SegmentOptions Segment = "OPTIONS"
)

// OptionType is CE (call) or PE (put) for options.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStop       OrderType = "SL"
	OrderTypeStopMarket OrderType = "SL-M"
	OrderTypeTWAP       OrderType = "TWAP"
	OrderTypeIceberg    OrderType = "ICEBERG"
)

// OrderStatus tracks the broker order state machine.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Active reports whether the order can still trade.
func (s OrderStatus) Active() bool {
	return s == StatusPending || s == StatusOpen || s == StatusPartiallyFilled
}

// Product identifies the broker product type (MIS positions are squared off
// intraday).
type Product string

const (
	ProductMIS  Product = "MIS" // intraday
	ProductNRML Product = "NRML"
	ProductCNC  Product = "CNC"
)

// ==================== INSTRUMENTS ====================

// Instrument describes a tradable contract. Immutable for a trading day.
type Instrument struct {
	Token         uint32          `json:"token"`
	TradingSymbol string          `json:"tradingsymbol"`
	Exchange      string          `json:"exchange"` // NSE, BSE, NFO
	Segment       Segment         `json:"segment"`
	Underlying    string          `json:"underlying"`
	Expiry        time.Time       `json:"expiry,omitempty"` // zero for equity
	Strike        decimal.Decimal `json:"strike,omitempty"`
	OptionType    OptionType      `json:"option_type,omitempty"`
	LotSize       int             `json:"lot_size"`
	TickSize      decimal.Decimal `json:"tick_size"`
}

// IsDerivative reports whether the instrument has an expiry.
func (i Instrument) IsDerivative() bool {
	return i.Segment == SegmentFutures || i.Segment == SegmentOptions
}

// IsShortOption reports whether a sell on this instrument opens a short
// option, which attracts premium margin.
func (i Instrument) IsShortOption(side Side) bool {
	return i.Segment == SegmentOptions && side == SideSell
}

// ==================== ORDERS & POSITIONS ====================

// OrderParams is the request to place or modify an order.
type OrderParams struct {
	Instrument     Instrument      `json:"instrument"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Product        Product         `json:"product"`
	Quantity       int64           `json:"quantity"` // units, multiple of lot size
	Price          decimal.Decimal `json:"price,omitempty"`
	TriggerPrice   decimal.Decimal `json:"trigger_price,omitempty"`
	StrategyID     string          `json:"strategy_id"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Order is a broker order as the engine sees it.
type Order struct {
	ID             string          `json:"id"`
	StrategyID     string          `json:"strategy_id"`
	Instrument     Instrument      `json:"instrument"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Product        Product         `json:"product"`
	Quantity       int64           `json:"quantity"`
	FilledQuantity int64           `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price"`
	TriggerPrice   decimal.Decimal `json:"trigger_price"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	Status         OrderStatus     `json:"status"`
	ParentPosition string          `json:"parent_position,omitempty"`
	IsOrphan       bool            `json:"is_orphan"`
	OrphanReason   string          `json:"orphan_reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	PlacedAt       time.Time       `json:"placed_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsProtective reports whether the order is a stop or target leg that needs a
// covering position.
func (o Order) IsProtective() bool {
	return o.Type == OrderTypeStop || o.Type == OrderTypeStopMarket ||
		(o.Type == OrderTypeLimit && o.ParentPosition != "")
}

// Position is an open position for a strategy.
type Position struct {
	ID                  string          `json:"id"`
	StrategyID          string          `json:"strategy_id"`
	Instrument          Instrument      `json:"instrument"`
	Side                Side            `json:"side"` // long = BUY, short = SELL
	Product             Product         `json:"product"`
	Quantity            int64           `json:"quantity"` // units, 0 when closed
	AveragePrice        decimal.Decimal `json:"average_price"`
	LastPrice           decimal.Decimal `json:"last_price"`
	PrevSettlementPrice decimal.Decimal `json:"prev_settlement_price"`
}

// Lots returns the position size in lots.
func (p Position) Lots() int64 {
	if p.Instrument.LotSize == 0 {
		return p.Quantity
	}
	return p.Quantity / int64(p.Instrument.LotSize)
}

// PnL returns direction-signed unrealized P&L.
func (p Position) PnL() decimal.Decimal {
	diff := p.LastPrice.Sub(p.AveragePrice)
	if p.Side == SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(p.Quantity))
}

// Holding is a demat holding (delivery positions, out of F&O scope but part
// of the gateway contract).
type Holding struct {
	TradingSymbol string          `json:"tradingsymbol"`
	Exchange      string          `json:"exchange"`
	Quantity      int64           `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
}

// Funds is the account margin statement.
type Funds struct {
	Available  decimal.Decimal `json:"available"`
	Utilised   decimal.Decimal `json:"utilised"`
	Net        decimal.Decimal `json:"net"`
	Collateral decimal.Decimal `json:"collateral"`
	AsOf       time.Time       `json:"as_of"`
}

// ==================== MARKET DATA ====================

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is a 5-level order book snapshot.
type Depth struct {
	Token     uint32       `json:"token"`
	Bids      []DepthLevel `json:"bids"` // descending price, best first
	Asks      []DepthLevel `json:"asks"` // ascending price, best first
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the top bid, or zero if the book is empty on that side.
func (d Depth) BestBid() decimal.Decimal {
	if len(d.Bids) == 0 {
		return decimal.Zero
	}
	return d.Bids[0].Price
}

// BestAsk returns the top ask, or zero if the book is empty on that side.
func (d Depth) BestAsk() decimal.Decimal {
	if len(d.Asks) == 0 {
		return decimal.Zero
	}
	return d.Asks[0].Price
}

// Mid returns (bestBid+bestAsk)/2 and false when either side is empty.
func (d Depth) Mid() (decimal.Decimal, bool) {
	if len(d.Bids) == 0 || len(d.Asks) == 0 {
		return decimal.Zero, false
	}
	return d.BestBid().Add(d.BestAsk()).Div(decimal.NewFromInt(2)), true
}

// Greeks holds per-instrument option analytics. Not monetary; float64 is fine.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
	IV    float64 `json:"iv"`
}

// Quote is the last-trade view of an instrument plus analytics.
type Quote struct {
	Token      uint32          `json:"token"`
	LastPrice  decimal.Decimal `json:"last_price"`
	OpenPrice  decimal.Decimal `json:"open_price"`
	ClosePrice decimal.Decimal `json:"close_price"` // previous close
	Volume     int64           `json:"volume"`
	OI         int64           `json:"oi"`
	Greeks     *Greeks         `json:"greeks,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// IntradayChangePct returns |LTP-open|/open × 100 as a float, used for the
// price-move margin multiplier.
func (q Quote) IntradayChangePct() float64 {
	if q.OpenPrice.IsZero() {
		return 0
	}
	pct, _ := q.LastPrice.Sub(q.OpenPrice).Div(q.OpenPrice).Mul(decimal.NewFromInt(100)).Float64()
	if pct < 0 {
		return -pct
	}
	return pct
}

// ==================== MARGIN ====================

// OrderMargins is the broker's margin answer for one order.
type OrderMargins struct {
	Span       decimal.Decimal `json:"span"`
	Exposure   decimal.Decimal `json:"exposure"`
	Premium    decimal.Decimal `json:"option_premium"`
	Additional decimal.Decimal `json:"additional"`
	Total      decimal.Decimal `json:"total"`
}

// BasketMargins is the broker's margin answer for an order basket, including
// any spread benefit across legs.
type BasketMargins struct {
	Initial OrderMargins `json:"initial"`
	Final   OrderMargins `json:"final"` // after hedging benefit
	AsOf    time.Time    `json:"as_of"`
}
