package depthanalysis

import (
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/errkind"
)

// CostBreakdown itemizes the statutory and broker charges on one order.
// All values are rounded to the paisa; recomputing from the same inputs is
// bit-identical.
type CostBreakdown struct {
	OrderValue      decimal.Decimal `json:"order_value"`
	Brokerage       decimal.Decimal `json:"brokerage"`
	STT             decimal.Decimal `json:"stt"`
	ExchangeCharges decimal.Decimal `json:"exchange_charges"`
	GST             decimal.Decimal `json:"gst"`
	SEBICharges     decimal.Decimal `json:"sebi_charges"`
	StampDuty       decimal.Decimal `json:"stamp_duty"`
	TotalCharges    decimal.Decimal `json:"total_charges"`
	NetCost         decimal.Decimal `json:"net_cost"`
}

// Charge rates. STT and stamp duty differ by segment and side; exchange
// transaction charges differ by segment.
var (
	twoPlaces = int32(2)

	flatBrokerage = decimal.NewFromInt(20) // per executed order, capped flat

	sttFuturesSellPct = decimal.RequireFromString("0.0125") // % of value, sell only
	sttOptionsSellPct = decimal.RequireFromString("0.0625") // % of premium, sell only
	sttEquityPct      = decimal.RequireFromString("0.025")  // % of value, sell only (intraday)

	exchFuturesPct = decimal.RequireFromString("0.0019")
	exchOptionsPct = decimal.RequireFromString("0.035")
	exchEquityPct  = decimal.RequireFromString("0.00297")

	gstPct = decimal.RequireFromString("18") // on brokerage + exchange charges

	sebiPerCrore = decimal.NewFromInt(10) // ₹10 per crore of value

	stampFuturesBuyPct = decimal.RequireFromString("0.002")
	stampOptionsBuyPct = decimal.RequireFromString("0.003")
	stampEquityBuyPct  = decimal.RequireFromString("0.003")

	hundred = decimal.NewFromInt(100)
	crore   = decimal.NewFromInt(10000000)
)

// CalculateCosts computes the full cost breakdown for an order value.
// BUY: net = value + charges. SELL: net = value - charges.
func CalculateCosts(orderValue decimal.Decimal, side broker.Side, segment broker.Segment) (*CostBreakdown, error) {
	if orderValue.IsNegative() || orderValue.IsZero() {
		return nil, errkind.New(errkind.Validation, "order value must be positive")
	}
	if side != broker.SideBuy && side != broker.SideSell {
		return nil, errkind.New(errkind.Validation, "unknown side %q", side)
	}

	cb := &CostBreakdown{OrderValue: orderValue.Round(twoPlaces)}
	cb.Brokerage = flatBrokerage

	var sttPct, exchPct, stampPct decimal.Decimal
	switch segment {
	case broker.SegmentFutures:
		sttPct, exchPct, stampPct = sttFuturesSellPct, exchFuturesPct, stampFuturesBuyPct
	case broker.SegmentOptions:
		sttPct, exchPct, stampPct = sttOptionsSellPct, exchOptionsPct, stampOptionsBuyPct
	case broker.SegmentEquity:
		sttPct, exchPct, stampPct = sttEquityPct, exchEquityPct, stampEquityBuyPct
	default:
		return nil, errkind.New(errkind.Validation, "unknown segment %q", segment)
	}

	// STT on the sell side only; stamp duty on the buy side only.
	if side == broker.SideSell {
		cb.STT = orderValue.Mul(sttPct).Div(hundred).Round(twoPlaces)
	} else {
		cb.StampDuty = orderValue.Mul(stampPct).Div(hundred).Round(twoPlaces)
	}

	cb.ExchangeCharges = orderValue.Mul(exchPct).Div(hundred).Round(twoPlaces)
	cb.GST = cb.Brokerage.Add(cb.ExchangeCharges).Mul(gstPct).Div(hundred).Round(twoPlaces)
	cb.SEBICharges = orderValue.Mul(sebiPerCrore).Div(crore).Round(twoPlaces)

	cb.TotalCharges = cb.Brokerage.
		Add(cb.STT).
		Add(cb.ExchangeCharges).
		Add(cb.GST).
		Add(cb.SEBICharges).
		Add(cb.StampDuty)

	if side == broker.SideBuy {
		cb.NetCost = cb.OrderValue.Add(cb.TotalCharges)
	} else {
		cb.NetCost = cb.OrderValue.Sub(cb.TotalCharges)
	}
	return cb, nil
}
