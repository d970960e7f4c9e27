// Package risk runs the per-strategy risk state machine: margin utilization
// levels, loss limits and aggregated Greeks, with hysteresis on the way down
// and forced square-off at the top.
package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/broker"
)

// Level is the strategy risk level. Higher is worse.
type Level int

const (
	L1 Level = iota + 1 // normal
	L2                  // info
	L3                  // warning
	L4                  // critical, stop new orders
	L5                  // urgent, block margin-consuming actions
	L6                  // emergency, grace window then square-off
)

func (l Level) String() string {
	switch l {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case L3:
		return "L3"
	case L4:
		return "L4"
	case L5:
		return "L5"
	case L6:
		return "L6"
	default:
		return "L?"
	}
}

// utilizationLevel maps margin utilization to a level. Boundaries take the
// higher level, matching the margin multiplier convention.
func utilizationLevel(pct float64) Level {
	switch {
	case pct >= 100:
		return L6
	case pct >= 95:
		return L5
	case pct >= 90:
		return L4
	case pct >= 80:
		return L3
	case pct >= 70:
		return L2
	default:
		return L1
	}
}

// GreekRisk classifies one aggregated Greek.
type GreekRisk string

const (
	GreekLow     GreekRisk = "LOW"
	GreekMedium  GreekRisk = "MEDIUM"
	GreekHigh    GreekRisk = "HIGH"
	GreekExtreme GreekRisk = "EXTREME"
)

// GreekThresholds are absolute net-exposure bounds per Greek. A value at or
// past High is HIGH, at or past Extreme is EXTREME; Medium marks the advisory
// band below High.
type GreekThresholds struct {
	Medium  float64
	High    float64
	Extreme float64
}

func (t GreekThresholds) classify(v float64) GreekRisk {
	a := math.Abs(v)
	switch {
	case t.Extreme > 0 && a >= t.Extreme:
		return GreekExtreme
	case t.High > 0 && a >= t.High:
		return GreekHigh
	case t.Medium > 0 && a >= t.Medium:
		return GreekMedium
	default:
		return GreekLow
	}
}

// greekLevel folds per-Greek classifications into a risk level.
func greekLevel(risks map[string]GreekRisk) Level {
	level := L1
	for _, r := range risks {
		var l Level
		switch r {
		case GreekExtreme:
			l = L5
		case GreekHigh:
			l = L4
		case GreekMedium:
			l = L3
		default:
			l = L1
		}
		if l > level {
			level = l
		}
	}
	return level
}

// NetGreeks is the direction-signed portfolio Greek exposure.
type NetGreeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
}

// aggregateGreeks sums quote Greeks across positions, signed by direction and
// scaled by quantity. Positions without Greeks contribute nothing.
func aggregateGreeks(positions []broker.Position, quotes map[uint32]*broker.Quote) NetGreeks {
	var net NetGreeks
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		q, ok := quotes[p.Instrument.Token]
		if !ok || q.Greeks == nil {
			continue
		}
		sign := float64(p.Quantity)
		if p.Side == broker.SideSell {
			sign = -sign
		}
		net.Delta += q.Greeks.Delta * sign
		net.Gamma += q.Greeks.Gamma * sign
		net.Vega += q.Greeks.Vega * sign
		net.Theta += q.Greeks.Theta * sign
	}
	return net
}

// lossPct is the open loss as a percentage of available capital; zero when
// the book is flat or in profit.
func lossPct(positions []broker.Position, available decimal.Decimal) float64 {
	if available.IsZero() {
		return 0
	}
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.PnL())
	}
	if !total.IsNegative() {
		return 0
	}
	pct, _ := total.Neg().Div(available).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}
