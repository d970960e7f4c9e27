// Package margin implements the dynamic margin engine: static SPAN +
// exposure + premium margin scaled by volatility, expiry proximity, price
// moves and regulatory overrides, with a broker path for authoritative
// numbers and an internal path for interim updates.
package margin

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Factor records one applied multiplier for a snapshot's audit trail.
type Factor struct {
	Name       string          `json:"name"` // VIX, EXPIRY_PROXIMITY, PRICE_MOVE, REGULATORY
	Detail     string          `json:"detail"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// Intraday overlay cutoffs on expiry day, minutes since exchange midnight.
const (
	expiryEarlyCutoffMin = 13*60 + 30 // 13:30
	expiryLateCutoffMin  = 15 * 60    // 15:00
)

var (
	mul10  = decimal.RequireFromString("1.0")
	mul105 = decimal.RequireFromString("1.05")
	mul11  = decimal.RequireFromString("1.1")
	mul12  = decimal.RequireFromString("1.2")
	mul13  = decimal.RequireFromString("1.3")
	mul14  = decimal.RequireFromString("1.4")
	mul15  = decimal.RequireFromString("1.5")
	mul16  = decimal.RequireFromString("1.6")
	mul17  = decimal.RequireFromString("1.7")
	mul20  = decimal.RequireFromString("2.0")
	mul25  = decimal.RequireFromString("2.5")
	mul35  = decimal.RequireFromString("3.5")
)

// VIXMultiplier maps the India VIX level to a span multiplier. A value
// exactly on a band boundary takes the upper band.
func VIXMultiplier(vix float64) Factor {
	var m decimal.Decimal
	switch {
	case vix >= 40:
		m = mul20
	case vix >= 30:
		m = mul17
	case vix >= 25:
		m = mul15
	case vix >= 20:
		m = mul13
	case vix >= 15:
		m = mul11
	default:
		m = mul10
	}
	return Factor{Name: "VIX", Detail: fmt.Sprintf("%.2f", vix), Multiplier: m}
}

// ExpiryMultiplier maps days-to-expiry to a span multiplier. On expiry day
// the multiplier is the max of the base 2.5x and the intraday time overlay
// (2.0x before 13:30, 2.5x before 15:00, 3.5x from 15:00:00).
func ExpiryMultiplier(daysToExpiry int, minutesOfDay int) Factor {
	var m decimal.Decimal
	switch {
	case daysToExpiry >= 7:
		m = mul10
	case daysToExpiry >= 3:
		m = mul105
	case daysToExpiry == 2:
		m = mul11
	case daysToExpiry == 1:
		m = mul13
	default: // expiry day (or already past; treated the same)
		m = mul25
		overlay := mul20
		switch {
		case minutesOfDay >= expiryLateCutoffMin:
			overlay = mul35
		case minutesOfDay >= expiryEarlyCutoffMin:
			overlay = mul25
		}
		if overlay.GreaterThan(m) {
			m = overlay
		}
		return Factor{
			Name:       "EXPIRY_PROXIMITY",
			Detail:     fmt.Sprintf("0d@%02d:%02d", minutesOfDay/60, minutesOfDay%60),
			Multiplier: m,
		}
	}
	return Factor{Name: "EXPIRY_PROXIMITY", Detail: fmt.Sprintf("%dd", daysToExpiry), Multiplier: m}
}

// PriceMoveMultiplier maps the absolute intraday % move of the underlying to
// a span multiplier.
func PriceMoveMultiplier(absChangePct float64) Factor {
	var m decimal.Decimal
	switch {
	case absChangePct >= 5:
		m = mul16
	case absChangePct >= 3:
		m = mul14
	case absChangePct >= 2:
		m = mul12
	case absChangePct >= 1:
		m = mul11
	default:
		m = mul10
	}
	return Factor{Name: "PRICE_MOVE", Detail: fmt.Sprintf("%.2f%%", absChangePct), Multiplier: m}
}

// RegulatoryMultiplier takes the max of any in-force overrides (NSE file,
// broker, circular); 1.0 when none apply.
func RegulatoryMultiplier(overrides ...float64) Factor {
	m := mul10
	detail := "none"
	for _, o := range overrides {
		if o > 1.0 {
			d := decimal.NewFromFloat(o)
			if d.GreaterThan(m) {
				m = d
				detail = m.String()
			}
		}
	}
	return Factor{Name: "REGULATORY", Detail: detail, Multiplier: m}
}

// Combined multiplies all factor multipliers together.
func Combined(factors []Factor) decimal.Decimal {
	out := decimal.NewFromInt(1)
	for _, f := range factors {
		out = out.Mul(f.Multiplier)
	}
	return out
}
