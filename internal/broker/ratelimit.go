package broker

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter holds per-endpoint-class token buckets. The margin basket
// limiter defaults to one call per 5 seconds, which also satisfies the
// margin engine's broker-path spacing rule.
type RateLimiter struct {
	Orders *rate.Limiter // place/modify/cancel
	Reads  *rate.Limiter // orders, positions, holdings, funds, quotes
	Margin *rate.Limiter // basket margin calculator
}

// RateLimiterConfig sets the sustained rates per class.
type RateLimiterConfig struct {
	OrdersPerSecond float64
	ReadsPerSecond  float64
	MarginGapSec    int
}

// NewRateLimiter builds the per-class buckets.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.OrdersPerSecond <= 0 {
		cfg.OrdersPerSecond = 10
	}
	if cfg.ReadsPerSecond <= 0 {
		cfg.ReadsPerSecond = 3
	}
	if cfg.MarginGapSec <= 0 {
		cfg.MarginGapSec = 5
	}
	return &RateLimiter{
		Orders: rate.NewLimiter(rate.Limit(cfg.OrdersPerSecond), int(cfg.OrdersPerSecond)),
		Reads:  rate.NewLimiter(rate.Limit(cfg.ReadsPerSecond), int(cfg.ReadsPerSecond)*2),
		Margin: rate.NewLimiter(rate.Every(time.Duration(cfg.MarginGapSec)*time.Second), 1),
	}
}

// WaitOrders blocks until an order slot is available or ctx expires.
func (r *RateLimiter) WaitOrders(ctx context.Context) error { return r.Orders.Wait(ctx) }

// WaitReads blocks until a read slot is available or ctx expires.
func (r *RateLimiter) WaitReads(ctx context.Context) error { return r.Reads.Wait(ctx) }

// AllowMargin reports whether a margin basket call may go out now. It does
// not block: when throttled, the margin engine uses the internal path.
func (r *RateLimiter) AllowMargin() bool { return r.Margin.Allow() }
