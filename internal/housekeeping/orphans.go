package housekeeping

import (
	"context"
	"fmt"
	"time"

	"fno-trading-engine/internal/broker"
)

// OrphanFinding is one flagged order from a read-only detection pass.
type OrphanFinding struct {
	OrderID       string    `json:"order_id"`
	StrategyID    string    `json:"strategy_id,omitempty"`
	TradingSymbol string    `json:"tradingsymbol"`
	Reason        string    `json:"reason"`
	Recommended   string    `json:"recommended"` // cancel or alert
	PlacedAt      time.Time `json:"placed_at"`
}

// DetectOrphans classifies a strategy's active orders without acting on them.
// An empty strategy id scans everything.
func (e *Engine) DetectOrphans(ctx context.Context, strategyID string) ([]OrphanFinding, error) {
	b, err := e.loadBook(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	findings := []OrphanFinding{}
	for _, order := range b.orders {
		if !order.Status.Active() {
			continue
		}
		if strategyID != "" && order.StrategyID != strategyID {
			continue
		}
		reason, cancellable := e.classify(order, b, now)
		if reason == "" {
			continue
		}
		recommended := "alert"
		if cancellable {
			recommended = "cancel"
		}
		findings = append(findings, OrphanFinding{
			OrderID:       order.ID,
			StrategyID:    order.StrategyID,
			TradingSymbol: order.Instrument.TradingSymbol,
			Reason:        reason,
			Recommended:   recommended,
			PlacedAt:      order.PlacedAt,
		})
	}
	return findings, nil
}

// CleanupStrategy cancels every orphan found for one strategy. An explicit
// cleanup request overrides the alert-only configuration; the idempotency key
// still guards against double cancels.
func (e *Engine) CleanupStrategy(ctx context.Context, strategyID string) (*SweepReport, error) {
	b, err := e.loadBook(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := &SweepReport{}
	for _, order := range b.orders {
		if !order.Status.Active() {
			continue
		}
		if strategyID != "" && order.StrategyID != strategyID {
			continue
		}
		report.OrdersScanned++
		reason, _ := e.classify(order, b, now)
		if reason == "" {
			continue
		}
		report.OrphansFound++
		e.handleOrphan(ctx, order, reason, true, now, report)
	}
	return report, nil
}

// book is one consistent read of everything a cleanup pass looks at.
type book struct {
	orders    []broker.Order
	positions []broker.Position
	known     map[string]bool
	policies  map[string]CleanupPolicy
}

func (e *Engine) loadBook(ctx context.Context) (*book, error) {
	orders, err := e.gateway.ListOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	positions, err := e.gateway.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	b := &book{orders: orders, positions: positions}
	if e.dir != nil {
		if b.known, err = e.dir.KnownStrategyIDs(ctx); err != nil {
			return nil, err
		}
		b.policies = make(map[string]CleanupPolicy, len(b.known))
		for id := range b.known {
			b.policies[id] = e.dir.CleanupPolicy(ctx, id)
		}
	}
	return b, nil
}

// policyOf resolves a strategy's cleanup policy, falling back to the engine
// defaults for untagged orders and strategies the directory does not know.
func (e *Engine) policyOf(b *book, strategyID string) CleanupPolicy {
	if b.policies != nil {
		if p, ok := b.policies[strategyID]; ok {
			return p
		}
	}
	return CleanupPolicy{
		AutoCleanup:   e.cfg.CancelStaleOrders,
		CleanupOnExit: e.cfg.CancelStaleOrders,
		StaleAfter:    e.cfg.StaleAfter,
	}
}
