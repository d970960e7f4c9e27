package housekeeping

import (
	"context"
	"fmt"
	"time"

	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/events"
)

// clockOpen reports whether a strategy's configured time of day has passed.
// The clock is an exchange-local offset from midnight; zero means no gate.
func (e *Engine) clockOpen(now time.Time, clock time.Duration) bool {
	if clock <= 0 {
		return true
	}
	at := e.cal.At(now, int(clock.Hours()), int(clock.Minutes())%60)
	return !now.Before(at)
}

// WarnIntradayPositions raises a warning for every open MIS position ahead of
// the forced square-off window. Scheduled at the default 15:15 exchange time;
// strategies with a later configured warning time are left for a later pass.
func (e *Engine) WarnIntradayPositions(ctx context.Context) error {
	positions, err := e.gateway.ListPositions(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, p := range positions {
		if p.Product != broker.ProductMIS || p.Quantity == 0 {
			continue
		}
		if e.dir != nil {
			warnClock, _ := e.dir.SquareOffClock(ctx, p.StrategyID)
			if !e.clockOpen(now, warnClock) {
				continue
			}
		}
		if e.bus == nil {
			continue
		}
		ev := events.New(events.EventMarginWarning, events.SeverityWarning, p.StrategyID,
			"Intraday square-off approaching",
			fmt.Sprintf("MIS position %s %d on %s will be squared off at the cutoff", p.Side, p.Quantity, p.Instrument.TradingSymbol)).
			With("position_id", p.ID).
			With("tradingsymbol", p.Instrument.TradingSymbol).
			With("quantity", p.Quantity).
			WithActions("close_position", "convert_to_nrml")
		if err := e.bus.Publish(ctx, ev); err != nil {
			e.log.Error().Err(err).Msg("square-off warning publish failed")
		}
	}
	return nil
}

// SquareOffIntraday flattens every open MIS position with an opposite market
// order. Legs that still fail after the gateway's own retries are parked for
// RetryFailed. Scheduled at the default 15:20 exchange time; strategies with
// a later configured cutoff are skipped until their own clock passes.
func (e *Engine) SquareOffIntraday(ctx context.Context) (int, error) {
	positions, err := e.gateway.ListPositions(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var failed []broker.Position
	flattened := 0

	for _, p := range positions {
		if p.Product != broker.ProductMIS || p.Quantity == 0 {
			continue
		}
		if e.dir != nil {
			_, offClock := e.dir.SquareOffClock(ctx, p.StrategyID)
			if !e.clockOpen(now, offClock) {
				continue
			}
		}
		rec := &ActionRecord{
			Key:     e.actionKey(p.ID, ReasonIntradaySquareOff, now),
			OrderID: p.ID,
			Reason:  ReasonIntradaySquareOff,
			Action:  "square_off",
			Details: fmt.Sprintf("%s %d %s", p.Side, p.Quantity, p.Instrument.TradingSymbol),
			At:      now,
		}
		if !e.claim(ctx, rec) {
			continue
		}
		if err := e.flatten(ctx, p, now); err != nil {
			e.log.Error().Err(err).Str("position", p.ID).Msg("square-off leg failed, parked for retry")
			failed = append(failed, p)
			continue
		}
		flattened++
	}

	e.mu.Lock()
	e.failedLegs = failed
	e.mu.Unlock()

	if len(failed) > 0 {
		e.scheduleRetry()
	}
	if e.bus != nil {
		ev := events.New(events.EventHousekeepingComplete, events.SeverityInfo, "",
			"Intraday square-off complete",
			fmt.Sprintf("%d positions flattened, %d failed", flattened, len(failed))).
			With("flattened", flattened).
			With("failed", len(failed))
		if err := e.bus.Publish(ctx, ev); err != nil {
			e.log.Error().Err(err).Msg("square-off event publish failed")
		}
	}
	return flattened, nil
}

func (e *Engine) flatten(ctx context.Context, p broker.Position, now time.Time) error {
	_, err := e.gateway.PlaceOrder(ctx, broker.OrderParams{
		Instrument:     p.Instrument,
		Side:           p.Side.Opposite(),
		Type:           broker.OrderTypeMarket,
		Product:        p.Product,
		Quantity:       p.Quantity,
		StrategyID:     p.StrategyID,
		IdempotencyKey: fmt.Sprintf("sqoff:%s:%s", p.ID, e.cal.Local(now).Format("2006-01-02")),
	})
	return err
}

// RetryFailed re-attempts the parked square-off legs. The idempotency key is
// stable per position and day, so a leg that actually went through on the
// first pass is not duplicated.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	e.mu.Lock()
	legs := e.failedLegs
	e.failedLegs = nil
	e.mu.Unlock()

	now := time.Now().UTC()
	recovered := 0
	var stillFailed []broker.Position
	for _, p := range legs {
		if err := e.flatten(ctx, p, now); err != nil {
			e.log.Error().Err(err).Str("position", p.ID).Msg("square-off retry failed")
			stillFailed = append(stillFailed, p)
			continue
		}
		recovered++
	}

	e.mu.Lock()
	e.failedLegs = append(e.failedLegs, stillFailed...)
	e.mu.Unlock()

	if len(stillFailed) > 0 && e.bus != nil {
		ev := events.New(events.EventRiskBreach, events.SeverityCritical, "",
			"Square-off legs still failing",
			fmt.Sprintf("%d MIS positions could not be flattened after retry", len(stillFailed))).
			With("failed", len(stillFailed)).
			WithActions("manual_intervention")
		if err := e.bus.Publish(ctx, ev); err != nil {
			e.log.Error().Err(err).Msg("square-off failure publish failed")
		}
	}
	return recovered, nil
}

func (e *Engine) scheduleRetry() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-e.stopChan:
			return
		case <-time.After(e.cfg.SquareOffRetry):
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := e.RetryFailed(ctx); err != nil {
			e.log.Error().Err(err).Msg("square-off retry pass failed")
		}
	}()
}

// SquareOffStrategy flattens every open position of one strategy regardless
// of product. Called by the risk monitor on loss breach or an expired
// shortfall grace window; reason becomes part of the idempotency key.
func (e *Engine) SquareOffStrategy(ctx context.Context, strategyID, reason string) (int, error) {
	positions, err := e.gateway.ListPositions(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	flattened := 0
	for _, p := range positions {
		if p.StrategyID != strategyID || p.Quantity == 0 {
			continue
		}
		rec := &ActionRecord{
			Key:     e.actionKey(p.ID, reason, now),
			OrderID: p.ID,
			Reason:  reason,
			Action:  "square_off",
			Details: fmt.Sprintf("%s %d %s", p.Side, p.Quantity, p.Instrument.TradingSymbol),
			At:      now,
		}
		if !e.claim(ctx, rec) {
			continue
		}
		if err := e.flatten(ctx, p, now); err != nil {
			e.log.Error().Err(err).Str("position", p.ID).Str("reason", reason).Msg("strategy square-off leg failed")
			continue
		}
		flattened++
	}

	// The exits leave protective legs behind; reconcile them right away
	// instead of waiting for the next sweep.
	if flattened > 0 {
		if _, err := e.Trigger(ctx, TriggerPositionClosed, strategyID); err != nil {
			e.log.Error().Err(err).Str("strategy", strategyID).Msg("post square-off cleanup failed")
		}
	}
	return flattened, nil
}

// FailedLegCount reports how many square-off legs are awaiting retry.
func (e *Engine) FailedLegCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.failedLegs)
}
