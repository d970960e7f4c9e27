// Package housekeeping sweeps the order book and position ledger for debris:
// orders whose strategy no longer exists, protective legs without a parent
// position, stale orders past their useful life, contracts past expiry, and
// intraday positions that must be squared off before the close.
package housekeeping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/events"
	"fno-trading-engine/internal/marketdata"
)

// Cleanup reasons. Part of the idempotency key, so renaming one resets its
// dedupe scope.
const (
	ReasonUnknownStrategy   = "unknown_strategy"
	ReasonNoParentPosition  = "no_parent_position"
	ReasonStaleOrder        = "stale_order"
	ReasonExpiredInstrument = "expired_instrument"
	ReasonIntradaySquareOff = "intraday_square_off"
	ReasonWorthlessOption   = "worthless_option"
)

// Trigger kinds for event-driven cleanup passes.
const (
	TriggerPositionClosed    = "position_closed"
	TriggerPositionReduced   = "position_reduced"
	TriggerOrderFilled       = "order_filled"
	TriggerOrderRejected     = "order_rejected"
	TriggerInstrumentExpired = "instrument_expired"
)

// ActionRecord is one cleanup action, persisted before the broker call so a
// crash between record and cancel errs on the side of not repeating.
type ActionRecord struct {
	Key     string    `json:"key"` // {order_id}:{reason}:{day}
	OrderID string    `json:"order_id"`
	Reason  string    `json:"reason"`
	Action  string    `json:"action"` // cancel, square_off, alert
	Details string    `json:"details"`
	At      time.Time `json:"at"`
}

// ActionLog persists cleanup actions and enforces once-per-key semantics.
// Implemented by the database repository.
type ActionLog interface {
	// RecordAction returns false when the key has already been recorded.
	RecordAction(ctx context.Context, rec *ActionRecord) (bool, error)
}

// CleanupPolicy is the slice of a strategy's settings the sweeps consult.
type CleanupPolicy struct {
	AutoCleanup   bool          // cancel findings instead of alert-only
	CleanupOnExit bool          // cancel leftover legs when a position exits
	AllowOrphans  bool          // protective legs may outlive their position
	StaleAfter    time.Duration // per-strategy staleness; 0 = engine default
}

// StrategyDirectory answers which strategies exist and how each one wants to
// be cleaned up.
type StrategyDirectory interface {
	KnownStrategyIDs(ctx context.Context) (map[string]bool, error)
	CleanupPolicy(ctx context.Context, strategyID string) CleanupPolicy
	SquareOffClock(ctx context.Context, strategyID string) (warn, squareOff time.Duration)
}

// Config tunes the sweeps.
type Config struct {
	SweepInterval     time.Duration // orphan/stale sweep cadence
	StaleAfter        time.Duration // staleness fallback for strategies without one
	StaleHardBound    time.Duration // never let an order live past this
	CancelStaleOrders bool          // false = alert only for stale orders
	SquareOffRetry    time.Duration // retry gap for failed square-off legs
}

// Engine runs the housekeeping sweeps.
type Engine struct {
	gateway   *broker.Gateway
	cal       *marketdata.Calendar
	bus       *events.Bus
	actionLog ActionLog
	dir       StrategyDirectory
	cfg       Config
	log       zerolog.Logger

	mu         sync.Mutex
	seen       map[string]bool // in-memory dedupe in front of the action log
	seenDay    string
	failedLegs []broker.Position

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	OrdersScanned     int `json:"orders_scanned"`
	OrphansFound      int `json:"orphans_found"`
	OrdersCancelled   int `json:"orders_cancelled"`
	PositionsArchived int `json:"positions_archived"`
	AlertsRaised      int `json:"alerts_raised"`
	Errors            int `json:"errors"`
}

// NewEngine wires the housekeeping engine.
func NewEngine(gateway *broker.Gateway, cal *marketdata.Calendar, bus *events.Bus, actionLog ActionLog, dir StrategyDirectory, cfg Config, log zerolog.Logger) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	if cfg.StaleHardBound <= 0 {
		cfg.StaleHardBound = 48 * time.Hour
	}
	if cfg.SquareOffRetry <= 0 {
		cfg.SquareOffRetry = 5 * time.Minute
	}
	return &Engine{
		gateway:   gateway,
		cal:       cal,
		bus:       bus,
		actionLog: actionLog,
		dir:       dir,
		cfg:       cfg,
		log:       log.With().Str("component", "housekeeping").Logger(),
		seen:      make(map[string]bool),
		stopChan:  make(chan struct{}),
	}
}

// Start runs the periodic sweep until Stop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopChan:
				return
			case <-ticker.C:
				if !e.cal.IsMarketOpen(time.Now()) {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SweepInterval)
				if _, err := e.Sweep(ctx); err != nil {
					e.log.Error().Err(err).Msg("sweep failed")
				}
				// Strategies may configure a square-off cutoff away from the
				// scheduled 15:20; the pass is a no-op before each clock and
				// idempotent after it.
				if e.dir != nil {
					if _, err := e.SquareOffIntraday(ctx); err != nil {
						e.log.Error().Err(err).Msg("square-off pass failed")
					}
				}
				cancel()
			}
		}
	}()
}

// Stop halts the sweep loop.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stopChan) })
	e.wg.Wait()
}

// actionKey builds the deterministic cleanup key: one action per order,
// reason and trading day.
func (e *Engine) actionKey(orderID, reason string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%s", orderID, reason, e.cal.Local(now).Format("2006-01-02"))
}

// claim records the key; returns true when this process owns the action.
func (e *Engine) claim(ctx context.Context, rec *ActionRecord) bool {
	day := e.cal.Local(rec.At).Format("2006-01-02")
	e.mu.Lock()
	if e.seenDay != day {
		e.seen = make(map[string]bool)
		e.seenDay = day
	}
	if e.seen[rec.Key] {
		e.mu.Unlock()
		return false
	}
	e.seen[rec.Key] = true
	e.mu.Unlock()

	if e.actionLog == nil {
		return true
	}
	fresh, err := e.actionLog.RecordAction(ctx, rec)
	if err != nil {
		e.log.Error().Err(err).Str("key", rec.Key).Msg("action log write failed, skipping action")
		return false
	}
	return fresh
}

// Sweep runs one pass of orphan, stale and expiry detection, then archives
// worthless option positions on their expiry day.
func (e *Engine) Sweep(ctx context.Context) (*SweepReport, error) {
	b, err := e.loadBook(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := &SweepReport{OrdersScanned: len(b.orders)}

	for _, order := range b.orders {
		if !order.Status.Active() {
			continue
		}
		reason, cancellable := e.classify(order, b, now)
		if reason == "" {
			continue
		}
		report.OrphansFound++
		e.handleOrphan(ctx, order, reason, cancellable, now, report)
	}

	e.archiveWorthless(ctx, b, now, report)

	e.publishComplete(ctx, report)
	return report, nil
}

// Trigger runs a targeted cleanup pass in response to an order or position
// lifecycle event, without waiting for the periodic sweep. On position exits
// the strategy's cleanup-on-exit policy decides between cancelling the
// now-orphaned legs and alerting only.
func (e *Engine) Trigger(ctx context.Context, kind, strategyID string) (*SweepReport, error) {
	b, err := e.loadBook(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := &SweepReport{}
	exit := kind == TriggerPositionClosed || kind == TriggerPositionReduced

	for _, order := range b.orders {
		if !order.Status.Active() {
			continue
		}
		if strategyID != "" && order.StrategyID != strategyID {
			continue
		}
		report.OrdersScanned++
		reason, cancellable := e.classify(order, b, now)
		if reason == "" {
			continue
		}
		if exit && !e.policyOf(b, order.StrategyID).CleanupOnExit {
			cancellable = false
		}
		report.OrphansFound++
		e.handleOrphan(ctx, order, reason, cancellable, now, report)
	}

	e.log.Debug().Str("trigger", kind).Str("strategy", strategyID).
		Int("orphans", report.OrphansFound).Msg("triggered cleanup pass done")
	return report, nil
}

// classify returns the cleanup reason for an active order, or "". The second
// return says whether the finding may be auto-cancelled (hard-bound staleness
// and expired contracts always are; the rest follow the strategy's policy).
func (e *Engine) classify(order broker.Order, b *book, now time.Time) (string, bool) {
	if !order.Instrument.Expiry.IsZero() &&
		(e.cal.ExpiresToday(now, order.Instrument.Expiry) || e.cal.DaysToExpiry(now, order.Instrument.Expiry) < 0) {
		return ReasonExpiredInstrument, true
	}
	policy := e.policyOf(b, order.StrategyID)
	age := now.Sub(order.PlacedAt)
	if age > e.cfg.StaleHardBound {
		return ReasonStaleOrder, true
	}
	staleAfter := policy.StaleAfter
	if staleAfter <= 0 {
		staleAfter = e.cfg.StaleAfter
	}
	if age > staleAfter {
		return ReasonStaleOrder, e.cfg.CancelStaleOrders && policy.AutoCleanup
	}
	if b.known != nil && order.StrategyID != "" && !b.known[order.StrategyID] {
		return ReasonUnknownStrategy, e.cfg.CancelStaleOrders
	}
	if order.IsProtective() && !coveredByPosition(b.positions, order) {
		if policy.AllowOrphans {
			return "", false
		}
		return ReasonNoParentPosition, policy.AutoCleanup
	}
	return "", false
}

// coveredByPosition reports whether a protective order still has the position
// it protects: same strategy, same instrument, open quantity on the opposite
// side. A long position in another strategy does not cover this strategy's
// stop.
func coveredByPosition(positions []broker.Position, order broker.Order) bool {
	for _, p := range positions {
		if p.Quantity == 0 || p.Instrument.Token != order.Instrument.Token {
			continue
		}
		if order.StrategyID != "" && p.StrategyID != order.StrategyID {
			continue
		}
		if p.Side == order.Side {
			continue
		}
		return true
	}
	return false
}

// worthlessPremium is the NSE option tick; an expiring contract marked at or
// below it settles worthless.
var worthlessPremium = decimal.RequireFromString("0.05")

// archiveWorthless records an archive action for every option position that
// expires today with its premium at zero. Nothing is sent to the broker; the
// contract lapses on its own and the record keeps the ledger explicable.
func (e *Engine) archiveWorthless(ctx context.Context, b *book, now time.Time, report *SweepReport) {
	for _, p := range b.positions {
		if p.Quantity == 0 || p.Instrument.Segment != broker.SegmentOptions {
			continue
		}
		if !e.cal.ExpiresToday(now, p.Instrument.Expiry) {
			continue
		}
		if p.LastPrice.GreaterThan(worthlessPremium) {
			continue
		}
		rec := &ActionRecord{
			Key:     e.actionKey(p.ID, ReasonWorthlessOption, now),
			OrderID: p.ID,
			Reason:  ReasonWorthlessOption,
			Action:  "archive",
			Details: fmt.Sprintf("%s %d %s marked %s", p.Side, p.Quantity, p.Instrument.TradingSymbol, p.LastPrice),
			At:      now,
		}
		if !e.claim(ctx, rec) {
			continue
		}
		report.PositionsArchived++
		e.log.Info().Str("position", p.ID).Str("tradingsymbol", p.Instrument.TradingSymbol).
			Msg("worthless option archived on expiry day")
	}
}

func (e *Engine) handleOrphan(ctx context.Context, order broker.Order, reason string, cancellable bool, now time.Time, report *SweepReport) {
	action := "alert"
	if cancellable {
		action = "cancel"
	}
	rec := &ActionRecord{
		Key:     e.actionKey(order.ID, reason, now),
		OrderID: order.ID,
		Reason:  reason,
		Action:  action,
		Details: fmt.Sprintf("%s %s %d %s", order.Side, order.Instrument.TradingSymbol, order.Quantity, order.Status),
		At:      now,
	}
	if !e.claim(ctx, rec) {
		return
	}

	cancelFailed := false
	if cancellable {
		if err := e.gateway.CancelOrder(ctx, order.ID); err != nil {
			e.log.Error().Err(err).Str("order", order.ID).Str("reason", reason).Msg("orphan cancel failed")
			report.Errors++
			cancelFailed = true
		} else {
			report.OrdersCancelled++
			e.log.Info().Str("order", order.ID).Str("reason", reason).Msg("orphan cancelled")
		}
	}

	if e.bus != nil {
		// A handled finding is informational; only a failed cancel needs a
		// human.
		sev := events.SeverityInfo
		if cancelFailed {
			sev = events.SeverityWarning
		}
		ev := events.New(events.EventOrphanedOrder, sev, order.StrategyID,
			"Orphaned order",
			fmt.Sprintf("order %s on %s flagged: %s", order.ID, order.Instrument.TradingSymbol, reason)).
			With("order_id", order.ID).
			With("reason", reason).
			With("action", action).
			With("cancel_failed", cancelFailed)
		if err := e.bus.Publish(ctx, ev); err != nil {
			e.log.Error().Err(err).Msg("orphan event publish failed")
		}
		report.AlertsRaised++
	}
}

func (e *Engine) publishComplete(ctx context.Context, report *SweepReport) {
	if e.bus == nil {
		return
	}
	ev := events.New(events.EventHousekeepingComplete, events.SeverityInfo, "",
		"Housekeeping sweep complete",
		fmt.Sprintf("%d orders scanned, %d orphans, %d cancelled", report.OrdersScanned, report.OrphansFound, report.OrdersCancelled)).
		With("orders_scanned", report.OrdersScanned).
		With("orphans_found", report.OrphansFound).
		With("orders_cancelled", report.OrdersCancelled).
		With("positions_archived", report.PositionsArchived).
		With("errors", report.Errors)
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.log.Error().Err(err).Msg("sweep event publish failed")
	}
}
