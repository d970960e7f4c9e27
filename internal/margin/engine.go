package margin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/errkind"
	"fno-trading-engine/internal/events"
	"fno-trading-engine/internal/marketdata"
)

// Source tags where a snapshot's numbers came from.
type Source string

const (
	SourceBroker   Source = "broker"
	SourceInternal Source = "internal"
)

// Breakdown is the margin requirement for a single order/position leg.
type Breakdown struct {
	Token        uint32          `json:"token"`
	BaseSpan     decimal.Decimal `json:"base_span"`
	AdjustedSpan decimal.Decimal `json:"adjusted_span"`
	Exposure     decimal.Decimal `json:"exposure"`
	Premium      decimal.Decimal `json:"premium"`
	Additional   decimal.Decimal `json:"additional"`
	Total        decimal.Decimal `json:"total"`
	Factors      []Factor        `json:"factors"`
}

// Snapshot is the margin state of one strategy at one instant.
type Snapshot struct {
	StrategyID     string          `json:"strategy_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Source         Source          `json:"source"`
	Span           decimal.Decimal `json:"span"`
	Exposure       decimal.Decimal `json:"exposure"`
	Premium        decimal.Decimal `json:"premium"`
	Additional     decimal.Decimal `json:"additional"`
	Total          decimal.Decimal `json:"total"`
	AppliedFactors []Factor        `json:"applied_factors"`
	Available      decimal.Decimal `json:"available"`
	UtilizationPct float64         `json:"utilization_pct"`
	BufferPct      float64         `json:"buffer_pct"` // advisory overlay, not added to required
	BufferedTotal  decimal.Decimal `json:"buffered_total"`
	Warnings       []string        `json:"warnings"`
}

// ChangeEvent records a significant margin change for a strategy.
type ChangeEvent struct {
	StrategyID  string          `json:"strategy_id"`
	Old         decimal.Decimal `json:"old"`
	New         decimal.Decimal `json:"new"`
	Pct         float64         `json:"pct"`
	Reason      string          `json:"reason"`
	Severity    string          `json:"severity"`
	ActionTaken string          `json:"action_taken"`
	At          time.Time       `json:"at"`
}

// Store persists snapshots and change events.
type Store interface {
	SaveMarginSnapshot(ctx context.Context, snap *Snapshot) error
	SaveMarginChangeEvent(ctx context.Context, ev *ChangeEvent) error
}

// Config tunes the engine.
type Config struct {
	ExposurePct       float64 // flat exposure margin, % of contract value
	MinorChangePct    float64
	MajorChangePct    float64
	CriticalChangePct float64
}

// Engine computes margin. The broker path asks the gateway's basket
// calculator for the authoritative number; the internal path derives it from
// the NSE margin cache and the live factors, and never drops below the last
// broker figure while the factors that produced it still hold.
type Engine struct {
	gateway *broker.Gateway
	nse     *marketdata.NSEMarginFile
	vix     *marketdata.VIXSource
	cal     *marketdata.Calendar
	md      *marketdata.Adapter
	bus     *events.Bus
	store   Store
	cfg     Config
	log     zerolog.Logger

	mu                 sync.Mutex
	floors             map[string]brokerFloor // strategy id -> last broker-path figure
	lastTotals         map[string]decimal.Decimal
	lastStamp          map[string]time.Time
	regulatoryOverride float64 // broker/circular override, 0 when none
	onSnapshot         func(*Snapshot)
}

type brokerFloor struct {
	total    decimal.Decimal
	combined decimal.Decimal // factor product when the broker figure was taken
	at       time.Time
}

// NewEngine wires the margin engine.
func NewEngine(
	gateway *broker.Gateway,
	nse *marketdata.NSEMarginFile,
	vix *marketdata.VIXSource,
	cal *marketdata.Calendar,
	md *marketdata.Adapter,
	bus *events.Bus,
	store Store,
	cfg Config,
	log zerolog.Logger,
) *Engine {
	if cfg.ExposurePct <= 0 {
		cfg.ExposurePct = 3.0
	}
	if cfg.MinorChangePct <= 0 {
		cfg.MinorChangePct = 2.0
	}
	if cfg.MajorChangePct <= 0 {
		cfg.MajorChangePct = 5.0
	}
	if cfg.CriticalChangePct <= 0 {
		cfg.CriticalChangePct = 10.0
	}
	return &Engine{
		gateway:    gateway,
		nse:        nse,
		vix:        vix,
		cal:        cal,
		md:         md,
		bus:        bus,
		store:      store,
		cfg:        cfg,
		log:        log.With().Str("component", "margin-engine").Logger(),
		floors:     make(map[string]brokerFloor),
		lastTotals: make(map[string]decimal.Decimal),
		lastStamp:  make(map[string]time.Time),
	}
}

// SetSnapshotSink registers a consumer for every finished snapshot. The risk
// evaluator hangs off this.
func (e *Engine) SetSnapshotSink(fn func(*Snapshot)) {
	e.mu.Lock()
	e.onSnapshot = fn
	e.mu.Unlock()
}

// SetRegulatoryOverride installs a broker/circular margin override (>1.0) or
// clears it (<=1.0). Clearing counts as a factor drop for the broker floor.
func (e *Engine) SetRegulatoryOverride(mul float64) {
	e.mu.Lock()
	e.regulatoryOverride = mul
	e.mu.Unlock()
	e.OnFactorChange("REGULATORY")
}

// OnFactorChange invalidates broker floors affected by a factor move so the
// next internal recompute reflects the new regime.
func (e *Engine) OnFactorChange(factor string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.Info().Str("factor", factor).Msg("factor change, floors invalidated")
	e.floors = make(map[string]brokerFloor)
}

// currentFactors assembles the live multiplier set for an instrument.
func (e *Engine) currentFactors(inst broker.Instrument, now time.Time, priceMovePct float64, rowRegulatory float64) []Factor {
	factors := make([]Factor, 0, 4)

	vixVal := 0.0
	if snap, ok := e.vix.Current(); ok {
		vixVal = snap.Value
	}
	factors = append(factors, VIXMultiplier(vixVal))

	days := e.cal.DaysToExpiry(now, inst.Expiry)
	factors = append(factors, ExpiryMultiplier(days, e.cal.MinutesOfDay(now)))

	factors = append(factors, PriceMoveMultiplier(priceMovePct))

	e.mu.Lock()
	override := e.regulatoryOverride
	e.mu.Unlock()
	factors = append(factors, RegulatoryMultiplier(rowRegulatory, override))

	return factors
}

// CalculateForOrder computes the internal-path margin for one order.
func (e *Engine) CalculateForOrder(ctx context.Context, params broker.OrderParams) (*Breakdown, error) {
	quote, err := e.md.GetQuote(ctx, params.Instrument.Token)
	if err != nil {
		return nil, err
	}
	return e.breakdownFor(params.Instrument, params.Side, params.Quantity, quote, time.Now().UTC())
}

func (e *Engine) breakdownFor(inst broker.Instrument, side broker.Side, quantity int64, quote *broker.Quote, now time.Time) (*Breakdown, error) {
	row, ok := e.nse.Lookup(inst.Token)
	if !ok && inst.IsDerivative() {
		return nil, errkind.New(errkind.Validation, "no NSE margin data for token %d (%s)", inst.Token, inst.TradingSymbol)
	}

	lots := decimal.NewFromInt(quantity)
	if inst.LotSize > 0 {
		lots = decimal.NewFromInt(quantity / int64(inst.LotSize))
	}
	baseSpan := row.SpanPerLot.Mul(lots)

	factors := e.currentFactors(inst, now, quote.IntradayChangePct(), row.RegulatoryMul)
	adjustedSpan := baseSpan.Mul(Combined(factors)).Round(2)

	contractValue := quote.LastPrice.Mul(decimal.NewFromInt(quantity))
	exposure := contractValue.Mul(decimal.NewFromFloat(e.cfg.ExposurePct)).Div(decimal.NewFromInt(100)).Round(2)

	premium := decimal.Zero
	if inst.IsShortOption(side) {
		premium = contractValue.Round(2)
	}

	b := &Breakdown{
		Token:        inst.Token,
		BaseSpan:     baseSpan,
		AdjustedSpan: adjustedSpan,
		Exposure:     exposure,
		Premium:      premium,
		Additional:   decimal.Zero,
		Factors:      factors,
	}
	b.Total = b.AdjustedSpan.Add(b.Exposure).Add(b.Premium).Add(b.Additional)
	return b, nil
}

// CalculateBatch computes the margin snapshot for a basket. The broker path
// is preferred; when the broker is throttled or down the internal path
// serves, held at the last broker floor unless a factor has dropped.
func (e *Engine) CalculateBatch(ctx context.Context, strategyID string, basket []broker.OrderParams, bufferPct float64) (*Snapshot, error) {
	snap, err := e.brokerPath(ctx, strategyID, basket)
	if err != nil {
		if !errkind.Retryable(err) && errkind.KindOf(err) != errkind.RateLimit {
			return nil, err
		}
		e.log.Debug().Err(err).Msg("broker margin path unavailable, using internal path")
		snap, err = e.internalPath(ctx, strategyID, basket)
		if err != nil {
			return nil, err
		}
	}

	e.finishSnapshot(ctx, snap, bufferPct)
	return snap, nil
}

func (e *Engine) brokerPath(ctx context.Context, strategyID string, basket []broker.OrderParams) (*Snapshot, error) {
	if len(basket) == 0 {
		return &Snapshot{StrategyID: strategyID, Source: SourceBroker}, nil
	}
	margins, err := e.gateway.GetBasketMargins(ctx, basket)
	if err != nil {
		return nil, err
	}

	// Collect the current factor set for the audit trail even though the
	// broker figure already embeds exchange scaling.
	var factors []Factor
	if len(basket) > 0 {
		row, _ := e.nse.Lookup(basket[0].Instrument.Token)
		quotePct := 0.0
		if quote, qerr := e.md.GetQuote(ctx, basket[0].Instrument.Token); qerr == nil {
			quotePct = quote.IntradayChangePct()
		}
		factors = e.currentFactors(basket[0].Instrument, time.Now().UTC(), quotePct, row.RegulatoryMul)
	}

	snap := &Snapshot{
		StrategyID:     strategyID,
		Source:         SourceBroker,
		Span:           margins.Final.Span,
		Exposure:       margins.Final.Exposure,
		Premium:        margins.Final.Premium,
		Additional:     margins.Final.Additional,
		Total:          margins.Final.Total,
		AppliedFactors: factors,
	}
	// The broker number is truth: record it as the floor for subsequent
	// internal recomputes in this bucket.
	e.mu.Lock()
	e.floors[strategyID] = brokerFloor{
		total:    snap.Total,
		combined: Combined(factors),
		at:       time.Now().UTC(),
	}
	e.mu.Unlock()
	return snap, nil
}

func (e *Engine) internalPath(ctx context.Context, strategyID string, basket []broker.OrderParams) (*Snapshot, error) {
	snap := &Snapshot{StrategyID: strategyID, Source: SourceInternal}
	var combined decimal.Decimal

	for _, leg := range basket {
		quote, err := e.md.GetQuote(ctx, leg.Instrument.Token)
		if err != nil {
			return nil, err
		}
		b, err := e.breakdownFor(leg.Instrument, leg.Side, leg.Quantity, quote, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		snap.Span = snap.Span.Add(b.AdjustedSpan)
		snap.Exposure = snap.Exposure.Add(b.Exposure)
		snap.Premium = snap.Premium.Add(b.Premium)
		snap.Additional = snap.Additional.Add(b.Additional)
		if len(snap.AppliedFactors) == 0 {
			snap.AppliedFactors = b.Factors
			combined = Combined(b.Factors)
		}
	}
	snap.Total = snap.Span.Add(snap.Exposure).Add(snap.Premium).Add(snap.Additional)

	// Hold at the last broker figure unless the factor product has dropped.
	e.mu.Lock()
	floor, ok := e.floors[strategyID]
	e.mu.Unlock()
	if ok && snap.Total.LessThan(floor.total) && combined.GreaterThanOrEqual(floor.combined) {
		snap.Total = floor.total
		snap.Warnings = append(snap.Warnings, "HELD_AT_BROKER_FLOOR")
	}
	return snap, nil
}

// finishSnapshot stamps, funds, persists and emits change events.
func (e *Engine) finishSnapshot(ctx context.Context, snap *Snapshot, bufferPct float64) {
	snap.Timestamp = e.stamp(snap.StrategyID)
	snap.BufferPct = bufferPct
	if bufferPct > 0 {
		buffer := snap.Total.Mul(decimal.NewFromFloat(bufferPct)).Div(decimal.NewFromInt(100))
		snap.BufferedTotal = snap.Total.Add(buffer).Round(2)
	} else {
		snap.BufferedTotal = snap.Total
	}

	if funds, err := e.gateway.GetFunds(ctx); err == nil {
		snap.Available = funds.Available
		if !funds.Available.IsZero() {
			util, _ := snap.Total.Div(funds.Available).Mul(decimal.NewFromInt(100)).Float64()
			snap.UtilizationPct = util
		}
	} else {
		snap.Warnings = append(snap.Warnings, "FUNDS_UNAVAILABLE")
	}

	if e.store != nil {
		if err := e.store.SaveMarginSnapshot(ctx, snap); err != nil {
			e.log.Error().Err(err).Str("strategy", snap.StrategyID).Msg("snapshot persist failed")
		}
	}

	e.emitChange(ctx, snap)
	e.emitShortfall(ctx, snap)

	e.mu.Lock()
	sink := e.onSnapshot
	e.mu.Unlock()
	if sink != nil {
		sink(snap)
	}
}

// stamp keeps snapshot timestamps strictly increasing per strategy.
func (e *Engine) stamp(strategyID string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	if last, ok := e.lastStamp[strategyID]; ok && !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	e.lastStamp[strategyID] = now
	return now
}

func (e *Engine) emitChange(ctx context.Context, snap *Snapshot) {
	e.mu.Lock()
	old, had := e.lastTotals[snap.StrategyID]
	e.lastTotals[snap.StrategyID] = snap.Total
	e.mu.Unlock()

	if !had || old.IsZero() {
		return
	}
	pct, _ := snap.Total.Sub(old).Div(old).Mul(decimal.NewFromInt(100)).Float64()
	abs := pct
	if abs < 0 {
		abs = -abs
	}
	if abs < e.cfg.MinorChangePct {
		return
	}

	severity := events.SeverityInfo
	switch {
	case abs >= e.cfg.CriticalChangePct:
		severity = events.SeverityCritical
	case abs >= e.cfg.MajorChangePct:
		severity = events.SeverityWarning
	}

	change := &ChangeEvent{
		StrategyID:  snap.StrategyID,
		Old:         old,
		New:         snap.Total,
		Pct:         pct,
		Reason:      factorSummary(snap.AppliedFactors),
		Severity:    severity.String(),
		ActionTaken: "snapshot",
		At:          snap.Timestamp,
	}
	if e.store != nil {
		if err := e.store.SaveMarginChangeEvent(ctx, change); err != nil {
			e.log.Error().Err(err).Msg("change event persist failed")
		}
	}

	if pct > 0 && e.bus != nil {
		ev := events.New(events.EventMarginIncreased, severity, snap.StrategyID,
			"Margin requirement increased",
			fmt.Sprintf("margin moved %.1f%% to %s", pct, snap.Total)).
			With("old", old.String()).
			With("new", snap.Total.String()).
			With("pct", pct).
			With("source", string(snap.Source))
		if err := e.bus.Publish(ctx, ev); err != nil {
			e.log.Error().Err(err).Msg("margin change publish failed")
		}
	}
}

func (e *Engine) emitShortfall(ctx context.Context, snap *Snapshot) {
	if e.bus == nil || snap.Available.IsZero() || snap.Total.LessThanOrEqual(snap.Available) {
		return
	}
	shortfall := snap.Total.Sub(snap.Available).Round(2)
	ev := events.New(events.EventMarginShortfall, events.SeverityUrgent, snap.StrategyID,
		"Margin shortfall",
		fmt.Sprintf("required %s exceeds available %s", snap.Total, snap.Available)).
		With("required", snap.Total.String()).
		With("available", snap.Available.String()).
		With("shortfall", shortfall.String()).
		WithActions("add_funds", "reduce_positions")
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.log.Error().Err(err).Msg("shortfall publish failed")
	}
}

func factorSummary(factors []Factor) string {
	if len(factors) == 0 {
		return "broker"
	}
	out := ""
	for i, f := range factors {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s(%s)x%s", f.Name, f.Detail, f.Multiplier)
	}
	return out
}

// PositionsToBasket converts open positions into basket legs for margin
// calculation.
func PositionsToBasket(positions []broker.Position) []broker.OrderParams {
	basket := make([]broker.OrderParams, 0, len(positions))
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		basket = append(basket, broker.OrderParams{
			Instrument: p.Instrument,
			Side:       p.Side,
			Type:       broker.OrderTypeMarket,
			Product:    p.Product,
			Quantity:   p.Quantity,
			StrategyID: p.StrategyID,
		})
	}
	return basket
}
