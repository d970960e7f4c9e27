package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/events"
	"fno-trading-engine/internal/margin"
	"fno-trading-engine/internal/marketdata"
)

// Flattener squares off a whole strategy. Implemented by the housekeeping
// engine.
type Flattener interface {
	SquareOffStrategy(ctx context.Context, strategyID, reason string) (int, error)
}

// Settings are the per-strategy risk limits.
type Settings struct {
	MaxLossPct          float64 // open loss as % of available capital
	MaxUtilizationPct   float64 // strategy ceiling; at or past it new orders stop
	AutoSquareOffOnLoss bool
	ShortfallGrace      time.Duration
	Greeks              struct {
		Delta GreekThresholds
		Gamma GreekThresholds
		Vega  GreekThresholds
		Theta GreekThresholds
	}
}

// SettingsProvider resolves per-strategy risk settings. Implemented by the
// strategy store.
type SettingsProvider interface {
	RiskSettings(ctx context.Context, strategyID string) Settings
}

// Config tunes the monitor.
type Config struct {
	EvaluateInterval    time.Duration
	DefaultShortfall    time.Duration // grace before forced square-off
	LossFlattenDeadline time.Duration // target time to flatten on loss breach
}

// Assessment is one evaluation of a strategy's risk.
type Assessment struct {
	StrategyID       string               `json:"strategy_id"`
	Level            Level                `json:"level"`
	UtilizationPct   float64              `json:"utilization_pct"`
	UtilizationLevel Level                `json:"utilization_level"`
	LossPct          float64              `json:"loss_pct"`
	LossBreached     bool                 `json:"loss_breached"`
	Greeks           NetGreeks            `json:"greeks"`
	GreekRisks       map[string]GreekRisk `json:"greek_risks"`
	Shortfall        decimal.Decimal      `json:"shortfall"`
	GraceDeadline    time.Time            `json:"grace_deadline,omitempty"`
	Flattened        bool                 `json:"flattened"`
	At               time.Time            `json:"at"`
}

type strategyState struct {
	level         Level
	downCandidate Level
	downStreak    int
	graceDeadline time.Time
	flattenedLoss bool
	flattenedSF   bool
}

// Monitor is the per-strategy risk state machine. Levels upgrade immediately
// and downgrade only after a full clean recompute cycle.
type Monitor struct {
	gateway   *broker.Gateway
	md        *marketdata.Adapter
	bus       *events.Bus
	flattener Flattener
	settings  SettingsProvider
	cfg       Config
	log       zerolog.Logger

	mu     sync.Mutex
	states map[string]*strategyState

	intake   chan *margin.Snapshot
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewMonitor wires the risk monitor.
func NewMonitor(gateway *broker.Gateway, md *marketdata.Adapter, bus *events.Bus, flattener Flattener, settings SettingsProvider, cfg Config, log zerolog.Logger) *Monitor {
	if cfg.EvaluateInterval <= 0 {
		cfg.EvaluateInterval = 15 * time.Second
	}
	if cfg.DefaultShortfall <= 0 {
		cfg.DefaultShortfall = 60 * time.Minute
	}
	if cfg.LossFlattenDeadline <= 0 {
		cfg.LossFlattenDeadline = 30 * time.Second
	}
	return &Monitor{
		gateway:   gateway,
		md:        md,
		bus:       bus,
		flattener: flattener,
		settings:  settings,
		cfg:       cfg,
		log:       log.With().Str("component", "risk-monitor").Logger(),
		states:    make(map[string]*strategyState),
		intake:    make(chan *margin.Snapshot, 64),
		stopChan:  make(chan struct{}),
	}
}

// Submit hands a margin snapshot to the evaluator worker. Non-blocking: when
// the intake is full the snapshot is skipped, the next one carries the same
// state.
func (m *Monitor) Submit(snap *margin.Snapshot) {
	select {
	case m.intake <- snap:
	default:
		m.log.Warn().Str("strategy", snap.StrategyID).Msg("risk intake full, snapshot skipped")
	}
}

// Start launches the evaluator worker consuming submitted snapshots.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stopChan:
				return
			case snap := <-m.intake:
				ctx, cancel := context.WithTimeout(context.Background(), m.cfg.EvaluateInterval)
				if _, err := m.Evaluate(ctx, snap); err != nil {
					m.log.Error().Err(err).Str("strategy", snap.StrategyID).Msg("risk evaluation failed")
				}
				cancel()
			}
		}
	}()
}

// Stop halts the evaluator worker.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

// AllowNewOrder reports whether the strategy may place new orders (false from
// L4 up).
func (m *Monitor) AllowNewOrder(strategyID string) bool {
	return m.levelOf(strategyID) < L4
}

// AllowMarginConsuming reports whether margin-consuming actions are permitted
// (false from L5 up).
func (m *Monitor) AllowMarginConsuming(strategyID string) bool {
	return m.levelOf(strategyID) < L5
}

// LevelOf returns the current risk level for a strategy.
func (m *Monitor) LevelOf(strategyID string) Level { return m.levelOf(strategyID) }

func (m *Monitor) levelOf(strategyID string) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[strategyID]; ok {
		return st.level
	}
	return L1
}

// ResolveShortfall clears the shortfall grace window, typically after the
// user responds to the alert by adding funds or reducing positions.
func (m *Monitor) ResolveShortfall(strategyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[strategyID]; ok {
		st.graceDeadline = time.Time{}
		st.flattenedSF = false
	}
}

// Evaluate runs one assessment of a strategy against a margin snapshot.
func (m *Monitor) Evaluate(ctx context.Context, snap *margin.Snapshot) (*Assessment, error) {
	settings := Settings{}
	if m.settings != nil {
		settings = m.settings.RiskSettings(ctx, snap.StrategyID)
	}
	if settings.ShortfallGrace <= 0 {
		settings.ShortfallGrace = m.cfg.DefaultShortfall
	}

	positions, err := m.strategyPositions(ctx, snap.StrategyID)
	if err != nil {
		return nil, err
	}

	a := &Assessment{
		StrategyID:       snap.StrategyID,
		UtilizationPct:   snap.UtilizationPct,
		UtilizationLevel: utilizationLevel(snap.UtilizationPct),
		At:               time.Now().UTC(),
		GreekRisks:       make(map[string]GreekRisk),
	}

	a.LossPct = lossPct(positions, snap.Available)
	lossLevel := L1
	if settings.MaxLossPct > 0 {
		switch {
		case a.LossPct >= settings.MaxLossPct:
			a.LossBreached = true
			lossLevel = L6
		case a.LossPct >= settings.MaxLossPct*0.8:
			lossLevel = L3
		}
	}

	a.Greeks = aggregateGreeks(positions, m.quotesFor(ctx, positions))
	a.GreekRisks["delta"] = settings.Greeks.Delta.classify(a.Greeks.Delta)
	a.GreekRisks["gamma"] = settings.Greeks.Gamma.classify(a.Greeks.Gamma)
	a.GreekRisks["vega"] = settings.Greeks.Vega.classify(a.Greeks.Vega)
	a.GreekRisks["theta"] = settings.Greeks.Theta.classify(a.Greeks.Theta)

	if !snap.Available.IsZero() && snap.Total.GreaterThan(snap.Available) {
		a.Shortfall = snap.Total.Sub(snap.Available).Round(2)
	}

	raw := a.UtilizationLevel
	// The strategy's own utilization ceiling bites below the global bands.
	if settings.MaxUtilizationPct > 0 && snap.UtilizationPct >= settings.MaxUtilizationPct && raw < L4 {
		raw = L4
	}
	if lossLevel > raw {
		raw = lossLevel
	}
	if gl := greekLevel(a.GreekRisks); gl > raw {
		raw = gl
	}
	if !a.Shortfall.IsZero() && raw < L6 {
		raw = L6
	}

	m.applyLevel(ctx, a, raw, settings)
	m.enforce(ctx, a, settings)
	return a, nil
}

// applyLevel runs the hysteresis rule and emits level-change alerts.
func (m *Monitor) applyLevel(ctx context.Context, a *Assessment, raw Level, settings Settings) {
	m.mu.Lock()
	st, ok := m.states[a.StrategyID]
	if !ok {
		st = &strategyState{level: L1}
		m.states[a.StrategyID] = st
	}
	prev := st.level

	switch {
	case raw > st.level:
		st.level = raw
		st.downCandidate = 0
		st.downStreak = 0
	case raw < st.level:
		// Downgrade only after a full recompute cycle confirms recovery.
		if st.downCandidate == raw {
			st.downStreak++
		} else {
			st.downCandidate = raw
			st.downStreak = 1
		}
		if st.downStreak >= 2 {
			st.level = raw
			st.downCandidate = 0
			st.downStreak = 0
		}
	default:
		st.downCandidate = 0
		st.downStreak = 0
	}
	a.Level = st.level
	if st.level < L6 {
		st.graceDeadline = time.Time{}
		st.flattenedSF = false
	}
	if !a.LossBreached {
		st.flattenedLoss = false
	}
	a.GraceDeadline = st.graceDeadline
	m.mu.Unlock()

	if a.Level != prev {
		m.publishLevelChange(ctx, a, prev)
	}
}

// enforce applies the L6 grace window, shortfall square-off and loss breach.
func (m *Monitor) enforce(ctx context.Context, a *Assessment, settings Settings) {
	now := time.Now().UTC()

	if a.Level >= L6 && !a.Shortfall.IsZero() {
		m.mu.Lock()
		st := m.states[a.StrategyID]
		if st.graceDeadline.IsZero() {
			st.graceDeadline = now.Add(settings.ShortfallGrace)
			a.GraceDeadline = st.graceDeadline
			m.mu.Unlock()
			m.publishShortfallDeadline(ctx, a)
		} else {
			a.GraceDeadline = st.graceDeadline
			expired := now.After(st.graceDeadline) && !st.flattenedSF
			if expired {
				st.flattenedSF = true
			}
			m.mu.Unlock()
			if expired {
				m.flattenStrategy(ctx, a, "margin_shortfall")
			}
		}
	}

	if a.LossBreached && settings.AutoSquareOffOnLoss {
		m.mu.Lock()
		st := m.states[a.StrategyID]
		first := !st.flattenedLoss
		if first {
			st.flattenedLoss = true
		}
		m.mu.Unlock()
		if first {
			flattenCtx, cancel := context.WithTimeout(ctx, m.cfg.LossFlattenDeadline)
			m.flattenStrategy(flattenCtx, a, "loss_limit")
			cancel()
		}
	}
}

func (m *Monitor) flattenStrategy(ctx context.Context, a *Assessment, reason string) {
	if m.flattener == nil {
		return
	}
	n, err := m.flattener.SquareOffStrategy(ctx, a.StrategyID, reason)
	if err != nil {
		m.log.Error().Err(err).Str("strategy", a.StrategyID).Str("reason", reason).Msg("forced square-off failed")
		return
	}
	a.Flattened = true
	m.log.Warn().Str("strategy", a.StrategyID).Str("reason", reason).Int("legs", n).Msg("strategy flattened")

	if m.bus != nil {
		ev := events.New(events.EventSettlementComplete, events.SeverityCritical, a.StrategyID,
			"Strategy flattened",
			fmt.Sprintf("forced square-off (%s): %d positions closed", reason, n)).
			With("reason", reason).
			With("positions_closed", n)
		if err := m.bus.Publish(ctx, ev); err != nil {
			m.log.Error().Err(err).Msg("flatten event publish failed")
		}
	}
}

func (m *Monitor) publishLevelChange(ctx context.Context, a *Assessment, prev Level) {
	if m.bus == nil {
		return
	}
	sev := events.SeverityInfo
	switch a.Level {
	case L3:
		sev = events.SeverityWarning
	case L4:
		sev = events.SeverityCritical
	case L5, L6:
		sev = events.SeverityUrgent
	}
	ev := events.New(events.EventRiskBreach, sev, a.StrategyID,
		fmt.Sprintf("Risk level %s", a.Level),
		fmt.Sprintf("risk moved %s -> %s at %.1f%% utilization", prev, a.Level, a.UtilizationPct)).
		With("previous", prev.String()).
		With("level", a.Level.String()).
		With("utilization_pct", a.UtilizationPct).
		With("loss_pct", a.LossPct)
	switch a.Level {
	case L4:
		ev = ev.WithActions("stop_new_orders", "reduce_positions")
	case L5:
		ev = ev.WithActions("block_margin_consuming", "reduce_positions")
	case L6:
		ev = ev.WithActions("add_funds", "reduce_positions", "auto_square_off")
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.log.Error().Err(err).Msg("risk level publish failed")
	}

	if hasElevatedGreek(a.GreekRisks) {
		gev := events.New(events.EventGreeksRisk, events.SeverityWarning, a.StrategyID,
			"Greek exposure elevated",
			fmt.Sprintf("net delta %.1f gamma %.2f vega %.1f theta %.1f", a.Greeks.Delta, a.Greeks.Gamma, a.Greeks.Vega, a.Greeks.Theta)).
			With("risks", a.GreekRisks).
			WithActions("add_opposite_delta_hedge")
		if err := m.bus.Publish(ctx, gev); err != nil {
			m.log.Error().Err(err).Msg("greeks event publish failed")
		}
	}
}

func hasElevatedGreek(risks map[string]GreekRisk) bool {
	for _, r := range risks {
		if r == GreekHigh || r == GreekExtreme {
			return true
		}
	}
	return false
}

func (m *Monitor) publishShortfallDeadline(ctx context.Context, a *Assessment) {
	if m.bus == nil {
		return
	}
	ev := events.New(events.EventMarginShortfall, events.SeverityUrgent, a.StrategyID,
		"Margin shortfall grace window started",
		fmt.Sprintf("shortfall %s, square-off at %s unless resolved", a.Shortfall, a.GraceDeadline.Format(time.RFC3339))).
		With("shortfall", a.Shortfall.String()).
		With("deadline", a.GraceDeadline.Format(time.RFC3339)).
		WithActions("add_funds", "reduce_positions")
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.log.Error().Err(err).Msg("shortfall deadline publish failed")
	}
}

func (m *Monitor) strategyPositions(ctx context.Context, strategyID string) ([]broker.Position, error) {
	positions, err := m.gateway.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	own := positions[:0:0]
	for _, p := range positions {
		if p.StrategyID == strategyID && p.Quantity != 0 {
			own = append(own, p)
		}
	}
	return own, nil
}

func (m *Monitor) quotesFor(ctx context.Context, positions []broker.Position) map[uint32]*broker.Quote {
	quotes := make(map[uint32]*broker.Quote, len(positions))
	for _, p := range positions {
		if _, ok := quotes[p.Instrument.Token]; ok {
			continue
		}
		q, err := m.md.GetQuote(ctx, p.Instrument.Token)
		if err != nil {
			continue
		}
		quotes[p.Instrument.Token] = q
	}
	return quotes
}
