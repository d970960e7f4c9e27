package margin

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fno-trading-engine/internal/broker"
)

// StrategyLister exposes the strategies the monitor walks. Implemented by the
// strategy store.
type StrategyLister interface {
	ActiveStrategyIDs(ctx context.Context) ([]string, error)
	BufferPct(ctx context.Context, strategyID string) float64
}

// Monitor drives periodic margin recomputes for every active strategy and
// immediate recomputes when a margin factor moves.
type Monitor struct {
	engine   *Engine
	gateway  *broker.Gateway
	lister   StrategyLister
	interval time.Duration
	log      zerolog.Logger

	stopChan chan struct{}
	kick     chan string // strategy id, "" = all
	wg       sync.WaitGroup
	once     sync.Once
}

// NewMonitor wires the monitor. interval defaults to 30s.
func NewMonitor(engine *Engine, gateway *broker.Gateway, lister StrategyLister, interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		engine:   engine,
		gateway:  gateway,
		lister:   lister,
		interval: interval,
		log:      log.With().Str("component", "margin-monitor").Logger(),
		stopChan: make(chan struct{}),
		kick:     make(chan string, 16),
	}
}

// Start launches the monitor loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

// Recompute requests an immediate refresh outside the regular cadence.
// An empty strategy id refreshes everything; used by the VIX trigger.
func (m *Monitor) Recompute(strategyID string) {
	select {
	case m.kick <- strategyID:
	default:
		// a sweep is already queued
	}
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweep("")
		case id := <-m.kick:
			m.sweep(id)
		}
	}
}

func (m *Monitor) sweep(only string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	var ids []string
	if only != "" {
		ids = []string{only}
	} else {
		var err error
		ids, err = m.lister.ActiveStrategyIDs(ctx)
		if err != nil {
			m.log.Error().Err(err).Msg("strategy listing failed, sweep skipped")
			return
		}
	}

	for _, id := range ids {
		if _, err := m.RefreshStrategy(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("strategy", id).Msg("margin refresh failed")
		}
	}
}

// RefreshStrategy recomputes the margin snapshot for one strategy from its
// open positions.
func (m *Monitor) RefreshStrategy(ctx context.Context, strategyID string) (*Snapshot, error) {
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
	basket := PositionsToBasket(own)
	buffer := 0.0
	if m.lister != nil {
		buffer = m.lister.BufferPct(ctx, strategyID)
	}
	return m.engine.CalculateBatch(ctx, strategyID, basket, buffer)
}
