// Package scheduler drives the trading-day clock: the evening NSE margin
// file refresh, open and close margin snapshots, the intraday square-off
// window, daily futures settlement and end-of-day compaction. All jobs run
// in exchange-local time and skip holidays.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/database"
	"fno-trading-engine/internal/events"
	"fno-trading-engine/internal/housekeeping"
	"fno-trading-engine/internal/margin"
	"fno-trading-engine/internal/marketdata"
)

// Job names as recorded in the next-fire cache.
const (
	JobNSERefresh    = "nse_refresh"
	JobPreMarket     = "pre_market"
	JobMarketOpen    = "market_open"
	JobIntradayWarn  = "intraday_warn"
	JobSquareOff     = "square_off"
	JobCloseSnapshot = "close_snapshot"
	JobSettlement    = "settlement"
	JobEndOfDay      = "end_of_day"
)

// SettlementStore persists daily settlement rows.
type SettlementStore interface {
	SaveSettlementRecord(ctx context.Context, rec *database.SettlementRecord) error
	SettlementHistory(ctx context.Context, token uint32, days int) ([]database.SettlementRecord, error)
	CompressMarginSnapshots(ctx context.Context, retentionDays int) (int64, error)
}

// FireRecorder remembers when each job fires next, so a restart can detect a
// missed window. Nil disables recording and catch-up.
type FireRecorder interface {
	SaveNextFire(ctx context.Context, job string, at time.Time) error
	// NextFire returns the recorded fire time, ok=false when none exists.
	NextFire(ctx context.Context, job string) (time.Time, bool, error)
}

// Config tunes the daily jobs.
type Config struct {
	SnapshotRetentionDays int // compress margin snapshots older than this
	JobTimeout            time.Duration
}

// Scheduler wires the cron table to the engines.
type Scheduler struct {
	cron  *cron.Cron
	cal   *marketdata.Calendar
	nse   *marketdata.NSEMarginFile
	vix   *marketdata.VIXSource
	feed  *marketdata.SettlementFeed
	mon   *margin.Monitor
	hk    *housekeeping.Engine
	gw    *broker.Gateway
	store SettlementStore
	fires FireRecorder
	bus   *events.Bus
	cfg   Config
	log   zerolog.Logger

	entryNames map[cron.EntryID]string
}

// New builds the scheduler. Start registers the cron table and runs it.
func New(cal *marketdata.Calendar, nse *marketdata.NSEMarginFile, vix *marketdata.VIXSource,
	feed *marketdata.SettlementFeed, mon *margin.Monitor, hk *housekeeping.Engine,
	gw *broker.Gateway, store SettlementStore, fires FireRecorder,
	bus *events.Bus, cfg Config, log zerolog.Logger) *Scheduler {

	if cfg.SnapshotRetentionDays <= 0 {
		cfg.SnapshotRetentionDays = 7
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	return &Scheduler{
		cron:       cron.New(cron.WithLocation(cal.Location())),
		cal:        cal,
		nse:        nse,
		vix:        vix,
		feed:       feed,
		mon:        mon,
		hk:         hk,
		gw:         gw,
		store:      store,
		fires:      fires,
		bus:        bus,
		cfg:        cfg,
		log:        log.With().Str("component", "scheduler").Logger(),
		entryNames: make(map[cron.EntryID]string),
	}
}

type dailyJob struct {
	name string
	spec string
	fn   func(context.Context)
}

func (s *Scheduler) table() []dailyJob {
	return []dailyJob{
		{JobNSERefresh, "0 18 * * 1-5", s.runNSERefresh},
		{JobPreMarket, "0 9 * * 1-5", s.runPreMarket},
		{JobMarketOpen, "15 9 * * 1-5", s.runMarketOpen},
		{JobIntradayWarn, "15 15 * * 1-5", s.runIntradayWarn},
		{JobSquareOff, "20 15 * * 1-5", s.runSquareOff},
		{JobCloseSnapshot, "30 15 * * 1-5", s.runCloseSnapshot},
		{JobSettlement, "35 15 * * 1-5", s.runSettlement},
		{JobEndOfDay, "0 17 * * 1-5", s.runEndOfDay},
	}
}

// Start replays fires missed while the process was down, then registers all
// daily jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	jobs := s.table()
	s.catchUp(jobs)

	for _, job := range jobs {
		job := job
		id, err := s.cron.AddFunc(job.spec, func() { s.run(job.name, job.fn) })
		if err != nil {
			return err
		}
		s.entryNames[id] = job.name
		s.log.Debug().Str("job", job.name).Str("spec", job.spec).Int("entry", int(id)).Msg("job registered")
	}

	s.cron.Start()
	s.recordNextFires()
	s.log.Info().Int("jobs", len(jobs)).Msg("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// run wraps a job with the holiday gate, a timeout and next-fire recording.
func (s *Scheduler) run(name string, fn func(context.Context)) {
	now := time.Now()
	if !s.cal.IsTradingDay(now) {
		s.log.Debug().Str("job", name).Msg("skipping job on non-trading day")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	fn(ctx)
	s.log.Info().Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
	s.recordNextFires()
}

// catchUp runs every job whose recorded next fire passed while no process was
// alive to take it. The cron table only fires forward; without this a restart
// at 15:25 would silently skip the day's square-off. Fires recorded for an
// earlier trading day are stale, that window is gone.
func (s *Scheduler) catchUp(jobs []dailyJob) {
	if s.fires == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	today := s.cal.Local(now).Format("2006-01-02")
	for _, job := range jobs {
		at, ok, err := s.fires.NextFire(ctx, job.name)
		if err != nil {
			s.log.Warn().Err(err).Str("job", job.name).Msg("next-fire read failed")
			continue
		}
		if !ok || !at.Before(now) || s.cal.Local(at).Format("2006-01-02") != today {
			continue
		}
		s.log.Warn().Str("job", job.name).Time("missed", at).Msg("missed fire detected, running job now")
		jobCtx, jobCancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
		job.fn(jobCtx)
		jobCancel()
	}
}

func (s *Scheduler) recordNextFires() {
	if s.fires == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, entry := range s.cron.Entries() {
		name, ok := s.entryNames[entry.ID]
		if !ok {
			continue
		}
		if err := s.fires.SaveNextFire(ctx, name, entry.Next); err != nil {
			s.log.Warn().Err(err).Msg("next-fire record failed")
			return
		}
	}
}

// ============================================================================
// JOBS
// ============================================================================

// runNSERefresh pulls the evening SPAN file. Margins recompute against the
// new rows on the next sweep.
func (s *Scheduler) runNSERefresh(ctx context.Context) {
	if err := s.nse.Refresh(ctx); err != nil {
		s.log.Error().Err(err).Msg("NSE margin file refresh failed")
		return
	}
	s.mon.Recompute("")
}

// runPreMarket warms the caches before the open.
func (s *Scheduler) runPreMarket(ctx context.Context) {
	if !s.gw.SessionValid() {
		s.publish(ctx, events.New(events.EventRiskBreach, events.SeverityUrgent, "",
			"Broker session invalid", "Broker session is not valid ahead of market open; re-login required."))
	}
	if err := s.nse.Refresh(ctx); err != nil {
		s.log.Warn().Err(err).Msg("pre-market NSE refresh failed, using cached rows")
	}
	if snap, ok := s.vix.Current(); ok {
		s.log.Info().Float64("vix", snap.Value).Msg("pre-market VIX")
	}
}

// runMarketOpen takes the opening margin snapshot for every active strategy.
func (s *Scheduler) runMarketOpen(ctx context.Context) {
	s.mon.Recompute("")
}

// runIntradayWarn advises on open MIS positions ahead of the square-off.
func (s *Scheduler) runIntradayWarn(ctx context.Context) {
	if err := s.hk.WarnIntradayPositions(ctx); err != nil {
		s.log.Error().Err(err).Msg("intraday warning sweep failed")
	}
}

// runSquareOff flattens remaining MIS positions.
func (s *Scheduler) runSquareOff(ctx context.Context) {
	n, err := s.hk.SquareOffIntraday(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("intraday square-off failed")
		return
	}
	s.log.Info().Int("positions", n).Msg("intraday square-off done")
}

// runCloseSnapshot records the closing margin state.
func (s *Scheduler) runCloseSnapshot(ctx context.Context) {
	s.mon.Recompute("")
}

// runSettlement fetches today's futures settlement prices and records the
// mark-to-market for every open futures position.
func (s *Scheduler) runSettlement(ctx context.Context) {
	now := s.cal.Local(time.Now())
	day := now.Format("2006-01-02")

	prices, err := s.feed.Fetch(ctx, day)
	if err != nil {
		s.log.Error().Err(err).Msg("settlement price fetch failed")
		return
	}
	byToken := make(map[uint32]marketdata.SettlementPrice, len(prices))
	for _, p := range prices {
		byToken[p.Token] = p
	}

	positions, err := s.gw.ListPositions(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("settlement position list failed")
		return
	}

	settled := 0
	for _, pos := range positions {
		if pos.Instrument.Segment != broker.SegmentFutures || pos.Quantity == 0 {
			continue
		}
		price, ok := byToken[pos.Instrument.Token]
		if !ok {
			s.log.Warn().Uint32("token", pos.Instrument.Token).Msg("no settlement price for open future")
			continue
		}

		prev := s.previousSettlement(ctx, pos)
		qty := decimal.NewFromInt(pos.Quantity)
		m2m := price.Price.Sub(prev).Mul(qty)
		if pos.Side == broker.SideSell {
			m2m = m2m.Neg()
		}

		rec := &database.SettlementRecord{
			Token:              pos.Instrument.Token,
			TradingSymbol:      pos.Instrument.TradingSymbol,
			SettlementDate:     now,
			PreviousSettlement: prev,
			NewSettlement:      price.Price,
			M2MPnL:             m2m,
		}
		if err := s.store.SaveSettlementRecord(ctx, rec); err != nil {
			s.log.Error().Err(err).Uint32("token", pos.Instrument.Token).Msg("settlement record save failed")
			continue
		}
		settled++
	}

	s.publish(ctx, events.New(events.EventSettlementComplete, events.SeverityInfo, "",
		"Futures settlement recorded",
		"Daily futures settlement complete.").
		With("date", day).With("positions", settled))

	// Settlement resets the day's reference price; margins move with it.
	s.mon.Recompute("")
}

// previousSettlement is yesterday's settlement price, or the entry price for
// a position opened today.
func (s *Scheduler) previousSettlement(ctx context.Context, pos broker.Position) decimal.Decimal {
	history, err := s.store.SettlementHistory(ctx, pos.Instrument.Token, 5)
	if err != nil || len(history) == 0 {
		return pos.AveragePrice
	}
	return history[0].NewSettlement
}

// runEndOfDay reconciles orphans one last time and compacts old snapshots.
func (s *Scheduler) runEndOfDay(ctx context.Context) {
	if _, err := s.hk.Sweep(ctx); err != nil {
		s.log.Error().Err(err).Msg("end-of-day housekeeping sweep failed")
	}
	removed, err := s.store.CompressMarginSnapshots(ctx, s.cfg.SnapshotRetentionDays)
	if err != nil {
		s.log.Error().Err(err).Msg("margin snapshot compression failed")
		return
	}
	s.log.Info().Int64("removed", removed).Msg("margin snapshots compressed")
}

func (s *Scheduler) publish(ctx context.Context, e events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		s.log.Warn().Err(err).Str("type", string(e.Type)).Msg("event publish failed")
	}
}
