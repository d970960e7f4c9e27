package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/database"
	"fno-trading-engine/internal/events"
	"fno-trading-engine/internal/housekeeping"
	"fno-trading-engine/internal/margin"
	"fno-trading-engine/internal/marketdata"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeStore struct {
	mu         sync.Mutex
	settled    []database.SettlementRecord
	history    map[uint32][]database.SettlementRecord
	compressed int
}

func (f *fakeStore) SaveSettlementRecord(ctx context.Context, rec *database.SettlementRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, *rec)
	return nil
}

func (f *fakeStore) SettlementHistory(ctx context.Context, token uint32, days int) ([]database.SettlementRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[token], nil
}

func (f *fakeStore) CompressMarginSnapshots(ctx context.Context, retentionDays int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compressed++
	return 3, nil
}

type fakeActionLog struct{}

func (fakeActionLog) RecordAction(ctx context.Context, rec *housekeeping.ActionRecord) (bool, error) {
	return true, nil
}

type fakeDir struct{}

func (fakeDir) KnownStrategyIDs(ctx context.Context) (map[string]bool, error) {
	return map[string]bool{"s1": true}, nil
}

func (fakeDir) CleanupPolicy(ctx context.Context, strategyID string) housekeeping.CleanupPolicy {
	return housekeeping.CleanupPolicy{AutoCleanup: true, CleanupOnExit: true, StaleAfter: 24 * time.Hour}
}

func (fakeDir) SquareOffClock(ctx context.Context, strategyID string) (time.Duration, time.Duration) {
	return 0, 0
}

type fakeFires struct {
	mu   sync.Mutex
	jobs map[string]time.Time
}

func (f *fakeFires) SaveNextFire(ctx context.Context, job string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs == nil {
		f.jobs = make(map[string]time.Time)
	}
	f.jobs[job] = at
	return nil
}

func (f *fakeFires) NextFire(ctx context.Context, job string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.jobs[job]
	return at, ok, nil
}

type schedRig struct {
	sched *Scheduler
	mock  *broker.MockClient
	store *fakeStore
	fires *fakeFires
	bus   *events.Bus
}

func newSchedRig(t *testing.T, settlementURL string) *schedRig {
	t.Helper()
	log := zerolog.Nop()
	cal, err := marketdata.NewCalendar("UTC", nil)
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	mock := broker.NewMockClient()
	gw := broker.NewGateway(mock, broker.GatewayConfig{
		BreakerFailures: 100,
		RateLimits:      broker.RateLimiterConfig{ReadsPerSecond: 1000, OrdersPerSecond: 1000},
	}, log)
	bus := events.NewBus(nil, events.BusConfig{}, log)
	nse := marketdata.NewNSEMarginFile("", nil, log)
	vix := marketdata.NewVIXSource("", time.Hour, 5, log)
	feed := marketdata.NewSettlementFeed(settlementURL, log)
	mon := margin.NewMonitor(nil, gw, nil, time.Hour, log)
	store := &fakeStore{history: make(map[uint32][]database.SettlementRecord)}
	fires := &fakeFires{}
	hk := housekeeping.NewEngine(gw, cal, bus, fakeActionLog{}, fakeDir{}, housekeeping.Config{}, log)
	sched := New(cal, nse, vix, feed, mon, hk, gw, store, fires, bus, Config{}, log)
	return &schedRig{sched: sched, mock: mock, store: store, fires: fires, bus: bus}
}

func TestStartRegistersDailyJobsAndRecordsNextFires(t *testing.T) {
	r := newSchedRig(t, "")
	if err := r.sched.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.sched.Stop()

	r.fires.mu.Lock()
	defer r.fires.mu.Unlock()
	for _, job := range []string{JobNSERefresh, JobPreMarket, JobMarketOpen, JobIntradayWarn,
		JobSquareOff, JobCloseSnapshot, JobSettlement, JobEndOfDay} {
		next, ok := r.fires.jobs[job]
		if !ok {
			t.Errorf("job %s has no recorded next fire", job)
			continue
		}
		if !next.After(time.Now().Add(-time.Minute)) {
			t.Errorf("job %s next fire %s is in the past", job, next)
		}
	}
}

// A fire recorded for earlier today that never ran means the process slept
// through the window; Start must replay the job before cron takes over.
func TestStartReplaysMissedFireFromToday(t *testing.T) {
	r := newSchedRig(t, "")
	r.fires.jobs = map[string]time.Time{
		JobEndOfDay:      time.Now().Add(-time.Minute),
		JobCloseSnapshot: time.Now().Add(time.Hour), // still pending, must not run
	}

	if err := r.sched.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.sched.Stop()

	r.store.mu.Lock()
	compressed := r.store.compressed
	r.store.mu.Unlock()
	if compressed != 1 {
		t.Errorf("compress calls = %d, want 1 from the replayed end-of-day job", compressed)
	}
}

// Yesterday's recorded fire is stale; that window is gone and must not replay.
func TestStartIgnoresMissedFireFromPastDay(t *testing.T) {
	r := newSchedRig(t, "")
	r.fires.jobs = map[string]time.Time{
		JobEndOfDay: time.Now().Add(-26 * time.Hour),
	}

	if err := r.sched.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.sched.Stop()

	r.store.mu.Lock()
	compressed := r.store.compressed
	r.store.mu.Unlock()
	if compressed != 0 {
		t.Errorf("compress calls = %d, want 0 for a stale fire", compressed)
	}
}

func TestSettlementRecordsM2MForOpenFutures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"token": 444, "price": 24120.5}]`))
	}))
	defer srv.Close()

	r := newSchedRig(t, srv.URL)
	sub := r.bus.Subscribe("test")
	defer sub.Close()

	r.mock.SetPosition(broker.Position{
		ID:         "p1",
		StrategyID: "s1",
		Instrument: broker.Instrument{
			Token: 444, TradingSymbol: "NIFTY25SEPFUT",
			Segment: broker.SegmentFutures, LotSize: 75,
		},
		Side:         broker.SideBuy,
		Product:      broker.ProductNRML,
		Quantity:     75,
		AveragePrice: dec("24000"),
		LastPrice:    dec("24100"),
	})
	// Options positions are settled separately and must be skipped here.
	r.mock.SetPosition(broker.Position{
		ID:         "p2",
		StrategyID: "s1",
		Instrument: broker.Instrument{Token: 555, Segment: broker.SegmentOptions, LotSize: 75},
		Side:       broker.SideSell,
		Quantity:   75,
	})
	r.store.history[444] = []database.SettlementRecord{{Token: 444, NewSettlement: dec("24050")}}

	r.sched.runSettlement(context.Background())

	if len(r.store.settled) != 1 {
		t.Fatalf("settled records = %d, want 1", len(r.store.settled))
	}
	rec := r.store.settled[0]
	if rec.Token != 444 {
		t.Errorf("token = %d, want 444", rec.Token)
	}
	if !rec.PreviousSettlement.Equal(dec("24050")) {
		t.Errorf("previous settlement = %s, want 24050", rec.PreviousSettlement)
	}
	// long 75 x (24120.5 - 24050) = 5287.5
	if !rec.M2MPnL.Equal(dec("5287.5")) {
		t.Errorf("m2m = %s, want 5287.5", rec.M2MPnL)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			if ev.Type == events.EventSettlementComplete {
				if ev.Payload["positions"] != 1 {
					t.Errorf("payload positions = %v, want 1", ev.Payload["positions"])
				}
				return
			}
		case <-deadline:
			t.Fatal("no SETTLEMENT_COMPLETE event delivered")
		}
	}
}

func TestSettlementFallsBackToEntryPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"token": 444, "price": 23950}]`))
	}))
	defer srv.Close()

	r := newSchedRig(t, srv.URL)
	r.mock.SetPosition(broker.Position{
		ID:         "p1",
		StrategyID: "s1",
		Instrument: broker.Instrument{
			Token: 444, TradingSymbol: "NIFTY25SEPFUT",
			Segment: broker.SegmentFutures, LotSize: 75,
		},
		Side:         broker.SideSell,
		Product:      broker.ProductNRML,
		Quantity:     75,
		AveragePrice: dec("24000"),
	})

	r.sched.runSettlement(context.Background())

	if len(r.store.settled) != 1 {
		t.Fatalf("settled records = %d, want 1", len(r.store.settled))
	}
	rec := r.store.settled[0]
	if !rec.PreviousSettlement.Equal(dec("24000")) {
		t.Errorf("previous settlement = %s, want entry price 24000", rec.PreviousSettlement)
	}
	// short 75 x (23950 - 24000) = -3750, negated = +3750
	if !rec.M2MPnL.Equal(dec("3750")) {
		t.Errorf("m2m = %s, want 3750", rec.M2MPnL)
	}
}

func TestEndOfDayCompressesSnapshots(t *testing.T) {
	r := newSchedRig(t, "")
	r.sched.runEndOfDay(context.Background())
	if r.store.compressed != 1 {
		t.Errorf("compress calls = %d, want 1", r.store.compressed)
	}
}
