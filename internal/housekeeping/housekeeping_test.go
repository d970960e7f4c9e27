package housekeeping

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/events"
	"fno-trading-engine/internal/marketdata"
)

type fakeActionLog struct {
	mu      sync.Mutex
	records []ActionRecord
	keys    map[string]bool
}

func newFakeActionLog() *fakeActionLog {
	return &fakeActionLog{keys: make(map[string]bool)}
}

func (f *fakeActionLog) RecordAction(ctx context.Context, rec *ActionRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[rec.Key] {
		return false, nil
	}
	f.keys[rec.Key] = true
	f.records = append(f.records, *rec)
	return true, nil
}

type fakeDir struct {
	known    map[string]bool
	policies map[string]CleanupPolicy
	clocks   map[string][2]time.Duration // warn, square-off; zero = no gate
}

func (f *fakeDir) KnownStrategyIDs(ctx context.Context) (map[string]bool, error) {
	return f.known, nil
}

func (f *fakeDir) CleanupPolicy(ctx context.Context, strategyID string) CleanupPolicy {
	if p, ok := f.policies[strategyID]; ok {
		return p
	}
	return CleanupPolicy{AutoCleanup: true, CleanupOnExit: true, StaleAfter: 24 * time.Hour}
}

func (f *fakeDir) SquareOffClock(ctx context.Context, strategyID string) (time.Duration, time.Duration) {
	c := f.clocks[strategyID]
	return c[0], c[1]
}

type hkRig struct {
	engine *Engine
	mock   *broker.MockClient
	alog   *fakeActionLog
	dir    *fakeDir
	cal    *marketdata.Calendar
	inst   broker.Instrument
}

func newHKRig(t *testing.T, cfg Config, bus *events.Bus) *hkRig {
	t.Helper()
	log := zerolog.Nop()

	mock := broker.NewMockClient()
	gw := broker.NewGateway(mock, broker.GatewayConfig{
		MaxRetries:      1,
		BreakerFailures: 100,
		RateLimits: broker.RateLimiterConfig{
			OrdersPerSecond: 1000,
			ReadsPerSecond:  1000,
		},
	}, log)
	cal, err := marketdata.NewCalendar("UTC", nil)
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	alog := newFakeActionLog()
	dir := &fakeDir{
		known:    map[string]bool{"s1": true},
		policies: make(map[string]CleanupPolicy),
		clocks:   make(map[string][2]time.Duration),
	}

	inst := broker.Instrument{
		Token:         333,
		TradingSymbol: "BANKNIFTY25SEP48000PE",
		Segment:       broker.SegmentOptions,
		Underlying:    "BANKNIFTY",
		Expiry:        time.Now().UTC().Add(20 * 24 * time.Hour),
		OptionType:    broker.OptionPut,
		LotSize:       15,
	}
	return &hkRig{
		engine: NewEngine(gw, cal, bus, alog, dir, cfg, log),
		mock:   mock,
		alog:   alog,
		dir:    dir,
		cal:    cal,
		inst:   inst,
	}
}

func (r *hkRig) openOrder(id, strategyID string, typ broker.OrderType, age time.Duration) broker.Order {
	return broker.Order{
		ID:         id,
		StrategyID: strategyID,
		Instrument: r.inst,
		Side:       broker.SideBuy,
		Type:       typ,
		Product:    broker.ProductNRML,
		Quantity:   15,
		Status:     broker.StatusOpen,
		PlacedAt:   time.Now().UTC().Add(-age),
	}
}

func TestSweepCancelsUnknownStrategyOrder(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: true}, nil)
	r.mock.SetOrder(r.openOrder("O1", "ghost", broker.OrderTypeLimit, time.Minute))

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrphansFound != 1 || report.OrdersCancelled != 1 {
		t.Fatalf("report = %+v, want 1 orphan cancelled", report)
	}
	if len(r.mock.Cancelled) != 1 || r.mock.Cancelled[0] != "O1" {
		t.Fatalf("cancelled = %v, want [O1]", r.mock.Cancelled)
	}
	if len(r.alog.records) != 1 {
		t.Fatalf("action records = %d, want 1", len(r.alog.records))
	}
	rec := r.alog.records[0]
	if rec.Reason != ReasonUnknownStrategy || rec.Action != "cancel" {
		t.Errorf("record = %+v, want unknown_strategy cancel", rec)
	}
	wantKey := "O1:" + ReasonUnknownStrategy + ":" + time.Now().UTC().Format("2006-01-02")
	if rec.Key != wantKey {
		t.Errorf("key = %s, want %s", rec.Key, wantKey)
	}
}

// A key already in the action log means another pass (or process) owns the
// cleanup; nothing may be cancelled twice.
func TestSweepIsIdempotentPerKey(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: true}, nil)
	order := r.openOrder("O1", "ghost", broker.OrderTypeLimit, time.Minute)
	r.mock.SetOrder(order)

	key := "O1:" + ReasonUnknownStrategy + ":" + time.Now().UTC().Format("2006-01-02")
	r.alog.keys[key] = true

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrdersCancelled != 0 {
		t.Errorf("cancelled = %d, want 0 with pre-claimed key", report.OrdersCancelled)
	}
	if len(r.mock.Cancelled) != 0 {
		t.Errorf("broker cancellations = %v, want none", r.mock.Cancelled)
	}
}

func TestProtectiveOrderWithoutPositionFlagged(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: true}, nil)
	r.mock.SetOrder(r.openOrder("SL1", "s1", broker.OrderTypeStop, time.Minute))

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrdersCancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", report.OrdersCancelled)
	}
	if r.alog.records[0].Reason != ReasonNoParentPosition {
		t.Errorf("reason = %s, want no_parent_position", r.alog.records[0].Reason)
	}
}

func TestProtectiveOrderWithPositionIsLeftAlone(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: true}, nil)
	r.mock.SetOrder(r.openOrder("SL1", "s1", broker.OrderTypeStop, time.Minute))
	r.mock.SetPosition(broker.Position{
		ID:         "p1",
		StrategyID: "s1",
		Instrument: r.inst,
		Side:       broker.SideSell,
		Product:    broker.ProductNRML,
		Quantity:   15,
	})

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrphansFound != 0 {
		t.Errorf("orphans = %d, want 0 while the parent position is open", report.OrphansFound)
	}
}

// Past the hard bound an order goes regardless of the cancel toggle.
func TestStaleOrderPastHardBoundAlwaysCancelled(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: false}, nil)
	r.mock.SetOrder(r.openOrder("O1", "s1", broker.OrderTypeLimit, 49*time.Hour))

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrdersCancelled != 1 {
		t.Errorf("cancelled = %d, want 1 past the 48h hard bound", report.OrdersCancelled)
	}
}

func TestStaleOrderAlertOnlyWhenCancelDisabled(t *testing.T) {
	bus := events.NewBus(nil, events.BusConfig{}, zerolog.Nop())
	sub := bus.Subscribe("test")
	defer sub.Close()

	r := newHKRig(t, Config{CancelStaleOrders: false}, bus)
	r.mock.SetOrder(r.openOrder("O1", "s1", broker.OrderTypeLimit, 25*time.Hour))

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrphansFound != 1 || report.OrdersCancelled != 0 {
		t.Fatalf("report = %+v, want alert without cancel", report)
	}

	select {
	case ev := <-sub.C():
		if ev.Type != events.EventOrphanedOrder {
			t.Fatalf("event = %s, want ORPHANED_ORDER", ev.Type)
		}
		if ev.Payload["action"] != "alert" {
			t.Errorf("action = %v, want alert", ev.Payload["action"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no orphan event delivered")
	}
}

func TestExpiredInstrumentOrderCancelled(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: false}, nil)
	order := r.openOrder("O1", "s1", broker.OrderTypeLimit, time.Minute)
	order.Instrument.Expiry = time.Now().UTC().Add(-48 * time.Hour)
	r.mock.SetOrder(order)

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrdersCancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", report.OrdersCancelled)
	}
	if r.alog.records[0].Reason != ReasonExpiredInstrument {
		t.Errorf("reason = %s, want expired_instrument", r.alog.records[0].Reason)
	}
}

func TestSquareOffFlattensOnlyMIS(t *testing.T) {
	r := newHKRig(t, Config{SquareOffRetry: time.Hour}, nil)
	defer r.engine.Stop()

	r.mock.SetPosition(broker.Position{
		ID:         "p1",
		StrategyID: "s1",
		Instrument: r.inst,
		Side:       broker.SideSell,
		Product:    broker.ProductMIS,
		Quantity:   30,
	})
	r.mock.SetPosition(broker.Position{
		ID:         "p2",
		StrategyID: "s1",
		Instrument: r.inst,
		Side:       broker.SideBuy,
		Product:    broker.ProductNRML,
		Quantity:   15,
	})

	flattened, err := r.engine.SquareOffIntraday(context.Background())
	if err != nil {
		t.Fatalf("square off: %v", err)
	}
	if flattened != 1 {
		t.Fatalf("flattened = %d, want 1", flattened)
	}
	if len(r.mock.Placed) != 1 {
		t.Fatalf("placed = %d orders, want 1", len(r.mock.Placed))
	}
	leg := r.mock.Placed[0]
	if leg.Side != broker.SideBuy || leg.Quantity != 30 || leg.Type != broker.OrderTypeMarket {
		t.Errorf("leg = %s %d %s, want BUY 30 MARKET", leg.Side, leg.Quantity, leg.Type)
	}
	if leg.Product != broker.ProductMIS {
		t.Errorf("product = %s, want MIS", leg.Product)
	}
}

// Running the square-off twice in a day places only one closing leg.
func TestSquareOffOncePerPositionPerDay(t *testing.T) {
	r := newHKRig(t, Config{SquareOffRetry: time.Hour}, nil)
	defer r.engine.Stop()

	r.mock.SetPosition(broker.Position{
		ID:         "p1",
		StrategyID: "s1",
		Instrument: r.inst,
		Side:       broker.SideSell,
		Product:    broker.ProductMIS,
		Quantity:   15,
	})

	if _, err := r.engine.SquareOffIntraday(context.Background()); err != nil {
		t.Fatalf("square off: %v", err)
	}
	if _, err := r.engine.SquareOffIntraday(context.Background()); err != nil {
		t.Fatalf("second square off: %v", err)
	}
	if len(r.mock.Placed) != 1 {
		t.Errorf("placed = %d orders, want exactly 1", len(r.mock.Placed))
	}
}

// A strategy that allows orphans keeps its protective legs even without the
// parent position; the sweep must not flag them at all.
func TestAllowOrphansKeepsProtectiveOrder(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: true}, nil)
	r.dir.policies["s1"] = CleanupPolicy{AutoCleanup: true, AllowOrphans: true, StaleAfter: 24 * time.Hour}
	r.mock.SetOrder(r.openOrder("SL1", "s1", broker.OrderTypeStop, time.Minute))

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrphansFound != 0 {
		t.Errorf("orphans = %d, want 0 with allow_orphans", report.OrphansFound)
	}
	if len(r.mock.Cancelled) != 0 {
		t.Errorf("cancelled = %v, want none", r.mock.Cancelled)
	}
}

// With auto-cleanup off the strategy still hears about its orphans but keeps
// them on the book.
func TestAutoCleanupDisabledAlertsOnly(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: true}, nil)
	r.dir.policies["s1"] = CleanupPolicy{AutoCleanup: false, StaleAfter: 24 * time.Hour}
	r.mock.SetOrder(r.openOrder("SL1", "s1", broker.OrderTypeStop, time.Minute))

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrphansFound != 1 || report.OrdersCancelled != 0 {
		t.Fatalf("report = %+v, want 1 orphan alerted, none cancelled", report)
	}
	if r.alog.records[0].Action != "alert" {
		t.Errorf("action = %s, want alert", r.alog.records[0].Action)
	}
}

// Each strategy's stale_order_hours governs its own orders; the global
// fallback only covers strategies without a policy.
func TestStrategyStaleHoursOverrideGlobal(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: true}, nil)
	r.dir.known["s2"] = true
	r.dir.policies["s1"] = CleanupPolicy{AutoCleanup: true, StaleAfter: time.Hour}
	r.dir.policies["s2"] = CleanupPolicy{AutoCleanup: true, StaleAfter: 30 * time.Hour}
	r.mock.SetOrder(r.openOrder("O1", "s1", broker.OrderTypeLimit, 2*time.Hour))
	r.mock.SetOrder(r.openOrder("O2", "s2", broker.OrderTypeLimit, 25*time.Hour))

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrdersCancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", report.OrdersCancelled)
	}
	if len(r.mock.Cancelled) != 1 || r.mock.Cancelled[0] != "O1" {
		t.Fatalf("cancelled = %v, want [O1]: 2h past a 1h limit, 25h inside a 30h one", r.mock.Cancelled)
	}
	if r.alog.records[0].Reason != ReasonStaleOrder {
		t.Errorf("reason = %s, want stale_order", r.alog.records[0].Reason)
	}
}

// Pending orders on a contract expiring today go at the sweep, not only after
// the expiry has passed.
func TestOrderOnInstrumentExpiringTodayCancelled(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: false}, nil)
	order := r.openOrder("O1", "s1", broker.OrderTypeLimit, time.Minute)
	order.Instrument.Expiry = time.Now().UTC()
	r.mock.SetOrder(order)

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrdersCancelled != 1 {
		t.Fatalf("cancelled = %d, want 1 on expiry day", report.OrdersCancelled)
	}
	if r.alog.records[0].Reason != ReasonExpiredInstrument {
		t.Errorf("reason = %s, want expired_instrument", r.alog.records[0].Reason)
	}
}

// An option expiring today with its premium at the tick is archived once; no
// broker call, just the ledger record.
func TestWorthlessOptionArchivedOnExpiryDay(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: true}, nil)
	inst := r.inst
	inst.Expiry = time.Now().UTC()
	r.mock.SetPosition(broker.Position{
		ID:         "p1",
		StrategyID: "s1",
		Instrument: inst,
		Side:       broker.SideBuy,
		Product:    broker.ProductNRML,
		Quantity:   15,
		LastPrice:  decimal.RequireFromString("0.05"),
	})

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.PositionsArchived != 1 {
		t.Fatalf("archived = %d, want 1", report.PositionsArchived)
	}
	if len(r.mock.Placed) != 0 || len(r.mock.Cancelled) != 0 {
		t.Error("archiving must not touch the broker")
	}
	rec := r.alog.records[0]
	if rec.Reason != ReasonWorthlessOption || rec.Action != "archive" {
		t.Errorf("record = %+v, want worthless_option archive", rec)
	}

	if _, err := r.engine.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(r.alog.records) != 1 {
		t.Errorf("records = %d, want still 1 after second sweep", len(r.alog.records))
	}
}

// A priced option expiring today is not archived.
func TestOptionWithPremiumLeftAloneOnExpiryDay(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: true}, nil)
	inst := r.inst
	inst.Expiry = time.Now().UTC()
	r.mock.SetPosition(broker.Position{
		ID:         "p1",
		StrategyID: "s1",
		Instrument: inst,
		Side:       broker.SideBuy,
		Product:    broker.ProductNRML,
		Quantity:   15,
		LastPrice:  decimal.RequireFromString("42.10"),
	})

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.PositionsArchived != 0 {
		t.Errorf("archived = %d, want 0 while the option still has value", report.PositionsArchived)
	}
}

// A handled orphan is routine; the alert rides at info severity.
func TestOrphanCancelPublishesInfoSeverity(t *testing.T) {
	bus := events.NewBus(nil, events.BusConfig{}, zerolog.Nop())
	sub := bus.Subscribe("test")
	defer sub.Close()

	r := newHKRig(t, Config{CancelStaleOrders: true}, bus)
	r.mock.SetOrder(r.openOrder("O1", "ghost", broker.OrderTypeLimit, time.Minute))

	if _, err := r.engine.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	select {
	case ev := <-sub.C():
		if ev.Type != events.EventOrphanedOrder {
			t.Fatalf("event = %s, want ORPHANED_ORDER", ev.Type)
		}
		if ev.Severity != events.SeverityInfo {
			t.Errorf("severity = %s, want info after a clean cancel", ev.Severity)
		}
		if ev.Payload["action"] != "cancel" {
			t.Errorf("action = %v, want cancel", ev.Payload["action"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no orphan event delivered")
	}
}

// Only a failed cancel escalates to warning.
func TestOrphanCancelFailurePublishesWarning(t *testing.T) {
	bus := events.NewBus(nil, events.BusConfig{}, zerolog.Nop())
	sub := bus.Subscribe("test")
	defer sub.Close()

	r := newHKRig(t, Config{CancelStaleOrders: true}, bus)
	// The order is not on the broker's book, so the cancel call errors.
	order := r.openOrder("MISSING", "s1", broker.OrderTypeLimit, time.Minute)
	report := &SweepReport{}
	r.engine.handleOrphan(context.Background(), order, ReasonUnknownStrategy, true, time.Now().UTC(), report)

	if report.Errors != 1 {
		t.Fatalf("errors = %d, want 1", report.Errors)
	}
	select {
	case ev := <-sub.C():
		if ev.Severity != events.SeverityWarning {
			t.Errorf("severity = %s, want warning after a failed cancel", ev.Severity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no orphan event delivered")
	}
}

// A position in another strategy does not cover this strategy's stop.
func TestProtectiveOrderNotCoveredByOtherStrategyPosition(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: true}, nil)
	r.dir.known["s2"] = true
	r.mock.SetOrder(r.openOrder("SL1", "s1", broker.OrderTypeStop, time.Minute))
	r.mock.SetPosition(broker.Position{
		ID:         "p1",
		StrategyID: "s2",
		Instrument: r.inst,
		Side:       broker.SideSell,
		Product:    broker.ProductNRML,
		Quantity:   15,
	})

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrphansFound != 1 || report.OrdersCancelled != 1 {
		t.Fatalf("report = %+v, want the stop flagged despite s2's position", report)
	}
}

// A same-direction position is an addition, not the leg a protective order
// closes; it does not count as cover.
func TestProtectiveOrderNotCoveredBySameSidePosition(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: true}, nil)
	r.mock.SetOrder(r.openOrder("SL1", "s1", broker.OrderTypeStop, time.Minute))
	r.mock.SetPosition(broker.Position{
		ID:         "p1",
		StrategyID: "s1",
		Instrument: r.inst,
		Side:       broker.SideBuy,
		Product:    broker.ProductNRML,
		Quantity:   15,
	})

	report, err := r.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrphansFound != 1 {
		t.Errorf("orphans = %d, want 1 with only a same-side position", report.OrphansFound)
	}
}

// Closing a position fires an immediate targeted pass that clears the
// leftover protective leg.
func TestTriggerOnPositionExitCancelsLeftoverStop(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: true}, nil)
	r.mock.SetOrder(r.openOrder("SL1", "s1", broker.OrderTypeStop, time.Minute))

	report, err := r.engine.Trigger(context.Background(), TriggerPositionClosed, "s1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if report.OrdersCancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", report.OrdersCancelled)
	}
	if len(r.mock.Cancelled) != 1 || r.mock.Cancelled[0] != "SL1" {
		t.Errorf("cancelled = %v, want [SL1]", r.mock.Cancelled)
	}
}

// cleanup_on_exit off downgrades the exit pass to alert-only.
func TestTriggerHonorsCleanupOnExit(t *testing.T) {
	r := newHKRig(t, Config{CancelStaleOrders: true}, nil)
	r.dir.policies["s1"] = CleanupPolicy{AutoCleanup: true, CleanupOnExit: false, StaleAfter: 24 * time.Hour}
	r.mock.SetOrder(r.openOrder("SL1", "s1", broker.OrderTypeStop, time.Minute))

	report, err := r.engine.Trigger(context.Background(), TriggerPositionClosed, "s1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if report.OrphansFound != 1 || report.OrdersCancelled != 0 {
		t.Fatalf("report = %+v, want alert-only with cleanup_on_exit off", report)
	}
	if r.alog.records[0].Action != "alert" {
		t.Errorf("action = %s, want alert", r.alog.records[0].Action)
	}
}

// A strategy with a later cutoff keeps its MIS position through the default
// square-off window and loses it once its own clock passes.
func TestSquareOffSkipsStrategyBeforeItsCutoff(t *testing.T) {
	r := newHKRig(t, Config{SquareOffRetry: time.Hour}, nil)
	defer r.engine.Stop()

	now := time.Now().UTC()
	future := time.Duration(now.Hour()+2) * time.Hour
	r.dir.clocks["s1"] = [2]time.Duration{0, future}
	r.mock.SetPosition(broker.Position{
		ID:         "p1",
		StrategyID: "s1",
		Instrument: r.inst,
		Side:       broker.SideSell,
		Product:    broker.ProductMIS,
		Quantity:   15,
	})

	flattened, err := r.engine.SquareOffIntraday(context.Background())
	if err != nil {
		t.Fatalf("square off: %v", err)
	}
	if flattened != 0 || len(r.mock.Placed) != 0 {
		t.Fatalf("flattened = %d, want 0 before the strategy's cutoff", flattened)
	}

	r.dir.clocks["s1"] = [2]time.Duration{}
	flattened, err = r.engine.SquareOffIntraday(context.Background())
	if err != nil {
		t.Fatalf("square off: %v", err)
	}
	if flattened != 1 {
		t.Errorf("flattened = %d, want 1 once the clock passed", flattened)
	}
}

// A leg that failed at the cutoff is parked and flattened on the retry pass.
func TestRetryFailedFlattensParkedLegs(t *testing.T) {
	r := newHKRig(t, Config{SquareOffRetry: time.Hour}, nil)
	defer r.engine.Stop()

	parked := broker.Position{
		ID:         "p1",
		StrategyID: "s1",
		Instrument: r.inst,
		Side:       broker.SideSell,
		Product:    broker.ProductMIS,
		Quantity:   15,
	}
	r.engine.mu.Lock()
	r.engine.failedLegs = []broker.Position{parked}
	r.engine.mu.Unlock()

	recovered, err := r.engine.RetryFailed(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}
	if r.engine.FailedLegCount() != 0 {
		t.Errorf("failed legs = %d, want 0 after retry", r.engine.FailedLegCount())
	}
	if len(r.mock.Placed) != 1 || r.mock.Placed[0].Side != broker.SideBuy {
		t.Errorf("placed = %+v, want one BUY closing leg", r.mock.Placed)
	}
}
