package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/database"
	"fno-trading-engine/internal/depthanalysis"
	"fno-trading-engine/internal/errkind"
	"fno-trading-engine/internal/events"
	"fno-trading-engine/internal/margin"
	"fno-trading-engine/internal/marketdata"
	"fno-trading-engine/internal/risk"
	"fno-trading-engine/internal/strategy"
)

// memStrategies is an in-memory strategy.Persistence for handler tests.
type memStrategies struct {
	strategies map[string]*database.Strategy
	settings   map[string][]byte
}

func newMemStrategies() *memStrategies {
	return &memStrategies{
		strategies: make(map[string]*database.Strategy),
		settings:   make(map[string][]byte),
	}
}

func (m *memStrategies) CreateStrategy(ctx context.Context, s *database.Strategy, settings []byte) error {
	cp := *s
	m.strategies[s.ID] = &cp
	m.settings[s.ID] = settings
	return nil
}

func (m *memStrategies) GetStrategy(ctx context.Context, id string) (*database.Strategy, error) {
	s, ok := m.strategies[id]
	if !ok {
		return nil, errkind.New(errkind.Validation, "strategy %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *memStrategies) ListStrategies(ctx context.Context, account string) ([]database.Strategy, error) {
	var out []database.Strategy
	for _, s := range m.strategies {
		if account == "" || s.Account == account {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStrategies) UpdateStrategyStatus(ctx context.Context, id, status string) error {
	s, ok := m.strategies[id]
	if !ok {
		return errkind.New(errkind.Validation, "strategy %s not found", id)
	}
	s.Status = status
	return nil
}

func (m *memStrategies) SetDefaultStrategy(ctx context.Context, account, id string) error {
	return nil
}

func (m *memStrategies) GetStrategySettings(ctx context.Context, strategyID string) ([]byte, error) {
	doc, ok := m.settings[strategyID]
	if !ok {
		return nil, errkind.New(errkind.Validation, "no settings for strategy %s", strategyID)
	}
	return doc, nil
}

func (m *memStrategies) PutStrategySettings(ctx context.Context, strategyID string, doc []byte) error {
	if _, ok := m.strategies[strategyID]; !ok {
		return errkind.New(errkind.Validation, "strategy %s not found", strategyID)
	}
	m.settings[strategyID] = doc
	return nil
}

func (m *memStrategies) ActiveStrategyIDs(ctx context.Context) ([]string, error) {
	var out []string
	for id, s := range m.strategies {
		if s.Status == strategy.StatusActive {
			out = append(out, id)
		}
	}
	return out, nil
}

type testServer struct {
	srv   *Server
	mock  *broker.MockClient
	store *strategy.Store
	risk  *risk.Monitor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mock := broker.NewMockClient()
	gw := broker.NewGateway(mock, broker.GatewayConfig{}, zerolog.Nop())
	md := marketdata.NewAdapter(gw, time.Millisecond, zerolog.Nop())
	store := strategy.NewStore(newMemStrategies(), strategy.Config{}, zerolog.Nop())
	bus := events.NewBus(nil, events.BusConfig{}, zerolog.Nop())
	riskMon := risk.NewMonitor(gw, md, nil, nil, store, risk.Config{}, zerolog.Nop())

	srv := NewServer(Config{}, Components{
		Strategies: store,
		MarketData: md,
		Bus:        bus,
		Risk:       riskMon,
	}, zerolog.Nop())

	return &testServer{srv: srv, mock: mock, store: store, risk: riskMon}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func fiveLevels(start string, step string, qty int64) []broker.DepthLevel {
	price := decimal.RequireFromString(start)
	inc := decimal.RequireFromString(step)
	out := make([]broker.DepthLevel, 0, 5)
	for i := 0; i < 5; i++ {
		out = append(out, broker.DepthLevel{Price: price, Quantity: qty})
		price = price.Add(inc)
	}
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	decodeJSON(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestAnalyzeExecutionWideSpread(t *testing.T) {
	ts := newTestServer(t)
	ts.mock.SetDepth(111, &broker.Depth{
		Bids: fiveLevels("99.50", "-0.10", 300),
		Asks: fiveLevels("100.50", "0.10", 300),
	})

	// Raise the impact ceiling so this test isolates the spread path: a
	// single-level fill at 100.50 against mid 100 is already 50 bps.
	st, err := ts.store.Create(context.Background(), "acct1", "strangle", false,
		[]byte(`{"max_impact_bps": 100}`))
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	w := ts.do(t, http.MethodPost, "/api/orders/analyze-execution", map[string]interface{}{
		"instrument": map[string]interface{}{
			"token":         111,
			"tradingsymbol": "NIFTY25AUG22000CE",
			"segment":       "OPTIONS",
			"lot_size":      75,
		},
		"side":        "BUY",
		"quantity":    300,
		"strategy_id": st.ID,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var a depthanalysis.Analysis
	decodeJSON(t, w, &a)
	if !a.SpreadPct.Equal(decimal.NewFromInt(1)) {
		t.Errorf("spread_pct = %s, want 1", a.SpreadPct)
	}
	if a.SpreadTier != depthanalysis.SpreadWide {
		t.Errorf("spread_tier = %s, want wide", a.SpreadTier)
	}
	if a.RecommendedAction != depthanalysis.ActionAlertUser {
		t.Errorf("action = %s, want alert_user", a.RecommendedAction)
	}
	if a.RecommendedType != broker.OrderTypeLimit {
		t.Errorf("recommended_type = %s, want LIMIT", a.RecommendedType)
	}
	if !a.CanFillCompletely {
		t.Error("can_fill_completely = false, want true")
	}
}

func TestAnalyzeExecutionInsufficientLiquidity(t *testing.T) {
	ts := newTestServer(t)
	ts.mock.SetDepth(222, &broker.Depth{
		Bids: fiveLevels("99.95", "-0.05", 300),
		Asks: fiveLevels("100.05", "0.05", 300),
	})

	w := ts.do(t, http.MethodPost, "/api/orders/analyze-execution", map[string]interface{}{
		"instrument": map[string]interface{}{"token": 222, "segment": "OPTIONS"},
		"side":       "BUY",
		"quantity":   10000, // top-5 holds 1500
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var a depthanalysis.Analysis
	decodeJSON(t, w, &a)
	if a.CanFillCompletely {
		t.Error("can_fill_completely = true, want false")
	}
	if a.ImpactBps != depthanalysis.ImpactSentinelBps {
		t.Errorf("impact_bps = %d, want sentinel %d", a.ImpactBps, depthanalysis.ImpactSentinelBps)
	}
	if a.RecommendedAction != depthanalysis.ActionReject {
		t.Errorf("action = %s, want reject", a.RecommendedAction)
	}
}

func TestAnalyzeExecutionCrossedBook(t *testing.T) {
	ts := newTestServer(t)
	ts.mock.SetDepth(333, &broker.Depth{
		Bids: fiveLevels("101.00", "-0.10", 300),
		Asks: fiveLevels("100.00", "0.10", 300),
	})

	w := ts.do(t, http.MethodPost, "/api/orders/analyze-execution", map[string]interface{}{
		"instrument": map[string]interface{}{"token": 333, "segment": "OPTIONS"},
		"side":       "BUY",
		"quantity":   75,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", w.Code, w.Body.String())
	}
	var body map[string]interface{}
	decodeJSON(t, w, &body)
	if body["kind"] != string(errkind.Validation) {
		t.Errorf("kind = %v, want %s", body["kind"], errkind.Validation)
	}
}

func TestAnalyzeExecutionDepthUnavailable(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/orders/analyze-execution", map[string]interface{}{
		"instrument": map[string]interface{}{"token": 444, "segment": "OPTIONS"},
		"side":       "BUY",
		"quantity":   75,
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Kind    string                 `json:"kind"`
		Payload map[string]interface{} `json:"payload"`
	}
	decodeJSON(t, w, &body)
	if body.Kind != string(errkind.DepthUnavailable) {
		t.Errorf("kind = %s, want %s", body.Kind, errkind.DepthUnavailable)
	}
	if body.Payload["action"] != string(depthanalysis.ActionAlertUser) {
		t.Errorf("payload action = %v, want alert_user", body.Payload["action"])
	}
}

// A strategy that opted into the pre-order margin check is refused analysis
// once its risk level stops new orders.
func TestAnalyzeExecutionBlockedByMarginCheck(t *testing.T) {
	ts := newTestServer(t)
	ts.mock.SetDepth(555, &broker.Depth{
		Bids: fiveLevels("99.95", "-0.05", 300),
		Asks: fiveLevels("100.05", "0.05", 300),
	})
	st, err := ts.store.Create(context.Background(), "acct1", "strangle", false, nil)
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	// 92% utilization is L4: new orders stop.
	if _, err := ts.risk.Evaluate(context.Background(), &margin.Snapshot{
		StrategyID:     st.ID,
		Total:          decimal.RequireFromString("92000"),
		Available:      decimal.RequireFromString("100000"),
		UtilizationPct: 92,
	}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	req := map[string]interface{}{
		"instrument":  map[string]interface{}{"token": 555, "segment": "OPTIONS"},
		"side":        "BUY",
		"quantity":    75,
		"strategy_id": st.ID,
	}
	w := ts.do(t, http.MethodPost, "/api/orders/analyze-execution", req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Kind    string                 `json:"kind"`
		Payload map[string]interface{} `json:"payload"`
	}
	decodeJSON(t, w, &body)
	if body.Kind != string(errkind.RiskLimitBreach) {
		t.Errorf("kind = %s, want %s", body.Kind, errkind.RiskLimitBreach)
	}
	if body.Payload["risk_level"] != "L4" {
		t.Errorf("payload risk_level = %v, want L4", body.Payload["risk_level"])
	}

	// Opting out of the check lets the analysis through at the same level.
	if _, err := ts.store.UpdateSettings(context.Background(), st.ID,
		[]byte(`{"check_margin_before_order": false}`)); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	w = ts.do(t, http.MethodPost, "/api/orders/analyze-execution", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with the check disabled, body %s", w.Code, w.Body.String())
	}
}

func TestCalculateCostsFuturesBuy(t *testing.T) {
	ts := newTestServer(t)

	req := map[string]interface{}{
		"order_value": "100000",
		"side":        "BUY",
		"segment":     "FUTURES",
	}
	w := ts.do(t, http.MethodPost, "/api/orders/calculate-costs", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var cb depthanalysis.CostBreakdown
	decodeJSON(t, w, &cb)
	if !cb.STT.IsZero() {
		t.Errorf("stt = %s, want 0 on buy", cb.STT)
	}
	if !cb.StampDuty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("stamp_duty = %s, want 2", cb.StampDuty)
	}
	if !cb.NetCost.Equal(decimal.RequireFromString("100027.94")) {
		t.Errorf("net_cost = %s, want 100027.94", cb.NetCost)
	}

	// Recomputing from the same inputs is bit-identical.
	w2 := ts.do(t, http.MethodPost, "/api/orders/calculate-costs", req)
	if w.Body.String() != w2.Body.String() {
		t.Errorf("cost breakdown not deterministic:\n%s\n%s", w.Body.String(), w2.Body.String())
	}
}

func TestCalculateCostsRejectsZeroValue(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/orders/calculate-costs", map[string]interface{}{
		"order_value": "0",
		"side":        "SELL",
		"segment":     "OPTIONS",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", w.Code, w.Body.String())
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	st, err := ts.store.Create(context.Background(), "acct1", "iron-condor", false, nil)
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	w := ts.do(t, http.MethodPut, "/api/strategies/"+st.ID+"/settings",
		`{"max_impact_bps": 30, "margin_buffer_pct": 15}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var merged strategy.Settings
	decodeJSON(t, w, &merged)
	if merged.MaxImpactBps != 30 || merged.MarginBufferPct != 15 {
		t.Errorf("merged = %+v, want max_impact_bps 30 and margin_buffer_pct 15", merged)
	}

	w = ts.do(t, http.MethodGet, "/api/strategies/"+st.ID+"/settings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var got strategy.Settings
	decodeJSON(t, w, &got)
	if got.MaxImpactBps != 30 {
		t.Errorf("persisted max_impact_bps = %d, want 30", got.MaxImpactBps)
	}
}

func TestPutSettingsRejectsUnknownKey(t *testing.T) {
	ts := newTestServer(t)
	st, err := ts.store.Create(context.Background(), "acct1", "strangle", false, nil)
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	w := ts.do(t, http.MethodPut, "/api/strategies/"+st.ID+"/settings",
		`{"max_spread_pc": 2.5}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", w.Code, w.Body.String())
	}
	var body map[string]interface{}
	decodeJSON(t, w, &body)
	if body["kind"] != string(errkind.Validation) {
		t.Errorf("kind = %v, want %s", body["kind"], errkind.Validation)
	}
}

func TestSettingsUnknownStrategy(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/strategies/no-such-id/settings", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", w.Code, w.Body.String())
	}
}

func TestCreateAndListStrategies(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/strategies", map[string]interface{}{
		"account": "acct1",
		"name":    "calendar-spread",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var created database.Strategy
	decodeJSON(t, w, &created)
	if created.ID == "" {
		t.Fatal("created strategy has no id")
	}
	if created.Status != strategy.StatusDraft {
		t.Errorf("status = %s, want draft", created.Status)
	}

	w = ts.do(t, http.MethodGet, "/api/strategies?account=acct1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var list struct {
		Strategies []database.Strategy `json:"strategies"`
	}
	decodeJSON(t, w, &list)
	if len(list.Strategies) != 1 || list.Strategies[0].ID != created.ID {
		t.Errorf("list = %+v, want the created strategy", list.Strategies)
	}
}
