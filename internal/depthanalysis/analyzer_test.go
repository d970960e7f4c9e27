package depthanalysis

import (
	"testing"

	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/errkind"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func optionInstrument() broker.Instrument {
	return broker.Instrument{
		Token:         111,
		TradingSymbol: "NIFTY25AUG22000CE",
		Segment:       broker.SegmentOptions,
		Underlying:    "NIFTY",
		LotSize:       75,
	}
}

func levels(pairs ...interface{}) []broker.DepthLevel {
	out := make([]broker.DepthLevel, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, broker.DepthLevel{
			Price:    dec(pairs[i].(string)),
			Quantity: int64(pairs[i+1].(int)),
		})
	}
	return out
}

// Wide spread scenario: mid 100.00, bid 99.50, ask 100.50 => 1.0% spread,
// wide tier, limit recommendation, alert action, liquidity score <= 60.
func TestAnalyzeWideSpread(t *testing.T) {
	depth := &broker.Depth{
		Bids: levels("99.50", 300, "99.40", 300, "99.30", 300, "99.20", 300, "99.10", 300),
		Asks: levels("100.50", 300, "100.60", 300, "100.70", 300, "100.80", 300, "100.90", 300),
	}

	th := DefaultThresholds()
	th.MaxImpactBps = 100 // keep impact out of the way; this scenario is about spread

	a, err := Analyze(optionInstrument(), broker.SideBuy, 1000, depth, th)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if !a.Mid.Equal(dec("100")) {
		t.Errorf("mid = %s, want 100", a.Mid)
	}
	if !a.SpreadPct.Equal(dec("1")) {
		t.Errorf("spread_pct = %s, want 1", a.SpreadPct)
	}
	if a.SpreadTier != SpreadWide {
		t.Errorf("tier = %s, want wide", a.SpreadTier)
	}
	if a.RecommendedType != broker.OrderTypeLimit {
		t.Errorf("recommended type = %s, want LIMIT", a.RecommendedType)
	}
	if a.RecommendedAction != ActionAlertUser {
		t.Errorf("action = %s, want alert_user", a.RecommendedAction)
	}
	if a.LiquidityScore > 60 {
		t.Errorf("liquidity score = %.1f, want <= 60", a.LiquidityScore)
	}
}

// Insufficient liquidity scenario: BUY 1000 against 600 on the ask side.
func TestAnalyzeInsufficientLiquidity(t *testing.T) {
	depth := &broker.Depth{
		Bids: levels("99.95", 500),
		Asks: levels("100.05", 200, "100.10", 150, "100.15", 100, "100.20", 100, "100.25", 50),
	}

	a, err := Analyze(optionInstrument(), broker.SideBuy, 1000, depth, DefaultThresholds())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if a.CanFillCompletely {
		t.Error("can_fill_completely should be false")
	}
	if a.ImpactBps != ImpactSentinelBps {
		t.Errorf("impact_bps = %d, want sentinel %d", a.ImpactBps, ImpactSentinelBps)
	}
	if a.RecommendedAction != ActionReject {
		t.Errorf("action = %s, want reject", a.RecommendedAction)
	}
	found := false
	for _, w := range a.Warnings {
		if w == "INSUFFICIENT_LIQUIDITY" {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings %v missing INSUFFICIENT_LIQUIDITY", a.Warnings)
	}
}

func TestAnalyzeImpactWalk(t *testing.T) {
	// Mid = 100.025. Buying 500 consumes 200@100.05 + 300@100.10.
	depth := &broker.Depth{
		Bids: levels("100.00", 1000, "99.95", 1000, "99.90", 1000, "99.85", 1000, "99.80", 1000),
		Asks: levels("100.05", 200, "100.10", 300, "100.15", 500, "100.20", 500, "100.25", 500),
	}

	a, err := Analyze(optionInstrument(), broker.SideBuy, 500, depth, DefaultThresholds())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	// VWAP = (200*100.05 + 300*100.10)/500 = 100.08
	if !a.EstimatedFill.Equal(dec("100.08")) {
		t.Errorf("estimated fill = %s, want 100.08", a.EstimatedFill)
	}
	if a.LevelsConsumed != 2 {
		t.Errorf("levels consumed = %d, want 2", a.LevelsConsumed)
	}
	if !a.CanFillCompletely {
		t.Error("order should fill completely")
	}
	// |100.08 - 100.025| / 100.025 * 10000 ≈ 5.5 bps → rounds to 5 or 6
	if a.ImpactBps < 5 || a.ImpactBps > 6 {
		t.Errorf("impact bps = %d, want ~5-6", a.ImpactBps)
	}
}

func TestAnalyzeCrossedBookIsValidationError(t *testing.T) {
	depth := &broker.Depth{
		Bids: levels("100.10", 100),
		Asks: levels("100.00", 100),
	}
	_, err := Analyze(optionInstrument(), broker.SideBuy, 75, depth, DefaultThresholds())
	if errkind.KindOf(err) != errkind.Validation {
		t.Fatalf("expected validation error for crossed book, got %v", err)
	}
}

func TestAnalyzeMissingDepth(t *testing.T) {
	_, err := Analyze(optionInstrument(), broker.SideBuy, 75, nil, DefaultThresholds())
	if errkind.KindOf(err) != errkind.DepthUnavailable {
		t.Fatalf("expected depth unavailable, got %v", err)
	}
	payload := errkind.PayloadOf(err)
	if payload["action"] != string(ActionAlertUser) {
		t.Errorf("payload action = %v, want alert_user", payload["action"])
	}
}

func TestSpreadTierBoundaries(t *testing.T) {
	cases := []struct {
		spreadPct string
		segment   broker.Segment
		want      SpreadTier
	}{
		{"0.19", broker.SegmentOptions, SpreadTight},
		{"0.2", broker.SegmentOptions, SpreadNormal}, // boundary: higher tier
		{"0.5", broker.SegmentOptions, SpreadWide},   // boundary: higher tier
		{"1.0", broker.SegmentOptions, SpreadWide},   // wide bucket inclusive
		{"1.01", broker.SegmentOptions, SpreadVeryWide},
		{"0.019", broker.SegmentFutures, SpreadTight}, // futures 10x tighter
		{"0.02", broker.SegmentFutures, SpreadNormal},
		{"0.1", broker.SegmentFutures, SpreadWide},
		{"0.11", broker.SegmentFutures, SpreadVeryWide},
	}
	for _, tc := range cases {
		got := categorizeSpread(dec(tc.spreadPct), tc.segment)
		if got != tc.want {
			t.Errorf("categorizeSpread(%s, %s) = %s, want %s", tc.spreadPct, tc.segment, got, tc.want)
		}
	}
}

func TestHighImpactRequiresApproval(t *testing.T) {
	// Tight spread so the spread tier alone would say execute_market, but the
	// walk chews deep into the book.
	depth := &broker.Depth{
		Bids: levels("99.99", 5000, "99.98", 5000, "99.97", 5000, "99.96", 5000, "99.95", 5000),
		Asks: levels("100.00", 100, "101.00", 5000, "101.10", 5000, "101.20", 5000, "101.30", 5000),
	}
	th := DefaultThresholds()
	th.RequireApprovalHighImpact = true

	a, err := Analyze(optionInstrument(), broker.SideBuy, 2000, depth, th)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	// VWAP = (100*100.00 + 1900*101.00)/2000 = 100.95 vs mid 99.995 → ~95 bps
	if a.ImpactBps < int64(th.MaxImpactBps) {
		t.Fatalf("book should produce high impact, got %d bps", a.ImpactBps)
	}
	if a.RecommendedAction != ActionRequireApproval {
		t.Errorf("action = %s, want require_approval", a.RecommendedAction)
	}
}

func TestRejectDominatesPrecedence(t *testing.T) {
	if worse(ActionReject, ActionRequireApproval) != ActionReject {
		t.Error("reject must dominate approval")
	}
	if worse(ActionExecuteMarket, ActionAlertUser) != ActionAlertUser {
		t.Error("alert must dominate execute")
	}
	if worse(ActionAlertUser, ActionRequireApproval) != ActionRequireApproval {
		t.Error("approval must dominate alert")
	}
}
