package depthanalysis

import (
	"testing"

	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/errkind"
)

func TestCalculateCostsBuyAddsCharges(t *testing.T) {
	cb, err := CalculateCosts(dec("1000000"), broker.SideBuy, broker.SegmentFutures)
	if err != nil {
		t.Fatalf("costs: %v", err)
	}

	if !cb.STT.IsZero() {
		t.Errorf("buy side futures must not pay STT, got %s", cb.STT)
	}
	if cb.StampDuty.IsZero() {
		t.Error("buy side must pay stamp duty")
	}
	if !cb.NetCost.Equal(cb.OrderValue.Add(cb.TotalCharges)) {
		t.Errorf("buy net = value + charges violated: %s != %s + %s",
			cb.NetCost, cb.OrderValue, cb.TotalCharges)
	}
}

func TestCalculateCostsSellSubtractsCharges(t *testing.T) {
	cb, err := CalculateCosts(dec("1000000"), broker.SideSell, broker.SegmentFutures)
	if err != nil {
		t.Fatalf("costs: %v", err)
	}

	// STT on futures sell: 0.0125% of 10,00,000 = ₹125
	if !cb.STT.Equal(dec("125")) {
		t.Errorf("STT = %s, want 125", cb.STT)
	}
	if !cb.StampDuty.IsZero() {
		t.Errorf("sell side must not pay stamp duty, got %s", cb.StampDuty)
	}
	if !cb.NetCost.Equal(cb.OrderValue.Sub(cb.TotalCharges)) {
		t.Error("sell net = value - charges violated")
	}
}

// Recomputing with identical inputs must be identical to the paisa.
func TestCalculateCostsDeterministic(t *testing.T) {
	for _, side := range []broker.Side{broker.SideBuy, broker.SideSell} {
		for _, seg := range []broker.Segment{broker.SegmentEquity, broker.SegmentFutures, broker.SegmentOptions} {
			a, err := CalculateCosts(dec("123456.78"), side, seg)
			if err != nil {
				t.Fatalf("costs(%s,%s): %v", side, seg, err)
			}
			b, _ := CalculateCosts(dec("123456.78"), side, seg)
			if !a.NetCost.Equal(b.NetCost) || !a.TotalCharges.Equal(b.TotalCharges) {
				t.Errorf("cost breakdown not deterministic for %s/%s", side, seg)
			}
			if a.TotalCharges.Exponent() < -2 {
				t.Errorf("charges should be rounded to the paisa, got %s", a.TotalCharges)
			}
		}
	}
}

func TestCalculateCostsRejectsBadInput(t *testing.T) {
	if _, err := CalculateCosts(dec("0"), broker.SideBuy, broker.SegmentFutures); errkind.KindOf(err) != errkind.Validation {
		t.Error("zero value must be a validation error")
	}
	if _, err := CalculateCosts(dec("-5"), broker.SideBuy, broker.SegmentFutures); errkind.KindOf(err) != errkind.Validation {
		t.Error("negative value must be a validation error")
	}
	if _, err := CalculateCosts(dec("100"), "HOLD", broker.SegmentFutures); errkind.KindOf(err) != errkind.Validation {
		t.Error("unknown side must be a validation error")
	}
}

func TestGSTAppliesToBrokeragePlusExchange(t *testing.T) {
	cb, err := CalculateCosts(dec("100000"), broker.SideBuy, broker.SegmentOptions)
	if err != nil {
		t.Fatalf("costs: %v", err)
	}
	// exchange = 0.035% of 1,00,000 = 35; GST = 18% of (20+35) = 9.90
	if !cb.ExchangeCharges.Equal(dec("35")) {
		t.Errorf("exchange charges = %s, want 35", cb.ExchangeCharges)
	}
	if !cb.GST.Equal(dec("9.9")) {
		t.Errorf("GST = %s, want 9.90", cb.GST)
	}
}
