package margin

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestVIXMultiplierBands(t *testing.T) {
	cases := []struct {
		vix  float64
		want string
	}{
		{10, "1.0"},
		{14.99, "1.0"},
		{15, "1.1"}, // boundary takes the upper band
		{19.5, "1.1"},
		{20, "1.3"},
		{25, "1.5"},
		{26, "1.5"},
		{30, "1.7"},
		{40, "2.0"},
		{55, "2.0"},
	}
	for _, tc := range cases {
		f := VIXMultiplier(tc.vix)
		if !f.Multiplier.Equal(dec(tc.want)) {
			t.Errorf("VIXMultiplier(%.2f) = %s, want %s", tc.vix, f.Multiplier, tc.want)
		}
	}
}

func TestExpiryMultiplierBands(t *testing.T) {
	morning := 10 * 60
	cases := []struct {
		days int
		want string
	}{
		{30, "1.0"},
		{7, "1.0"},
		{6, "1.05"},
		{3, "1.05"},
		{2, "1.1"},
		{1, "1.3"},
	}
	for _, tc := range cases {
		f := ExpiryMultiplier(tc.days, morning)
		if !f.Multiplier.Equal(dec(tc.want)) {
			t.Errorf("ExpiryMultiplier(%dd) = %s, want %s", tc.days, f.Multiplier, tc.want)
		}
	}
}

// Expiry day: base 2.5x, overridden by the intraday overlay when that is
// higher. At 15:10 the overlay is 3.5x.
func TestExpiryDayIntradayOverlay(t *testing.T) {
	cases := []struct {
		minutes int
		want    string
	}{
		{10 * 60, "2.5"},    // 10:00, overlay 2.0 < base 2.5
		{13*60 + 29, "2.5"}, // just before 13:30
		{13*60 + 30, "2.5"}, // overlay 2.5 == base
		{14 * 60, "2.5"},
		{15 * 60, "3.5"},    // 15:00:00 onward
		{15*60 + 10, "3.5"}, // late expiry-day entry
	}
	for _, tc := range cases {
		f := ExpiryMultiplier(0, tc.minutes)
		if !f.Multiplier.Equal(dec(tc.want)) {
			t.Errorf("ExpiryMultiplier(0d@%02d:%02d) = %s, want %s",
				tc.minutes/60, tc.minutes%60, f.Multiplier, tc.want)
		}
	}
}

func TestPriceMoveMultiplierBands(t *testing.T) {
	cases := []struct {
		move float64
		want string
	}{
		{0, "1.0"},
		{0.9, "1.0"},
		{1, "1.1"},
		{2, "1.2"},
		{3, "1.4"},
		{4.9, "1.4"},
		{5, "1.6"},
		{8, "1.6"},
	}
	for _, tc := range cases {
		f := PriceMoveMultiplier(tc.move)
		if !f.Multiplier.Equal(dec(tc.want)) {
			t.Errorf("PriceMoveMultiplier(%.1f) = %s, want %s", tc.move, f.Multiplier, tc.want)
		}
	}
}

func TestRegulatoryMultiplierTakesMax(t *testing.T) {
	if f := RegulatoryMultiplier(); !f.Multiplier.Equal(dec("1.0")) {
		t.Errorf("no overrides = %s, want 1.0", f.Multiplier)
	}
	if f := RegulatoryMultiplier(1.0, 1.25); !f.Multiplier.Equal(dec("1.25")) {
		t.Errorf("override = %s, want 1.25", f.Multiplier)
	}
	if f := RegulatoryMultiplier(1.5, 1.25); !f.Multiplier.Equal(dec("1.5")) {
		t.Errorf("max of overrides = %s, want 1.5", f.Multiplier)
	}
	if f := RegulatoryMultiplier(0.8); !f.Multiplier.Equal(dec("1.0")) {
		t.Errorf("sub-1.0 override must be ignored, got %s", f.Multiplier)
	}
}

// Volatility spike: VIX 26, two days to expiry, 2.1% underlying move.
// 30,000 SPAN becomes 30,000 x 1.5 x 1.1 x 1.2 = 59,400; with 30,000
// exposure margin the requirement is 89,400.
func TestFactorsStackMultiplicatively(t *testing.T) {
	factors := []Factor{
		VIXMultiplier(26),
		ExpiryMultiplier(2, 11*60),
		PriceMoveMultiplier(2.1),
		RegulatoryMultiplier(),
	}
	combined := Combined(factors)
	if !combined.Equal(dec("1.98")) {
		t.Fatalf("combined = %s, want 1.98", combined)
	}

	span := dec("30000").Mul(combined)
	if !span.Equal(dec("59400")) {
		t.Errorf("adjusted span = %s, want 59400", span)
	}
	total := span.Add(dec("30000"))
	if !total.Equal(dec("89400")) {
		t.Errorf("total = %s, want 89400", total)
	}
}
