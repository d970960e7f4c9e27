package marketdata

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func mustCalendar(t *testing.T) *Calendar {
	t.Helper()
	cal, err := NewCalendar("Asia/Kolkata", []string{"2026-08-28"})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	return cal
}

func istTime(t *testing.T, value string) time.Time {
	t.Helper()
	loc, _ := time.LoadLocation("Asia/Kolkata")
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	if err != nil {
		t.Fatalf("parse %s: %v", value, err)
	}
	return ts
}

func TestCalendarTradingDay(t *testing.T) {
	cal := mustCalendar(t)

	if cal.IsTradingDay(istTime(t, "2026-08-23 10:00")) { // Sunday
		t.Error("Sunday must not be a trading day")
	}
	if cal.IsTradingDay(istTime(t, "2026-08-28 10:00")) { // listed holiday
		t.Error("holiday must not be a trading day")
	}
	if !cal.IsTradingDay(istTime(t, "2026-08-24 10:00")) { // Monday
		t.Error("Monday should be a trading day")
	}
}

func TestCalendarMarketHours(t *testing.T) {
	cal := mustCalendar(t)

	cases := []struct {
		at   string
		open bool
	}{
		{"2026-08-24 09:14", false},
		{"2026-08-24 09:15", true},
		{"2026-08-24 15:29", true},
		{"2026-08-24 15:30", false},
	}
	for _, tc := range cases {
		if got := cal.IsMarketOpen(istTime(t, tc.at)); got != tc.open {
			t.Errorf("IsMarketOpen(%s) = %v, want %v", tc.at, got, tc.open)
		}
	}
}

func TestDaysToExpiry(t *testing.T) {
	cal := mustCalendar(t)
	expiry := istTime(t, "2026-08-27 15:30")

	if d := cal.DaysToExpiry(istTime(t, "2026-08-24 10:00"), expiry); d != 3 {
		t.Errorf("expected 3 days, got %d", d)
	}
	if d := cal.DaysToExpiry(istTime(t, "2026-08-27 09:20"), expiry); d != 0 {
		t.Errorf("expected expiry day 0, got %d", d)
	}
	if !cal.ExpiresToday(istTime(t, "2026-08-27 14:00"), expiry) {
		t.Error("should expire today")
	}
}

func TestVIXTriggerFiresAboveThreshold(t *testing.T) {
	src := NewVIXSource("", time.Minute, 5.0, zerolog.Nop())

	fired := 0
	src.OnChange(func(VIXSnapshot) { fired++ })

	now := time.Now().UTC()
	src.Set(20.0, now) // first observation, no previous
	src.Set(20.8, now) // +4%, below trigger
	src.Set(22.0, now) // +5.77%, fires
	if fired != 1 {
		t.Fatalf("expected 1 trigger, got %d", fired)
	}

	snap, ok := src.Current()
	if !ok || snap.Value != 22.0 {
		t.Fatalf("unexpected snapshot %+v ok=%v", snap, ok)
	}
}

func TestParseNSEMarginFile(t *testing.T) {
	data := `token,tradingsymbol,span_per_lot,exposure_pct
256265,NIFTY25AUGFUT,30000.50,3.0
260105,BANKNIFTY25AUGFUT,42000,3.0,1.25
`
	rows, err := ParseNSEMarginFile(strings.NewReader(data), time.Now().UTC())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].SpanPerLot.String() != "30000.5" {
		t.Errorf("span = %s", rows[0].SpanPerLot)
	}
	if rows[1].RegulatoryMul != 1.25 {
		t.Errorf("regulatory mul = %v", rows[1].RegulatoryMul)
	}
}

func TestParseNSEMarginFileRejectsMalformed(t *testing.T) {
	data := "256265,NIFTY25AUGFUT,notanumber,3.0\n"
	if _, err := ParseNSEMarginFile(strings.NewReader(data), time.Now().UTC()); err == nil {
		t.Fatal("expected parse error")
	}
}
