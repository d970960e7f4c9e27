// Package marketdata provides the market data adapter and the margin factor
// feeds: live depth/quotes through the broker gateway, the India VIX poller,
// the daily NSE margin file, settlement prices and the expiry calendar.
package marketdata

import (
	"time"
)

// Exchange session times (exchange-local).
const (
	MarketOpenHour    = 9
	MarketOpenMinute  = 15
	MarketCloseHour   = 15
	MarketCloseMinute = 30
)

// Calendar answers exchange-time questions: trading days, market hours,
// expiry proximity. All rules are expressed in the exchange's local time
// (Asia/Kolkata) and converted at use; storage stays in UTC.
type Calendar struct {
	loc      *time.Location
	holidays map[string]bool // "2006-01-02" in exchange-local time
}

// NewCalendar builds a calendar in the given exchange timezone.
func NewCalendar(tz string, holidays []string) (*Calendar, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	hm := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		hm[h] = true
	}
	return &Calendar{loc: loc, holidays: hm}, nil
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// Local converts a timestamp to exchange-local time.
func (c *Calendar) Local(t time.Time) time.Time { return t.In(c.loc) }

// IsTradingDay reports whether t falls on a trading day.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	lt := t.In(c.loc)
	if lt.Weekday() == time.Saturday || lt.Weekday() == time.Sunday {
		return false
	}
	return !c.holidays[lt.Format("2006-01-02")]
}

// IsMarketOpen reports whether t is within the trading session.
func (c *Calendar) IsMarketOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	lt := t.In(c.loc)
	open := time.Date(lt.Year(), lt.Month(), lt.Day(), MarketOpenHour, MarketOpenMinute, 0, 0, c.loc)
	close := time.Date(lt.Year(), lt.Month(), lt.Day(), MarketCloseHour, MarketCloseMinute, 0, 0, c.loc)
	return !lt.Before(open) && lt.Before(close)
}

// DaysToExpiry returns whole trading-calendar days from t to expiry, 0 on
// expiry day, negative after expiry.
func (c *Calendar) DaysToExpiry(t, expiry time.Time) int {
	if expiry.IsZero() {
		return 1 << 20 // effectively never
	}
	lt := t.In(c.loc)
	le := expiry.In(c.loc)
	tDay := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
	eDay := time.Date(le.Year(), le.Month(), le.Day(), 0, 0, 0, 0, c.loc)
	return int(eDay.Sub(tDay).Hours() / 24)
}

// ExpiresToday reports whether the expiry falls on t's trading day.
func (c *Calendar) ExpiresToday(t, expiry time.Time) bool {
	return !expiry.IsZero() && c.DaysToExpiry(t, expiry) == 0
}

// MinutesOfDay returns exchange-local time of day as minutes since midnight,
// used by the expiry-day intraday margin overlay.
func (c *Calendar) MinutesOfDay(t time.Time) int {
	lt := t.In(c.loc)
	return lt.Hour()*60 + lt.Minute()
}

// At builds a UTC timestamp for an exchange-local time of day on t's day.
func (c *Calendar) At(t time.Time, hour, minute int) time.Time {
	lt := t.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), hour, minute, 0, 0, c.loc).UTC()
}
