package marketdata

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/errkind"
)

// SettlementPrice is the exchange settlement price for one token on one date.
type SettlementPrice struct {
	Token uint32          `json:"token"`
	Date  string          `json:"date"` // "2006-01-02" exchange-local
	Price decimal.Decimal `json:"price"`
}

// SettlementFeed fetches per-token settlement prices after the futures
// settlement window.
type SettlementFeed struct {
	http *resty.Client
	url  string
	log  zerolog.Logger
}

// NewSettlementFeed creates the feed client.
func NewSettlementFeed(url string, log zerolog.Logger) *SettlementFeed {
	return &SettlementFeed{
		http: resty.New().SetTimeout(15 * time.Second),
		url:  url,
		log:  log.With().Str("component", "settlement-feed").Logger(),
	}
}

// Fetch returns settlement prices for the given date.
func (s *SettlementFeed) Fetch(ctx context.Context, date string) ([]SettlementPrice, error) {
	if s.url == "" {
		return nil, errkind.New(errkind.Configuration, "settlement price URL not configured")
	}

	var payload []struct {
		Token uint32  `json:"token"`
		Price float64 `json:"price"`
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("date", date).
		SetResult(&payload).
		Get(s.url)
	if err != nil {
		return nil, errkind.Wrap(errkind.BrokerTransient, err, "settlement price fetch")
	}
	if resp.IsError() {
		return nil, errkind.New(errkind.BrokerTransient, "settlement price fetch: status %d", resp.StatusCode())
	}

	out := make([]SettlementPrice, 0, len(payload))
	for _, p := range payload {
		out = append(out, SettlementPrice{
			Token: p.Token,
			Date:  date,
			Price: decimal.NewFromFloat(p.Price),
		})
	}
	s.log.Info().Str("date", date).Int("rows", len(out)).Msg("settlement prices fetched")
	return out, nil
}
