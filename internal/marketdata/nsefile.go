package marketdata

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/errkind"
)

// NSEMarginRow is one instrument line of the daily NSE SPAN file.
type NSEMarginRow struct {
	Token         uint32          `json:"token"`
	TradingSymbol string          `json:"tradingsymbol"`
	SpanPerLot    decimal.Decimal `json:"span_per_lot"`
	ExposurePct   float64         `json:"exposure_pct"`
	RegulatoryMul float64         `json:"regulatory_mul"` // 1.0 unless an override is in force
	EffectiveDate time.Time       `json:"effective_date"`
}

// MarginRowStore persists NSE margin rows (implemented by the database
// repository and the redis cache).
type MarginRowStore interface {
	UpsertNSEMarginRows(ctx context.Context, rows []NSEMarginRow) error
}

// NSEMarginFile downloads and parses the daily SPAN file, keeping the latest
// rows in memory for margin lookups. Single-writer refresh, read-mostly
// lookups.
type NSEMarginFile struct {
	http  *resty.Client
	url   string
	store MarginRowStore
	log   zerolog.Logger

	mu   sync.RWMutex
	rows map[uint32]NSEMarginRow
}

// NewNSEMarginFile creates the ingest. store may be nil (memory only).
func NewNSEMarginFile(url string, store MarginRowStore, log zerolog.Logger) *NSEMarginFile {
	return &NSEMarginFile{
		http:  resty.New().SetTimeout(30 * time.Second),
		url:   url,
		store: store,
		log:   log.With().Str("component", "nse-margin-file").Logger(),
		rows:  make(map[uint32]NSEMarginRow),
	}
}

// Lookup returns the margin row for a token. The second return is false when
// the file has no entry (caller falls back to broker numbers or rejects).
func (n *NSEMarginFile) Lookup(token uint32) (NSEMarginRow, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	row, ok := n.rows[token]
	return row, ok
}

// Load replaces the cache with rows (startup from DB, or tests).
func (n *NSEMarginFile) Load(rows []NSEMarginRow) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rows = make(map[uint32]NSEMarginRow, len(rows))
	for _, r := range rows {
		n.rows[r.Token] = r
	}
}

// Refresh downloads today's file, parses it, swaps the cache and persists.
func (n *NSEMarginFile) Refresh(ctx context.Context) error {
	if n.url == "" {
		return errkind.New(errkind.Configuration, "NSE margin file URL not configured")
	}

	resp, err := n.http.R().SetContext(ctx).SetDoNotParseResponse(true).Get(n.url)
	if err != nil {
		return errkind.Wrap(errkind.BrokerTransient, err, "NSE margin file download failed")
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return errkind.New(errkind.BrokerTransient, "NSE margin file download: status %d", resp.StatusCode())
	}

	rows, err := ParseNSEMarginFile(body, time.Now().UTC())
	if err != nil {
		return err
	}

	n.mu.Lock()
	fresh := make(map[uint32]NSEMarginRow, len(rows))
	for _, r := range rows {
		fresh[r.Token] = r
	}
	n.rows = fresh
	n.mu.Unlock()

	n.log.Info().Int("rows", len(rows)).Msg("NSE margin file refreshed")

	if n.store != nil {
		if err := n.store.UpsertNSEMarginRows(ctx, rows); err != nil {
			return errkind.Wrap(errkind.Persistence, err, "persist NSE margin rows")
		}
	}
	return nil
}

// ParseNSEMarginFile reads the CSV layout:
//
//	token,tradingsymbol,span_per_lot,exposure_pct[,regulatory_mul]
//
// Header lines and blank lines are skipped; a malformed line fails the whole
// file so a truncated download never half-applies.
func ParseNSEMarginFile(r io.Reader, effective time.Time) ([]NSEMarginRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var rows []NSEMarginRow
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errkind.Wrap(errkind.Validation, err, "NSE margin file line %d", line)
		}
		line++
		if len(record) == 0 || strings.EqualFold(strings.TrimSpace(record[0]), "token") {
			continue
		}
		if len(record) < 4 {
			return nil, errkind.New(errkind.Validation, "NSE margin file line %d: want >=4 fields, got %d", line, len(record))
		}

		token, err := strconv.ParseUint(strings.TrimSpace(record[0]), 10, 32)
		if err != nil {
			return nil, errkind.Wrap(errkind.Validation, err, "NSE margin file line %d: token", line)
		}
		span, err := decimal.NewFromString(strings.TrimSpace(record[2]))
		if err != nil || span.IsNegative() {
			return nil, errkind.New(errkind.Validation, "NSE margin file line %d: bad span %q", line, record[2])
		}
		exposure, err := strconv.ParseFloat(strings.TrimSpace(record[3]), 64)
		if err != nil || exposure < 0 {
			return nil, errkind.New(errkind.Validation, "NSE margin file line %d: bad exposure %q", line, record[3])
		}
		regMul := 1.0
		if len(record) >= 5 {
			if v, err := strconv.ParseFloat(strings.TrimSpace(record[4]), 64); err == nil && v >= 1.0 {
				regMul = v
			}
		}

		rows = append(rows, NSEMarginRow{
			Token:         uint32(token),
			TradingSymbol: strings.TrimSpace(record[1]),
			SpanPerLot:    span,
			ExposurePct:   exposure,
			RegulatoryMul: regMul,
			EffectiveDate: effective,
		})
	}
	return rows, nil
}
