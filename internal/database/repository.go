package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/errkind"
	"fno-trading-engine/internal/events"
	"fno-trading-engine/internal/housekeeping"
	"fno-trading-engine/internal/margin"
	"fno-trading-engine/internal/marketdata"
)

// Repository provides data access methods. It implements the persistence
// interfaces of the margin engine, the event bus, the housekeeping engine and
// the NSE margin feed.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// MARGIN SNAPSHOTS
// ============================================================================

// SaveMarginSnapshot appends one snapshot to the time series. Duplicate
// (strategy, timestamp, source) rows are ignored; reads prefer broker over
// internal at equal timestamps.
func (r *Repository) SaveMarginSnapshot(ctx context.Context, snap *margin.Snapshot) error {
	factors, err := json.Marshal(snap.AppliedFactors)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "marshal applied factors")
	}
	warnings, err := json.Marshal(snap.Warnings)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "marshal warnings")
	}

	query := `
		INSERT INTO margin_snapshots
			(strategy_id, ts, day, source, span, exposure, premium, additional, total, available, utilization_pct, applied_factors, warnings)
		VALUES ($1, $2, $2::date, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (strategy_id, ts, source) DO NOTHING
	`
	_, err = r.db.Pool.Exec(ctx, query,
		snap.StrategyID, snap.Timestamp, string(snap.Source),
		snap.Span.String(), snap.Exposure.String(), snap.Premium.String(),
		snap.Additional.String(), snap.Total.String(), snap.Available.String(),
		snap.UtilizationPct, factors, warnings,
	)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "save margin snapshot")
	}
	return nil
}

// LatestMarginSnapshot returns the newest snapshot for a strategy. At equal
// timestamps the broker-sourced row wins.
func (r *Repository) LatestMarginSnapshot(ctx context.Context, strategyID string) (*margin.Snapshot, error) {
	query := `
		SELECT strategy_id, ts, source, span::text, exposure::text, premium::text,
		       additional::text, total::text, COALESCE(available::text, '0'),
		       COALESCE(utilization_pct, 0), applied_factors, warnings
		FROM margin_snapshots
		WHERE strategy_id = $1
		ORDER BY ts DESC, (source = 'broker') DESC
		LIMIT 1
	`
	snap, err := scanSnapshot(r.db.Pool.QueryRow(ctx, query, strategyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errkind.New(errkind.Validation, "no margin snapshot for strategy %s", strategyID)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "load margin snapshot")
	}
	return snap, nil
}

// MarginSnapshotHistory returns the last N days of snapshots, oldest first.
func (r *Repository) MarginSnapshotHistory(ctx context.Context, strategyID string, days int) ([]margin.Snapshot, error) {
	if days <= 0 {
		days = 1
	}
	query := `
		SELECT strategy_id, ts, source, span::text, exposure::text, premium::text,
		       additional::text, total::text, COALESCE(available::text, '0'),
		       COALESCE(utilization_pct, 0), applied_factors, warnings
		FROM margin_snapshots
		WHERE strategy_id = $1 AND ts >= NOW() - make_interval(days => $2)
		ORDER BY ts ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, strategyID, days)
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "query snapshot history")
	}
	defer rows.Close()

	var out []margin.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.Persistence, err, "scan snapshot history")
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*margin.Snapshot, error) {
	var (
		snap                                           margin.Snapshot
		source                                         string
		span, exposure, premium, additional, total, av string
		factors, warnings                              []byte
	)
	err := row.Scan(&snap.StrategyID, &snap.Timestamp, &source,
		&span, &exposure, &premium, &additional, &total, &av,
		&snap.UtilizationPct, &factors, &warnings)
	if err != nil {
		return nil, err
	}
	snap.Source = margin.Source(source)
	if snap.Span, err = decimal.NewFromString(span); err != nil {
		return nil, err
	}
	if snap.Exposure, err = decimal.NewFromString(exposure); err != nil {
		return nil, err
	}
	if snap.Premium, err = decimal.NewFromString(premium); err != nil {
		return nil, err
	}
	if snap.Additional, err = decimal.NewFromString(additional); err != nil {
		return nil, err
	}
	if snap.Total, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	if snap.Available, err = decimal.NewFromString(av); err != nil {
		return nil, err
	}
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &snap.AppliedFactors); err != nil {
			return nil, err
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &snap.Warnings); err != nil {
			return nil, err
		}
	}
	return &snap, nil
}

// CompressMarginSnapshots thins snapshots older than the retention window to
// one row per strategy per hour, keeping the newest in each bucket.
func (r *Repository) CompressMarginSnapshots(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	del := `
		DELETE FROM margin_snapshots
		WHERE day < $1::date AND NOT compressed AND id NOT IN (
			SELECT max(id) FROM margin_snapshots
			WHERE day < $1::date
			GROUP BY strategy_id, day, date_trunc('hour', ts)
		)
	`
	tag, err := r.db.Pool.Exec(ctx, del, cutoff)
	if err != nil {
		return 0, errkind.Wrap(errkind.Persistence, err, "compress snapshots")
	}
	if _, err := r.db.Pool.Exec(ctx,
		`UPDATE margin_snapshots SET compressed = TRUE WHERE day < $1::date AND NOT compressed`, cutoff); err != nil {
		return 0, errkind.Wrap(errkind.Persistence, err, "mark snapshots compressed")
	}
	return tag.RowsAffected(), nil
}

// ============================================================================
// MARGIN CHANGE EVENTS & MARGIN CALLS
// ============================================================================

// SaveMarginChangeEvent appends one margin change event.
func (r *Repository) SaveMarginChangeEvent(ctx context.Context, ev *margin.ChangeEvent) error {
	query := `
		INSERT INTO margin_change_events (strategy_id, old_total, new_total, pct, reason, severity, action_taken, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		ev.StrategyID, ev.Old.String(), ev.New.String(), ev.Pct,
		ev.Reason, ev.Severity, ev.ActionTaken, ev.At,
	)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "save margin change event")
	}
	return nil
}

// RecordMarginCall opens a margin call row for a shortfall.
func (r *Repository) RecordMarginCall(ctx context.Context, call *MarginCall) error {
	query := `
		INSERT INTO margin_calls (strategy_id, required, available, shortfall, deadline)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		call.StrategyID, call.Required.String(), call.Available.String(),
		call.Shortfall.String(), call.Deadline,
	).Scan(&call.ID, &call.CreatedAt)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "record margin call")
	}
	return nil
}

// ResolveMarginCall closes the open margin calls for a strategy.
func (r *Repository) ResolveMarginCall(ctx context.Context, strategyID, resolution string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE margin_calls SET resolved = TRUE, resolution = $2 WHERE strategy_id = $1 AND NOT resolved`,
		strategyID, resolution)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "resolve margin call")
	}
	return nil
}

// ============================================================================
// ALERTS (events.AlertSink)
// ============================================================================

// PersistAlert stores a bus event as a user alert.
func (r *Repository) PersistAlert(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "marshal alert payload")
	}
	actions, err := json.Marshal(e.Actions)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "marshal alert actions")
	}

	var expires *time.Time
	if !e.ExpiresAt.IsZero() {
		expires = &e.ExpiresAt
	}
	query := `
		INSERT INTO user_alerts (id, type, severity, strategy_id, title, body, payload, actions, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.db.Pool.Exec(ctx, query,
		e.ID, string(e.Type), e.Severity.String(), e.StrategyID,
		e.Title, e.Message, payload, actions, e.Timestamp, expires,
	)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "persist alert")
	}
	return nil
}

// ListAlerts returns alerts, newest first. Empty strategyID lists all.
func (r *Repository) ListAlerts(ctx context.Context, strategyID string, unreadOnly bool, limit int) ([]AlertRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, type, severity, COALESCE(strategy_id, ''), title, COALESCE(body, ''),
		       payload, actions, created_at, expires_at, read, COALESCE(response, ''), responded_at
		FROM user_alerts
		WHERE ($1 = '' OR strategy_id = $1)
		  AND (NOT $2 OR NOT read)
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := r.db.Pool.Query(ctx, query, strategyID, unreadOnly, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "list alerts")
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var (
			a       AlertRecord
			actions []byte
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.StrategyID, &a.Title, &a.Body,
			&a.Payload, &actions, &a.CreatedAt, &a.ExpiresAt, &a.Read, &a.Response, &a.RespondedAt); err != nil {
			return nil, errkind.Wrap(errkind.Persistence, err, "scan alert")
		}
		if len(actions) > 0 {
			if err := json.Unmarshal(actions, &a.Actions); err != nil {
				return nil, errkind.Wrap(errkind.Persistence, err, "decode alert actions")
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAlertRead flags one alert as read.
func (r *Repository) MarkAlertRead(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE user_alerts SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "mark alert read")
	}
	if tag.RowsAffected() == 0 {
		return errkind.New(errkind.Validation, "alert %s not found", id)
	}
	return nil
}

// RespondAlert records the user's chosen action on an alert.
func (r *Repository) RespondAlert(ctx context.Context, id, action string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE user_alerts SET response = $2, responded_at = NOW(), read = TRUE WHERE id = $1`,
		id, action)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "respond alert")
	}
	if tag.RowsAffected() == 0 {
		return errkind.New(errkind.Validation, "alert %s not found", id)
	}
	return nil
}

// AlertStrategy returns the strategy an alert belongs to.
func (r *Repository) AlertStrategy(ctx context.Context, id string) (string, error) {
	var strategyID string
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(strategy_id, '') FROM user_alerts WHERE id = $1`, id).Scan(&strategyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errkind.New(errkind.Validation, "alert %s not found", id)
	}
	if err != nil {
		return "", errkind.Wrap(errkind.Persistence, err, "load alert")
	}
	return strategyID, nil
}

// ============================================================================
// HOUSEKEEPING (housekeeping.ActionLog)
// ============================================================================

// RecordAction inserts a cleanup action keyed by {order,reason,day}; returns
// false when the key already exists, making retries idempotent.
func (r *Repository) RecordAction(ctx context.Context, rec *housekeeping.ActionRecord) (bool, error) {
	query := `
		INSERT INTO housekeeping_events (key, order_id, reason, action, details, at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		rec.Key, rec.OrderID, rec.Reason, rec.Action, rec.Details, rec.At)
	if err != nil {
		return false, errkind.Wrap(errkind.Persistence, err, "record housekeeping action")
	}
	return tag.RowsAffected() == 1, nil
}

// ListHousekeepingEvents returns recent cleanup actions, newest first.
func (r *Repository) ListHousekeepingEvents(ctx context.Context, limit int) ([]housekeeping.ActionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx,
		`SELECT key, order_id, reason, action, COALESCE(details, ''), at
		 FROM housekeeping_events ORDER BY at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "list housekeeping events")
	}
	defer rows.Close()

	var out []housekeeping.ActionRecord
	for rows.Next() {
		var rec housekeeping.ActionRecord
		if err := rows.Scan(&rec.Key, &rec.OrderID, &rec.Reason, &rec.Action, &rec.Details, &rec.At); err != nil {
			return nil, errkind.Wrap(errkind.Persistence, err, "scan housekeeping event")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ============================================================================
// NSE MARGIN CACHE (marketdata.MarginRowStore)
// ============================================================================

// UpsertNSEMarginRows replaces the cached NSE margin file rows.
func (r *Repository) UpsertNSEMarginRows(ctx context.Context, rowsIn []marketdata.NSEMarginRow) error {
	batch := &pgx.Batch{}
	query := `
		INSERT INTO nse_margin_cache (token, tradingsymbol, span_per_lot, exposure_pct, regulatory_mul, effective_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (token) DO UPDATE SET
			tradingsymbol = EXCLUDED.tradingsymbol,
			span_per_lot = EXCLUDED.span_per_lot,
			exposure_pct = EXCLUDED.exposure_pct,
			regulatory_mul = EXCLUDED.regulatory_mul,
			effective_date = EXCLUDED.effective_date,
			updated_at = NOW()
	`
	for _, row := range rowsIn {
		batch.Queue(query, int64(row.Token), row.TradingSymbol,
			row.SpanPerLot.String(), row.ExposurePct, row.RegulatoryMul, row.EffectiveDate)
	}
	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range rowsIn {
		if _, err := results.Exec(); err != nil {
			return errkind.Wrap(errkind.Persistence, err, "upsert NSE margin rows")
		}
	}
	return nil
}

// LoadNSEMarginRows returns the cached NSE margin file, used to warm the
// in-memory lookup before the first refresh of the day.
func (r *Repository) LoadNSEMarginRows(ctx context.Context) ([]marketdata.NSEMarginRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT token, tradingsymbol, span_per_lot::text, exposure_pct, regulatory_mul, effective_date
		 FROM nse_margin_cache`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "load NSE margin cache")
	}
	defer rows.Close()

	var out []marketdata.NSEMarginRow
	for rows.Next() {
		var (
			row   marketdata.NSEMarginRow
			token int64
			span  string
		)
		if err := rows.Scan(&token, &row.TradingSymbol, &span, &row.ExposurePct, &row.RegulatoryMul, &row.EffectiveDate); err != nil {
			return nil, errkind.Wrap(errkind.Persistence, err, "scan NSE margin row")
		}
		row.Token = uint32(token)
		if row.SpanPerLot, err = decimal.NewFromString(span); err != nil {
			return nil, errkind.Wrap(errkind.Persistence, err, "decode span per lot")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ============================================================================
// EXECUTION ANALYSIS & COSTS
// ============================================================================

// SaveExecutionAnalysis appends one analysis record.
func (r *Repository) SaveExecutionAnalysis(ctx context.Context, rec *ExecutionAnalysisRecord) error {
	warnings, err := json.Marshal(rec.Warnings)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "marshal warnings")
	}
	query := `
		INSERT INTO order_execution_analysis
			(order_id, strategy_id, token, side, quantity, spread_abs, spread_pct, spread_tier,
			 liquidity_tier, liquidity_score, estimated_fill, impact_bps, impact_cost,
			 levels_consumed, can_fill_completely, warnings, recommended_action, recommended_type,
			 actual_fill, actual_slippage, quality_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING id, created_at
	`
	err = r.db.Pool.QueryRow(ctx, query,
		rec.OrderID, rec.StrategyID, int64(rec.Token), rec.Side, rec.Quantity,
		rec.SpreadAbs.String(), rec.SpreadPct.String(), rec.SpreadTier,
		rec.LiquidityTier, rec.LiquidityScore, rec.EstimatedFill.String(),
		rec.ImpactBps, rec.ImpactCost.String(), rec.LevelsConsumed, rec.CanFillCompletely,
		warnings, rec.RecommendedAction, rec.RecommendedType,
		rec.ActualFill.String(), rec.ActualSlippage.String(), rec.QualityScore,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "save execution analysis")
	}
	return nil
}

// SaveCostBreakdown appends one cost breakdown row.
func (r *Repository) SaveCostBreakdown(ctx context.Context, orderID string, orderValue, brokerage, stt, exchange, gst, sebi, stamp, totalCharges, netCost decimal.Decimal) error {
	query := `
		INSERT INTO order_cost_breakdown
			(order_id, order_value, brokerage, stt, exchange_charges, gst, sebi_charges, stamp_duty, total_charges, net_cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		orderID, orderValue.String(), brokerage.String(), stt.String(), exchange.String(),
		gst.String(), sebi.String(), stamp.String(), totalCharges.String(), netCost.String())
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "save cost breakdown")
	}
	return nil
}

// ============================================================================
// SETTLEMENT HISTORY
// ============================================================================

// SaveSettlementRecord upserts one settlement row per token per date.
func (r *Repository) SaveSettlementRecord(ctx context.Context, rec *SettlementRecord) error {
	query := `
		INSERT INTO futures_settlement_history
			(token, tradingsymbol, settlement_date, previous_settlement, new_settlement, m2m_pnl)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token, settlement_date) DO UPDATE SET
			previous_settlement = EXCLUDED.previous_settlement,
			new_settlement = EXCLUDED.new_settlement,
			m2m_pnl = EXCLUDED.m2m_pnl
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		int64(rec.Token), rec.TradingSymbol, rec.SettlementDate,
		rec.PreviousSettlement.String(), rec.NewSettlement.String(), rec.M2MPnL.String(),
	).Scan(&rec.ID)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "save settlement record")
	}
	return nil
}

// SettlementHistory returns settlement rows for a token, newest first.
func (r *Repository) SettlementHistory(ctx context.Context, token uint32, days int) ([]SettlementRecord, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, token, tradingsymbol, settlement_date,
		       COALESCE(previous_settlement::text, '0'), new_settlement::text, COALESCE(m2m_pnl::text, '0')
		FROM futures_settlement_history
		WHERE token = $1 AND settlement_date >= NOW() - make_interval(days => $2)
		ORDER BY settlement_date DESC
	`, int64(token), days)
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "query settlement history")
	}
	defer rows.Close()

	var out []SettlementRecord
	for rows.Next() {
		var (
			rec             SettlementRecord
			tk              int64
			prev, next, m2m string
		)
		if err := rows.Scan(&rec.ID, &tk, &rec.TradingSymbol, &rec.SettlementDate, &prev, &next, &m2m); err != nil {
			return nil, errkind.Wrap(errkind.Persistence, err, "scan settlement record")
		}
		rec.Token = uint32(tk)
		if rec.PreviousSettlement, err = decimal.NewFromString(prev); err != nil {
			return nil, fmt.Errorf("decode previous settlement: %w", err)
		}
		if rec.NewSettlement, err = decimal.NewFromString(next); err != nil {
			return nil, fmt.Errorf("decode new settlement: %w", err)
		}
		if rec.M2MPnL, err = decimal.NewFromString(m2m); err != nil {
			return nil, fmt.Errorf("decode m2m pnl: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
