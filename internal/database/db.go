// Package database persists engine state in PostgreSQL: strategies and
// settings, margin snapshot time series, change events, alerts, housekeeping
// actions, execution analysis and cost breakdowns, the NSE margin cache and
// settlement history. Hot lookups (NSE rows, VIX) also live in Redis.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// NewDB creates a new database connection pool.
func NewDB(cfg Config, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 25
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")
	return &DB{Pool: pool, log: log.With().Str("component", "database").Logger()}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS strategies (
			id VARCHAR(64) PRIMARY KEY,
			account VARCHAR(64) NOT NULL,
			name VARCHAR(128) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'draft',
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_strategies_one_default
			ON strategies(account) WHERE is_default`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_account ON strategies(account)`,

		`CREATE TABLE IF NOT EXISTS strategy_settings (
			strategy_id VARCHAR(64) PRIMARY KEY REFERENCES strategies(id) ON DELETE CASCADE,
			settings JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS order_execution_analysis (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(64),
			strategy_id VARCHAR(64),
			token BIGINT NOT NULL,
			side VARCHAR(4) NOT NULL,
			quantity BIGINT NOT NULL,
			spread_abs NUMERIC(20, 4),
			spread_pct NUMERIC(12, 6),
			spread_tier VARCHAR(16),
			liquidity_tier VARCHAR(16),
			liquidity_score NUMERIC(8, 2),
			estimated_fill NUMERIC(20, 4),
			impact_bps BIGINT,
			impact_cost NUMERIC(20, 4),
			levels_consumed INT,
			can_fill_completely BOOLEAN,
			warnings JSONB,
			recommended_action VARCHAR(24),
			recommended_type VARCHAR(12),
			actual_fill NUMERIC(20, 4),
			actual_slippage NUMERIC(20, 4),
			quality_score NUMERIC(8, 2),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_analysis_order ON order_execution_analysis(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_analysis_strategy ON order_execution_analysis(strategy_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS order_cost_breakdown (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(64),
			order_value NUMERIC(20, 2) NOT NULL,
			brokerage NUMERIC(20, 2) NOT NULL,
			stt NUMERIC(20, 2) NOT NULL,
			exchange_charges NUMERIC(20, 2) NOT NULL,
			gst NUMERIC(20, 2) NOT NULL,
			sebi_charges NUMERIC(20, 2) NOT NULL,
			stamp_duty NUMERIC(20, 2) NOT NULL,
			total_charges NUMERIC(20, 2) NOT NULL,
			net_cost NUMERIC(20, 2) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS margin_snapshots (
			id BIGSERIAL PRIMARY KEY,
			strategy_id VARCHAR(64) NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			day DATE NOT NULL,
			source VARCHAR(12) NOT NULL,
			span NUMERIC(20, 2) NOT NULL,
			exposure NUMERIC(20, 2) NOT NULL,
			premium NUMERIC(20, 2) NOT NULL,
			additional NUMERIC(20, 2) NOT NULL,
			total NUMERIC(20, 2) NOT NULL,
			available NUMERIC(20, 2),
			utilization_pct NUMERIC(10, 4),
			applied_factors JSONB,
			warnings JSONB,
			compressed BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_margin_snapshots_dedupe
			ON margin_snapshots(strategy_id, ts, source)`,
		`CREATE INDEX IF NOT EXISTS idx_margin_snapshots_day ON margin_snapshots(strategy_id, day)`,

		`CREATE TABLE IF NOT EXISTS margin_change_events (
			id BIGSERIAL PRIMARY KEY,
			strategy_id VARCHAR(64) NOT NULL,
			old_total NUMERIC(20, 2) NOT NULL,
			new_total NUMERIC(20, 2) NOT NULL,
			pct NUMERIC(10, 4) NOT NULL,
			reason TEXT,
			severity VARCHAR(12) NOT NULL,
			action_taken VARCHAR(32),
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_margin_changes_strategy ON margin_change_events(strategy_id, at)`,

		`CREATE TABLE IF NOT EXISTS margin_calls (
			id BIGSERIAL PRIMARY KEY,
			strategy_id VARCHAR(64) NOT NULL,
			required NUMERIC(20, 2) NOT NULL,
			available NUMERIC(20, 2) NOT NULL,
			shortfall NUMERIC(20, 2) NOT NULL,
			deadline TIMESTAMPTZ,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			resolution VARCHAR(32),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS nse_margin_cache (
			token BIGINT PRIMARY KEY,
			tradingsymbol VARCHAR(64) NOT NULL,
			span_per_lot NUMERIC(20, 2) NOT NULL,
			exposure_pct NUMERIC(8, 4) NOT NULL,
			regulatory_mul NUMERIC(8, 4) NOT NULL DEFAULT 1.0,
			effective_date DATE NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS futures_settlement_history (
			id BIGSERIAL PRIMARY KEY,
			token BIGINT NOT NULL,
			tradingsymbol VARCHAR(64) NOT NULL,
			settlement_date DATE NOT NULL,
			previous_settlement NUMERIC(20, 4),
			new_settlement NUMERIC(20, 4) NOT NULL,
			m2m_pnl NUMERIC(20, 2),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(token, settlement_date)
		)`,

		`CREATE TABLE IF NOT EXISTS user_alerts (
			id VARCHAR(64) PRIMARY KEY,
			type VARCHAR(32) NOT NULL,
			severity VARCHAR(12) NOT NULL,
			strategy_id VARCHAR(64),
			title TEXT NOT NULL,
			body TEXT,
			payload JSONB,
			actions JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			response VARCHAR(64),
			responded_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_strategy ON user_alerts(strategy_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_unread ON user_alerts(read) WHERE NOT read`,

		`CREATE TABLE IF NOT EXISTS housekeeping_events (
			key VARCHAR(160) PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL,
			reason VARCHAR(32) NOT NULL,
			action VARCHAR(16) NOT NULL,
			details TEXT,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_housekeeping_order ON housekeeping_events(order_id)`,

		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			email VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			name VARCHAR(128),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS user_sessions (
			refresh_token VARCHAR(128) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON user_sessions(user_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info().Int("statements", len(migrations)).Msg("migrations complete")
	return nil
}
