package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"fno-trading-engine/internal/errkind"
)

// ============================================================================
// STRATEGIES & SETTINGS
// ============================================================================

// CreateStrategy inserts a strategy with its settings document in one
// transaction. Marking it default demotes the account's previous default.
func (r *Repository) CreateStrategy(ctx context.Context, s *Strategy, settings []byte) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "begin create strategy")
	}
	defer tx.Rollback(ctx)

	if s.IsDefault {
		if _, err := tx.Exec(ctx,
			`UPDATE strategies SET is_default = FALSE WHERE account = $1 AND is_default`, s.Account); err != nil {
			return errkind.Wrap(errkind.Persistence, err, "demote previous default")
		}
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO strategies (id, account, name, status, is_default)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, s.ID, s.Account, s.Name, s.Status, s.IsDefault).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "insert strategy")
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO strategy_settings (strategy_id, settings) VALUES ($1, $2)`,
		s.ID, settings); err != nil {
		return errkind.Wrap(errkind.Persistence, err, "insert strategy settings")
	}

	if err := tx.Commit(ctx); err != nil {
		return errkind.Wrap(errkind.Persistence, err, "commit create strategy")
	}
	return nil
}

// GetStrategy loads one strategy.
func (r *Repository) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	s := &Strategy{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, account, name, status, is_default, created_at, updated_at
		FROM strategies WHERE id = $1
	`, id).Scan(&s.ID, &s.Account, &s.Name, &s.Status, &s.IsDefault, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errkind.New(errkind.Validation, "strategy %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "load strategy")
	}
	return s, nil
}

// ListStrategies returns every strategy for an account; empty account lists
// all.
func (r *Repository) ListStrategies(ctx context.Context, account string) ([]Strategy, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, account, name, status, is_default, created_at, updated_at
		FROM strategies
		WHERE $1 = '' OR account = $1
		ORDER BY created_at
	`, account)
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "list strategies")
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		var s Strategy
		if err := rows.Scan(&s.ID, &s.Account, &s.Name, &s.Status, &s.IsDefault, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, errkind.Wrap(errkind.Persistence, err, "scan strategy")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateStrategyStatus moves a strategy through its lifecycle.
func (r *Repository) UpdateStrategyStatus(ctx context.Context, id, status string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE strategies SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "update strategy status")
	}
	if tag.RowsAffected() == 0 {
		return errkind.New(errkind.Validation, "strategy %s not found", id)
	}
	return nil
}

// SetDefaultStrategy atomically moves the default flag within an account.
func (r *Repository) SetDefaultStrategy(ctx context.Context, account, id string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "begin set default")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE strategies SET is_default = FALSE WHERE account = $1 AND is_default`, account); err != nil {
		return errkind.Wrap(errkind.Persistence, err, "demote previous default")
	}
	tag, err := tx.Exec(ctx,
		`UPDATE strategies SET is_default = TRUE, updated_at = NOW() WHERE id = $1 AND account = $2`, id, account)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "promote default")
	}
	if tag.RowsAffected() == 0 {
		return errkind.New(errkind.Validation, "strategy %s not found in account %s", id, account)
	}
	return tx.Commit(ctx)
}

// GetStrategySettings returns the raw settings document.
func (r *Repository) GetStrategySettings(ctx context.Context, strategyID string) ([]byte, error) {
	var doc []byte
	err := r.db.Pool.QueryRow(ctx,
		`SELECT settings FROM strategy_settings WHERE strategy_id = $1`, strategyID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errkind.New(errkind.Validation, "no settings for strategy %s", strategyID)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "load strategy settings")
	}
	return doc, nil
}

// PutStrategySettings replaces the settings document. The caller validates.
func (r *Repository) PutStrategySettings(ctx context.Context, strategyID string, doc []byte) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE strategy_settings SET settings = $2, updated_at = NOW() WHERE strategy_id = $1
	`, strategyID, doc)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "save strategy settings")
	}
	if tag.RowsAffected() == 0 {
		return errkind.New(errkind.Validation, "strategy %s not found", strategyID)
	}
	return nil
}

// ActiveStrategyIDs returns the ids of strategies in active status.
func (r *Repository) ActiveStrategyIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id FROM strategies WHERE status = 'active'`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "list active strategies")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errkind.Wrap(errkind.Persistence, err, "scan strategy id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
