package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"fno-trading-engine/internal/errkind"
)

// CreateUser inserts a new user row.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (id, email, password_hash, name)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query, u.ID, u.Email, u.PasswordHash, u.Name).
		Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errkind.New(errkind.Validation, "email %s is already registered", u.Email)
		}
		return errkind.Wrap(errkind.Persistence, err, "create user")
	}
	return nil
}

// GetUserByEmail loads a user by email, nil when absent.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, email, password_hash, COALESCE(name, ''), created_at, updated_at
		 FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "load user by email")
	}
	return &u, nil
}

// GetUser loads a user by id.
func (r *Repository) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, email, password_hash, COALESCE(name, ''), created_at, updated_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errkind.New(errkind.Validation, "user %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "load user")
	}
	return &u, nil
}

// SaveRefreshToken records a refresh token session.
func (r *Repository) SaveRefreshToken(ctx context.Context, token, userID string, expiresAt time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO user_sessions (refresh_token, user_id, expires_at) VALUES ($1, $2, $3)`,
		token, userID, expiresAt)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "save refresh token")
	}
	return nil
}

// ConsumeRefreshToken deletes a refresh token and returns its user, rejecting
// unknown or expired tokens. Single use: rotation happens on every refresh.
func (r *Repository) ConsumeRefreshToken(ctx context.Context, token string) (string, error) {
	var (
		userID    string
		expiresAt time.Time
	)
	err := r.db.Pool.QueryRow(ctx,
		`DELETE FROM user_sessions WHERE refresh_token = $1 RETURNING user_id, expires_at`,
		token).Scan(&userID, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errkind.New(errkind.Validation, "unknown refresh token")
	}
	if err != nil {
		return "", errkind.Wrap(errkind.Persistence, err, "consume refresh token")
	}
	if time.Now().After(expiresAt) {
		return "", errkind.New(errkind.Validation, "refresh token expired")
	}
	return userID, nil
}

// DeleteUserSessions revokes every session of a user (logout-all).
func (r *Repository) DeleteUserSessions(ctx context.Context, userID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM user_sessions WHERE user_id = $1`, userID)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "delete user sessions")
	}
	return nil
}

// ListAlertsForAccount returns alerts across all of an account's strategies,
// newest first, plus any account-wide alerts with no strategy.
func (r *Repository) ListAlertsForAccount(ctx context.Context, account string, unreadOnly bool, limit int) ([]AlertRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT a.id, a.type, a.severity, COALESCE(a.strategy_id, ''), a.title, COALESCE(a.body, ''),
		       a.payload, a.actions, a.created_at, a.expires_at, a.read, COALESCE(a.response, ''), a.responded_at
		FROM user_alerts a
		LEFT JOIN strategies s ON s.id = a.strategy_id
		WHERE (s.account = $1 OR a.strategy_id IS NULL OR a.strategy_id = '')
		  AND (NOT $2 OR NOT a.read)
		  AND (a.expires_at IS NULL OR a.expires_at > NOW())
		ORDER BY a.created_at DESC
		LIMIT $3
	`
	rows, err := r.db.Pool.Query(ctx, query, account, unreadOnly, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "list account alerts")
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
			return nil, errkind.Wrap(errkind.Persistence, err, "scan account alert")
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
