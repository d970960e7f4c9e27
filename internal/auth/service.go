// Package auth provides JWT session authentication for the API surface:
// bcrypt password hashes, short-lived access tokens and single-use rotating
// refresh tokens persisted per user.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fno-trading-engine/internal/database"
	"fno-trading-engine/internal/errkind"
)

// UserStore is the slice of the repository the auth service needs.
type UserStore interface {
	CreateUser(ctx context.Context, u *database.User) error
	GetUserByEmail(ctx context.Context, email string) (*database.User, error)
	GetUser(ctx context.Context, id string) (*database.User, error)
	SaveRefreshToken(ctx context.Context, token, userID string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, token string) (string, error)
	DeleteUserSessions(ctx context.Context, userID string) error
}

// Config holds auth service configuration.
type Config struct {
	JWTSecret            string
	AccessTokenDuration  time.Duration
	RefreshTokenDuration time.Duration
	MinPasswordLength    int
}

// TokenPair is the login/refresh response.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Service handles registration, login and token refresh.
type Service struct {
	store           UserStore
	jwtManager      *JWTManager
	passwordManager *PasswordManager
	log             zerolog.Logger
}

// NewService creates the auth service.
func NewService(store UserStore, cfg Config, log zerolog.Logger) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, errkind.New(errkind.Configuration, "JWT secret is required")
	}
	if cfg.AccessTokenDuration <= 0 {
		cfg.AccessTokenDuration = 15 * time.Minute
	}
	if cfg.RefreshTokenDuration <= 0 {
		cfg.RefreshTokenDuration = 7 * 24 * time.Hour
	}
	return &Service{
		store:           store,
		jwtManager:      NewJWTManager(cfg.JWTSecret, cfg.AccessTokenDuration, cfg.RefreshTokenDuration),
		passwordManager: NewPasswordManager(DefaultBcryptCost, cfg.MinPasswordLength),
		log:             log.With().Str("component", "auth").Logger(),
	}, nil
}

// JWTManager exposes the token manager for middleware.
func (s *Service) JWTManager() *JWTManager { return s.jwtManager }

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, email, password, name string) (*database.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, errkind.New(errkind.Validation, "a valid email is required")
	}
	if err := s.passwordManager.ValidatePasswordStrength(password); err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "weak password")
	}

	hash, err := s.passwordManager.HashPassword(password)
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "bad password")
	}

	user := &database.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Name:         name,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.log.Info().Str("user_id", user.ID).Msg("user registered")
	return user, nil
}

// Login verifies credentials and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, *database.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	if user == nil || !s.passwordManager.VerifyPassword(password, user.PasswordHash) {
		// Same answer for unknown email and wrong password.
		return nil, nil, errkind.New(errkind.Validation, "invalid email or password")
	}

	pair, err := s.issueTokens(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// Refresh rotates a refresh token into a fresh pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	userID, err := s.store.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.issueTokens(ctx, user)
}

// Logout revokes every session of a user.
func (s *Service) Logout(ctx context.Context, userID string) error {
	return s.store.DeleteUserSessions(ctx, userID)
}

func (s *Service) issueTokens(ctx context.Context, user *database.User) (*TokenPair, error) {
	access, expiresAt, err := s.jwtManager.GenerateAccessToken(UserClaims{UserID: user.ID, Email: user.Email})
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "token generation failed")
	}
	refresh, err := s.jwtManager.GenerateRefreshToken()
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "refresh token generation failed")
	}
	if err := s.store.SaveRefreshToken(ctx, refresh, user.ID, time.Now().Add(s.jwtManager.RefreshTokenDuration())); err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}, nil
}
