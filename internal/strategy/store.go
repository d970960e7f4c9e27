package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fno-trading-engine/internal/database"
	"fno-trading-engine/internal/depthanalysis"
	"fno-trading-engine/internal/errkind"
	"fno-trading-engine/internal/housekeeping"
	"fno-trading-engine/internal/risk"
)

// Lifecycle statuses.
const (
	StatusDraft  = "draft"
	StatusActive = "active"
	StatusPaused = "paused"
	StatusClosed = "closed"
)

var allowedTransitions = map[string][]string{
	StatusDraft:  {StatusActive, StatusClosed},
	StatusActive: {StatusPaused, StatusClosed},
	StatusPaused: {StatusActive, StatusClosed},
	StatusClosed: {},
}

// Persistence is the slice of the repository the store needs.
type Persistence interface {
	CreateStrategy(ctx context.Context, s *database.Strategy, settings []byte) error
	GetStrategy(ctx context.Context, id string) (*database.Strategy, error)
	ListStrategies(ctx context.Context, account string) ([]database.Strategy, error)
	UpdateStrategyStatus(ctx context.Context, id, status string) error
	SetDefaultStrategy(ctx context.Context, account, id string) error
	GetStrategySettings(ctx context.Context, strategyID string) ([]byte, error)
	PutStrategySettings(ctx context.Context, strategyID string, doc []byte) error
	ActiveStrategyIDs(ctx context.Context) ([]string, error)
}

// Config carries the risk thresholds that are not part of the per-strategy
// settings document. Greek limits are an account-wide policy.
type Config struct {
	GreekDelta risk.GreekThresholds
	GreekGamma risk.GreekThresholds
	GreekVega  risk.GreekThresholds
	GreekTheta risk.GreekThresholds
}

// Store is the strategy directory: lifecycle, settings, and the read-side
// views the margin engine, risk monitor and housekeeping consume. Settings
// are cached in memory and invalidated on write.
type Store struct {
	repo Persistence
	cfg  Config
	log  zerolog.Logger

	mu    sync.RWMutex
	cache map[string]Settings
}

// NewStore builds a store over the repository.
func NewStore(repo Persistence, cfg Config, log zerolog.Logger) *Store {
	return &Store{
		repo:  repo,
		cfg:   cfg,
		log:   log.With().Str("component", "strategy").Logger(),
		cache: make(map[string]Settings),
	}
}

// Create registers a new strategy in draft status with default settings
// overlaid by the optional patch.
func (s *Store) Create(ctx context.Context, account, name string, isDefault bool, patch []byte) (*database.Strategy, error) {
	if account == "" || name == "" {
		return nil, errkind.New(errkind.Validation, "account and name are required")
	}
	settings := DefaultSettings()
	if len(patch) > 0 {
		var err error
		if settings, err = settings.ApplyPatch(patch); err != nil {
			return nil, err
		}
	}
	doc, err := settings.Marshal()
	if err != nil {
		return nil, err
	}

	rec := &database.Strategy{
		ID:        uuid.NewString(),
		Account:   account,
		Name:      name,
		Status:    StatusDraft,
		IsDefault: isDefault,
	}
	if err := s.repo.CreateStrategy(ctx, rec, doc); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[rec.ID] = settings
	s.mu.Unlock()

	s.log.Info().Str("strategy_id", rec.ID).Str("account", account).Str("name", name).Msg("strategy created")
	return rec, nil
}

// Get loads one strategy.
func (s *Store) Get(ctx context.Context, id string) (*database.Strategy, error) {
	return s.repo.GetStrategy(ctx, id)
}

// List returns the strategies for an account; empty account lists all.
func (s *Store) List(ctx context.Context, account string) ([]database.Strategy, error) {
	return s.repo.ListStrategies(ctx, account)
}

// SetStatus moves a strategy through its lifecycle, rejecting transitions the
// state machine does not allow.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	cur, err := s.repo.GetStrategy(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == status {
		return nil
	}
	ok := false
	for _, next := range allowedTransitions[cur.Status] {
		if next == status {
			ok = true
			break
		}
	}
	if !ok {
		return errkind.New(errkind.Validation, "cannot move strategy from %s to %s", cur.Status, status)
	}
	if err := s.repo.UpdateStrategyStatus(ctx, id, status); err != nil {
		return err
	}
	s.log.Info().Str("strategy_id", id).Str("from", cur.Status).Str("to", status).Msg("strategy status changed")
	return nil
}

// SetDefault makes one strategy the account default.
func (s *Store) SetDefault(ctx context.Context, account, id string) error {
	return s.repo.SetDefaultStrategy(ctx, account, id)
}

// Settings returns the effective settings for a strategy, falling back to
// defaults when the strategy has none persisted.
func (s *Store) Settings(ctx context.Context, strategyID string) Settings {
	s.mu.RLock()
	cached, ok := s.cache[strategyID]
	s.mu.RUnlock()
	if ok {
		return cached
	}

	doc, err := s.repo.GetStrategySettings(ctx, strategyID)
	if err != nil {
		if errkind.KindOf(err) != errkind.Validation {
			s.log.Warn().Err(err).Str("strategy_id", strategyID).Msg("settings load failed, using defaults")
		}
		return DefaultSettings()
	}
	settings, err := ParseSettings(doc)
	if err != nil {
		s.log.Error().Err(err).Str("strategy_id", strategyID).Msg("stored settings invalid, using defaults")
		return DefaultSettings()
	}

	s.mu.Lock()
	s.cache[strategyID] = settings
	s.mu.Unlock()
	return settings
}

// UpdateSettings applies a patch over the current settings and persists the
// merged document.
func (s *Store) UpdateSettings(ctx context.Context, strategyID string, patch []byte) (Settings, error) {
	current := s.Settings(ctx, strategyID)
	merged, err := current.ApplyPatch(patch)
	if err != nil {
		return current, err
	}
	doc, err := merged.Marshal()
	if err != nil {
		return current, err
	}
	if err := s.repo.PutStrategySettings(ctx, strategyID, doc); err != nil {
		return current, err
	}

	s.mu.Lock()
	s.cache[strategyID] = merged
	s.mu.Unlock()

	s.log.Info().Str("strategy_id", strategyID).Msg("strategy settings updated")
	return merged, nil
}

// ============================================================================
// READ-SIDE VIEWS
// ============================================================================

// ActiveStrategyIDs lists strategies the margin monitor should sweep.
func (s *Store) ActiveStrategyIDs(ctx context.Context) ([]string, error) {
	return s.repo.ActiveStrategyIDs(ctx)
}

// BufferPct is the margin safety buffer applied on top of computed margin.
func (s *Store) BufferPct(ctx context.Context, strategyID string) float64 {
	return s.Settings(ctx, strategyID).MarginBufferPct
}

// KnownStrategyIDs is the set housekeeping checks order tags against.
func (s *Store) KnownStrategyIDs(ctx context.Context) (map[string]bool, error) {
	all, err := s.repo.ListStrategies(ctx, "")
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(all))
	for _, st := range all {
		known[st.ID] = true
	}
	return known, nil
}

// CleanupPolicy maps the settings document onto housekeeping's view.
func (s *Store) CleanupPolicy(ctx context.Context, strategyID string) housekeeping.CleanupPolicy {
	settings := s.Settings(ctx, strategyID)
	return housekeeping.CleanupPolicy{
		AutoCleanup:   settings.AutoCleanup,
		CleanupOnExit: settings.CleanupOnExit,
		AllowOrphans:  settings.AllowOrphans,
		StaleAfter:    time.Duration(settings.StaleOrderHours) * time.Hour,
	}
}

// RiskSettings maps the settings document onto the risk monitor's view.
func (s *Store) RiskSettings(ctx context.Context, strategyID string) risk.Settings {
	settings := s.Settings(ctx, strategyID)
	rs := risk.Settings{
		MaxLossPct:          settings.MaxLossPct,
		MaxUtilizationPct:   settings.MaxMarginUtilizationPct,
		AutoSquareOffOnLoss: settings.AutoSquareOffOnLoss,
	}
	rs.Greeks.Delta = s.cfg.GreekDelta
	rs.Greeks.Gamma = s.cfg.GreekGamma
	rs.Greeks.Vega = s.cfg.GreekVega
	rs.Greeks.Theta = s.cfg.GreekTheta
	return rs
}

// Thresholds maps the settings document onto the depth analyzer's view.
func (s *Store) Thresholds(ctx context.Context, strategyID string) depthanalysis.Thresholds {
	settings := s.Settings(ctx, strategyID)
	return depthanalysis.Thresholds{
		MaxSpreadPct:              settings.MaxSpreadPct,
		MinLiquidityScore:         settings.MinLiquidityScore,
		MaxImpactBps:              settings.MaxImpactBps,
		RequireApprovalHighImpact: settings.RequireApprovalHighImpact,
	}
}

// SquareOffClock parses the intraday square-off and warning times. Invalid
// values were rejected at write time, so errors here mean defaults.
func (s *Store) SquareOffClock(ctx context.Context, strategyID string) (warn, squareOff time.Duration) {
	settings := s.Settings(ctx, strategyID)
	return parseClock(settings.WarningTime, 15*time.Hour+15*time.Minute),
		parseClock(settings.SquareOffTime, 15*time.Hour+20*time.Minute)
}

func parseClock(v string, fallback time.Duration) time.Duration {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return fallback
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
}
