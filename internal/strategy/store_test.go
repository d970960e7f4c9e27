package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fno-trading-engine/internal/database"
	"fno-trading-engine/internal/errkind"
)

type fakeRepo struct {
	strategies map[string]*database.Strategy
	settings   map[string][]byte
	defaults   map[string]string // account -> strategy id
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		strategies: make(map[string]*database.Strategy),
		settings:   make(map[string][]byte),
		defaults:   make(map[string]string),
	}
}

func (f *fakeRepo) CreateStrategy(ctx context.Context, s *database.Strategy, settings []byte) error {
	if s.IsDefault {
		if prev, ok := f.defaults[s.Account]; ok {
			f.strategies[prev].IsDefault = false
		}
		f.defaults[s.Account] = s.ID
	}
	cp := *s
	f.strategies[s.ID] = &cp
	f.settings[s.ID] = settings
	return nil
}

func (f *fakeRepo) GetStrategy(ctx context.Context, id string) (*database.Strategy, error) {
	s, ok := f.strategies[id]
	if !ok {
		return nil, errkind.New(errkind.Validation, "strategy %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) ListStrategies(ctx context.Context, account string) ([]database.Strategy, error) {
	var out []database.Strategy
	for _, s := range f.strategies {
		if account == "" || s.Account == account {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateStrategyStatus(ctx context.Context, id, status string) error {
	s, ok := f.strategies[id]
	if !ok {
		return errkind.New(errkind.Validation, "strategy %s not found", id)
	}
	s.Status = status
	return nil
}

func (f *fakeRepo) SetDefaultStrategy(ctx context.Context, account, id string) error {
	if prev, ok := f.defaults[account]; ok {
		f.strategies[prev].IsDefault = false
	}
	s, ok := f.strategies[id]
	if !ok || s.Account != account {
		return errkind.New(errkind.Validation, "strategy %s not found in account %s", id, account)
	}
	s.IsDefault = true
	f.defaults[account] = id
	return nil
}

func (f *fakeRepo) GetStrategySettings(ctx context.Context, strategyID string) ([]byte, error) {
	doc, ok := f.settings[strategyID]
	if !ok {
		return nil, errkind.New(errkind.Validation, "no settings for strategy %s", strategyID)
	}
	return doc, nil
}

func (f *fakeRepo) PutStrategySettings(ctx context.Context, strategyID string, doc []byte) error {
	if _, ok := f.strategies[strategyID]; !ok {
		return errkind.New(errkind.Validation, "strategy %s not found", strategyID)
	}
	f.settings[strategyID] = doc
	return nil
}

func (f *fakeRepo) ActiveStrategyIDs(ctx context.Context) ([]string, error) {
	var out []string
	for id, s := range f.strategies {
		if s.Status == StatusActive {
			out = append(out, id)
		}
	}
	return out, nil
}

func newStore(repo *fakeRepo) *Store {
	return NewStore(repo, Config{}, zerolog.Nop())
}

func TestApplyPatchRejectsUnknownKey(t *testing.T) {
	_, err := DefaultSettings().ApplyPatch([]byte(`{"max_spread_pc": 2.5}`))
	if errkind.KindOf(err) != errkind.Validation {
		t.Fatalf("err = %v, want validation error for unknown key", err)
	}
}

func TestApplyPatchRangeChecks(t *testing.T) {
	cases := []struct {
		name  string
		patch string
	}{
		{"negative spread", `{"max_spread_pct": -1}`},
		{"score over 100", `{"min_liquidity_score": 150}`},
		{"buffer over 100", `{"margin_buffer_pct": 101}`},
		{"bad clock", `{"square_off_time": "25:99"}`},
		{"negative stale hours", `{"stale_order_hours": -2}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DefaultSettings().ApplyPatch([]byte(tc.patch)); err == nil {
				t.Errorf("patch %s accepted, want rejection", tc.patch)
			}
		})
	}
}

func TestApplyPatchMergesOverCurrent(t *testing.T) {
	s, err := DefaultSettings().ApplyPatch([]byte(`{"max_loss_pct": 12.5, "intraday": true}`))
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if s.MaxLossPct != 12.5 || !s.Intraday {
		t.Errorf("patched fields not applied: %+v", s)
	}
	if s.MaxSpreadPct != 3.0 {
		t.Errorf("untouched field changed: max_spread_pct = %.1f", s.MaxSpreadPct)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	repo := newFakeRepo()
	store := newStore(repo)
	ctx := context.Background()

	rec, err := store.Create(ctx, "acct1", "iron-condor", true, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != StatusDraft {
		t.Fatalf("new strategy status = %s, want draft", rec.Status)
	}

	if err := store.SetStatus(ctx, rec.ID, StatusPaused); err == nil {
		t.Error("draft -> paused must be rejected")
	}
	if err := store.SetStatus(ctx, rec.ID, StatusActive); err != nil {
		t.Fatalf("draft -> active: %v", err)
	}
	if err := store.SetStatus(ctx, rec.ID, StatusClosed); err != nil {
		t.Fatalf("active -> closed: %v", err)
	}
	if err := store.SetStatus(ctx, rec.ID, StatusActive); err == nil {
		t.Error("closed strategies must stay closed")
	}
}

func TestSingleDefaultPerAccount(t *testing.T) {
	repo := newFakeRepo()
	store := newStore(repo)
	ctx := context.Background()

	a, _ := store.Create(ctx, "acct1", "first", true, nil)
	b, _ := store.Create(ctx, "acct1", "second", false, nil)

	if err := store.SetDefault(ctx, "acct1", b.ID); err != nil {
		t.Fatalf("set default: %v", err)
	}
	ra, _ := store.Get(ctx, a.ID)
	rb, _ := store.Get(ctx, b.ID)
	if ra.IsDefault {
		t.Error("previous default was not demoted")
	}
	if !rb.IsDefault {
		t.Error("new default was not promoted")
	}
}

func TestSettingsRoundTripAndViews(t *testing.T) {
	repo := newFakeRepo()
	store := newStore(repo)
	ctx := context.Background()

	rec, err := store.Create(ctx, "acct1", "strangle", false, []byte(`{"margin_buffer_pct": 15, "max_impact_bps": 30}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if got := store.BufferPct(ctx, rec.ID); got != 15 {
		t.Errorf("BufferPct = %.1f, want 15", got)
	}
	th := store.Thresholds(ctx, rec.ID)
	if th.MaxImpactBps != 30 {
		t.Errorf("MaxImpactBps = %d, want 30", th.MaxImpactBps)
	}
	if th.MaxSpreadPct != 3.0 {
		t.Errorf("MaxSpreadPct = %.1f, want default 3.0", th.MaxSpreadPct)
	}

	if _, err := store.UpdateSettings(ctx, rec.ID, []byte(`{"max_loss_pct": 8, "auto_square_off_on_loss": true}`)); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	rs := store.RiskSettings(ctx, rec.ID)
	if rs.MaxLossPct != 8 || !rs.AutoSquareOffOnLoss {
		t.Errorf("risk settings not refreshed: %+v", rs)
	}

	// A rejected patch leaves the stored document untouched.
	if _, err := store.UpdateSettings(ctx, rec.ID, []byte(`{"bogus": 1}`)); err == nil {
		t.Fatal("unknown key accepted")
	}
	if got := store.RiskSettings(ctx, rec.ID).MaxLossPct; got != 8 {
		t.Errorf("MaxLossPct = %.1f after rejected patch, want 8", got)
	}
}

func TestSettingsFallBackToDefaults(t *testing.T) {
	store := newStore(newFakeRepo())
	s := store.Settings(context.Background(), "nonexistent")
	if s.MaxSpreadPct != 3.0 || s.StaleOrderHours != 24 {
		t.Errorf("defaults not served for unknown strategy: %+v", s)
	}
}

func TestCleanupPolicyMapsSettings(t *testing.T) {
	store := newStore(newFakeRepo())
	ctx := context.Background()

	rec, err := store.Create(ctx, "acct1", "one", false,
		[]byte(`{"auto_cleanup": false, "allow_orphans": true, "stale_order_hours": 6}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	p := store.CleanupPolicy(ctx, rec.ID)
	if p.AutoCleanup || !p.AllowOrphans {
		t.Errorf("policy = %+v, want auto_cleanup off and allow_orphans on", p)
	}
	if p.StaleAfter != 6*time.Hour {
		t.Errorf("StaleAfter = %s, want 6h", p.StaleAfter)
	}
}

func TestKnownStrategyIDs(t *testing.T) {
	repo := newFakeRepo()
	store := newStore(repo)
	ctx := context.Background()

	a, _ := store.Create(ctx, "acct1", "one", false, nil)
	known, err := store.KnownStrategyIDs(ctx)
	if err != nil {
		t.Fatalf("known ids: %v", err)
	}
	if !known[a.ID] || len(known) != 1 {
		t.Errorf("known = %v, want exactly {%s}", known, a.ID)
	}
}
