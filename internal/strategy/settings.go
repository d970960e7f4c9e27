// Package strategy owns strategy lifecycle and per-strategy settings. The
// settings document is a closed set of recognized keys; anything else is
// rejected at the door so a typo never silently disables a guard.
package strategy

import (
	"encoding/json"
	"time"

	"fno-trading-engine/internal/errkind"
)

// Settings is the per-strategy configuration. Zero values are never used
// directly; DefaultSettings fills the baseline and updates patch over it.
type Settings struct {
	AutoCleanup               bool    `json:"auto_cleanup"`
	CleanupOnExit             bool    `json:"cleanup_on_exit"`
	AllowOrphans              bool    `json:"allow_orphans"`
	MaxSpreadPct              float64 `json:"max_spread_pct"`
	MinLiquidityScore         float64 `json:"min_liquidity_score"`
	MaxImpactBps              int     `json:"max_impact_bps"`
	RequireApprovalHighImpact bool    `json:"require_approval_high_impact"`
	MarginBufferPct           float64 `json:"margin_buffer_pct"`
	CheckMarginBeforeOrder    bool    `json:"check_margin_before_order"`
	MaxLossPct                float64 `json:"max_loss_pct"`
	MaxMarginUtilizationPct   float64 `json:"max_margin_utilization_pct"`
	AutoSquareOffOnLoss       bool    `json:"auto_square_off_on_loss"`
	Intraday                  bool    `json:"intraday"`
	SquareOffTime             string  `json:"square_off_time"` // "15:20" exchange-local
	WarningTime               string  `json:"warning_time"`    // "15:15" exchange-local
	StaleOrderHours           int     `json:"stale_order_hours"`
}

var recognizedKeys = map[string]bool{
	"auto_cleanup":                 true,
	"cleanup_on_exit":              true,
	"allow_orphans":                true,
	"max_spread_pct":               true,
	"min_liquidity_score":          true,
	"max_impact_bps":               true,
	"require_approval_high_impact": true,
	"margin_buffer_pct":            true,
	"check_margin_before_order":    true,
	"max_loss_pct":                 true,
	"max_margin_utilization_pct":   true,
	"auto_square_off_on_loss":      true,
	"intraday":                     true,
	"square_off_time":              true,
	"warning_time":                 true,
	"stale_order_hours":            true,
}

// DefaultSettings is the baseline applied to new strategies.
func DefaultSettings() Settings {
	return Settings{
		AutoCleanup:               true,
		CleanupOnExit:             true,
		AllowOrphans:              false,
		MaxSpreadPct:              3.0,
		MinLiquidityScore:         20,
		MaxImpactBps:              50,
		RequireApprovalHighImpact: true,
		MarginBufferPct:           10,
		CheckMarginBeforeOrder:    true,
		MaxLossPct:                5,
		MaxMarginUtilizationPct:   90,
		AutoSquareOffOnLoss:       false,
		Intraday:                  false,
		SquareOffTime:             "15:20",
		WarningTime:               "15:15",
		StaleOrderHours:           24,
	}
}

// ApplyPatch overlays a JSON patch onto s. Unknown keys and out-of-range
// values are rejected and s is left untouched.
func (s Settings) ApplyPatch(patch []byte) (Settings, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(patch, &raw); err != nil {
		return s, errkind.Wrap(errkind.Validation, err, "settings must be a JSON object")
	}
	for key := range raw {
		if !recognizedKeys[key] {
			return s, errkind.New(errkind.Validation, "unrecognized setting %q", key)
		}
	}

	merged := s
	if err := json.Unmarshal(patch, &merged); err != nil {
		return s, errkind.Wrap(errkind.Validation, err, "bad setting value")
	}
	if err := merged.validate(); err != nil {
		return s, err
	}
	return merged, nil
}

// ParseSettings decodes a full settings document, defaults first.
func ParseSettings(doc []byte) (Settings, error) {
	return DefaultSettings().ApplyPatch(doc)
}

func (s Settings) validate() error {
	if s.MaxSpreadPct < 0 {
		return errkind.New(errkind.Validation, "max_spread_pct must be >= 0, got %.2f", s.MaxSpreadPct)
	}
	if s.MinLiquidityScore < 0 || s.MinLiquidityScore > 100 {
		return errkind.New(errkind.Validation, "min_liquidity_score must be in 0..100, got %.2f", s.MinLiquidityScore)
	}
	if s.MaxImpactBps < 0 {
		return errkind.New(errkind.Validation, "max_impact_bps must be >= 0, got %d", s.MaxImpactBps)
	}
	if s.MarginBufferPct < 0 || s.MarginBufferPct > 100 {
		return errkind.New(errkind.Validation, "margin_buffer_pct must be in 0..100, got %.2f", s.MarginBufferPct)
	}
	if s.MaxLossPct < 0 || s.MaxLossPct > 100 {
		return errkind.New(errkind.Validation, "max_loss_pct must be in 0..100, got %.2f", s.MaxLossPct)
	}
	if s.MaxMarginUtilizationPct < 0 || s.MaxMarginUtilizationPct > 100 {
		return errkind.New(errkind.Validation, "max_margin_utilization_pct must be in 0..100, got %.2f", s.MaxMarginUtilizationPct)
	}
	if s.StaleOrderHours < 0 {
		return errkind.New(errkind.Validation, "stale_order_hours must be >= 0, got %d", s.StaleOrderHours)
	}
	for _, tod := range []struct{ key, val string }{
		{"square_off_time", s.SquareOffTime},
		{"warning_time", s.WarningTime},
	} {
		if tod.val == "" {
			continue
		}
		if _, err := time.Parse("15:04", tod.val); err != nil {
			return errkind.New(errkind.Validation, "%s must be HH:MM, got %q", tod.key, tod.val)
		}
	}
	return nil
}

// Marshal renders the settings document for persistence.
func (s Settings) Marshal() ([]byte, error) {
	doc, err := json.Marshal(s)
	if err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "encode settings")
	}
	return doc, nil
}
