package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Strategy is one trading strategy row.
type Strategy struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // draft, active, paused, closed
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionAnalysisRecord is the persisted pre/post-trade analysis. Post-fill
// rows are appended, never updated in place.
type ExecutionAnalysisRecord struct {
	ID                int64           `json:"id"`
	OrderID           string          `json:"order_id"`
	StrategyID        string          `json:"strategy_id"`
	Token             uint32          `json:"token"`
	Side              string          `json:"side"`
	Quantity          int64           `json:"quantity"`
	SpreadAbs         decimal.Decimal `json:"spread_abs"`
	SpreadPct         decimal.Decimal `json:"spread_pct"`
	SpreadTier        string          `json:"spread_tier"`
	LiquidityTier     string          `json:"liquidity_tier"`
	LiquidityScore    float64         `json:"liquidity_score"`
	EstimatedFill     decimal.Decimal `json:"estimated_fill"`
	ImpactBps         int64           `json:"impact_bps"`
	ImpactCost        decimal.Decimal `json:"impact_cost"`
	LevelsConsumed    int             `json:"levels_consumed"`
	CanFillCompletely bool            `json:"can_fill_completely"`
	Warnings          []string        `json:"warnings"`
	RecommendedAction string          `json:"recommended_action"`
	RecommendedType   string          `json:"recommended_type"`
	ActualFill        decimal.Decimal `json:"actual_fill"`
	ActualSlippage    decimal.Decimal `json:"actual_slippage"`
	QualityScore      float64         `json:"quality_score"`
	CreatedAt         time.Time       `json:"created_at"`
}

// SettlementRecord is one daily futures settlement row.
type SettlementRecord struct {
	ID                 int64           `json:"id"`
	Token              uint32          `json:"token"`
	TradingSymbol      string          `json:"tradingsymbol"`
	SettlementDate     time.Time       `json:"settlement_date"`
	PreviousSettlement decimal.Decimal `json:"previous_settlement"`
	NewSettlement      decimal.Decimal `json:"new_settlement"`
	M2MPnL             decimal.Decimal `json:"m2m_pnl"`
}

// MarginCall tracks a shortfall from detection to resolution.
type MarginCall struct {
	ID         int64           `json:"id"`
	StrategyID string          `json:"strategy_id"`
	Required   decimal.Decimal `json:"required"`
	Available  decimal.Decimal `json:"available"`
	Shortfall  decimal.Decimal `json:"shortfall"`
	Deadline   time.Time       `json:"deadline"`
	Resolved   bool            `json:"resolved"`
	Resolution string          `json:"resolution"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AlertRecord is a persisted alert as served to clients.
type AlertRecord struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Severity    string     `json:"severity"`
	StrategyID  string     `json:"strategy_id,omitempty"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Payload     []byte     `json:"payload,omitempty"`
	Actions     []string   `json:"actions,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Read        bool       `json:"read"`
	Response    string     `json:"response,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// User is one trading account login. The account id doubles as the strategy
// owner key.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
