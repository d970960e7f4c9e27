// Package depthanalysis implements pre-trade smart execution analysis:
// spread categorization, market-impact walk, liquidity scoring and the
// execution recommendation, plus the order cost breakdown.
package depthanalysis

import (
	"time"

	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/errkind"
)

// SpreadTier categorizes the bid-ask spread relative to mid.
type SpreadTier string

const (
	SpreadTight    SpreadTier = "tight"
	SpreadNormal   SpreadTier = "normal"
	SpreadWide     SpreadTier = "wide"
	SpreadVeryWide SpreadTier = "very_wide"
)

// LiquidityTier buckets the 0..100 liquidity score.
type LiquidityTier string

const (
	LiquidityHigh     LiquidityTier = "high"
	LiquidityMedium   LiquidityTier = "medium"
	LiquidityLow      LiquidityTier = "low"
	LiquidityIlliquid LiquidityTier = "illiquid"
)

// Action is the recommended handling for the order.
type Action string

const (
	ActionExecuteMarket   Action = "execute_market"
	ActionExecuteLimit    Action = "execute_limit"
	ActionAlertUser       Action = "alert_user"
	ActionRequireApproval Action = "require_approval"
	ActionReject          Action = "reject"
)

// precedence: reject > require_approval > alert_user > execute.
func (a Action) rank() int {
	switch a {
	case ActionReject:
		return 4
	case ActionRequireApproval:
		return 3
	case ActionAlertUser:
		return 2
	case ActionExecuteLimit:
		return 1
	default:
		return 0
	}
}

// worse returns the stricter of two actions.
func worse(a, b Action) Action {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ImpactSentinelBps marks an order the visible book cannot fill.
const ImpactSentinelBps = 9999

// Options-segment spread thresholds as % of mid. Futures are 10x tighter.
var (
	tightPctOptions  = decimal.RequireFromString("0.2")
	normalPctOptions = decimal.RequireFromString("0.5")
	widePctOptions   = decimal.RequireFromString("1.0")
	futuresScale     = decimal.NewFromInt(10)
)

// Thresholds are the per-strategy analyzer settings.
type Thresholds struct {
	MaxSpreadPct              float64 // reject above this spread
	MinLiquidityScore         float64 // reject below this score
	MaxImpactBps              int     // alert above this impact
	RequireApprovalHighImpact bool    // approval instead of alert on impact breach
}

// DefaultThresholds are used when a strategy has no settings.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxSpreadPct:              3.0,
		MinLiquidityScore:         20,
		MaxImpactBps:              50,
		RequireApprovalHighImpact: true,
	}
}

// Analysis is the execution analysis result for one order request.
type Analysis struct {
	Token             uint32           `json:"token"`
	Side              broker.Side      `json:"side"`
	Quantity          int64            `json:"quantity"`
	Mid               decimal.Decimal  `json:"mid"`
	SpreadAbs         decimal.Decimal  `json:"spread_abs"`
	SpreadPct         decimal.Decimal  `json:"spread_pct"`
	SpreadTier        SpreadTier       `json:"spread_tier"`
	LiquidityScore    float64          `json:"liquidity_score"`
	LiquidityTier     LiquidityTier    `json:"liquidity_tier"`
	EstimatedFill     decimal.Decimal  `json:"estimated_fill_price"`
	ImpactBps         int64            `json:"impact_bps"`
	ImpactCost        decimal.Decimal  `json:"impact_cost"`
	LevelsConsumed    int              `json:"levels_consumed"`
	CanFillCompletely bool             `json:"can_fill_completely"`
	Warnings          []string         `json:"warnings"`
	RecommendedAction Action           `json:"recommended_action"`
	RecommendedType   broker.OrderType `json:"recommended_type"`
	AnalyzedAt        time.Time        `json:"analyzed_at"`
}

// Analyze runs the full pre-trade analysis against a live depth snapshot.
// Depth is never fabricated: a nil depth yields DepthUnavailable.
func Analyze(inst broker.Instrument, side broker.Side, quantity int64, depth *broker.Depth, th Thresholds) (*Analysis, error) {
	if quantity <= 0 {
		return nil, errkind.New(errkind.Validation, "quantity must be positive")
	}
	if depth == nil || (len(depth.Bids) == 0 && len(depth.Asks) == 0) {
		return nil, errkind.New(errkind.DepthUnavailable, "depth unavailable for %s", inst.TradingSymbol).
			WithPayload(map[string]interface{}{"action": string(ActionAlertUser)})
	}
	mid, ok := depth.Mid()
	if !ok {
		return nil, errkind.New(errkind.DepthUnavailable, "one-sided book for %s", inst.TradingSymbol).
			WithPayload(map[string]interface{}{"action": string(ActionAlertUser)})
	}
	if depth.BestBid().GreaterThanOrEqual(depth.BestAsk()) {
		return nil, errkind.New(errkind.Validation, "crossed book: bid %s >= ask %s",
			depth.BestBid(), depth.BestAsk())
	}

	a := &Analysis{
		Token:      inst.Token,
		Side:       side,
		Quantity:   quantity,
		Mid:        mid,
		AnalyzedAt: time.Now().UTC(),
	}

	a.SpreadAbs = depth.BestAsk().Sub(depth.BestBid())
	a.SpreadPct = a.SpreadAbs.Div(mid).Mul(decimal.NewFromInt(100))
	a.SpreadTier = categorizeSpread(a.SpreadPct, inst.Segment)

	walkImpact(a, side, quantity, depth)
	scoreLiquidity(a, inst.Segment, side, quantity, depth)
	decide(a, th)

	return a, nil
}

// categorizeSpread maps spread% to a tier. Futures thresholds are 10x
// tighter than options. A spread exactly on a threshold takes the higher
// (worse) tier.
func categorizeSpread(spreadPct decimal.Decimal, segment broker.Segment) SpreadTier {
	tight, normal, wide := tightPctOptions, normalPctOptions, widePctOptions
	if segment == broker.SegmentFutures || segment == broker.SegmentEquity {
		tight = tight.Div(futuresScale)
		normal = normal.Div(futuresScale)
		wide = wide.Div(futuresScale)
	}
	switch {
	case spreadPct.LessThan(tight):
		return SpreadTight
	case spreadPct.LessThan(normal):
		return SpreadNormal
	case spreadPct.LessThanOrEqual(wide):
		// The wide bucket is inclusive of its upper bound: a 1.0% options
		// spread is wide, not very wide.
		return SpreadWide
	default:
		return SpreadVeryWide
	}
}

// walkImpact consumes the opposite side of the book until the order is
// filled, computing the volume-weighted fill price and impact in bps of mid.
func walkImpact(a *Analysis, side broker.Side, quantity int64, depth *broker.Depth) {
	levels := depth.Asks
	if side == broker.SideSell {
		levels = depth.Bids
	}

	remaining := quantity
	cost := decimal.Zero
	consumed := 0
	for _, level := range levels {
		if remaining <= 0 {
			break
		}
		take := level.Quantity
		if take > remaining {
			take = remaining
		}
		cost = cost.Add(level.Price.Mul(decimal.NewFromInt(take)))
		remaining -= take
		consumed++
	}
	a.LevelsConsumed = consumed

	if remaining > 0 {
		a.CanFillCompletely = false
		a.ImpactBps = ImpactSentinelBps
		a.Warnings = append(a.Warnings, "INSUFFICIENT_LIQUIDITY")
		filled := quantity - remaining
		if filled > 0 {
			a.EstimatedFill = cost.Div(decimal.NewFromInt(filled)).Round(4)
		}
		return
	}

	a.CanFillCompletely = true
	a.EstimatedFill = cost.Div(decimal.NewFromInt(quantity)).Round(4)
	diff := a.EstimatedFill.Sub(a.Mid).Abs()
	a.ImpactBps = diff.Div(a.Mid).Mul(decimal.NewFromInt(10000)).Round(0).IntPart()
	a.ImpactCost = diff.Mul(decimal.NewFromInt(quantity)).Round(2)
}

// scoreLiquidity blends spread quality, opposite-side depth versus requested
// quantity, and level availability into 0..100.
func scoreLiquidity(a *Analysis, segment broker.Segment, side broker.Side, quantity int64, depth *broker.Depth) {
	levels := depth.Asks
	if side == broker.SideSell {
		levels = depth.Bids
	}

	// (a) spread component, 0..40: full marks at/below the tight threshold.
	tight := tightPctOptions
	if segment == broker.SegmentFutures || segment == broker.SegmentEquity {
		tight = tight.Div(futuresScale)
	}
	spreadRatio, _ := a.SpreadPct.Div(tight).Float64()
	spreadScore := 40.0
	if spreadRatio > 1 {
		spreadScore = 40.0 / spreadRatio
	}

	// (b) depth component, 0..40: top-5 opposite quantity vs requested.
	var available int64
	for _, l := range levels {
		available += l.Quantity
	}
	depthScore := 40.0
	if available < quantity*2 {
		depthScore = 40.0 * float64(available) / float64(quantity*2)
	}

	// (c) level availability, 0..20.
	levelScore := 20.0 * float64(len(levels)) / 5.0
	if levelScore > 20 {
		levelScore = 20
	}

	score := spreadScore + depthScore + levelScore
	if score > 100 {
		score = 100
	}
	a.LiquidityScore = score

	switch {
	case score >= 80:
		a.LiquidityTier = LiquidityHigh
	case score >= 60:
		a.LiquidityTier = LiquidityMedium
	case score >= 40:
		a.LiquidityTier = LiquidityLow
	default:
		a.LiquidityTier = LiquidityIlliquid
	}
}

// decide combines the spread tier, impact and liquidity into the final
// recommendation. Any reject dominates; approval beats alert beats execute.
// Impact exactly on the threshold triggers the stricter action.
func decide(a *Analysis, th Thresholds) {
	action := ActionExecuteMarket
	recType := broker.OrderTypeMarket

	switch a.SpreadTier {
	case SpreadTight:
		action, recType = ActionExecuteMarket, broker.OrderTypeMarket
	case SpreadNormal:
		action, recType = ActionExecuteLimit, broker.OrderTypeLimit
	case SpreadWide:
		action, recType = ActionAlertUser, broker.OrderTypeLimit
		a.Warnings = append(a.Warnings, "WIDE_SPREAD")
	case SpreadVeryWide:
		action, recType = ActionRequireApproval, broker.OrderTypeLimit
		a.Warnings = append(a.Warnings, "VERY_WIDE_SPREAD")
	}

	spreadPct, _ := a.SpreadPct.Float64()
	if th.MaxSpreadPct > 0 && spreadPct >= th.MaxSpreadPct {
		action = worse(action, ActionReject)
	}

	if !a.CanFillCompletely {
		action = worse(action, ActionReject)
	} else if th.MaxImpactBps > 0 && a.ImpactBps >= int64(th.MaxImpactBps) {
		a.Warnings = append(a.Warnings, "HIGH_IMPACT")
		if th.RequireApprovalHighImpact {
			action = worse(action, ActionRequireApproval)
		} else {
			action = worse(action, ActionAlertUser)
		}
		recType = broker.OrderTypeLimit
	}

	switch a.LiquidityTier {
	case LiquidityIlliquid:
		if a.LiquidityScore < th.MinLiquidityScore {
			action = worse(action, ActionReject)
		} else {
			action = worse(action, ActionRequireApproval)
		}
	case LiquidityLow:
		action = worse(action, ActionAlertUser)
	}

	a.RecommendedAction = action
	a.RecommendedType = recType
}
