package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/database"
	"fno-trading-engine/internal/depthanalysis"
	"fno-trading-engine/internal/errkind"
	"fno-trading-engine/internal/events"
)

// ==================== PRE-TRADE ANALYSIS ====================

type analyzeExecutionRequest struct {
	Instrument broker.Instrument `json:"instrument"`
	Side       broker.Side       `json:"side"`
	Quantity   int64             `json:"quantity"`
	OrderType  broker.OrderType  `json:"order_type,omitempty"`
	StrategyID string            `json:"strategy_id,omitempty"`
	OrderID    string            `json:"order_id,omitempty"`
}

func (s *Server) handleAnalyzeExecution(c *gin.Context) {
	var req analyzeExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errkind.Wrap(errkind.Validation, err, "bad analyze request"))
		return
	}
	ctx := c.Request.Context()

	th := depthanalysis.DefaultThresholds()
	if req.StrategyID != "" && s.deps.Strategies != nil {
		th = s.deps.Strategies.Thresholds(ctx, req.StrategyID)

		// Pre-order margin gate: a strategy that asked for the check and sits
		// at a level that stops new orders gets a rejection, not an analysis.
		if s.deps.Risk != nil &&
			s.deps.Strategies.Settings(ctx, req.StrategyID).CheckMarginBeforeOrder &&
			!s.deps.Risk.AllowNewOrder(req.StrategyID) {
			level := s.deps.Risk.LevelOf(req.StrategyID)
			s.respondError(c, errkind.New(errkind.RiskLimitBreach,
				"strategy %s is at risk level %s; new orders are blocked", req.StrategyID, level).
				WithPayload(map[string]interface{}{
					"risk_level": level.String(),
					"action":     string(depthanalysis.ActionReject),
				}))
			return
		}
	}

	depth, err := s.deps.MarketData.GetDepth(ctx, req.Instrument.Token)
	if err != nil {
		s.respondError(c, errkind.Wrap(errkind.DepthUnavailable, err,
			"depth unavailable for token %d", req.Instrument.Token).
			WithPayload(map[string]interface{}{"action": string(depthanalysis.ActionAlertUser)}))
		return
	}

	analysis, err := depthanalysis.Analyze(req.Instrument, req.Side, req.Quantity, depth, th)
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.emitAnalysisEvents(c, req, analysis, th.MaxImpactBps)
	s.persistAnalysis(c, req, analysis)

	c.JSON(http.StatusOK, analysis)
}

// emitAnalysisEvents publishes the decision-related events the analysis
// produced. The analysis itself is still returned to the caller.
func (s *Server) emitAnalysisEvents(c *gin.Context, req analyzeExecutionRequest, a *depthanalysis.Analysis, maxImpactBps int) {
	if s.deps.Bus == nil {
		return
	}
	ctx := c.Request.Context()

	if !a.CanFillCompletely {
		ev := events.New(events.EventInsufficientLiquidity, events.SeverityWarning, req.StrategyID,
			"Insufficient liquidity",
			fmt.Sprintf("%s %d on %s: top-5 book cannot absorb the order",
				req.Side, req.Quantity, req.Instrument.TradingSymbol)).
			With("token", req.Instrument.Token).
			With("quantity", req.Quantity).
			With("levels_consumed", a.LevelsConsumed)
		if err := s.deps.Bus.Publish(ctx, ev); err != nil {
			s.log.Error().Err(err).Msg("liquidity event publish failed")
		}
		return
	}

	if a.SpreadTier == depthanalysis.SpreadWide || a.SpreadTier == depthanalysis.SpreadVeryWide {
		severity := events.SeverityWarning
		if a.SpreadTier == depthanalysis.SpreadVeryWide {
			severity = events.SeverityCritical
		}
		ev := events.New(events.EventWideSpread, severity, req.StrategyID,
			"Wide spread",
			fmt.Sprintf("%s spread is %s%% of mid (%s)",
				req.Instrument.TradingSymbol, a.SpreadPct.Round(2), a.SpreadTier)).
			With("token", req.Instrument.Token).
			With("spread_pct", a.SpreadPct.String()).
			With("tier", string(a.SpreadTier)).
			With("recommended_type", string(a.RecommendedType))
		if err := s.deps.Bus.Publish(ctx, ev); err != nil {
			s.log.Error().Err(err).Msg("spread event publish failed")
		}
	}

	if maxImpactBps > 0 && a.ImpactBps >= int64(maxImpactBps) {
		ev := events.New(events.EventHighImpact, events.SeverityWarning, req.StrategyID,
			"High market impact",
			fmt.Sprintf("%s %d on %s would move the book %d bps",
				req.Side, req.Quantity, req.Instrument.TradingSymbol, a.ImpactBps)).
			With("token", req.Instrument.Token).
			With("impact_bps", a.ImpactBps).
			With("impact_cost", a.ImpactCost.String())
		if err := s.deps.Bus.Publish(ctx, ev); err != nil {
			s.log.Error().Err(err).Msg("impact event publish failed")
		}
	}
}

// persistAnalysis appends the analysis row. Persistence failures are logged,
// not surfaced: the caller already has the analysis.
func (s *Server) persistAnalysis(c *gin.Context, req analyzeExecutionRequest, a *depthanalysis.Analysis) {
	if s.deps.Repo == nil {
		return
	}
	rec := &database.ExecutionAnalysisRecord{
		OrderID:           req.OrderID,
		StrategyID:        req.StrategyID,
		Token:             a.Token,
		Side:              string(a.Side),
		Quantity:          a.Quantity,
		SpreadAbs:         a.SpreadAbs,
		SpreadPct:         a.SpreadPct,
		SpreadTier:        string(a.SpreadTier),
		LiquidityTier:     string(a.LiquidityTier),
		LiquidityScore:    a.LiquidityScore,
		EstimatedFill:     a.EstimatedFill,
		ImpactBps:         a.ImpactBps,
		ImpactCost:        a.ImpactCost,
		LevelsConsumed:    a.LevelsConsumed,
		CanFillCompletely: a.CanFillCompletely,
		Warnings:          a.Warnings,
		RecommendedAction: string(a.RecommendedAction),
		RecommendedType:   string(a.RecommendedType),
	}
	if err := s.deps.Repo.SaveExecutionAnalysis(c.Request.Context(), rec); err != nil {
		s.log.Error().Err(err).Msg("analysis persist failed")
	}
}

// ==================== COST BREAKDOWN ====================

type calculateCostsRequest struct {
	OrderValue decimal.Decimal `json:"order_value"`
	Side       broker.Side     `json:"side"`
	Segment    broker.Segment  `json:"segment"`
	OrderID    string          `json:"order_id,omitempty"`
}

func (s *Server) handleCalculateCosts(c *gin.Context) {
	var req calculateCostsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errkind.Wrap(errkind.Validation, err, "bad cost request"))
		return
	}

	cb, err := depthanalysis.CalculateCosts(req.OrderValue, req.Side, req.Segment)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if req.OrderID != "" && s.deps.Repo != nil {
		if err := s.deps.Repo.SaveCostBreakdown(c.Request.Context(), req.OrderID,
			cb.OrderValue, cb.Brokerage, cb.STT, cb.ExchangeCharges,
			cb.GST, cb.SEBICharges, cb.StampDuty, cb.TotalCharges, cb.NetCost); err != nil {
			s.log.Error().Err(err).Str("order", req.OrderID).Msg("cost breakdown persist failed")
		}
	}

	c.JSON(http.StatusOK, cb)
}

// ==================== MARGIN ====================

type calculateMarginRequest struct {
	Orders []broker.OrderParams `json:"orders,omitempty"`
}

func (s *Server) handleCalculateMargin(c *gin.Context) {
	strategyID := c.Param("id")
	ctx := c.Request.Context()

	var req calculateMarginRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		s.respondError(c, errkind.Wrap(errkind.Validation, err, "bad margin request"))
		return
	}

	// An explicit basket previews those orders; an empty body recomputes
	// from the strategy's open positions.
	if len(req.Orders) == 0 {
		snap, err := s.deps.MarginMon.RefreshStrategy(ctx, strategyID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
		return
	}

	buffer := 0.0
	if s.deps.Strategies != nil {
		buffer = s.deps.Strategies.BufferPct(ctx, strategyID)
	}
	snap, err := s.deps.MarginEngine.CalculateBatch(ctx, strategyID, req.Orders, buffer)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCurrentMargin(c *gin.Context) {
	snap, err := s.deps.Repo.LatestMarginSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleMarginHistory(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))
	series, err := s.deps.Repo.MarginSnapshotHistory(c.Request.Context(), c.Param("id"), days)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy_id": c.Param("id"), "days": days, "snapshots": series})
}

// ==================== HOUSEKEEPING ====================

func (s *Server) handleOrphanedOrders(c *gin.Context) {
	findings, err := s.deps.Housekeeping.DetectOrphans(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy_id": c.Param("id"), "orphans": findings})
}

func (s *Server) handleCleanupOrphans(c *gin.Context) {
	report, err := s.deps.Housekeeping.CleanupStrategy(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleHousekeepingEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	recs, err := s.deps.Repo.ListHousekeepingEvents(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": recs})
}

// ==================== RISK ====================

func (s *Server) handleStrategyRisk(c *gin.Context) {
	strategyID := c.Param("id")
	level := s.deps.Risk.LevelOf(strategyID)
	c.JSON(http.StatusOK, gin.H{
		"strategy_id":            strategyID,
		"level":                  level.String(),
		"allow_new_orders":       s.deps.Risk.AllowNewOrder(strategyID),
		"allow_margin_consuming": s.deps.Risk.AllowMarginConsuming(strategyID),
	})
}

// ==================== ALERTS ====================

type respondAlertRequest struct {
	Action string `json:"action" binding:"required"`
}

func (s *Server) handleRespondAlert(c *gin.Context) {
	var req respondAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errkind.Wrap(errkind.Validation, err, "action is required"))
		return
	}
	ctx := c.Request.Context()
	alertID := c.Param("id")

	if err := s.deps.Repo.RespondAlert(ctx, alertID, req.Action); err != nil {
		s.respondError(c, err)
		return
	}

	// A response to a shortfall alert clears the grace window; the next
	// margin recompute re-raises it if the shortfall persists.
	switch req.Action {
	case "add_funds", "reduce_positions", "resolved":
		if strategyID, err := s.deps.Repo.AlertStrategy(ctx, alertID); err == nil && strategyID != "" {
			s.deps.Risk.ResolveShortfall(strategyID)
			if err := s.deps.Repo.ResolveMarginCall(ctx, strategyID, req.Action); err != nil {
				s.log.Error().Err(err).Str("strategy", strategyID).Msg("margin call resolve failed")
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"alert_id": alertID, "action": req.Action})
}

func (s *Server) handleMarkAlertRead(c *gin.Context) {
	if err := s.deps.Repo.MarkAlertRead(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert_id": c.Param("id"), "read": true})
}

func (s *Server) handleUserAlerts(c *gin.Context) {
	unreadOnly := c.Query("unread") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	alerts, err := s.deps.Repo.ListAlertsForAccount(c.Request.Context(), c.Param("id"), unreadOnly, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": c.Param("id"), "alerts": alerts})
}
