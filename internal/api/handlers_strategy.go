package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"fno-trading-engine/internal/auth"
	"fno-trading-engine/internal/errkind"
)

type createStrategyRequest struct {
	Account   string          `json:"account"`
	Name      string          `json:"name" binding:"required"`
	IsDefault bool            `json:"is_default"`
	Settings  json.RawMessage `json:"settings,omitempty"`
}

func (s *Server) handleCreateStrategy(c *gin.Context) {
	var req createStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errkind.Wrap(errkind.Validation, err, "bad strategy request"))
		return
	}
	// With auth on, the account is the authenticated user.
	if userID := auth.UserID(c); userID != "" {
		req.Account = userID
	}

	st, err := s.deps.Strategies.Create(c.Request.Context(), req.Account, req.Name, req.IsDefault, req.Settings)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (s *Server) handleListStrategies(c *gin.Context) {
	account := c.Query("account")
	if userID := auth.UserID(c); userID != "" {
		account = userID
	}
	list, err := s.deps.Strategies.List(c.Request.Context(), account)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": list})
}

func (s *Server) handleGetStrategy(c *gin.Context) {
	st, err := s.deps.Strategies.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type setStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) handleSetStrategyStatus(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errkind.Wrap(errkind.Validation, err, "status is required"))
		return
	}
	if err := s.deps.Strategies.SetStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy_id": c.Param("id"), "status": req.Status})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	// Confirm the strategy exists so a typo'd id is not answered with
	// silent defaults.
	if _, err := s.deps.Strategies.Get(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	settings := s.deps.Strategies.Settings(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handlePutSettings(c *gin.Context) {
	patch, err := io.ReadAll(c.Request.Body)
	if err != nil || len(patch) == 0 {
		s.respondError(c, errkind.New(errkind.Validation, "settings body is required"))
		return
	}
	if _, err := s.deps.Strategies.Get(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	merged, err := s.deps.Strategies.UpdateSettings(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, merged)
}
