package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fno-trading-engine/internal/auth"
	"fno-trading-engine/internal/errkind"
)

type registerRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errkind.Wrap(errkind.Validation, err, "email and password are required"))
		return
	}
	user, err := s.deps.AuthService.Register(c.Request.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errkind.Wrap(errkind.Validation, err, "email and password are required"))
		return
	}
	pair, user, err := s.deps.AuthService.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": pair, "user": user})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errkind.Wrap(errkind.Validation, err, "refresh_token is required"))
		return
	}
	pair, err := s.deps.AuthService.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) handleLogout(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == "" {
		s.respondError(c, errkind.New(errkind.Validation, "not authenticated"))
		return
	}
	if err := s.deps.AuthService.Logout(c.Request.Context(), userID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged_out": true})
}
