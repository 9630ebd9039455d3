package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/auth"
	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Login request/response types
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	accessToken, expiresAt, err := s.authService.LoginUser(
		c.Request.Context(),
		req.Username,
		req.Password,
		c.ClientIP(),
	)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Error("Login failed", zap.Error(err))
		}
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeUnauthorized, "Invalid credentials", nil))
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expiresAt).Round(time.Second).Seconds()),
	})
}

// GET /api/v1/auth/me
func (s *Server) getCurrentUser(c *gin.Context) {
	permissions, _ := c.Get("permissions")
	username, ok := c.Get("username")
	if !ok {
		// machine token
		c.JSON(http.StatusOK, gin.H{"permissions": permissions})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":     c.MustGet("user_id"),
		"username":    username,
		"role":        c.MustGet("role"),
		"permissions": permissions,
	})
}
