package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentpay/internal/agents"
	"github.com/mbd888/agentpay/internal/apperr"
)

// Handler provides HTTP endpoints for login and password changes
type Handler struct {
	service *Service
	manager *agents.Manager
}

// NewHandler creates a new auth handler
func NewHandler(s *Service, m *agents.Manager) *Handler {
	return &Handler{service: s, manager: m}
}

// RegisterRoutes sets up public auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/login", h.Login)
}

// RegisterProtectedRoutes sets up auth routes that need a token.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/auth/password", h.ChangePassword)
}

// LoginRequest is the request body for a login
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login handles POST /v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "username and password are required",
		})
		return
	}

	res, err := h.service.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     res.Token,
		"expiresAt": res.ExpiresAt,
		"agent":     agents.NewView(res.Agent),
	})
}

// ChangePasswordRequest is the request body for a password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

// ChangePassword handles POST /v1/auth/password
func (h *Handler) ChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "currentPassword and newPassword are required",
		})
		return
	}

	if err := h.manager.ChangePassword(c.Request.Context(), AgentID(c), req.CurrentPassword, req.NewPassword); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password updated"})
}
