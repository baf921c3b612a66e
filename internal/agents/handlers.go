package agents

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/agentpay/internal/apperr"
)

// View is the client-facing agent representation: commission as a
// percentage and the gateway secret stripped.
type View struct {
	ID                    string          `json:"id"`
	Username              string          `json:"username"`
	Level                 Level           `json:"level"`
	Status                Status          `json:"status"`
	Source                Source          `json:"source"`
	CommissionRate        decimal.Decimal `json:"commissionRate"`
	ParentID              string          `json:"parentId,omitempty"`
	InviteCode            string          `json:"inviteCode"`
	SiteConfig            *SiteConfig     `json:"siteConfig,omitempty"`
	Balance               decimal.Decimal `json:"balance"`
	TotalEarnings         decimal.Decimal `json:"totalEarnings"`
	TotalTransactionCount int64           `json:"totalTransactionCount"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// NewView converts a stored agent for output.
func NewView(a *Agent) View {
	return View{
		ID:                    a.ID,
		Username:              a.Username,
		Level:                 a.Level,
		Status:                a.Status,
		Source:                a.Source,
		CommissionRate:        RateToPercent(a.CommissionRate),
		ParentID:              a.ParentID,
		InviteCode:            a.InviteCode,
		SiteConfig:            a.SiteConfig.Redacted(),
		Balance:               a.Balance,
		TotalEarnings:         a.TotalEarnings,
		TotalTransactionCount: a.TotalTransactionCount,
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             a.UpdatedAt,
	}
}

func views(list []*Agent) []View {
	out := make([]View, 0, len(list))
	for _, a := range list {
		out = append(out, NewView(a))
	}
	return out
}

// Handler provides HTTP endpoints for agent management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new agent handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterProtectedRoutes sets up agent routes. All of them require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.CreateAgent)
	r.GET("/agents/me", h.GetMe)
	r.GET("/agents/subordinates", h.ListSubordinates)
	r.GET("/agents/:id", h.GetAgent)
	r.PUT("/agents/:id/status", h.UpdateStatus)
	r.PUT("/agents/:id/commission", h.UpdateCommission)
	r.PUT("/agents/:id/site-config", h.UpdateSiteConfig)
	r.DELETE("/agents/:id", h.DeleteAgent)
	r.GET("/agent/earnings", h.GetEarnings)
}

// CreateAgent handles POST /v1/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	agent, err := h.manager.Create(c.Request.Context(), c.GetString("authAgentID"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": NewView(agent)})
}

// GetMe handles GET /v1/agents/me
func (h *Handler) GetMe(c *gin.Context) {
	id := c.GetString("authAgentID")
	agent, err := h.manager.Get(c.Request.Context(), id, id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": NewView(agent)})
}

// GetAgent handles GET /v1/agents/:id
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.manager.Get(c.Request.Context(), c.GetString("authAgentID"), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": NewView(agent)})
}

// ListSubordinates handles GET /v1/agents/subordinates?all=true
func (h *Handler) ListSubordinates(c *gin.Context) {
	all := c.Query("all") == "true"
	list, err := h.manager.ListSubordinates(c.Request.Context(), c.GetString("authAgentID"), all)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": views(list),
		"count":  len(list),
	})
}

// UpdateStatusRequest is the body of PUT /v1/agents/:id/status
type UpdateStatusRequest struct {
	Status Status `json:"status" binding:"required"`
}

// UpdateStatus handles PUT /v1/agents/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status is required",
		})
		return
	}
	agent, err := h.manager.UpdateStatus(c.Request.Context(), c.GetString("authAgentID"), c.Param("id"), req.Status)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": NewView(agent)})
}

// UpdateCommissionRequest is the body of PUT /v1/agents/:id/commission.
// CommissionRate is a percentage.
type UpdateCommissionRequest struct {
	CommissionRate *decimal.Decimal `json:"commissionRate" binding:"required"`
}

// UpdateCommission handles PUT /v1/agents/:id/commission
func (h *Handler) UpdateCommission(c *gin.Context) {
	var req UpdateCommissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "commissionRate is required",
		})
		return
	}
	agent, err := h.manager.UpdateCommissionRate(c.Request.Context(), c.GetString("authAgentID"), c.Param("id"), *req.CommissionRate)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": NewView(agent)})
}

// UpdateSiteConfig handles PUT /v1/agents/:id/site-config
func (h *Handler) UpdateSiteConfig(c *gin.Context) {
	var cfg SiteConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	agent, err := h.manager.UpdateSiteConfig(c.Request.Context(), c.GetString("authAgentID"), c.Param("id"), cfg)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": NewView(agent)})
}

// DeleteAgent handles DELETE /v1/agents/:id
func (h *Handler) DeleteAgent(c *gin.Context) {
	ids, err := h.manager.Delete(c.Request.Context(), c.GetString("authAgentID"), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deleted": ids,
		"count":   len(ids),
	})
}

// GetEarnings handles GET /v1/agent/earnings
func (h *Handler) GetEarnings(c *gin.Context) {
	id := c.GetString("authAgentID")
	agent, err := h.manager.Get(c.Request.Context(), id, id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":          agent.Balance,
		"totalEarnings":    agent.TotalEarnings,
		"transactionCount": agent.TotalTransactionCount,
		"commissionRate":   RateToPercent(agent.CommissionRate),
	})
}
