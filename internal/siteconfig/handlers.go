package siteconfig

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentpay/internal/agents"
	"github.com/mbd888/agentpay/internal/apperr"
	"github.com/mbd888/agentpay/internal/paymenttarget"
)

// Handler serves payer-facing payment pages and configuration endpoints.
type Handler struct {
	resolver *Resolver
	manager  *agents.Manager
	provider paymenttarget.Provider
}

// NewHandler creates a new site config handler.
func NewHandler(resolver *Resolver, manager *agents.Manager, provider paymenttarget.Provider) *Handler {
	return &Handler{resolver: resolver, manager: manager, provider: provider}
}

// RegisterRoutes sets up public routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pay/:inviteCode", h.GetPaymentPage)
}

// RegisterProtectedRoutes sets up routes that need an authenticated agent.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/agent/config", h.GetAgentConfig)
	r.PUT("/agent/config", h.UpdateAgentConfig)
}

// RegisterAdminRoutes sets up main-site routes. The group must already
// restrict access to root.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/site-config", h.GetMainSiteConfig)
	r.PUT("/site-config", h.UpdateMainSiteConfig)
}

// PaymentPage is what a payer sees for an invite code.
type PaymentPage struct {
	InviteCode      string                 `json:"inviteCode"`
	CustomerService agents.CustomerService `json:"customerService"`
	Targets         []paymenttarget.Target `json:"targets"`
}

// GetPaymentPage handles GET /v1/pay/:inviteCode
func (h *Handler) GetPaymentPage(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("inviteCode")

	agent, err := h.manager.Store().GetByInviteCode(ctx, code)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !agent.IsActive() {
		apperr.Respond(c, fmt.Errorf("%w: invite code %s", apperr.ErrNotFound, code))
		return
	}

	res, err := h.resolver.Resolve(ctx, agent.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	targets := paymenttarget.RenderAll(h.provider, res.Config)
	if len(targets) == 0 {
		apperr.Respond(c, apperr.ErrConfigNotFound)
		return
	}

	c.JSON(http.StatusOK, PaymentPage{
		InviteCode:      agent.InviteCode,
		CustomerService: res.Config.CustomerService,
		Targets:         targets,
	})
}

// GetAgentConfig handles GET /v1/agent/config
func (h *Handler) GetAgentConfig(c *gin.Context) {
	id := c.GetString("authAgentID")
	res, err := h.resolver.Resolve(c.Request.Context(), id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ownerId":   res.OwnerID,
		"inherited": res.OwnerID != id,
		"config":    res.Config.Redacted(),
		"usdtRate":  res.Config.EffectiveUSDTRate(),
	})
}

// UpdateAgentConfig handles PUT /v1/agent/config. Root writes the main-site
// default; level-1 agents write their own configuration.
func (h *Handler) UpdateAgentConfig(c *gin.Context) {
	cfg, ok := bindConfig(c)
	if !ok {
		return
	}

	id := c.GetString("authAgentID")
	var (
		agent *agents.Agent
		err   error
	)
	if id == agents.RootID {
		agent, err = h.manager.UpdateMainSiteConfig(c.Request.Context(), id, cfg)
	} else {
		agent, err = h.manager.UpdateSiteConfig(c.Request.Context(), id, id, cfg)
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": agent.SiteConfig.Redacted()})
}

// GetMainSiteConfig handles GET /v1/admin/site-config
func (h *Handler) GetMainSiteConfig(c *gin.Context) {
	root, err := h.manager.Get(c.Request.Context(), c.GetString("authAgentID"), agents.RootID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"config":   root.SiteConfig.Redacted(),
		"usdtRate": root.SiteConfig.EffectiveUSDTRate(),
	})
}

// UpdateMainSiteConfig handles PUT /v1/admin/site-config
func (h *Handler) UpdateMainSiteConfig(c *gin.Context) {
	cfg, ok := bindConfig(c)
	if !ok {
		return
	}
	root, err := h.manager.UpdateMainSiteConfig(c.Request.Context(), c.GetString("authAgentID"), cfg)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"config":   root.SiteConfig.Redacted(),
		"usdtRate": root.SiteConfig.EffectiveUSDTRate(),
	})
}

func bindConfig(c *gin.Context) (agents.SiteConfig, bool) {
	var cfg agents.SiteConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return cfg, false
	}
	return cfg, true
}
