package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentpay/internal/apperr"
	"github.com/mbd888/agentpay/internal/pagination"
)

// Handler provides HTTP endpoints for transactions.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payer-facing routes. No auth required.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.GET("/payments/:id/status", h.GetPaymentStatus)
}

// RegisterProtectedRoutes sets up agent routes. Auth required.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/verify", h.VerifyTransaction)
	r.POST("/transactions/batch-verify", h.BatchVerify)
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"payment": CustomerStatusOf(result.Transaction),
		"target":  result.Target,
	})
}

// GetPaymentStatus handles GET /v1/payments/:id/status
func (h *Handler) GetPaymentStatus(c *gin.Context) {
	status, err := h.service.CustomerStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": status})
}

// ListTransactions handles GET /v1/transactions?status=&cursor=&limit=
func (h *Handler) ListTransactions(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"), DefaultPageSize, MaxPageSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	page, err := h.service.List(c.Request.Context(), c.GetString("authAgentID"),
		Status(c.Query("status")), c.Query("cursor"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.GetString("authAgentID"), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// VerifyRequest is the body of a verification.
type VerifyRequest struct {
	Verified *bool  `json:"verified" binding:"required"`
	Remarks  string `json:"remarks"`
}

// VerifyTransaction handles POST /v1/transactions/:id/verify
func (h *Handler) VerifyTransaction(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "verified is required",
		})
		return
	}

	t, err := h.service.Verify(c.Request.Context(), c.GetString("authAgentID"), c.Param("id"), *req.Verified, req.Remarks)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// BatchVerifyRequest is the body of a batch verification.
type BatchVerifyRequest struct {
	IDs      []string `json:"ids" binding:"required"`
	Verified *bool    `json:"verified" binding:"required"`
	Remarks  string   `json:"remarks"`
}

// BatchVerify handles POST /v1/transactions/batch-verify. The response is
// 200 with a result per id even when some items fail.
func (h *Handler) BatchVerify(c *gin.Context) {
	var req BatchVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ids and verified are required",
		})
		return
	}

	results, err := h.service.BatchVerify(c.Request.Context(), c.GetString("authAgentID"), req.IDs, *req.Verified, req.Remarks)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	succeeded := 0
	for _, r := range results {
		if r.OK {
			succeeded++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"results":   results,
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
	})
}
