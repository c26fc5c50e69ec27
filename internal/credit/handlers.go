package credit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for credit operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new credit handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up tenant-scoped credit routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id/credits", h.GetBalance)
	r.GET("/tenants/:id/credits/availability", h.GetAvailability)
}

// RegisterAdminRoutes sets up admin-only credit routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/credits/bonus", h.AddBonus)
	r.POST("/tenants/:id/credits/reset", h.ResetMonthly)
	r.POST("/credits/sweep", h.Sweep)
}

// GetBalance handles GET /v1/tenants/:id/credits
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.service.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == ErrTenantNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Tenant not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetAvailability handles GET /v1/tenants/:id/credits/availability
func (h *Handler) GetAvailability(c *gin.Context) {
	required := int64(1)
	if q := c.Query("required"); q != "" {
		parsed, err := strconv.ParseInt(q, 10, 64)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "required must be a positive integer",
			})
			return
		}
		required = parsed
	}

	av, err := h.service.HasCredits(c.Request.Context(), c.Param("id"), required)
	if err != nil {
		if err == ErrTenantNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Tenant not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, av)
}

// AddBonus handles POST /v1/admin/tenants/:id/credits/bonus
func (h *Handler) AddBonus(c *gin.Context) {
	var req struct {
		Pool   string `json:"pool" binding:"required"`
		Amount int64  `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "pool and amount are required",
		})
		return
	}

	balance, err := h.service.AddBonus(c.Request.Context(), c.Param("id"), Pool(req.Pool), req.Amount)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		if err == ErrTenantNotFound {
			status = http.StatusNotFound
			code = "not_found"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// ResetMonthly handles POST /v1/admin/tenants/:id/credits/reset
func (h *Handler) ResetMonthly(c *gin.Context) {
	if err := h.service.ResetMonthly(c.Request.Context(), c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		if err == ErrTenantNotFound {
			status = http.StatusNotFound
			code = "not_found"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "monthly credits reset"})
}

// Sweep handles POST /v1/admin/credits/sweep
func (h *Handler) Sweep(c *gin.Context) {
	count, err := h.service.SweepStale(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reset_count": count,
		"message":     "stale balance sweep completed",
	})
}
