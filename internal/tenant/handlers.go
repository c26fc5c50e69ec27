package tenant

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/leadflowhq/leadflow/internal/logging"
	"github.com/leadflowhq/leadflow/internal/validation"
)

// Handler provides HTTP endpoints for tenant management.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes registers tenant-scoped routes (API key required).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id", h.GetTenant)
	r.PATCH("/tenants/:id", h.UpdateTenant)
	r.GET("/tenants/:id/plan", h.GetPlan)
}

// RegisterAdminRoutes registers admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/tenants", h.ListTenants)
	r.POST("/tenants/:id/plan", h.ChangePlan)
	r.POST("/tenants/:id/suspend", h.Suspend)
	r.POST("/tenants/:id/activate", h.Activate)
}

// GetTenant handles GET /tenants/:id
func (h *Handler) GetTenant(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// UpdateTenantRequest is the body for PATCH /tenants/:id. Only the
// fields a tenant may change about itself; plan and status are admin-only.
type UpdateTenantRequest struct {
	Name            *string `json:"name"`
	UseOwnGeminiKey *bool   `json:"useOwnGeminiKey"`
	GeminiKeyID     *string `json:"geminiKeyId"`
}

// UpdateTenant handles PATCH /tenants/:id
func (h *Handler) UpdateTenant(c *gin.Context) {
	ctx := c.Request.Context()

	var req UpdateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}

	if req.Name != nil {
		t.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.UseOwnGeminiKey != nil {
		t.UseOwnGeminiKey = *req.UseOwnGeminiKey
	}
	if req.GeminiKeyID != nil {
		t.GeminiKeyID = *req.GeminiKeyID
	}

	if err := h.store.Update(ctx, t); err != nil {
		logging.L(ctx).Error("failed to update tenant", "tenant_id", t.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update tenant",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// GetPlan handles GET /tenants/:id/plan and returns the tenant's plan
// together with the catalogue entry backing it.
func (h *Handler) GetPlan(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}

	cfg := ConfigForPlan(t.Plan)
	c.JSON(http.StatusOK, gin.H{
		"plan": t.Plan,
		"limits": gin.H{
			"lifetimeCredits": cfg.AILifetimeCredits,
			"monthlyCredits":  cfg.MonthlyCredits(),
			"maxImages":       cfg.MaxImagesPerMonth,
			"maxText":         cfg.MaxTextPerMonth,
			"maxTTS":          cfg.MaxTTSPerMonth,
			"maxVideos":       cfg.MaxVideosPerMonth,
			"allowOverage":    cfg.AllowOverage,
			"overagePriceUsd": cfg.OveragePriceUSD,
			"rateLimitRpm":    cfg.RateLimitRPM,
		},
	})
}

// ListTenants handles GET /tenants (admin)
func (h *Handler) ListTenants(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 500",
			})
			return
		}
		limit = n
	}

	tenants, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list tenants", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list tenants",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenants": tenants,
		"count":   len(tenants),
	})
}

// ChangePlan handles POST /tenants/:id/plan (admin)
func (h *Handler) ChangePlan(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Plan Plan `json:"plan" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !ValidPlan(req.Plan) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_plan",
			"message": "plan must be one of: free, starter, growth, agency",
		})
		return
	}

	t, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}

	old := t.Plan
	t.Plan = req.Plan
	if err := h.store.Update(ctx, t); err != nil {
		logging.L(ctx).Error("failed to change plan", "tenant_id", t.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to change plan",
		})
		return
	}

	logging.L(ctx).Info("tenant plan changed",
		"tenant_id", t.ID, "from", old, "to", t.Plan)

	c.JSON(http.StatusOK, gin.H{"tenant": t, "previousPlan": old})
}

// Suspend handles POST /tenants/:id/suspend (admin)
func (h *Handler) Suspend(c *gin.Context) {
	h.setStatus(c, StatusSuspended)
}

// Activate handles POST /tenants/:id/activate (admin)
func (h *Handler) Activate(c *gin.Context) {
	h.setStatus(c, StatusActive)
}

func (h *Handler) setStatus(c *gin.Context, status Status) {
	ctx := c.Request.Context()

	t, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}

	t.Status = status
	if err := h.store.Update(ctx, t); err != nil {
		logging.L(ctx).Error("failed to set tenant status",
			"tenant_id", t.ID, "status", status, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update tenant status",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

func (h *Handler) writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, ErrTenantNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "tenant_not_found",
			"message": "Tenant not found",
		})
		return
	}
	logging.L(c.Request.Context()).Error("tenant store error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to load tenant",
	})
}
