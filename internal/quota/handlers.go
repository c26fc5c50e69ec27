package quota

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for quota and usage operations.
type Handler struct {
	enforcer *Enforcer
}

// NewHandler creates a new quota handler.
func NewHandler(enforcer *Enforcer) *Handler {
	return &Handler{enforcer: enforcer}
}

// RegisterProtectedRoutes sets up tenant-scoped quota routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id/usage", h.GetUsage)
	r.GET("/tenants/:id/quota", h.GetQuota)
	r.GET("/tenants/:id/remaining", h.GetRemaining)
	r.GET("/tenants/:id/limits/:operation", h.CheckLimit)
}

// GetUsage handles GET /v1/tenants/:id/usage
func (h *Handler) GetUsage(c *gin.Context) {
	summary, err := h.enforcer.Usage(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"usage": summary})
}

// GetQuota handles GET /v1/tenants/:id/quota
//
// Returns the legacy single-pool quota view used by the dashboard.
func (h *Handler) GetQuota(c *gin.Context) {
	q, err := h.enforcer.DashboardQuota(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"quota":     q,
		"remaining": q.Remaining(),
	})
}

// GetRemaining handles GET /v1/tenants/:id/remaining
//
// Returns {used, limit, remaining} triples for credits and each metered
// operation, the aggregation dashboards render on the usage page.
func (h *Handler) GetRemaining(c *gin.Context) {
	rem, err := h.enforcer.RemainingOperations(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, rem)
}

// CheckLimit handles GET /v1/tenants/:id/limits/:operation
func (h *Handler) CheckLimit(c *gin.Context) {
	op, err := ParseOperationType(c.Param("operation"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	requested := int64(1)
	if q := c.Query("count"); q != "" {
		parsed, err := strconv.ParseInt(q, 10, 64)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "count must be a positive integer",
			})
			return
		}
		requested = parsed
	}

	result, err := h.enforcer.CheckOperationLimit(c.Request.Context(), c.Param("id"), op, requested)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}
