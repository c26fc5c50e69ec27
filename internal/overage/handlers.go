package overage

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leadflowhq/leadflow/internal/pagination"
)

// Handler provides HTTP endpoints for overage operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new overage handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up tenant-scoped overage routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id/overage", h.GetCharge)
}

// RegisterAdminRoutes sets up admin-only overage routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/overage", h.ListCharges)
	r.POST("/overage/:chargeId/invoice", h.InvoiceCharge)
	r.POST("/overage/:chargeId/pay", h.MarkPaid)
	r.POST("/overage/:chargeId/waive", h.WaiveCharge)
	r.POST("/overage/run-billing", h.RunBilling)
}

// GetCharge handles GET /v1/tenants/:id/overage
func (h *Handler) GetCharge(c *gin.Context) {
	charge, err := h.service.GetCharge(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == ErrChargeNotFound {
			c.JSON(http.StatusOK, gin.H{"charge": nil})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"charge": charge})
}

// ListCharges handles GET /v1/admin/overage
func (h *Handler) ListCharges(c *gin.Context) {
	status := BillingStatus(c.DefaultQuery("status", string(StatusPending)))
	switch status {
	case StatusPending, StatusInvoiced, StatusPaid, StatusWaived:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status must be one of pending, invoiced, paid, waived",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid cursor",
		})
		return
	}
	var afterCreatedAt time.Time
	afterID := ""
	if cursor != nil {
		afterCreatedAt, afterID = cursor.CreatedAt, cursor.ID
	}

	charges, err := h.service.ListByStatus(c.Request.Context(), c.Query("month"), status, afterCreatedAt, afterID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(charges, limit, func(ch *Charge) (time.Time, string) {
		return ch.CreatedAt, ch.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"charges":     page,
		"count":       len(page),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

// InvoiceCharge handles POST /v1/admin/overage/:chargeId/invoice
func (h *Handler) InvoiceCharge(c *gin.Context) {
	charge, err := h.service.Invoice(c.Request.Context(), c.Param("chargeId"))
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"charge": charge})
}

// MarkPaid handles POST /v1/admin/overage/:chargeId/pay
func (h *Handler) MarkPaid(c *gin.Context) {
	charge, err := h.service.MarkPaid(c.Request.Context(), c.Param("chargeId"))
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"charge": charge})
}

// WaiveCharge handles POST /v1/admin/overage/:chargeId/waive
func (h *Handler) WaiveCharge(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A waive reason is required",
		})
		return
	}

	charge, err := h.service.Waive(c.Request.Context(), c.Param("chargeId"), req.Reason)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"charge": charge})
}

// RunBilling handles POST /v1/admin/overage/run-billing
func (h *Handler) RunBilling(c *gin.Context) {
	count, err := h.service.InvoicePending(c.Request.Context(), c.Query("month"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoiced": count,
		"message":  "billing run completed",
	})
}

func (h *Handler) writeTransitionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case err == ErrChargeNotFound:
		status = http.StatusNotFound
		code = "not_found"
	case err == ErrInvoicingSuspended:
		status = http.StatusServiceUnavailable
		code = "invoicing_suspended"
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_transition"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
