package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cryptonexus/payengine/internal/money"
	"github.com/cryptonexus/payengine/internal/validation"
)

// OrderProfile resolves the billing facts of an order for allocation.
// Implementations return ErrNotFound for unknown orders.
type OrderProfile interface {
	PaymentProfile(ctx context.Context, orderID string) (currency string, total money.Amount, err error)
}

// Handler provides HTTP endpoints for payment destinations and event ingest.
type Handler struct {
	service *Service
	orders  OrderProfile
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service, orders OrderProfile) *Handler {
	return &Handler{service: service, orders: orders}
}

// RegisterRoutes sets up payment routes on the order group and the ingest
// endpoint at the API root.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/payment-address", h.CreatePaymentAddress)
	r.GET("/orders/:id/payment-status", h.GetPaymentStatus)
	r.POST("/payments/events", h.IngestEvent)
}

// CreatePaymentAddress handles POST /v1/orders/:id/payment-address.
// Idempotent: repeated calls return the same destination.
func (h *Handler) CreatePaymentAddress(c *gin.Context) {
	orderID := c.Param("id")
	if !validation.IsValidOrderID(orderID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid order id",
		})
		return
	}

	currency, total, err := h.orders.PaymentProfile(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "allocation_failed",
			"message": "Failed to resolve order",
		})
		return
	}

	d, err := h.service.Allocate(c.Request.Context(), AllocateRequest{
		OrderID:        orderID,
		Currency:       currency,
		ExpectedAmount: total,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "allocation_failed",
			"message": "Failed to allocate payment address",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"destinationId": d.ID,
		"orderId":       d.OrderID,
		"address":       d.Address,
		"currency":      d.Currency,
		"amount":        d.ExpectedAmount,
		"expiresAt":     d.ExpiresAt,
		"confirmations": d.RequiredConfirmations,
	})
}

// GetPaymentStatus handles GET /v1/orders/:id/payment-status.
func (h *Handler) GetPaymentStatus(c *gin.Context) {
	d, err := h.service.GetByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No payment destination for order",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load payment status",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"destinationId":         d.ID,
		"orderId":               d.OrderID,
		"status":                d.Status,
		"address":               d.Address,
		"currency":              d.Currency,
		"expectedAmount":        d.ExpectedAmount,
		"receivedAmount":        d.ReceivedAmount,
		"confirmations":         d.Confirmations,
		"requiredConfirmations": d.RequiredConfirmations,
		"expiresAt":             d.ExpiresAt,
		"confirmedAt":           d.ConfirmedAt,
	})
}

// IngestEvent handles POST /v1/payments/events, the push path for the
// external payment watcher. Rejected events get 202 so a well-behaved
// watcher stops retrying them.
func (h *Handler) IngestEvent(c *gin.Context) {
	var ev ConfirmationEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid event body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidTxID("txId", ev.TxID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if ev.Confirmations < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "confirmations must not be negative",
		})
		return
	}

	result, err := h.service.Apply(c.Request.Context(), ev)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Unknown payment destination",
			})
		case errors.Is(err, ErrRejected):
			c.JSON(http.StatusAccepted, gin.H{"result": ResultRejected})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "apply_failed",
				"message": "Failed to apply confirmation event",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}
