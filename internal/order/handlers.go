package order

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/cryptonexus/payengine/internal/escrow"
	"github.com/cryptonexus/payengine/internal/money"
	"github.com/cryptonexus/payengine/internal/pagination"
	"github.com/cryptonexus/payengine/internal/validation"
	"github.com/cryptonexus/payengine/internal/vault"
)

// ActorHeader carries the caller's buyer/vendor reference. Authenticating
// it is the frontend's job; the engine checks it against the order's
// participants.
const ActorHeader = "X-Actor-Ref"

// Handler provides HTTP endpoints for the order lifecycle.
type Handler struct {
	service    *Service
	vault      *vault.Service
	currencies *money.Registry
}

// NewHandler creates a new order handler.
func NewHandler(service *Service, vaultSvc *vault.Service, currencies *money.Registry) *Handler {
	return &Handler{service: service, vault: vaultSvc, currencies: currencies}
}

// RegisterRoutes sets up the order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.PUT("/orders/:id/status", h.UpdateStatus)
	r.POST("/orders/:id/deliver", h.MarkDelivered)
	r.POST("/orders/:id/confirm", h.ConfirmDelivery)
	r.POST("/orders/:id/dispute", h.OpenDispute)
	r.POST("/orders/:id/resolve", h.ResolveDispute)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.GET("/orders/:id/credentials", h.GetCredentials)
	r.POST("/orders/:id/escrow/release", h.ReleaseEscrow)
	r.POST("/orders/:id/escrow/dispute", h.DisputeEscrow)
}

func actor(c *gin.Context) string {
	return c.GetHeader(ActorHeader)
}

// fail translates service errors into API responses.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, vault.ErrNotFound), errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Order not found",
		})
	case errors.Is(err, ErrNotParticipant), errors.Is(err, vault.ErrNotEligible):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_eligible",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, ErrActiveDispute), errors.Is(err, ErrDisputeWindowOver),
		errors.Is(err, escrow.ErrAlreadyHeld):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Operation failed",
		})
	}
}

type createOrderRequest struct {
	BuyerRef    string `json:"buyerRef" binding:"required"`
	VendorRef   string `json:"vendorRef" binding:"required"`
	ProductRef  string `json:"productRef" binding:"required"`
	Quantity    int64  `json:"quantity" binding:"required"`
	UnitPrice   string `json:"unitPrice" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	UseEscrow   bool   `json:"useEscrow"`
	Credentials string `json:"credentials"`
}

// CreateOrder handles POST /v1/orders.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidActor("buyerRef", req.BuyerRef),
		validation.ValidActor("vendorRef", req.VendorRef),
		validation.ValidAmount("unitPrice", req.UnitPrice),
		validation.ValidCurrency("currency", req.Currency, h.currencies),
		validation.PositiveQuantity("quantity", req.Quantity),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	unitPrice, err := money.Parse(req.UnitPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "unitPrice: " + err.Error(),
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), CreateRequest{
		BuyerRef:    req.BuyerRef,
		VendorRef:   req.VendorRef,
		ProductRef:  req.ProductRef,
		Quantity:    req.Quantity,
		UnitPrice:   unitPrice,
		Currency:    req.Currency,
		UseEscrow:   req.UseEscrow,
		Credentials: req.Credentials,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders?buyer=...|vendor=... with cursor
// pagination via ?cursor= and ?limit=.
func (h *Handler) ListOrders(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be between 1 and 100",
			})
			return
		}
		limit = n
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid cursor",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	var orders []*Order
	switch {
	case c.Query("buyer") != "":
		orders, err = h.service.ListByBuyer(c.Request.Context(), c.Query("buyer"), cursor, limit+1)
	case c.Query("vendor") != "":
		orders, err = h.service.ListByVendor(c.Request.Context(), c.Query("vendor"), cursor, limit+1)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "buyer or vendor query parameter required",
		})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}

	orders, next, hasMore := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if orders == nil {
		orders = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":     orders,
		"count":      len(orders),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateStatus handles PUT /v1/orders/:id/status, dispatching onto the
// guarded actions.
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.UpdateStatus(c.Request.Context(), c.Param("id"), actor(c), Status(req.Status))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

type deliverRequest struct {
	Credentials string `json:"credentials"`
}

// MarkDelivered handles POST /v1/orders/:id/deliver.
func (h *Handler) MarkDelivered(c *gin.Context) {
	var req deliverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	o, err := h.service.MarkDelivered(c.Request.Context(), c.Param("id"), actor(c), req.Credentials)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ConfirmDelivery handles POST /v1/orders/:id/confirm.
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	o, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

type disputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// OpenDispute handles POST /v1/orders/:id/dispute.
func (h *Handler) OpenDispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength)

	d, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), actor(c), reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

type resolveRequest struct {
	Resolution      string `json:"resolution" binding:"required"`
	ReleaseFraction string `json:"releaseFraction"`
}

// ResolveDispute handles POST /v1/orders/:id/resolve.
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	fraction := decimal.Zero
	if req.ReleaseFraction != "" {
		var err error
		fraction, err = decimal.NewFromString(req.ReleaseFraction)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "releaseFraction must be a decimal between 0 and 1",
			})
			return
		}
	}

	o, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), ResolveRequest{
		Resolution:      req.Resolution,
		ReleaseFraction: fraction,
	})
	if err != nil {
		if errors.Is(err, escrow.ErrInvalidFraction) || errors.Is(err, ErrUnknownResolution) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// CancelOrder handles POST /v1/orders/:id/cancel.
func (h *Handler) CancelOrder(c *gin.Context) {
	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// GetCredentials handles GET /v1/orders/:id/credentials.
func (h *Handler) GetCredentials(c *gin.Context) {
	r, err := h.vault.RevealIfEligible(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orderId":     r.OrderID,
		"credentials": r.Payload,
		"revealedAt":  r.RevealedAt,
	})
}

// ReleaseEscrow handles POST /v1/orders/:id/escrow/release.
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	o, err := h.service.ReleaseEscrow(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// DisputeEscrow handles POST /v1/orders/:id/escrow/dispute. Same flow as
// an order dispute; kept as a separate route for the escrow-centric UI.
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength)

	d, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), actor(c), reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}
