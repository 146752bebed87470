package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ticket-service/internal/apperr"
	"ticket-service/internal/models"
	"ticket-service/internal/service"
	"ticket-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeUnauthorized   = "UNAUTHORIZED"
	codeInternal       = "INTERNAL_ERROR"

	signatureHeader = "Stripe-Signature"
)

// Checkouts opens checkouts for buyers
type Checkouts interface {
	CreateCheckout(ctx context.Context, p models.Principal, req *service.CheckoutRequest, idempotencyKey string) (*service.CheckoutResponse, error)
}

// Webhooks applies payment provider deliveries
type Webhooks interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// Orders serves order reads and transitions
type Orders interface {
	GetOrder(ctx context.Context, p models.Principal, orderID int64) (*models.OrderDetails, error)
	ListMyOrders(ctx context.Context, p models.Principal) ([]models.Order, error)
	ListOrdersByEvent(ctx context.Context, p models.Principal, eventID int64) ([]models.Order, error)
	ListAllOrders(ctx context.Context, p models.Principal) ([]models.Order, error)
	CancelOrder(ctx context.Context, p models.Principal, orderID int64) (*models.OrderDetails, error)
	RefundOrder(ctx context.Context, p models.Principal, orderID int64) (*models.OrderDetails, error)
	ConfirmOrder(ctx context.Context, p models.Principal, orderID int64) (*models.OrderDetails, error)
	CompleteOrder(ctx context.Context, p models.Principal, orderID int64) (*models.OrderDetails, error)
	ResendConfirmation(ctx context.Context, p models.Principal, orderID int64) (*models.OrderDetails, error)
}

// Inventory manages ticket types and their stock
type Inventory interface {
	CreateTicketType(ctx context.Context, p models.Principal, eventID int64, req *service.CreateTicketTypeRequest) (*models.TicketType, error)
	ListTicketTypes(ctx context.Context, eventID int64) ([]models.TicketType, error)
	SetAvailable(ctx context.Context, p models.Principal, ticketTypeID int64, available int) (*models.TicketType, error)
	Reserve(ctx context.Context, ticketTypeID int64, qty int) (int, error)
	Release(ctx context.Context, ticketTypeID int64, qty int) (int, error)
}

// Pinger reports backend readiness
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	checkouts Checkouts
	webhooks  Webhooks
	orders    Orders
	inventory Inventory
	db        Pinger
	cache     Pinger
	jwtSecret []byte
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(checkouts Checkouts, webhooks Webhooks, orders Orders, inventory Inventory, db Pinger, jwtSecret string) *Handler {
	return &Handler{
		checkouts: checkouts,
		webhooks:  webhooks,
		orders:    orders,
		inventory: inventory,
		db:        db,
		jwtSecret: []byte(jwtSecret),
		logger:    util.GetLogger(),
	}
}

// SetCache registers the Redis cache as a non-critical readiness dependency
func (h *Handler) SetCache(cache Pinger) {
	h.cache = cache
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/payments/webhook", h.paymentWebhook)
	v1.GET("/events/:id/ticket-types", h.listTicketTypes)

	authed := v1.Group("", authenticate(h.jwtSecret))
	{
		authed.POST("/checkout", h.createCheckout)

		authed.GET("/orders/my", h.listMyOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.DELETE("/orders/:id", h.cancelOrder)
		authed.PUT("/orders/:id/cancel", h.cancelOrder)
		authed.PUT("/orders/:id/confirm", h.confirmOrder)

		authed.GET("/events/:id/orders", h.listEventOrders)
		authed.POST("/events/:id/ticket-types", h.createTicketType)
		authed.PUT("/ticket-types/:id/stock", h.updateStock)
	}

	admin := authed.Group("/admin", requireRole(models.RoleAdmin))
	{
		admin.GET("/orders", h.listAllOrders)
		admin.PUT("/orders/:id/refund", h.refundOrder)
		admin.PUT("/orders/:id/complete", h.completeOrder)
		admin.POST("/orders/:id/resend-confirmation", h.resendConfirmation)
		admin.POST("/ticket-types/:id/reserve", h.reserveStock)
		admin.POST("/ticket-types/:id/release", h.releaseStock)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once the database answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("Readiness check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"time":   time.Now().Unix(),
		})
		return
	}

	// Redis only backs idempotency and dedupe, so losing it degrades instead of failing readiness.
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			h.logger.Warn("Cache unavailable", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{
				"status": "degraded",
				"cache":  "unavailable",
				"time":   time.Now().Unix(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createCheckout reserves tickets and returns the payment session handle
func (h *Handler) createCheckout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	resp, err := h.checkouts.CreateCheckout(c.Request.Context(), principal(c), &req, c.GetHeader("Idempotency-Key"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// paymentWebhook receives provider deliveries; the raw body is needed for signature checks
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, "unreadable body")
		return
	}

	if err := h.webhooks.HandleWebhook(c.Request.Context(), payload, c.GetHeader(signatureHeader)); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) listMyOrders(c *gin.Context) {
	orders, err := h.orders.ListMyOrders(c.Request.Context(), principal(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": emptyIfNil(orders)})
}

func (h *Handler) getOrder(c *gin.Context) {
	h.orderAction(c, h.orders.GetOrder)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	h.orderAction(c, h.orders.CancelOrder)
}

func (h *Handler) confirmOrder(c *gin.Context) {
	h.orderAction(c, h.orders.ConfirmOrder)
}

func (h *Handler) refundOrder(c *gin.Context) {
	h.orderAction(c, h.orders.RefundOrder)
}

func (h *Handler) completeOrder(c *gin.Context) {
	h.orderAction(c, h.orders.CompleteOrder)
}

func (h *Handler) resendConfirmation(c *gin.Context) {
	h.orderAction(c, h.orders.ResendConfirmation)
}

// orderAction runs a single-order operation addressed by the :id path parameter
func (h *Handler) orderAction(c *gin.Context, action func(context.Context, models.Principal, int64) (*models.OrderDetails, error)) {
	orderID, ok := idParam(c)
	if !ok {
		return
	}

	details, err := action(c.Request.Context(), principal(c), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, details)
}

func (h *Handler) listEventOrders(c *gin.Context) {
	eventID, ok := idParam(c)
	if !ok {
		return
	}

	orders, err := h.orders.ListOrdersByEvent(c.Request.Context(), principal(c), eventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": emptyIfNil(orders)})
}

func (h *Handler) listAllOrders(c *gin.Context) {
	orders, err := h.orders.ListAllOrders(c.Request.Context(), principal(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": emptyIfNil(orders)})
}

func (h *Handler) listTicketTypes(c *gin.Context) {
	eventID, ok := idParam(c)
	if !ok {
		return
	}

	ticketTypes, err := h.inventory.ListTicketTypes(c.Request.Context(), eventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket_types": emptyIfNil(ticketTypes)})
}

func (h *Handler) createTicketType(c *gin.Context) {
	eventID, ok := idParam(c)
	if !ok {
		return
	}

	var req service.CreateTicketTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	tt, err := h.inventory.CreateTicketType(c.Request.Context(), principal(c), eventID, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tt)
}

func (h *Handler) updateStock(c *gin.Context) {
	ticketTypeID, ok := idParam(c)
	if !ok {
		return
	}

	var req service.UpdateStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	tt, err := h.inventory.SetAvailable(c.Request.Context(), principal(c), ticketTypeID, *req.QuantityAvailable)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tt)
}

func (h *Handler) reserveStock(c *gin.Context) {
	h.adjustStock(c, h.inventory.Reserve)
}

func (h *Handler) releaseStock(c *gin.Context) {
	h.adjustStock(c, h.inventory.Release)
}

// adjustStock applies a direct ledger movement, e.g. box office holds or their return
func (h *Handler) adjustStock(c *gin.Context, move func(context.Context, int64, int) (int, error)) {
	ticketTypeID, ok := idParam(c)
	if !ok {
		return
	}

	var req service.StockAdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	left, err := move(c.Request.Context(), ticketTypeID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ticket_type_id":     ticketTypeID,
		"quantity_available": left,
	})
}

// respondError writes business errors with their code; anything else is logged and hidden
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		if appErr.Kind == apperr.KindExternalProvider {
			util.LoggerFromContext(c.Request.Context()).Error("Payment provider failure", zap.Error(err))
		}
		abortWithError(c, apperr.HTTPStatus(err), appErr.Code, appErr.Message)
		return
	}

	util.LoggerFromContext(c.Request.Context()).Error("Request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	abortWithError(c, http.StatusInternalServerError, codeInternal, "internal server error")
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abortWithError(c, http.StatusBadRequest, codeInvalidRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

// requestLogger logs one line per request
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
