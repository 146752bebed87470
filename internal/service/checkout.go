package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ticket-service/internal/apperr"
	"ticket-service/internal/models"
	"ticket-service/internal/payment"
	"ticket-service/internal/store"
	"ticket-service/internal/util"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const checkoutLockTTL = 30 * time.Second

// CheckoutConfig holds checkout timing knobs
type CheckoutConfig struct {
	SessionTTL     time.Duration
	IdempotencyTTL time.Duration
}

// CheckoutService reserves inventory and opens payment sessions
type CheckoutService struct {
	repo      Repository
	provider  payment.Provider
	publisher EventPublisher
	cache     Cache
	cfg       CheckoutConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewCheckoutService creates a new checkout service. cache may be nil.
func NewCheckoutService(
	repo Repository,
	provider payment.Provider,
	publisher EventPublisher,
	cache Cache,
	cfg CheckoutConfig,
) *CheckoutService {
	return &CheckoutService{
		repo:      repo,
		provider:  provider,
		publisher: publisher,
		cache:     cache,
		cfg:       cfg,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// CheckoutRequest represents a request to buy tickets for one event
type CheckoutRequest struct {
	EventID int64          `json:"event_id" binding:"required"`
	Items   []CheckoutItem `json:"items"`
}

// CheckoutItem represents one ticket type line of a checkout
type CheckoutItem struct {
	TicketTypeID int64 `json:"ticket_type_id" binding:"required"`
	Quantity     int   `json:"quantity"`
}

// CheckoutResponse is the handle returned to the buyer
type CheckoutResponse struct {
	OrderID    int64  `json:"order_id"`
	SessionID  string `json:"session_id"`
	SessionURL string `json:"session_url"`
}

// CreateCheckout reserves the requested tickets under a PENDING order and opens a
// payment session for it. A replay with the same idempotency key returns the first handle.
func (s *CheckoutService) CreateCheckout(ctx context.Context, p models.Principal, req *CheckoutRequest, idempotencyKey string) (*CheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateCheckout",
		attribute.Int64("event_id", req.EventID),
		attribute.Int64("user_id", p.UserID))
	defer span.End()

	logger := util.LoggerFromContext(ctx)

	cacheKey := ""
	if idempotencyKey != "" && s.cache != nil {
		cacheKey = fmt.Sprintf("%d:%s", p.UserID, idempotencyKey)

		if cached, ok := s.cachedResponse(ctx, cacheKey); ok {
			logger.Info("Duplicate checkout request detected",
				zap.String("idempotency_key", idempotencyKey),
				zap.Int64("order_id", cached.OrderID))
			return cached, nil
		}

		locked, err := s.cache.AcquireLock(ctx, "checkout:"+cacheKey, checkoutLockTTL)
		switch {
		case err != nil:
			logger.Warn("Idempotency lock unavailable, continuing without it", zap.Error(err))
		case !locked:
			return nil, apperr.Conflict(apperr.CodeRequestInProgress,
				"a checkout with this idempotency key is already in progress")
		default:
			defer func() {
				if err := s.cache.ReleaseLock(context.Background(), "checkout:"+cacheKey); err != nil {
					logger.Warn("Failed to release idempotency lock", zap.Error(err))
				}
			}()
		}
	}

	resp, err := s.createCheckout(ctx, p, req)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if cacheKey != "" {
		if body, err := json.Marshal(resp); err == nil {
			if err := s.cache.SetIdempotentResponse(ctx, cacheKey, body, s.cfg.IdempotencyTTL); err != nil {
				logger.Warn("Failed to cache checkout response", zap.Error(err))
			}
		}
	}

	return resp, nil
}

func (s *CheckoutService) cachedResponse(ctx context.Context, key string) (*CheckoutResponse, bool) {
	body, found, err := s.cache.GetIdempotentResponse(ctx, key)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("Idempotency lookup failed", zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}

	var resp CheckoutResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (s *CheckoutService) createCheckout(ctx context.Context, p models.Principal, req *CheckoutRequest) (*CheckoutResponse, error) {
	logger := util.LoggerFromContext(ctx)

	if len(req.Items) == 0 {
		util.CheckoutsFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, apperr.BadRequest(apperr.CodeInvalidQuantity, "at least one item is required")
	}
	for _, item := range req.Items {
		if item.Quantity < 1 {
			util.CheckoutsFailedTotal.WithLabelValues("invalid_items").Inc()
			return nil, apperr.BadRequest(apperr.CodeInvalidQuantity,
				"quantity for ticket type %d must be at least 1", item.TicketTypeID)
		}
	}

	event, err := s.repo.GetEvent(ctx, req.EventID)
	if err != nil {
		return nil, notFound(err, apperr.CodeEventNotFound, "event %d not found", req.EventID)
	}
	if !event.IsBookable(s.now()) {
		util.CheckoutsFailedTotal.WithLabelValues("event_not_bookable").Inc()
		return nil, apperr.BadRequest(apperr.CodeEventNotBookable, "event %d is not available for booking", event.ID)
	}

	ticketTypes, err := s.validateItems(ctx, event, req.Items)
	if err != nil {
		return nil, err
	}

	items := lo.Map(req.Items, func(item CheckoutItem, _ int) models.OrderItem {
		return models.OrderItem{
			TicketTypeID:   item.TicketTypeID,
			Quantity:       item.Quantity,
			PricePerTicket: ticketTypes[item.TicketTypeID].Price,
		}
	})

	order := &models.Order{
		UserID:        p.UserID,
		EventID:       event.ID,
		CustomerEmail: p.Email,
		Status:        models.OrderStatusPending,
		TotalAmount:   models.CalculateTotal(items),
	}

	start := time.Now()
	err = s.repo.CreateReservation(ctx, order, items)
	util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.CheckoutsFailedTotal.WithLabelValues("reservation_failed").Inc()
		var stockErr *store.StockError
		if errors.As(err, &stockErr) {
			return nil, inventoryError(err, stockErr.TicketTypeID, ticketTypes[stockErr.TicketTypeID].Name)
		}
		return nil, inventoryError(err, 0, "")
	}

	logger.Info("Order reserved",
		zap.Int64("order_id", order.ID),
		zap.Int64("event_id", event.ID),
		zap.String("total", order.TotalAmount.StringFixed(2)))

	s.publishCreated(ctx, order, items)

	session, err := s.openSession(ctx, order, event, items, ticketTypes)
	if err != nil {
		util.CheckoutsFailedTotal.WithLabelValues("provider_error").Inc()
		// the reservation stays PENDING without a session until it expires
		logger.Error("Payment session creation failed",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		return nil, apperr.ExternalProvider(err, "payment processing error for order %d", order.ID)
	}

	if err := s.repo.AttachSession(ctx, order.ID, session.ID); err != nil {
		return nil, fmt.Errorf("failed to attach session to order %d: %w", order.ID, err)
	}

	util.CheckoutsCreatedTotal.Inc()
	logger.Info("Checkout session created",
		zap.Int64("order_id", order.ID),
		zap.String("session_id", session.ID))

	return &CheckoutResponse{
		OrderID:    order.ID,
		SessionID:  session.ID,
		SessionURL: session.URL,
	}, nil
}

// validateItems loads every requested ticket type and checks it belongs to the event and
// looks affordable. The authoritative stock check is the reservation itself.
func (s *CheckoutService) validateItems(ctx context.Context, event *models.Event, items []CheckoutItem) (map[int64]models.TicketType, error) {
	ids := lo.Uniq(lo.Map(items, func(item CheckoutItem, _ int) int64 { return item.TicketTypeID }))

	found, err := s.repo.GetTicketTypesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket types: %w", err)
	}
	byID := lo.KeyBy(found, func(tt models.TicketType) int64 { return tt.ID })

	requested := make(map[int64]int, len(ids))
	for _, item := range items {
		requested[item.TicketTypeID] += item.Quantity
	}

	for _, id := range ids {
		tt, ok := byID[id]
		if !ok {
			util.CheckoutsFailedTotal.WithLabelValues("invalid_items").Inc()
			return nil, apperr.NotFound(apperr.CodeTicketTypeNotFound, "ticket type %d not found", id)
		}
		if tt.EventID != event.ID {
			util.CheckoutsFailedTotal.WithLabelValues("invalid_items").Inc()
			return nil, apperr.BadRequest(apperr.CodeTicketTypeMismatch,
				"ticket type %d does not belong to event %d", id, event.ID)
		}
		if tt.QuantityAvailable < requested[id] {
			util.CheckoutsFailedTotal.WithLabelValues("insufficient_stock").Inc()
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return nil, apperr.BadRequest(apperr.CodeInsufficientInventory,
				"not enough tickets available for: %s", tt.Name)
		}
	}

	return byID, nil
}

func (s *CheckoutService) openSession(
	ctx context.Context,
	order *models.Order,
	event *models.Event,
	items []models.OrderItem,
	ticketTypes map[int64]models.TicketType,
) (*payment.Session, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.openSession", attribute.Int64("order_id", order.ID))
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentSessionLatency.Observe(time.Since(start).Seconds())
	}()

	session, err := s.provider.CreateSession(ctx, payment.SessionRequest{
		OrderID:       order.ID,
		UserID:        order.UserID,
		EventID:       event.ID,
		CustomerEmail: order.CustomerEmail,
		ExpiresAt:     s.now().Add(s.cfg.SessionTTL),
		Items: lo.Map(items, func(item models.OrderItem, _ int) payment.LineItem {
			return payment.LineItem{
				Name:        event.Title + " - " + ticketTypes[item.TicketTypeID].Name,
				Description: "Event ticket",
				UnitPrice:   item.PricePerTicket,
				Quantity:    item.Quantity,
			}
		}),
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return session, nil
}

func (s *CheckoutService) publishCreated(ctx context.Context, order *models.Order, items []models.OrderItem) {
	event := &models.OrderCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		UserID:      order.UserID,
		EventID:     order.EventID,
		TotalAmount: order.TotalAmount,
		Items: lo.Map(items, func(item models.OrderItem, _ int) models.OrderItemData {
			return models.OrderItemData{
				TicketTypeID:   item.TicketTypeID,
				Quantity:       item.Quantity,
				PricePerTicket: item.PricePerTicket,
			}
		}),
	}

	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		util.LoggerFromContext(ctx).Error("Failed to publish OrderCreated event",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}
