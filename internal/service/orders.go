package service

import (
	"context"
	"errors"
	"fmt"

	"ticket-service/internal/apperr"
	"ticket-service/internal/issuance"
	"ticket-service/internal/models"
	"ticket-service/internal/store"
	"ticket-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderService handles order reads and the user/admin driven transitions
type OrderService struct {
	repo       Repository
	reconciler *Reconciler
	publisher  EventPublisher
	logger     *zap.Logger
}

// NewOrderService creates a new order service. Manual confirmation goes through the reconciler.
func NewOrderService(repo Repository, reconciler *Reconciler, publisher EventPublisher) *OrderService {
	return &OrderService{
		repo:       repo,
		reconciler: reconciler,
		publisher:  publisher,
		logger:     util.GetLogger(),
	}
}

// GetOrder returns an order with its items and payment, if the caller may see it
func (s *OrderService) GetOrder(ctx context.Context, p models.Principal, orderID int64) (*models.OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !p.CanAccessOrder(order) {
		return nil, apperr.Forbidden("not allowed to view order %d", orderID)
	}
	return s.details(ctx, order)
}

// ListMyOrders returns the caller's orders, newest first
func (s *OrderService) ListMyOrders(ctx context.Context, p models.Principal) ([]models.Order, error) {
	return s.repo.ListOrdersByUser(ctx, p.UserID)
}

// ListOrdersByEvent returns an event's orders to its organizer or an admin
func (s *OrderService) ListOrdersByEvent(ctx context.Context, p models.Principal, eventID int64) ([]models.Order, error) {
	event, err := s.repo.GetEvent(ctx, eventID)
	if err != nil {
		return nil, notFound(err, apperr.CodeEventNotFound, "event %d not found", eventID)
	}
	if !p.CanManageEvent(event) {
		return nil, apperr.Forbidden("not allowed to view orders of event %d", eventID)
	}
	return s.repo.ListOrdersByEvent(ctx, eventID)
}

// ListAllOrders returns every order. Admin only.
func (s *OrderService) ListAllOrders(ctx context.Context, p models.Principal) ([]models.Order, error) {
	if !p.IsAdmin() {
		return nil, apperr.Forbidden("admin role required")
	}
	return s.repo.ListOrders(ctx)
}

// CancelOrder cancels a PENDING order on behalf of its owner or an admin and returns its stock
func (s *OrderService) CancelOrder(ctx context.Context, p models.Principal, orderID int64) (*models.OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !p.CanAccessOrder(order) {
		return nil, apperr.Forbidden("not allowed to cancel order %d", orderID)
	}
	if order.Status != models.OrderStatusPending {
		return nil, invalidTransition(order, models.OrderStatusCancelled)
	}

	released, applied, err := cancelPending(ctx, s.repo, order)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if !applied {
		return nil, s.lostRace(ctx, orderID, models.OrderStatusCancelled)
	}

	reason := models.CancelReasonUser
	if order.UserID != p.UserID {
		reason = models.CancelReasonAdmin
	}
	util.OrdersCancelledTotal.WithLabelValues(reason).Inc()
	util.LoggerFromContext(ctx).Info("Order cancelled",
		zap.Int64("order_id", orderID),
		zap.String("reason", reason),
		zap.Int("released", released))

	publishCancelled(ctx, s.publisher, orderID, reason)
	return s.reload(ctx, orderID)
}

// RefundOrder refunds a paid order: the payment becomes REFUNDED, tickets are invalidated
// and stock is returned. The order keeps its status. Admin only.
func (s *OrderService) RefundOrder(ctx context.Context, p models.Principal, orderID int64) (*models.OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RefundOrder", attribute.Int64("order_id", orderID))
	defer span.End()

	if !p.IsAdmin() {
		return nil, apperr.Forbidden("admin role required")
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsSettled() {
		return nil, apperr.BadRequest(apperr.CodeInvalidStateTransition,
			"order %d is %s and cannot be refunded", orderID, order.Status)
	}

	paid, err := s.repo.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, notFound(err, apperr.CodePaymentNotFound, "no payment found for order %d", orderID)
	}
	switch paid.Status {
	case models.PaymentStatusRefunded:
		return nil, apperr.BadRequest(apperr.CodeAlreadyRefunded, "order %d is already refunded", orderID)
	case models.PaymentStatusCompleted:
	default:
		return nil, apperr.BadRequest(apperr.CodeInvalidStateTransition,
			"payment of order %d is %s and cannot be refunded", orderID, paid.Status)
	}

	items, err := s.repo.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load items of order %d: %w", orderID, err)
	}

	applied, err := s.repo.RefundOrder(ctx, orderID)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to refund order %d: %w", orderID, err)
	}
	if !applied {
		return nil, apperr.BadRequest(apperr.CodeAlreadyRefunded, "order %d is already refunded", orderID)
	}

	released := 0
	for _, item := range items {
		released += item.Quantity
	}
	util.OrdersRefundedTotal.Inc()
	util.InventoryReleasedTickets.Add(float64(released))
	util.LoggerFromContext(ctx).Info("Order refunded",
		zap.Int64("order_id", orderID),
		zap.String("transaction_id", paid.TransactionID),
		zap.Int("released", released))

	msg := &models.OrderRefundedEvent{
		BaseEvent:     models.NewBaseEvent(models.EventTypeOrderRefunded),
		OrderID:       order.ID,
		UserID:        order.UserID,
		CustomerEmail: order.CustomerEmail,
		Amount:        paid.Amount,
		TransactionID: paid.TransactionID,
	}
	if err := s.publisher.PublishOrderRefunded(ctx, msg); err != nil {
		s.logger.Error("Failed to publish OrderRefunded event",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}

	return s.reload(ctx, orderID)
}

// ConfirmOrder confirms a PENDING order without a provider event, issuing tickets and a
// MANUAL payment through the same path as a completed checkout. Admin only.
func (s *OrderService) ConfirmOrder(ctx context.Context, p models.Principal, orderID int64) (*models.OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmOrder", attribute.Int64("order_id", orderID))
	defer span.End()

	if !p.IsAdmin() {
		return nil, apperr.Forbidden("admin role required")
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, invalidTransition(order, models.OrderStatusConfirmed)
	}

	applied, err := s.reconciler.confirm(ctx, order, fmt.Sprintf("manual-%d", orderID), models.PaymentMethodManual)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if !applied {
		return nil, s.lostRace(ctx, orderID, models.OrderStatusConfirmed)
	}

	return s.reload(ctx, orderID)
}

// CompleteOrder settles a CONFIRMED order. Admin only.
func (s *OrderService) CompleteOrder(ctx context.Context, p models.Principal, orderID int64) (*models.OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CompleteOrder", attribute.Int64("order_id", orderID))
	defer span.End()

	if !p.IsAdmin() {
		return nil, apperr.Forbidden("admin role required")
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(order.Status, models.OrderStatusCompleted) {
		return nil, invalidTransition(order, models.OrderStatusCompleted)
	}

	applied, err := s.repo.CompleteOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to complete order %d: %w", orderID, err)
	}
	if !applied {
		return nil, s.lostRace(ctx, orderID, models.OrderStatusCompleted)
	}

	msg := &models.OrderCompletedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderCompleted),
		OrderID:   orderID,
	}
	if err := s.publisher.PublishOrderCompleted(ctx, msg); err != nil {
		s.logger.Error("Failed to publish OrderCompleted event",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}

	return s.reload(ctx, orderID)
}

// ResendConfirmation publishes ORDER_CONFIRMED again from the stored tickets, so a purchase
// notification lost to a broker outage can be retried. Admin only.
func (s *OrderService) ResendConfirmation(ctx context.Context, p models.Principal, orderID int64) (*models.OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ResendConfirmation", attribute.Int64("order_id", orderID))
	defer span.End()

	if !p.IsAdmin() {
		return nil, apperr.Forbidden("admin role required")
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsSettled() {
		return nil, apperr.BadRequest(apperr.CodeInvalidStateTransition,
			"order %d is %s and has no tickets to send", orderID, order.Status)
	}

	d, err := s.details(ctx, order)
	if err != nil {
		return nil, err
	}
	if d.Refunded {
		return nil, apperr.BadRequest(apperr.CodeAlreadyRefunded, "order %d is already refunded", orderID)
	}

	event, err := s.repo.GetEvent(ctx, order.EventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event %d: %w", order.EventID, err)
	}

	var tickets []issuance.Ticket
	for _, item := range d.Items {
		if item.TicketCode == nil || !item.IsValid {
			continue
		}
		t := issuance.Ticket{OrderItemID: item.ID, Code: *item.TicketCode}
		if item.QRCode != nil {
			t.QRCode = *item.QRCode
		}
		tickets = append(tickets, t)
	}

	if err := s.reconciler.publishConfirmed(ctx, order, event, d.Items, tickets); err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to publish confirmation of order %d: %w", orderID, err)
	}
	return d, nil
}

func (s *OrderService) loadOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, notFound(err, apperr.CodeOrderNotFound, "order %d not found", orderID)
	}
	return order, nil
}

func (s *OrderService) reload(ctx context.Context, orderID int64) (*models.OrderDetails, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.details(ctx, order)
}

func (s *OrderService) details(ctx context.Context, order *models.Order) (*models.OrderDetails, error) {
	items, err := s.repo.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load items of order %d: %w", order.ID, err)
	}

	d := &models.OrderDetails{Order: *order, Items: items}

	paid, err := s.repo.GetPaymentByOrderID(ctx, order.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load payment of order %d: %w", order.ID, err)
	default:
		d.Payment = paid
		d.Refunded = paid.Status == models.PaymentStatusRefunded
	}
	return d, nil
}

// lostRace reports the transition error for an order that changed underneath a CAS
func (s *OrderService) lostRace(ctx context.Context, orderID int64, to models.OrderStatus) error {
	current, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	return invalidTransition(current, to)
}

func invalidTransition(order *models.Order, to models.OrderStatus) error {
	return apperr.BadRequest(apperr.CodeInvalidStateTransition,
		"order %d cannot move from %s to %s", order.ID, order.Status, to)
}
