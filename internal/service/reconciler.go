package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticket-service/internal/apperr"
	"ticket-service/internal/issuance"
	"ticket-service/internal/models"
	"ticket-service/internal/payment"
	"ticket-service/internal/store"
	"ticket-service/internal/util"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Reconciler applies asynchronous payment provider events to orders exactly once
type Reconciler struct {
	repo      Repository
	provider  payment.Provider
	publisher EventPublisher
	cache     Cache
	dedupTTL  time.Duration
	logger    *zap.Logger
}

// NewReconciler creates a new reconciler. cache may be nil.
func NewReconciler(
	repo Repository,
	provider payment.Provider,
	publisher EventPublisher,
	cache Cache,
	dedupTTL time.Duration,
) *Reconciler {
	return &Reconciler{
		repo:      repo,
		provider:  provider,
		publisher: publisher,
		cache:     cache,
		dedupTTL:  dedupTTL,
		logger:    util.GetLogger(),
	}
}

// HandleWebhook authenticates a provider delivery and applies it. Nothing is read or
// written before the signature checks out.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleWebhook")
	defer span.End()

	logger := util.LoggerFromContext(ctx)

	ev, err := r.provider.ParseEvent(payload, signature)
	if err != nil {
		util.RecordError(span, err)
		if errors.Is(err, payment.ErrInvalidSignature) {
			util.WebhookEventsTotal.WithLabelValues("unknown", util.OutcomeRejected).Inc()
			logger.Warn("Webhook signature verification failed", zap.Error(err))
			return apperr.InvalidSignature(err)
		}
		util.WebhookEventsTotal.WithLabelValues("unknown", util.OutcomeFailed).Inc()
		return fmt.Errorf("failed to parse webhook: %w", err)
	}

	span.SetAttributes(
		attribute.String("event_id", ev.ID),
		attribute.String("event_type", ev.RawType),
		attribute.String("session_id", ev.SessionID))

	if r.cache != nil && ev.ID != "" {
		seen, err := r.cache.IsEventProcessed(ctx, ev.ID)
		if err != nil {
			logger.Warn("Webhook dedupe lookup failed", zap.Error(err))
		} else if seen {
			util.WebhookEventsTotal.WithLabelValues(string(ev.Type), util.OutcomeNoop).Inc()
			logger.Info("Event already processed", zap.String("event_id", ev.ID))
			return nil
		}
	}

	if err := r.ApplyEvent(ctx, ev.Type, ev.SessionID, ev.PaymentID); err != nil {
		util.RecordError(span, err)
		return err
	}

	if r.cache != nil && ev.ID != "" {
		if err := r.cache.MarkEventProcessed(ctx, ev.ID, r.dedupTTL); err != nil {
			logger.Warn("Failed to mark event processed", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
	return nil
}

// ApplyEvent drives the PENDING order of a session to CONFIRMED or CANCELLED.
// Events for orders that already left PENDING are no-ops.
func (r *Reconciler) ApplyEvent(ctx context.Context, eventType payment.EventType, sessionID, paymentID string) error {
	logger := util.LoggerFromContext(ctx).With(
		zap.String("event_type", string(eventType)),
		zap.String("session_id", sessionID))

	switch eventType {
	case payment.EventCheckoutCompleted:
		return r.applyCompleted(ctx, logger, sessionID, paymentID)
	case payment.EventCheckoutExpired:
		return r.applyExpired(ctx, logger, sessionID)
	default:
		util.WebhookEventsTotal.WithLabelValues(string(eventType), util.OutcomeIgnored).Inc()
		logger.Info("Unhandled webhook event type")
		return nil
	}
}

func (r *Reconciler) applyCompleted(ctx context.Context, logger *zap.Logger, sessionID, paymentID string) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.applyCompleted", attribute.String("session_id", sessionID))
	defer span.End()

	order, err := r.repo.GetOrderBySessionID(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		util.WebhookEventsTotal.WithLabelValues(string(payment.EventCheckoutCompleted), util.OutcomeRejected).Inc()
		logger.Error("Order not found for completed session")
		return apperr.NotFound(apperr.CodeUnknownSession, "no order for session %s", sessionID)
	}
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(string(payment.EventCheckoutCompleted), util.OutcomeFailed).Inc()
		return fmt.Errorf("failed to load order for session %s: %w", sessionID, err)
	}

	applied, err := r.confirm(ctx, order, paymentID, models.PaymentMethodCard)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(string(payment.EventCheckoutCompleted), util.OutcomeFailed).Inc()
		util.RecordError(span, err)
		return err
	}

	outcome := util.OutcomeApplied
	if !applied {
		outcome = util.OutcomeNoop
		logger.Info("Order already processed",
			zap.Int64("order_id", order.ID),
			zap.String("status", string(order.Status)))
	}
	util.WebhookEventsTotal.WithLabelValues(string(payment.EventCheckoutCompleted), outcome).Inc()
	return nil
}

// confirm issues tickets and records the payment for a PENDING order in one transaction.
// It reports false when the order was not PENDING or another delivery won the race.
func (r *Reconciler) confirm(ctx context.Context, order *models.Order, transactionID, method string) (bool, error) {
	logger := util.LoggerFromContext(ctx)

	if order.Status != models.OrderStatusPending {
		return false, nil
	}

	event, err := r.repo.GetEvent(ctx, order.EventID)
	if err != nil {
		return false, fmt.Errorf("failed to load event %d: %w", order.EventID, err)
	}
	items, err := r.repo.GetOrderItems(ctx, order.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load items of order %d: %w", order.ID, err)
	}

	tickets, err := issuance.Issue(order, event, items)
	if err != nil {
		return false, err
	}

	paid := &models.Payment{
		OrderID:       order.ID,
		UserID:        order.UserID,
		Amount:        order.TotalAmount,
		Status:        models.PaymentStatusCompleted,
		TransactionID: transactionID,
		PaymentMethod: method,
	}

	issued := lo.Map(tickets, func(t issuance.Ticket, _ int) store.IssuedTicket {
		return store.IssuedTicket{OrderItemID: t.OrderItemID, TicketCode: t.Code, QRCode: t.QRCode}
	})

	applied, err := r.repo.ConfirmOrder(ctx, order.ID, issued, paid)
	if err != nil {
		return false, fmt.Errorf("failed to confirm order %d: %w", order.ID, err)
	}
	if !applied {
		return false, nil
	}

	util.OrdersConfirmedTotal.Inc()
	util.TicketsIssuedTotal.Add(float64(len(tickets)))
	logger.Info("Order confirmed",
		zap.Int64("order_id", order.ID),
		zap.String("transaction_id", transactionID),
		zap.Int("tickets", len(tickets)))

	_ = r.publishConfirmed(ctx, order, event, items, tickets)
	return true, nil
}

func (r *Reconciler) applyExpired(ctx context.Context, logger *zap.Logger, sessionID string) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.applyExpired", attribute.String("session_id", sessionID))
	defer span.End()

	order, err := r.repo.GetOrderBySessionID(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		util.WebhookEventsTotal.WithLabelValues(string(payment.EventCheckoutExpired), util.OutcomeNoop).Inc()
		logger.Warn("Order not found for expired session")
		return nil
	}
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(string(payment.EventCheckoutExpired), util.OutcomeFailed).Inc()
		return fmt.Errorf("failed to load order for session %s: %w", sessionID, err)
	}

	released, applied, err := cancelPending(ctx, r.repo, order)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(string(payment.EventCheckoutExpired), util.OutcomeFailed).Inc()
		util.RecordError(span, err)
		return err
	}
	if !applied {
		util.WebhookEventsTotal.WithLabelValues(string(payment.EventCheckoutExpired), util.OutcomeNoop).Inc()
		logger.Info("Expired session for settled order ignored",
			zap.Int64("order_id", order.ID),
			zap.String("status", string(order.Status)))
		return nil
	}

	util.WebhookEventsTotal.WithLabelValues(string(payment.EventCheckoutExpired), util.OutcomeApplied).Inc()
	util.OrdersCancelledTotal.WithLabelValues(models.CancelReasonExpired).Inc()
	logger.Info("Order cancelled due to expired session",
		zap.Int64("order_id", order.ID),
		zap.Int("released", released))

	publishCancelled(ctx, r.publisher, order.ID, models.CancelReasonExpired)
	return nil
}

// cancelPending cancels a PENDING order and returns its stock, reporting how many tickets went back
func cancelPending(ctx context.Context, repo OrderRepository, order *models.Order) (int, bool, error) {
	if order.Status != models.OrderStatusPending {
		return 0, false, nil
	}

	items, err := repo.GetOrderItems(ctx, order.ID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to load items of order %d: %w", order.ID, err)
	}

	applied, err := repo.CancelPendingOrder(ctx, order.ID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to cancel order %d: %w", order.ID, err)
	}
	if !applied {
		return 0, false, nil
	}

	released := lo.SumBy(items, func(item models.OrderItem) int { return item.Quantity })
	util.InventoryReleasedTickets.Add(float64(released))
	return released, true, nil
}

// publishConfirmed emits ORDER_CONFIRMED. A failure is logged and returned; the order stays confirmed.
func (r *Reconciler) publishConfirmed(ctx context.Context, order *models.Order, event *models.Event, items []models.OrderItem, tickets []issuance.Ticket) error {
	byItem := lo.KeyBy(items, func(item models.OrderItem) int64 { return item.ID })

	msg := &models.OrderConfirmedEvent{
		BaseEvent:     models.NewBaseEvent(models.EventTypeOrderConfirmed),
		OrderID:       order.ID,
		UserID:        order.UserID,
		CustomerEmail: order.CustomerEmail,
		EventTitle:    event.Title,
		EventDate:     event.EventDate,
		VenueName:     event.VenueName,
		TotalAmount:   order.TotalAmount,
		Tickets: lo.Map(tickets, func(t issuance.Ticket, _ int) models.TicketData {
			item := byItem[t.OrderItemID]
			return models.TicketData{
				OrderItemID:  t.OrderItemID,
				TicketTypeID: item.TicketTypeID,
				Quantity:     item.Quantity,
				TicketCode:   t.Code,
				QRCode:       t.QRCode,
			}
		}),
	}

	if err := r.publisher.PublishOrderConfirmed(ctx, msg); err != nil {
		util.LoggerFromContext(ctx).Error("Failed to publish OrderConfirmed event",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		return err
	}
	return nil
}

func publishCancelled(ctx context.Context, publisher EventPublisher, orderID int64, reason string) {
	msg := &models.OrderCancelledEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   orderID,
		Reason:    reason,
	}
	if err := publisher.PublishOrderCancelled(ctx, msg); err != nil {
		util.LoggerFromContext(ctx).Error("Failed to publish OrderCancelled event",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
}
