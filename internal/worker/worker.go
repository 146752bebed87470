package worker

import (
	"context"

	"ticket-service/internal/broker"
	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"go.uber.org/zap"
)

// Mailer delivers customer notifications
type Mailer interface {
	SendTicketPurchaseEmail(ctx context.Context, event *models.OrderConfirmedEvent) error
	SendRefundEmail(ctx context.Context, event *models.OrderRefundedEvent) error
}

type messageConsumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// NotificationWorker turns order lifecycle events into customer emails.
// Delivery is best-effort: a failed send is counted and dropped.
type NotificationWorker struct {
	consumer     messageConsumer
	eventHandler *broker.EventHandler
	mailer       Mailer
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer messageConsumer, mailer Mailer) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		mailer:       mailer,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnOrderConfirmed(w.handleOrderConfirmed)
	w.eventHandler.OnOrderRefunded(w.handleOrderRefunded)
	return w
}

// Start consumes order events until ctx is cancelled
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

func (w *NotificationWorker) handleOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error {
	if err := w.mailer.SendTicketPurchaseEmail(ctx, event); err != nil {
		util.NotificationsFailedTotal.WithLabelValues("ticket_purchase").Inc()
		util.LoggerFromContext(ctx).Error("Failed to send ticket purchase email",
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
	}
	return nil
}

func (w *NotificationWorker) handleOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error {
	if err := w.mailer.SendRefundEmail(ctx, event); err != nil {
		util.NotificationsFailedTotal.WithLabelValues("refund").Inc()
		util.LoggerFromContext(ctx).Error("Failed to send refund email",
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
	}
	return nil
}

// LogMailer writes notifications to the log instead of sending them
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer() *LogMailer {
	return &LogMailer{logger: util.GetLogger().Named("mailer")}
}

func (m *LogMailer) SendTicketPurchaseEmail(_ context.Context, event *models.OrderConfirmedEvent) error {
	m.logger.Info("Ticket purchase email",
		zap.String("to", event.CustomerEmail),
		zap.Int64("order_id", event.OrderID),
		zap.String("event_title", event.EventTitle),
		zap.Time("event_date", event.EventDate),
		zap.String("venue", event.VenueName),
		zap.String("total", event.TotalAmount.StringFixed(2)),
		zap.Int("tickets", len(event.Tickets)))
	return nil
}

func (m *LogMailer) SendRefundEmail(_ context.Context, event *models.OrderRefundedEvent) error {
	m.logger.Info("Refund email",
		zap.String("to", event.CustomerEmail),
		zap.Int64("order_id", event.OrderID),
		zap.String("amount", event.Amount.StringFixed(2)),
		zap.String("transaction_id", event.TransactionID))
	return nil
}
