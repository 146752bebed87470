package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"ticket-service/internal/broker"
	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replayConsumer struct {
	messages []kafka.Message
	closed   bool
}

func (c *replayConsumer) StartConsuming(ctx context.Context, handler broker.MessageHandler) error {
	for _, msg := range c.messages {
		_ = handler(ctx, msg)
	}
	return nil
}

func (c *replayConsumer) Close() error {
	c.closed = true
	return nil
}

type recordingMailer struct {
	mu        sync.Mutex
	purchases []int64
	refunds   []int64
	err       error
}

func (m *recordingMailer) SendTicketPurchaseEmail(_ context.Context, e *models.OrderConfirmedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases = append(m.purchases, e.OrderID)
	return m.err
}

func (m *recordingMailer) SendRefundEmail(_ context.Context, e *models.OrderRefundedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds = append(m.refunds, e.OrderID)
	return m.err
}

func message(t *testing.T, event interface{}) kafka.Message {
	t.Helper()
	b, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func orderEvents(t *testing.T) []kafka.Message {
	return []kafka.Message{
		message(t, &models.OrderCreatedEvent{BaseEvent: models.NewBaseEvent(models.EventTypeOrderCreated), OrderID: 1}),
		message(t, &models.OrderConfirmedEvent{
			BaseEvent:     models.NewBaseEvent(models.EventTypeOrderConfirmed),
			OrderID:       1,
			CustomerEmail: "alice@example.com",
			TotalAmount:   decimal.RequireFromString("30.00"),
		}),
		message(t, &models.OrderRefundedEvent{
			BaseEvent:     models.NewBaseEvent(models.EventTypeOrderRefunded),
			OrderID:       1,
			CustomerEmail: "alice@example.com",
			Amount:        decimal.RequireFromString("30.00"),
		}),
	}
}

func TestNotificationWorkerDispatchesEmails(t *testing.T) {
	consumer := &replayConsumer{messages: orderEvents(t)}
	mailer := &recordingMailer{}
	w := NewNotificationWorker(consumer, mailer)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())

	assert.Equal(t, []int64{1}, mailer.purchases)
	assert.Equal(t, []int64{1}, mailer.refunds)
	assert.True(t, consumer.closed)
}

func TestNotificationWorkerSwallowsMailerErrors(t *testing.T) {
	consumer := &replayConsumer{messages: orderEvents(t)}
	mailer := &recordingMailer{err: errors.New("smtp down")}
	w := NewNotificationWorker(consumer, mailer)

	purchaseBefore := testutil.ToFloat64(util.NotificationsFailedTotal.WithLabelValues("ticket_purchase"))
	refundBefore := testutil.ToFloat64(util.NotificationsFailedTotal.WithLabelValues("refund"))

	for _, msg := range consumer.messages {
		assert.NoError(t, w.eventHandler.HandleMessage(context.Background(), msg))
	}

	assert.Equal(t, purchaseBefore+1, testutil.ToFloat64(util.NotificationsFailedTotal.WithLabelValues("ticket_purchase")))
	assert.Equal(t, refundBefore+1, testutil.ToFloat64(util.NotificationsFailedTotal.WithLabelValues("refund")))
}

func TestLogMailer(t *testing.T) {
	m := NewLogMailer()
	assert.NoError(t, m.SendTicketPurchaseEmail(context.Background(), &models.OrderConfirmedEvent{OrderID: 3}))
	assert.NoError(t, m.SendRefundEmail(context.Background(), &models.OrderRefundedEvent{OrderID: 3}))
}
