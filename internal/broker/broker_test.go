package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ticket-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestPublisherKeysByOrder(t *testing.T) {
	w := &fakeWriter{}
	pub := NewEventPublisher(&Producer{writer: w})

	event := &models.OrderConfirmedEvent{
		BaseEvent:     models.NewBaseEvent(models.EventTypeOrderConfirmed),
		OrderID:       7,
		CustomerEmail: "buyer@example.com",
		TotalAmount:   decimal.RequireFromString("45.00"),
	}
	require.NoError(t, pub.PublishOrderConfirmed(context.Background(), event))
	require.NoError(t, pub.PublishOrderCancelled(context.Background(), &models.OrderCancelledEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   8,
		Reason:    models.CancelReasonExpired,
	}))

	require.Len(t, w.messages, 2)
	assert.Equal(t, "order-7", string(w.messages[0].Key))
	assert.Equal(t, "order-8", string(w.messages[1].Key))

	var decoded models.OrderConfirmedEvent
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, models.EventTypeOrderConfirmed, decoded.EventType)
	assert.True(t, decoded.TotalAmount.Equal(decimal.RequireFromString("45")))
}

func TestPublishWriteError(t *testing.T) {
	pub := NewEventPublisher(&Producer{writer: &fakeWriter{err: errors.New("broker down")}})

	err := pub.PublishOrderCompleted(context.Background(), &models.OrderCompletedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderCompleted),
		OrderID:   1,
	})
	assert.ErrorContains(t, err, "broker down")
}

func TestEventHandlerRouting(t *testing.T) {
	var confirmed, refunded []int64
	h := NewEventHandler()
	h.OnOrderConfirmed(func(_ context.Context, e *models.OrderConfirmedEvent) error {
		confirmed = append(confirmed, e.OrderID)
		return nil
	})
	h.OnOrderRefunded(func(_ context.Context, e *models.OrderRefundedEvent) error {
		refunded = append(refunded, e.OrderID)
		return nil
	})

	msg := func(v interface{}) kafka.Message {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return kafka.Message{Value: b}
	}

	ctx := context.Background()
	require.NoError(t, h.HandleMessage(ctx, msg(&models.OrderConfirmedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderConfirmed), OrderID: 1})))
	require.NoError(t, h.HandleMessage(ctx, msg(&models.OrderRefundedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderRefunded), OrderID: 2})))
	require.NoError(t, h.HandleMessage(ctx, msg(&models.OrderCreatedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderCreated), OrderID: 3})))

	assert.Equal(t, []int64{1}, confirmed)
	assert.Equal(t, []int64{2}, refunded)

	assert.Error(t, h.HandleMessage(ctx, kafka.Message{Value: []byte("not json")}))
}

func TestConsumerCommitsHandledMessages(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 1}, {Offset: 2}}}
	c := &Consumer{reader: r, topic: "order-events"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.StartConsuming(ctx, func(_ context.Context, msg kafka.Message) error {
			if msg.Offset == 1 {
				return errors.New("poison")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return r.committedCount() == 2 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
