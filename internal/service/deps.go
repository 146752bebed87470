package service

import (
	"context"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/store"
)

// InventoryRepository is the ticket type storage the ledger works on
type InventoryRepository interface {
	GetEvent(ctx context.Context, id int64) (*models.Event, error)
	CreateTicketType(ctx context.Context, tt *models.TicketType) error
	GetTicketType(ctx context.Context, id int64) (*models.TicketType, error)
	GetTicketTypesByIDs(ctx context.Context, ids []int64) ([]models.TicketType, error)
	ListTicketTypesByEvent(ctx context.Context, eventID int64) ([]models.TicketType, error)
	ReserveTickets(ctx context.Context, ticketTypeID int64, qty int) (int, error)
	ReleaseTickets(ctx context.Context, ticketTypeID int64, qty int) (int, error)
	SetAvailable(ctx context.Context, ticketTypeID int64, available int) (*models.TicketType, error)
}

// OrderRepository persists orders. Every state-changing method is a single transaction
// and reports false when the order was no longer in the required state.
type OrderRepository interface {
	CreateReservation(ctx context.Context, order *models.Order, items []models.OrderItem) error
	AttachSession(ctx context.Context, orderID int64, sessionID string) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error)
	ListOrdersByEvent(ctx context.Context, eventID int64) ([]models.Order, error)
	ListOrders(ctx context.Context) ([]models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
	ConfirmOrder(ctx context.Context, orderID int64, tickets []store.IssuedTicket, payment *models.Payment) (bool, error)
	CancelPendingOrder(ctx context.Context, orderID int64) (bool, error)
	CompleteOrder(ctx context.Context, orderID int64) (bool, error)
	RefundOrder(ctx context.Context, orderID int64) (bool, error)
}

type Repository interface {
	InventoryRepository
	OrderRepository
}

// EventPublisher emits order lifecycle events. Failures are logged by callers, never propagated.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishOrderCompleted(ctx context.Context, event *models.OrderCompletedEvent) error
	PublishOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error
}

// Cache backs checkout idempotency keys and webhook redelivery detection.
// A nil Cache disables both; correctness never depends on it.
type Cache interface {
	GetIdempotentResponse(ctx context.Context, key string) ([]byte, bool, error)
	SetIdempotentResponse(ctx context.Context, key string, value []byte, ttl time.Duration) error
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}
