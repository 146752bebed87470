package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated   = "ORDER_CREATED"
	EventTypeOrderConfirmed = "ORDER_CONFIRMED"
	EventTypeOrderCancelled = "ORDER_CANCELLED"
	EventTypeOrderCompleted = "ORDER_COMPLETED"
	EventTypeOrderRefunded  = "ORDER_REFUNDED"
)

// Cancellation reasons
const (
	CancelReasonUser    = "cancelled_by_user"
	CancelReasonAdmin   = "cancelled_by_admin"
	CancelReasonExpired = "checkout_session_expired"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// OrderCreatedEvent published when a checkout reserves inventory
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	UserID      int64           `json:"user_id"`
	EventID     int64           `json:"ticketed_event_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderConfirmedEvent published once payment is reconciled; drives the purchase email
type OrderConfirmedEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	UserID        int64           `json:"user_id"`
	CustomerEmail string          `json:"customer_email"`
	EventTitle    string          `json:"event_title"`
	EventDate     time.Time       `json:"event_date"`
	VenueName     string          `json:"venue_name"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Tickets       []TicketData    `json:"tickets"`
}

// OrderCancelledEvent published when a pending order is cancelled or expires
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderCompletedEvent published when an admin settles a confirmed order
type OrderCompletedEvent struct {
	BaseEvent
	OrderID int64 `json:"order_id"`
}

// OrderRefundedEvent published after an admin refund; drives the refund email
type OrderRefundedEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	UserID        int64           `json:"user_id"`
	CustomerEmail string          `json:"customer_email"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	TicketTypeID   int64           `json:"ticket_type_id"`
	Quantity       int             `json:"quantity"`
	PricePerTicket decimal.Decimal `json:"price_per_ticket"`
}

// TicketData carries an issued ticket in events
type TicketData struct {
	OrderItemID  int64  `json:"order_item_id"`
	TicketTypeID int64  `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
	TicketCode   string `json:"ticket_code"`
	QRCode       string `json:"qr_code"`
}
