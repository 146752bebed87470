package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is the read-only view of an event that tickets are sold for
type Event struct {
	ID          int64       `db:"id" json:"id"`
	OrganizerID int64       `db:"organizer_id" json:"organizer_id"`
	Title       string      `db:"title" json:"title"`
	EventDate   time.Time   `db:"event_date" json:"event_date"`
	VenueName   string      `db:"venue_name" json:"venue_name"`
	Status      EventStatus `db:"status" json:"status"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}

// TicketType is a priced admission category with its own inventory pool
type TicketType struct {
	ID                int64           `db:"id" json:"id"`
	EventID           int64           `db:"event_id" json:"event_id"`
	Name              string          `db:"name" json:"name"`
	Description       string          `db:"description" json:"description,omitempty"`
	Price             decimal.Decimal `db:"price" json:"price"`
	TotalQuantity     int             `db:"total_quantity" json:"total_quantity"`
	QuantityAvailable int             `db:"quantity_available" json:"quantity_available"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Order represents a customer order for one event
type Order struct {
	ID            int64           `db:"id" json:"id"`
	UserID        int64           `db:"user_id" json:"user_id"`
	EventID       int64           `db:"event_id" json:"event_id"`
	CustomerEmail string          `db:"customer_email" json:"customer_email"`
	Status        OrderStatus     `db:"status" json:"status"`
	TotalAmount   decimal.Decimal `db:"total_amount" json:"total_amount"`
	SessionID     *string         `db:"session_id" json:"session_id,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem is one ticket-type line of an order. Ticket fields are filled on confirmation.
type OrderItem struct {
	ID             int64           `db:"id" json:"id"`
	OrderID        int64           `db:"order_id" json:"order_id"`
	TicketTypeID   int64           `db:"ticket_type_id" json:"ticket_type_id"`
	Quantity       int             `db:"quantity" json:"quantity"`
	PricePerTicket decimal.Decimal `db:"price_per_ticket" json:"price_per_ticket"`
	TicketCode     *string         `db:"ticket_code" json:"ticket_code,omitempty"`
	QRCode         *string         `db:"qr_code" json:"qr_code,omitempty"`
	IsValid        bool            `db:"is_valid" json:"is_valid"`
}

// Payment represents a settled provider transaction for an order
type Payment struct {
	ID            int64           `db:"id" json:"id"`
	OrderID       int64           `db:"order_id" json:"order_id"`
	UserID        int64           `db:"user_id" json:"user_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Status        PaymentStatus   `db:"status" json:"status"`
	TransactionID string          `db:"transaction_id" json:"transaction_id"`
	PaymentMethod string          `db:"payment_method" json:"payment_method"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderDetails is an order together with its items and payment, if any
type OrderDetails struct {
	Order    Order       `json:"order"`
	Items    []OrderItem `json:"items"`
	Payment  *Payment    `json:"payment,omitempty"`
	Refunded bool        `json:"refunded"`
}

type EventStatus string

// Event statuses
const (
	EventStatusPending   EventStatus = "PENDING"
	EventStatusApproved  EventStatus = "APPROVED"
	EventStatusActive    EventStatus = "ACTIVE"
	EventStatusCancelled EventStatus = "CANCELLED"
)

type OrderStatus string

// Order statuses
const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusCompleted OrderStatus = "COMPLETED"
)

type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusError     PaymentStatus = "ERROR"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

const (
	PaymentMethodCard   = "CREDIT_CARD"
	PaymentMethodManual = "MANUAL"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusCompleted},
}

// CanTransition reports whether an order may move from one status to another.
// CANCELLED and COMPLETED are terminal.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsSettled reports whether the order has been paid for.
func (o *Order) IsSettled() bool {
	return o.Status == OrderStatusConfirmed || o.Status == OrderStatusCompleted
}

// Subtotal returns price × quantity for the line.
func (i *OrderItem) Subtotal() decimal.Decimal {
	return i.PricePerTicket.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// CalculateTotal sums the snapshotted subtotals of all items
func CalculateTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for i := range items {
		total = total.Add(items[i].Subtotal())
	}
	return total
}

// IsBookable reports whether tickets can still be bought for the event at now.
// Events dated today remain bookable.
func (e *Event) IsBookable(now time.Time) bool {
	if e.Status != EventStatusApproved {
		return false
	}
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	// DATE columns scan as midnight UTC; the stored calendar day is taken as is.
	ey, em, ed := e.EventDate.Date()
	eventDay := time.Date(ey, em, ed, 0, 0, 0, 0, now.Location())
	return !eventDay.Before(today)
}

// Roles
const (
	RoleUser      = "ROLE_USER"
	RoleOrganizer = "ROLE_ORGANIZER"
	RoleAdmin     = "ROLE_ADMIN"
)

// Principal is the authenticated caller of an operation
type Principal struct {
	UserID int64    `json:"user_id"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (p Principal) IsAdmin() bool {
	return p.HasRole(RoleAdmin)
}

// CanAccessOrder is true for the order owner and for admins.
func (p Principal) CanAccessOrder(o *Order) bool {
	return o.UserID == p.UserID || p.IsAdmin()
}

// CanManageEvent is true for the event organizer and for admins.
func (p Principal) CanManageEvent(e *Event) bool {
	return p.IsAdmin() || (p.HasRole(RoleOrganizer) && e.OrganizerID == p.UserID)
}
