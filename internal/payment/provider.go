// Package payment abstracts the hosted checkout provider: opening payment sessions
// and authenticating the asynchronous events it delivers back.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidSignature is returned when a webhook payload fails authentication
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Provider opens checkout sessions and parses signed webhook deliveries
type Provider interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	ParseEvent(payload []byte, signature string) (*Event, error)
}

// SessionRequest describes a checkout for one order
type SessionRequest struct {
	OrderID       int64
	UserID        int64
	EventID       int64
	CustomerEmail string
	Items         []LineItem
	ExpiresAt     time.Time
}

// LineItem is one priced row on the provider's checkout page
type LineItem struct {
	Name        string
	Description string
	UnitPrice   decimal.Decimal
	Quantity    int
}

// Session is the provider handle returned to the buyer
type Session struct {
	ID  string
	URL string
}

type EventType string

const (
	EventCheckoutCompleted EventType = "completed"
	EventCheckoutExpired   EventType = "expired"
	EventOther             EventType = "other"
)

// Event is an authenticated provider notification reduced to what reconciliation needs
type Event struct {
	ID        string
	Type      EventType
	RawType   string
	SessionID string
	PaymentID string
}
