package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	stripeCheckoutCompleted = "checkout.session.completed"
	stripeCheckoutExpired   = "checkout.session.expired"
)

// StripeConfig holds Stripe Checkout credentials and redirect targets
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Currency      string
}

// StripeProvider implements Provider on Stripe Checkout
type StripeProvider struct {
	cfg        StripeConfig
	newSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// ErrMissingWebhookSecret is returned when no webhook signing secret is configured
var ErrMissingWebhookSecret = errors.New("stripe webhook secret is not configured")

// NewStripeProvider creates a Stripe-backed provider. A webhook signing secret is required.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}
	sc := client.New(cfg.SecretKey, nil)
	return &StripeProvider{
		cfg:        cfg,
		newSession: sc.CheckoutSessions.New,
	}, nil
}

// CreateSession opens a hosted checkout session for an order
func (p *StripeProvider) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:    stripe.String(p.cfg.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:     stripe.String(p.cfg.CancelURL),
		CustomerEmail: stripe.String(req.CustomerEmail),
		ExpiresAt:     stripe.Int64(req.ExpiresAt.Unix()),
	}
	params.Context = ctx

	for _, item := range req.Items {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(item.Name),
		}
		if item.Description != "" {
			product.Description = stripe.String(item.Description)
		}

		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(p.cfg.Currency),
				UnitAmount:  stripe.Int64(toMinorUnits(item.UnitPrice)),
				ProductData: product,
			},
			Quantity: stripe.Int64(int64(item.Quantity)),
		})
	}

	params.AddMetadata("orderId", strconv.FormatInt(req.OrderID, 10))
	params.AddMetadata("userId", strconv.FormatInt(req.UserID, 10))
	params.AddMetadata("eventId", strconv.FormatInt(req.EventID, 10))

	s, err := p.newSession(params)
	if err != nil {
		return nil, fmt.Errorf("stripe checkout session: %w", err)
	}

	return &Session{ID: s.ID, URL: s.URL}, nil
}

// ParseEvent authenticates a webhook delivery and extracts the checkout session it refers to
func (p *StripeProvider) ParseEvent(payload []byte, signature string) (*Event, error) {
	if p.cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, ErrMissingWebhookSecret)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, p.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: ev.ID, RawType: string(ev.Type), Type: EventOther}
	switch string(ev.Type) {
	case stripeCheckoutCompleted:
		out.Type = EventCheckoutCompleted
	case stripeCheckoutExpired:
		out.Type = EventCheckoutExpired
	default:
		return out, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	out.SessionID = session.ID
	if session.PaymentIntent != nil {
		out.PaymentID = session.PaymentIntent.ID
	}
	// Sessions settled without a payment intent are recorded under the session id.
	if out.Type == EventCheckoutCompleted && out.PaymentID == "" {
		out.PaymentID = session.ID
	}
	return out, nil
}

// toMinorUnits converts a two-decimal amount to cents
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
