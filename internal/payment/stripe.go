package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"storefront/internal/models"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/checkout/session"
	"github.com/stripe/stripe-go/v80/webhook"
)

// StripeGateway opens Stripe Checkout sessions
type StripeGateway struct {
	sessions      *session.Client
	webhookSecret string
	currency      string
	sessionTTL    time.Duration
}

// NewStripeGateway creates a gateway using the Stripe API backend
func NewStripeGateway(apiKey, webhookSecret, currency string, sessionTTL time.Duration) *StripeGateway {
	return NewStripeGatewayWithBackend(stripe.GetBackend(stripe.APIBackend), apiKey, webhookSecret, currency, sessionTTL)
}

// NewStripeGatewayWithBackend creates a gateway on a custom backend
func NewStripeGatewayWithBackend(b stripe.Backend, apiKey, webhookSecret, currency string, sessionTTL time.Duration) *StripeGateway {
	return &StripeGateway{
		sessions:      &session.Client{B: b, Key: apiKey},
		webhookSecret: webhookSecret,
		currency:      currency,
		sessionTTL:    sessionTTL,
	}
}

func (g *StripeGateway) Name() string { return "stripe" }

func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	defer observe(g.Name(), "create_session", time.Now())

	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = req.CallbackURL
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.CallbackURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(strconv.FormatInt(req.TxID, 10)),
		ExpiresAt:         stripe.Int64(time.Now().Add(g.sessionTTL).Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(g.currency),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Storefront order checkout"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("tx_id", strconv.FormatInt(req.TxID, 10))
	params.AddMetadata("owner_id", strconv.FormatInt(req.OwnerID, 10))

	s, err := g.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe session: %w", err)
	}
	return &Session{ID: s.ID, CheckoutURL: s.URL}, nil
}

func (g *StripeGateway) QuerySessionStatus(ctx context.Context, sessionID string) (models.TxStatus, error) {
	defer observe(g.Name(), "query_session", time.Now())

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")

	s, err := g.sessions.Get(sessionID, params)
	if err != nil {
		return "", wrapStripeError("query stripe session "+sessionID, err)
	}
	return mapCheckoutSession(s), nil
}

func (g *StripeGateway) DestroySession(ctx context.Context, sessionID string) error {
	defer observe(g.Name(), "destroy_session", time.Now())

	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx

	if _, err := g.sessions.Expire(sessionID, params); err != nil {
		return wrapStripeError("expire stripe session "+sessionID, err)
	}
	return nil
}

// mapCheckoutSession settles from the session state first, then from the
// payment intent of a completed session
func mapCheckoutSession(s *stripe.CheckoutSession) models.TxStatus {
	switch s.Status {
	case stripe.CheckoutSessionStatusExpired:
		return models.StatusFailed
	case stripe.CheckoutSessionStatusOpen:
		return models.StatusCreated
	}

	if s.PaymentIntent != nil {
		switch s.PaymentIntent.Status {
		case stripe.PaymentIntentStatusCanceled:
			return models.StatusCancelled
		case stripe.PaymentIntentStatusSucceeded:
			return models.StatusSucceeded
		}
	}
	return models.StatusCreated
}

func wrapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
		return fmt.Errorf("%s: %w", op, ErrSessionNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// WebhookSettlement identifies the transaction a checkout webhook is about
type WebhookSettlement struct {
	EventID   string
	EventType string
	TxID      int64
	OwnerID   int64
	SessionID string
}

// ParseWebhook verifies a Stripe webhook and extracts the transaction of a
// checkout session event. ok is false for event types that do not settle a
// transaction.
func (g *StripeGateway) ParseWebhook(payload []byte, signatureHeader string) (settlement *WebhookSettlement, ok bool, err error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, false, fmt.Errorf("verify stripe webhook: %w", err)
	}

	switch event.Type {
	case "checkout.session.completed",
		"checkout.session.expired",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed":
	default:
		return nil, false, nil
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return nil, false, fmt.Errorf("decode checkout session: %w", err)
	}

	txID, err := strconv.ParseInt(s.Metadata["tx_id"], 10, 64)
	if err != nil {
		if txID, err = strconv.ParseInt(s.ClientReferenceID, 10, 64); err != nil {
			return nil, false, fmt.Errorf("checkout session %s has no transaction id", s.ID)
		}
	}
	ownerID, err := strconv.ParseInt(s.Metadata["owner_id"], 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("checkout session %s has no owner id", s.ID)
	}

	return &WebhookSettlement{
		EventID:   event.ID,
		EventType: string(event.Type),
		TxID:      txID,
		OwnerID:   ownerID,
		SessionID: s.ID,
	}, true, nil
}
